package postgres

import (
	"context"
	"io"
	"net"

	"github.com/dataferry/dataferry/pkg/errors/coded"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/jackc/pgconn"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// mapError attaches a stable code to a driver error so retry policy can be
// decided without string matching.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if xerrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "28P01" || pgErr.Code == "28000":
			return coded.NewCodedError(codes.InvalidCredential, err)
		case pgErr.Code == "42804" || pgErr.Code == "22P02" || pgErr.Code == "22003" || pgErr.Code == "22001":
			return coded.NewCodedError(codes.TypeMismatch, err)
		case pgErr.Code == "57014":
			return coded.NewCodedError(codes.Timeout, err)
		case pgErr.Code == "42P01":
			return coded.NewCodedError(codes.NotFound, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			return coded.NewCodedError(codes.ConstraintViolation, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return coded.NewCodedError(codes.ConnectionLost, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "57":
			return coded.NewCodedError(codes.ConnectionLost, err)
		}
		return err
	}

	var netErr net.Error
	if xerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return coded.NewCodedError(codes.Timeout, err)
		}
		return coded.NewCodedError(codes.ConnectionLost, err)
	}
	if xerrors.Is(err, io.ErrUnexpectedEOF) || xerrors.Is(err, io.EOF) {
		return coded.NewCodedError(codes.ConnectionLost, err)
	}
	if xerrors.Is(err, context.DeadlineExceeded) {
		return coded.NewCodedError(codes.Timeout, err)
	}
	return err
}
