package mysql

import (
	"context"
	"database/sql/driver"
	"io"
	"net"

	"github.com/dataferry/dataferry/pkg/errors/coded"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/go-sql-driver/mysql"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// mapError attaches a stable code to a driver error so retry policy can be
// decided without string matching.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if xerrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045, 1142:
			return coded.NewCodedError(codes.InvalidCredential, err)
		case 1046, 1049, 1146:
			return coded.NewCodedError(codes.NotFound, err)
		case 1048, 1062, 1216, 1217, 1451, 1452, 1557:
			return coded.NewCodedError(codes.ConstraintViolation, err)
		case 1264, 1265, 1292, 1366, 1406:
			return coded.NewCodedError(codes.TypeMismatch, err)
		case 1205, 3024:
			return coded.NewCodedError(codes.Timeout, err)
		case 1040, 1053, 1077, 1152, 2002, 2003, 2006, 2013:
			return coded.NewCodedError(codes.ConnectionLost, err)
		}
		return err
	}

	if xerrors.Is(err, driver.ErrBadConn) || xerrors.Is(err, mysql.ErrInvalidConn) {
		return coded.NewCodedError(codes.ConnectionLost, err)
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
