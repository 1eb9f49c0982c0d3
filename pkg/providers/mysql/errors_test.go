package mysql

import (
	"net"
	"testing"

	"github.com/dataferry/dataferry/pkg/errors/coded"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func TestMapErrorDriverNumbers(t *testing.T) {
	cases := []struct {
		number   uint16
		code     coded.Code
		terminal bool
	}{
		{1045, codes.InvalidCredential, true},
		{1062, codes.ConstraintViolation, true},
		{1452, codes.ConstraintViolation, true},
		{1366, codes.TypeMismatch, true},
		{1205, codes.Timeout, false},
		{2013, codes.ConnectionLost, false},
		{1146, codes.NotFound, false},
	}
	for _, tc := range cases {
		err := mapError(&mysql.MySQLError{Number: tc.number, Message: "boom"})
		got := coded.GetCode(err, codes.Unspecified)
		require.Equal(t, tc.code, got, "number %d", tc.number)
		require.Equal(t, tc.terminal, codes.Terminal(got), "number %d", tc.number)
	}
}

func TestMapErrorWrapped(t *testing.T) {
	inner := &mysql.MySQLError{Number: 1045, Message: "access denied"}
	err := mapError(xerrors.Errorf("unable to connect: %w", inner))
	require.True(t, codes.InvalidCredential.Contains(err))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestMapErrorNetwork(t *testing.T) {
	require.True(t, codes.Timeout.Contains(mapError(timeoutErr{})))
	require.True(t, codes.ConnectionLost.Contains(mapError(&net.OpError{
		Op:  "dial",
		Err: &net.DNSError{Err: "no such host", Name: "db.internal"},
	})))
}

func TestMapErrorUnknownPassesThrough(t *testing.T) {
	err := xerrors.New("some app error")
	require.Equal(t, err, mapError(err))
	require.Nil(t, mapError(nil))
}
