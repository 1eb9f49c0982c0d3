package coded

import (
	"fmt"

	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Code is a stable machine-readable error identifier. Codes are registered
// once at init; duplicate registration panics at start.
type Code string

func (c Code) ID() string {
	return string(c)
}

func (c Code) Contains(err error) bool {
	var codedErr CodedError
	unwrapped := err
	for xerrors.As(unwrapped, &codedErr) {
		if codedErr.Code() == c {
			return true
		}
		unwrapped = xerrors.Unwrap(codedErr)
	}
	return false
}

var knownCodes = map[Code]bool{}

func Register(parts ...string) Code {
	code := Code("")
	for i, part := range parts {
		if i > 0 {
			code += "."
		}
		code += Code(part)
	}
	if knownCodes[code] {
		panic(fmt.Sprintf("code: %s already registered", code))
	}
	knownCodes[code] = true
	return code
}

type CodedError interface {
	error
	Code() Code
}

type codedError struct {
	error
	code Code
}

func (c codedError) Code() Code {
	return c.code
}

func (c codedError) Unwrap() error {
	return c.error
}

func Errorf(code Code, format string, args ...interface{}) error {
	return codedError{error: xerrors.Errorf(format, args...), code: code}
}

func NewCodedError(code Code, err error) error {
	return codedError{error: err, code: code}
}

// GetCode extracts the innermost code attached to err, or def when none is.
func GetCode(err error, def Code) Code {
	var codedErr CodedError
	if xerrors.As(err, &codedErr) {
		return codedErr.Code()
	}
	return def
}
