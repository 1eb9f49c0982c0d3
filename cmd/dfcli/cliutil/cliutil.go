package cliutil

import (
	"errors"
)

// ExitError carries the process exit code a command decided on. Cobra sees a
// regular error; main translates it right before exiting.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WithCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// Code maps a command result onto a process exit code: 0 on success, the
// carried code if set, 1 otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
