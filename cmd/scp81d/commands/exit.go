package commands

import "errors"

// Exit codes surfaced by main. Ordinary failures exit 1; the codes below
// mark the failures operators script against.
const (
	ExitBindFailure   = 2
	ExitKeystoreError = 3
	ExitConfigError   = 4
)

// CodedError carries a process exit code alongside the underlying error.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }

func (e *CodedError) Unwrap() error { return e.Err }

// WithExitCode wraps err so main exits with the given code. A nil err stays
// nil.
func WithExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// ExitCode extracts the exit code from an error chain. Errors without a
// code exit 1; nil exits 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return 1
}
