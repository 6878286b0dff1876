package cli

import (
	"errors"
	"fmt"
)

// Exit codes. Config and sandbox violations are distinguished from runtime
// failures so a supervisor can tell "fix the invocation" from "retry".
const (
	ExitSuccess      = 0
	ExitConfigError  = 1 // bad flags, bad config file, sandbox violation
	ExitRuntimeError = 2 // stage or sync failure at runtime
)

// ExitError carries a process exit code alongside the message.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the code. Command handlers wrap their failures in
// ExitError, so anything unclassified is a flag or usage problem.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitConfigError
}
