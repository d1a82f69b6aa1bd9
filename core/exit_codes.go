package core

import "errors"

// Exit codes for the command line tool.
// Signal-based exits follow the Unix 128 + signal number convention.
const (
	// ExitCodeSuccess indicates the image was written (exit code 0)
	ExitCodeSuccess = 0

	// ExitCodeError indicates a load or generation failure (exit code 1)
	ExitCodeError = 1

	// ExitCodeConfig indicates invalid configuration (exit code 2)
	ExitCodeConfig = 2

	// ExitCodeSIGINT indicates termination due to SIGINT (Ctrl+C)
	// Convention: 128 + 2 (SIGINT) = 130
	ExitCodeSIGINT = 130
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	default:
		return "unknown"
	}
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ExitCodeName(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCodeFor maps an error returned by a command to a process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if _, ok := IsConfigError(err); ok {
		return ExitCodeConfig
	}
	return ExitCodeError
}
