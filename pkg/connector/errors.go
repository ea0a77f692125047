package connector

import (
	"errors"
	"fmt"
)

// TransportError reports an unreachable, timed-out, or
// unauthenticated host. There is no local recovery: the owning plan
// fails and the periodic cadences retry naturally.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// CommandError reports a remote command that exited non-zero. The
// captured output stays on the field so callers can mine it without
// leaking command lines (which may carry credentials) into logs.
type CommandError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command failed: %v", e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsCommand reports whether err is a non-zero remote exit
func IsCommand(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
