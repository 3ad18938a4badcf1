package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol covers missing or unknown message types and commands sent by
	// a role that may not issue them.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation covers out-of-range or empty command arguments.
	ErrValidation = errors.New("validation error")

	// ErrOversize is returned for frames above the configured decoded size.
	ErrOversize = errors.New("frame too large")

	// ErrStreamEnded is returned when a frame arrives for an ended stream.
	ErrStreamEnded = errors.New("stream has ended")

	// ErrStreamNotFound is returned when no session exists for a stream id.
	ErrStreamNotFound = errors.New("stream not found")
)

// CommandError is a client-facing error. Error returns the message sent in the
// "error" reply; Unwrap exposes the category for errors.Is.
type CommandError struct {
	Kind    error
	Message string
	Details string
}

func (e *CommandError) Error() string { return e.Message }

func (e *CommandError) Unwrap() error { return e.Kind }

func commandErr(kind error, format string, args ...any) error {
	return &CommandError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func protocolErr(format string, args ...any) error {
	return commandErr(ErrProtocol, format, args...)
}

func validationErr(format string, args ...any) error {
	return commandErr(ErrValidation, format, args...)
}
