package relay

import "errors"

var (
	ErrInvalidMessage = errors.New("invalid message")

	// ErrForbiddenSender is returned when an authenticated principal posts a
	// message whose from field names someone else.
	ErrForbiddenSender = errors.New("forbidden sender")

	ErrClosed = errors.New("relay closed")
)

func invalid(reason string) error {
	return &invalidError{reason: reason}
}

type invalidError struct{ reason string }

func (e *invalidError) Error() string { return "invalid message: " + e.reason }

func (e *invalidError) Unwrap() error { return ErrInvalidMessage }
