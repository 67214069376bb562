package listen

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyListening rejects a second Listen while a session is live.
	ErrAlreadyListening = errors.New("already listening")
	// ErrNotListening reports a pause/resume/stop request with no live session.
	ErrNotListening = errors.New("not listening")
	// ErrSessionStopped reports that Stop won the race against the first start attempt.
	ErrSessionStopped = errors.New("session stopped before it became active")
	// ErrReconnectExhausted reports that the configured reconnect budget ran out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// CapabilityError reports missing hardware or credentials at Listen time.
type CapabilityError struct {
	Missing []string
}

func (e *CapabilityError) Error() string {
	return "listen unavailable: missing " + strings.Join(e.Missing, ", ")
}

// TransportError marks a connectivity failure of the recognition channel or
// audio device. Sessions recover from these by reconnecting.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport wraps err as a TransportError. Nil stays nil.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Err: err}
}

// IsTransport reports whether err is recoverable by reconnecting.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
