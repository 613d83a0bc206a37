package agent

import (
	"errors"

	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/thread"
)

var (
	ErrThreadBusy           = errors.New("a run is already active for this thread")
	ErrAwaitingValidation   = errors.New("tool calls are awaiting validation")
	ErrEmptyConversation    = errors.New("conversation is empty")
	ErrInvalidDecision      = errors.New("invalid validation decision")
	ErrValidationInProgress = errors.New("tool call validation already in progress")
)

const unknownErrorMessage = "Unknown error"

// ErrorMessage returns the client-facing text of a failure. Values that are not
// errors, such as recovered panic payloads, become "Unknown error".
func ErrorMessage(v interface{}) string {
	if err, ok := v.(error); ok && err != nil {
		if msg := err.Error(); msg != "" {
			return msg
		}
	}
	return unknownErrorMessage
}

func panicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return errors.New(unknownErrorMessage)
}

// streamWriteError marks a failed write to the client
type streamWriteError struct {
	err error
}

func (e *streamWriteError) Error() string { return "stream write failed: " + e.err.Error() }
func (e *streamWriteError) Unwrap() error { return e.err }

func writeErr(err error) error {
	if err == nil {
		return nil
	}
	return &streamWriteError{err: err}
}

// errorCause labels a run failure for metrics
func errorCause(err error) string {
	var pe *thread.PersistenceError
	var notConfigured *provider.ProviderNotConfiguredError
	var provErr *provider.ProviderError
	switch {
	case errors.As(err, &pe):
		return "persistence"
	case errors.As(err, &notConfigured):
		return "provider_not_configured"
	case errors.As(err, &provErr):
		return "provider"
	case errors.Is(err, ErrThreadBusy):
		return "busy"
	case errors.Is(err, ErrAwaitingValidation):
		return "awaiting_validation"
	case errors.Is(err, ErrInvalidConfig):
		return "config"
	}
	return "other"
}
