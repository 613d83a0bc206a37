package provider

import (
	"errors"
	"fmt"
)

// ErrEmptyModel is returned when a model identifier names no model
var ErrEmptyModel = errors.New("model identifier is empty")

// ProviderNotConfiguredError is returned when a model resolves to a backend without
// credentials
type ProviderNotConfiguredError struct {
	Provider string
}

func (e *ProviderNotConfiguredError) Error() string {
	return fmt.Sprintf("provider %s is not configured", e.Provider)
}

// ProviderError wraps a backend failure
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func wrapError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Model: model, Err: err}
}

// handlerError marks an error returned by an EventHandler so it is not wrapped as a
// backend failure
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func guard(handler EventHandler) EventHandler {
	return func(ev Event) error {
		if handler == nil {
			return nil
		}
		if err := handler(ev); err != nil {
			return &handlerError{err: err}
		}
		return nil
	}
}

// finalizeError returns handler errors as they were and wraps everything else
func finalizeError(provider, model string, err error) error {
	var he *handlerError
	if errors.As(err, &he) {
		return he.err
	}
	return wrapError(provider, model, err)
}
