package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport marks network or server failures from a pin source.
	ErrTransport = errors.New("transport failure")
	// ErrDecoding marks malformed upstream responses.
	ErrDecoding = errors.New("decoding failure")
	// ErrCancelled marks cycles abandoned by supersession or shutdown. Never surfaced.
	ErrCancelled = errors.New("cancelled")
)

const defaultErrorMessage = "network error"

// FetchError describes a failed source fetch.
type FetchError struct {
	Kind   error  // one of ErrTransport, ErrDecoding, ErrCancelled
	Source Source // which source failed
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewTransportError wraps err as a transport failure from source.
func NewTransportError(source Source, err error) error {
	return &FetchError{Kind: ErrTransport, Source: source, Err: err}
}

// NewDecodingError wraps err as a decoding failure from source.
func NewDecodingError(source Source, err error) error {
	return &FetchError{Kind: ErrDecoding, Source: source, Err: err}
}

// NewCancelledError wraps err as an abandoned fetch from source.
func NewCancelledError(source Source, err error) error {
	return &FetchError{Kind: ErrCancelled, Source: source, Err: err}
}

// IsCancelled reports whether err means the cycle was abandoned rather than failed.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// ErrorMessage converts err into the message published in an Error state.
func ErrorMessage(err error) string {
	if err == nil || err.Error() == "" {
		return defaultErrorMessage
	}
	return err.Error()
}
