// Package errors carries the adapter's error taxonomy. Every error that
// crosses a component boundary is tagged with a Kind so callers can decide
// between retrying, skipping the item, rejecting the order or giving up.
package errors

import (
	"errors"
	"fmt"
)

var (
	_ error = (*wrappedError)(nil)
	_ error = (*kindError)(nil)
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindMalformedResponse
	KindTransactionReverted
	KindTimeout
	KindConfiguration
	KindAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "TransientNetworkError"
	case KindMalformedResponse:
		return "MalformedResponseError"
	case KindTransactionReverted:
		return "TransactionRevertedError"
	case KindTimeout:
		return "TimeoutError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindAuthentication:
		return "AuthenticationError"
	default:
		return "UnknownError"
	}
}

// Retryable reports whether errors of this kind are retried with backoff.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork || k == KindTimeout
}

// Fatal reports whether errors of this kind stop the adapter from operating.
func (k Kind) Fatal() bool {
	return k == KindConfiguration || k == KindAuthentication
}

func New(text string) error {
	return errors.New(text)
}

// Newf builds a kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

func Wrap(err error, text string) error {
	if err == nil {
		return nil
	}

	if len(text) == 0 {
		return err
	}

	return &wrappedError{
		err: err,
		msg: text,
	}
}

// WithKind tags err with kind. The innermost tag wins when KindOf is asked.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the first kind found in the chain of err.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

type wrappedError struct {
	err error
	msg string
}

const sep = ", err: "

func (err wrappedError) Error() string {
	if err.err == nil {
		return err.msg
	}

	return err.msg + sep + err.err.Error()
}

func (err wrappedError) Unwrap() error {
	if err.err == nil {
		return errors.New(err.msg)
	}

	return err.err
}

type kindError struct {
	kind Kind
	err  error
}

func (err *kindError) Error() string {
	return err.kind.String() + ": " + err.err.Error()
}

func (err *kindError) Unwrap() error {
	return err.err
}
