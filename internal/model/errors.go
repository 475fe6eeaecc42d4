package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch without matching messages
type ErrorKind string

const (
	KindUnknown    ErrorKind = "unknown"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindProvider   ErrorKind = "provider"
	KindFetch      ErrorKind = "fetch"
	KindStorage    ErrorKind = "storage"
)

// Error is the typed error returned by every catalog component.
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, stage, message string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Err: err}
}

func NewValidationError(stage, message string, err error) *Error {
	return newError(KindValidation, stage, message, err)
}

func NewNotFoundError(stage, message string, err error) *Error {
	return newError(KindNotFound, stage, message, err)
}

func NewConflictError(stage, message string, err error) *Error {
	return newError(KindConflict, stage, message, err)
}

func NewProviderError(stage, message string, err error) *Error {
	return newError(KindProvider, stage, message, err)
}

func NewFetchError(stage, message string, err error) *Error {
	return newError(KindFetch, stage, message, err)
}

func NewStorageError(stage, message string, err error) *Error {
	return newError(KindStorage, stage, message, err)
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// StageOf returns the stage tag of the outermost *Error in the chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// WithStage tags err with a pipeline stage while keeping its kind.
// Errors that are not *Error are wrapped as KindUnknown.
func WithStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Stage == stage {
			return err
		}
		return &Error{Kind: e.Kind, Stage: stage, Message: e.Message, Err: e.Err}
	}
	return &Error{Kind: KindUnknown, Stage: stage, Message: "unexpected failure", Err: err}
}
