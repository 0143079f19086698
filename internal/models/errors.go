package models

import (
	"errors"
	"fmt"
	"maps"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
)

type AppError struct {
	Type      ErrorType      `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Cause     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so that sentinels survive WithMetadata/WithCause copies.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithCause(err error) *AppError {
	c := e.clone()
	c.Cause = err
	return c
}

func (e *AppError) WithMetadata(key string, value any) *AppError {
	c := e.clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

func (e *AppError) clone() *AppError {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

func NewValidationError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Code: code, Message: message}
}

func NewExternalError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeExternal, Code: code, Message: message, Retryable: true}
}

func NewInternalError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeInternal, Code: code, Message: message}
}

func NewTimeoutError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeTimeout, Code: code, Message: message, Retryable: true}
}

// WrapExternalError tags err as a failure of the named upstream service.
func WrapExternalError(service string, err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewExternalError(service+"_FAILED", service+" request failed").WithCause(err)
}

func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrorTypeNotFound
}

var (
	ErrConversationNotFound = NewNotFoundError("CONVERSATION_NOT_FOUND", "conversation not found")
	ErrProfileNotFound      = NewNotFoundError("PROFILE_NOT_FOUND", "profile not found")
	ErrPipelineNotFound     = NewNotFoundError("PIPELINE_NOT_FOUND", "pipeline not found")
	ErrEmptyCompletion      = NewExternalError("EMPTY_COMPLETION", "completion returned no content")
)
