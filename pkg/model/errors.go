package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrentUpdate is returned when another update for the same driver is in flight.
	// Callers should retry with backoff.
	ErrConcurrentUpdate = errors.New("concurrent update in progress for driver")

	// ErrCacheUnavailable is returned when the location cache cannot be reached in time.
	ErrCacheUnavailable = errors.New("location cache unavailable")

	ErrNotFound = errors.New("not found")
)

// ValidationError describes input that can never succeed, no matter how often it is retried.
type ValidationError struct {
	Fields []FieldError
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StoreWriteError wraps a failed durable store write. It is logged, never returned to callers.
type StoreWriteError struct {
	Operation string
	Err       error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s: %v", e.Operation, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
