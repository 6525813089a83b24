package models

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned when a sender exceeds the inbound rate limit.
var ErrRateLimited = errors.New("inbound rate limit reached")

// ValidationError marks a malformed inbound event. It is rejected at ingress
// and never becomes a turn.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ClassificationError is returned when the language model is unavailable or
// produced output that could not be interpreted.
type ClassificationError struct {
	Op  string
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification %s failed: %v", e.Op, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// WorkflowError is a failure inside a workflow handler. Writes made before the
// failure are not rolled back.
type WorkflowError struct {
	Intent Intent
	Err    error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed: %v", e.Intent, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// DeliveryError is a messaging gateway failure. It is logged and not retried.
type DeliveryError struct {
	To  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
