// Package models defines the core data structures for RoutinePipe.
//
// It includes inbound message events, delivery receipts, the user, routine and
// activity records, classifier contracts, and the HTTP response envelope shared
// across modules.
package models

import (
	"errors"
	"time"
)

// MessageStatus is the delivery state reported in a Receipt.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// APIStatus is the status field of an APIResponse.
type APIStatus string

const (
	APIStatusOK       APIStatus = "ok"
	APIStatusError    APIStatus = "error"
	APIStatusAccepted APIStatus = "accepted"
)

// MaxInboundBodyLength bounds a single inbound message body, in bytes.
const MaxInboundBodyLength = 4096

// Inbound validation failures, wrapped in a ValidationError.
var (
	ErrEmptySender      = errors.New("sender cannot be empty")
	ErrEmptyMessageBody = errors.New("message body cannot be empty")
	ErrBodyTooLong      = errors.New("message body exceeds maximum length")
)

// Receipt is a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound message from a user.
//
// ReplyID carries the option id when the message is an answer to an
// interactive list; Body then holds the option's visible title.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	ReplyID   string `json:"reply_id,omitempty"`
	Time      int64  `json:"time"`
}

// Validate checks that the inbound event carries what a turn needs.
func (r *Response) Validate() error {
	if r.From == "" {
		return &ValidationError{Field: "from", Err: ErrEmptySender}
	}
	if r.Body == "" && r.ReplyID == "" {
		return &ValidationError{Field: "body", Err: ErrEmptyMessageBody}
	}
	if len(r.Body) > MaxInboundBodyLength {
		return &ValidationError{Field: "body", Err: ErrBodyTooLong}
	}
	return nil
}

// Text returns the text a turn should see for this event. Interactive replies
// contribute their option id so the dispatcher can route them without a
// classifier round trip.
func (r *Response) Text() string {
	if r.ReplyID != "" {
		return r.ReplyID
	}
	return r.Body
}

// TimerInfo describes a pending one-shot timer.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}

// APIResponse is the JSON envelope of every API answer.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Accepted answers an inbound event queued for a later turn.
func Accepted() APIResponse {
	return APIResponse{Status: string(APIStatusAccepted)}
}

// Error wraps message in an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
