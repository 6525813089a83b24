// Package messaging connects RoutinePipe to its WhatsApp transports. It holds
// the transport-neutral Service, the Gateway used by workflows to reach a
// user, the per-user message Aggregator, and the ingress ResponseHandler.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel send before the event is dropped.
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted canonical phone number.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a pluggable WhatsApp transport. It sends text and interactive
// lists and exposes channels of receipt and inbound message events.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only form of a
	// phone number or JID user part.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendMessage(ctx context.Context, to string, body string) error
	SendInteractiveList(ctx context.Context, to string, list models.InteractiveList) error
	Start(ctx context.Context) error
	Stop() error
	Receipts() <-chan models.Receipt
	Responses() <-chan models.Response
}

// canonicalizePhone strips everything but digits and checks the length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// eventChannels holds the receipt and response channels shared by the
// transports, with stop-safe emitters.
type eventChannels struct {
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
}

func newEventChannels() eventChannels {
	return eventChannels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *eventChannels) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// emitReceipt drops the receipt when the channel stays full past the timeout.
// Channels are never closed, so a send racing with Stop cannot panic.
func (c *eventChannels) emitReceipt(r models.Receipt) {
	if c.stopped() {
		return
	}
	select {
	case c.receipts <- r:
	case <-c.done:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (c *eventChannels) emitResponse(r models.Response) {
	if c.stopped() {
		slog.Warn("messaging dropping inbound message (service stopped)", "from", r.From)
		return
	}
	select {
	case c.responses <- r:
	case <-c.done:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging responses channel blocked, dropping message", "from", r.From)
	}
}
