package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// InboundLog records transport message ids for de-duplication.
type InboundLog interface {
	RecordInbound(ctx context.Context, messageID string) (bool, error)
}

// ResponseHandler is the ingress of inbound messages. It validates each
// event, drops transport redeliveries, resolves numeric replies to list
// options and hands the text to the Aggregator.
type ResponseHandler struct {
	inbound    InboundLog
	gateway    *Gateway
	aggregator *Aggregator
	limiter    *limiter.Limiter
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithRateLimit caps how many messages one sender may have admitted per
// period. Excess messages fail with models.ErrRateLimited.
func WithRateLimit(rate limiter.Rate) ResponseHandlerOption {
	return func(rh *ResponseHandler) {
		if rate.Limit > 0 && rate.Period > 0 {
			rh.limiter = limiter.New(memory.NewStore(), rate)
		}
	}
}

// NewResponseHandler creates a ResponseHandler. inbound may be nil to
// disable de-duplication.
func NewResponseHandler(inbound InboundLog, gateway *Gateway, aggregator *Aggregator, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{inbound: inbound, gateway: gateway, aggregator: aggregator}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse admits one inbound message. A models.ValidationError means
// the event was rejected and no turn was started.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	if err := response.Validate(); err != nil {
		slog.Warn("ResponseHandler rejected inbound message", "error", err, "from", response.From)
		return err
	}
	from, err := canonicalizePhone(response.From)
	if err != nil {
		slog.Warn("ResponseHandler rejected sender", "error", err, "from", response.From)
		return &models.ValidationError{Field: "from", Err: err}
	}

	if response.MessageID != "" && rh.inbound != nil {
		fresh, err := rh.inbound.RecordInbound(ctx, response.MessageID)
		if err != nil {
			// a failed dedup lookup should not lose the message
			slog.Error("ResponseHandler failed to record inbound id", "error", err, "messageID", response.MessageID)
		} else if !fresh {
			slog.Info("ResponseHandler dropping duplicate delivery", "from", from, "messageID", response.MessageID)
			return nil
		}
	}

	if rh.limiter != nil {
		lc, err := rh.limiter.Get(ctx, from)
		if err != nil {
			slog.Error("ResponseHandler rate limiter failed", "error", err, "from", from)
		} else if lc.Reached {
			slog.Warn("ResponseHandler rate limit reached", "from", from, "limit", lc.Limit, "resetAt", lc.Reset)
			return models.ErrRateLimited
		}
	}

	text := response.Text()
	if rh.gateway != nil {
		text = rh.gateway.ResolveReply(from, text)
	}
	slog.Debug("ResponseHandler processing response", "from", from, "bodyLength", len(text))
	if err := rh.aggregator.OnMessage(from, text); err != nil {
		return fmt.Errorf("buffer message from %s: %w", from, err)
	}
	return nil
}

// Start consumes responses until ctx is done.
func (rh *ResponseHandler) Start(ctx context.Context, responses <-chan models.Response) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping")
				return
			case resp := <-responses:
				if err := rh.ProcessResponse(ctx, resp); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", resp.From)
				}
			}
		}
	}()
}
