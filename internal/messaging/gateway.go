package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for remembered list options.
const (
	DefaultOptionMemorySize = 10000
	DefaultOptionMemoryTTL  = 24 * time.Hour
)

// GatewayOpts configures a Gateway.
type GatewayOpts struct {
	OptionMemorySize int
	OptionMemoryTTL  time.Duration
	Metrics          *metrics.Metrics
}

// GatewayOption configures a Gateway.
type GatewayOption func(*GatewayOpts)

// WithOptionMemory bounds how many users' text-rendered lists are remembered
// and for how long a numeric reply may refer to them.
func WithOptionMemory(size int, ttl time.Duration) GatewayOption {
	return func(o *GatewayOpts) {
		if size > 0 {
			o.OptionMemorySize = size
		}
		if ttl > 0 {
			o.OptionMemoryTTL = ttl
		}
	}
}

// WithDeliveryMetrics counts outbound messages by kind and result.
func WithDeliveryMetrics(m *metrics.Metrics) GatewayOption {
	return func(o *GatewayOpts) { o.Metrics = m }
}

// Gateway is how workflows and reminders reach a user. It wraps transport
// failures in models.DeliveryError and renders interactive lists as numbered
// text when the transport cannot deliver them.
type Gateway struct {
	svc     Service
	metrics *metrics.Metrics

	mu sync.Mutex
	// lastOptions holds the options of the last list sent as text to a
	// user, so a numeric reply can be mapped back to an option id.
	lastOptions *expirable.LRU[string, []models.ListOption]
}

// NewGateway creates a Gateway over svc.
func NewGateway(svc Service, opts ...GatewayOption) *Gateway {
	cfg := GatewayOpts{
		OptionMemorySize: DefaultOptionMemorySize,
		OptionMemoryTTL:  DefaultOptionMemoryTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Gateway{
		svc:         svc,
		metrics:     cfg.Metrics,
		lastOptions: expirable.NewLRU[string, []models.ListOption](cfg.OptionMemorySize, nil, cfg.OptionMemoryTTL),
	}
}

// Send delivers a text message.
func (g *Gateway) Send(ctx context.Context, to, body string) error {
	return g.send(ctx, "text", to, body)
}

func (g *Gateway) send(ctx context.Context, kind, to, body string) error {
	if err := g.svc.SendMessage(ctx, to, body); err != nil {
		slog.Error("Gateway.Send: delivery failed", "to", to, "kind", kind, "error", err)
		g.metrics.Delivery(kind, metrics.ResultFailed)
		return &models.DeliveryError{To: to, Err: err}
	}
	g.metrics.Delivery(kind, metrics.ResultOK)
	return nil
}

// SendList delivers an interactive list, falling back to a numbered text
// rendering when the transport rejects it.
func (g *Gateway) SendList(ctx context.Context, to string, list models.InteractiveList) error {
	err := g.svc.SendInteractiveList(ctx, to, list)
	if err == nil {
		g.metrics.Delivery("list", metrics.ResultOK)
		g.Forget(to)
		return nil
	}
	g.metrics.Delivery("list", metrics.ResultFailed)
	slog.Warn("Gateway.SendList: list rejected, sending numbered text", "to", to, "error", err)

	if err := g.send(ctx, "list_fallback", to, RenderNumberedList(list)); err != nil {
		return err
	}
	g.lastOptions.Add(to, append([]models.ListOption(nil), list.Options...))
	return nil
}

// ResolveReply maps a bare option number sent after a text-rendered list to
// that option's id. Any other text is returned unchanged.
func (g *Gateway) ResolveReply(from, text string) string {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return text
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	opts, ok := g.lastOptions.Get(from)
	if !ok || n < 1 || n > len(opts) {
		return text
	}
	g.lastOptions.Remove(from)
	slog.Debug("Gateway.ResolveReply: numeric reply resolved", "from", from, "option", opts[n-1].ID)
	return opts[n-1].ID
}

// Forget drops any remembered options for a user.
func (g *Gateway) Forget(to string) {
	g.lastOptions.Remove(to)
}

// RenderNumberedList formats a list as plain text with 1-based option numbers.
func RenderNumberedList(list models.InteractiveList) string {
	var b strings.Builder
	if list.Title != "" {
		fmt.Fprintf(&b, "*%s*\n", list.Title)
	}
	b.WriteString(list.Body)
	b.WriteString("\n")
	for i, o := range list.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Title)
		if o.Description != "" {
			fmt.Fprintf(&b, " (%s)", o.Description)
		}
	}
	b.WriteString("\n\nResponda com o número da opção.")
	return b.String()
}
