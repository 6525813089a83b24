package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/scheduler"
)

const (
	// DefaultQuietPeriod is how long a user must stay silent before their
	// buffered messages are flushed as one turn.
	DefaultQuietPeriod = 10 * time.Second
	// DefaultTurnTimeout bounds one dispatched turn. A turn may make several
	// classifier calls of up to a minute each.
	DefaultTurnTimeout = 3 * time.Minute
	// DefaultApology is sent once when a turn cannot be processed.
	DefaultApology = "Desculpe, tive um problema para processar sua mensagem. Pode tentar de novo em instantes?"
)

// TurnDispatcher loads the sender of a turn and processes it.
type TurnDispatcher interface {
	LoadUser(ctx context.Context, userID string) (*models.User, error)
	HandleTurn(ctx context.Context, user *models.User, text string) error
}

// Notifier sends a plain text message to a user.
type Notifier interface {
	Send(ctx context.Context, to, body string) error
}

// pendingTurn buffers the messages of one user until the quiet period ends.
// Once flushed or cancelled it is marked dead and a new one takes its place.
type pendingTurn struct {
	mu       sync.Mutex
	messages []string
	timerID  string
	gen      uint64
	dead     bool
}

// dispatchLock serializes the turns of one user. It is dropped from the map
// once nobody holds or waits for it.
type dispatchLock struct {
	mu    sync.Mutex
	state sync.Mutex
	refs  int
	dead  bool
}

// AggregatorOpts configures an Aggregator.
type AggregatorOpts struct {
	QuietPeriod time.Duration
	TurnTimeout time.Duration
	Apology     string
	Metrics     *metrics.Metrics
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*AggregatorOpts)

// WithQuietPeriod sets the silence window before a turn is flushed.
func WithQuietPeriod(d time.Duration) AggregatorOption {
	return func(o *AggregatorOpts) {
		if d > 0 {
			o.QuietPeriod = d
		}
	}
}

// WithTurnTimeout bounds how long a single dispatched turn may run.
func WithTurnTimeout(d time.Duration) AggregatorOption {
	return func(o *AggregatorOpts) {
		if d > 0 {
			o.TurnTimeout = d
		}
	}
}

// WithApology overrides the text sent when a turn fails.
func WithApology(text string) AggregatorOption {
	return func(o *AggregatorOpts) {
		if text != "" {
			o.Apology = text
		}
	}
}

// WithTurnMetrics records turn results and latency.
func WithTurnMetrics(m *metrics.Metrics) AggregatorOption {
	return func(o *AggregatorOpts) { o.Metrics = m }
}

// Aggregator coalesces rapid messages from one user into a single turn.
//
// Turn state is kept per user, so users never contend on a shared lock.
// Each new message restarts the user's quiet timer; only the timer of the
// latest message flushes. Turns of one user are dispatched one at a time.
type Aggregator struct {
	turns      sync.Map // userID -> *pendingTurn
	dispatchMu sync.Map // userID -> *dispatchLock

	timer      scheduler.Timer
	dispatcher TurnDispatcher
	notifier   Notifier
	opts       AggregatorOpts

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAggregator creates an Aggregator that flushes turns to dispatcher and
// reports failures through notifier.
func NewAggregator(timer scheduler.Timer, dispatcher TurnDispatcher, notifier Notifier, opts ...AggregatorOption) *Aggregator {
	cfg := AggregatorOpts{
		QuietPeriod: DefaultQuietPeriod,
		TurnTimeout: DefaultTurnTimeout,
		Apology:     DefaultApology,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		timer:      timer,
		dispatcher: dispatcher,
		notifier:   notifier,
		opts:       cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnMessage buffers text for userID and restarts the user's quiet timer.
func (a *Aggregator) OnMessage(userID, text string) error {
	if a.ctx.Err() != nil {
		return ErrServiceStopped
	}
	for {
		v, _ := a.turns.LoadOrStore(userID, &pendingTurn{})
		t := v.(*pendingTurn)
		t.mu.Lock()
		if t.dead {
			// flushed between load and lock; retry with a fresh turn
			a.turns.CompareAndDelete(userID, t)
			t.mu.Unlock()
			continue
		}
		t.messages = append(t.messages, text)
		if t.timerID != "" {
			_ = a.timer.Cancel(t.timerID)
		}
		t.gen++
		gen := t.gen
		id, err := a.timer.ScheduleAfter(a.opts.QuietPeriod, func() { a.fire(userID, t, gen) })
		if err != nil {
			t.timerID = ""
			t.mu.Unlock()
			return fmt.Errorf("schedule flush for %s: %w", userID, err)
		}
		t.timerID = id
		count := len(t.messages)
		t.mu.Unlock()
		slog.Debug("Aggregator.OnMessage: buffered", "userID", userID, "pending", count)
		return nil
	}
}

// fire flushes t if gen is still its latest generation.
func (a *Aggregator) fire(userID string, t *pendingTurn, gen uint64) {
	t.mu.Lock()
	if t.dead || t.gen != gen {
		t.mu.Unlock()
		return
	}
	messages := t.messages
	t.messages = nil
	t.dead = true
	a.turns.CompareAndDelete(userID, t)
	t.mu.Unlock()

	if len(messages) == 0 {
		return
	}
	a.dispatch(userID, strings.Join(messages, "\n"), len(messages))
}

func (a *Aggregator) dispatch(userID, text string, count int) {
	if a.ctx.Err() != nil {
		slog.Warn("Aggregator.dispatch: stopped, dropping turn", "userID", userID)
		return
	}
	l := a.lockDispatch(userID)
	defer a.unlockDispatch(userID, l)

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.TurnTimeout)
	defer cancel()

	start := time.Now()
	result := metrics.TurnOK
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Aggregator.dispatch: turn panicked", "userID", userID, "panic", r)
			result = metrics.TurnPanicked
			a.apologize(ctx, userID)
		}
		a.opts.Metrics.TurnFinished(result, count, time.Since(start))
	}()

	user, err := a.dispatcher.LoadUser(ctx, userID)
	if err != nil || user == nil {
		slog.Error("Aggregator.dispatch: failed to load user", "userID", userID, "error", err)
		result = metrics.TurnNoUser
		a.apologize(ctx, userID)
		return
	}
	slog.Info("Aggregator.dispatch: flushing turn", "userID", userID, "messages", count, "length", len(text))
	if err := a.dispatcher.HandleTurn(ctx, user, text); err != nil {
		slog.Error("Aggregator.dispatch: turn failed", "userID", userID, "error", err)
		result = metrics.TurnFailed
		a.apologize(ctx, userID)
	}
}

func (a *Aggregator) lockDispatch(userID string) *dispatchLock {
	for {
		v, _ := a.dispatchMu.LoadOrStore(userID, &dispatchLock{})
		l := v.(*dispatchLock)
		l.state.Lock()
		if l.dead {
			l.state.Unlock()
			continue
		}
		l.refs++
		l.state.Unlock()
		l.mu.Lock()
		return l
	}
}

func (a *Aggregator) unlockDispatch(userID string, l *dispatchLock) {
	l.mu.Unlock()
	l.state.Lock()
	defer l.state.Unlock()
	l.refs--
	if l.refs == 0 {
		l.dead = true
		a.dispatchMu.CompareAndDelete(userID, l)
	}
}

func (a *Aggregator) apologize(ctx context.Context, userID string) {
	if err := a.notifier.Send(context.WithoutCancel(ctx), userID, a.opts.Apology); err != nil {
		slog.Error("Aggregator.apologize: failed to send apology", "userID", userID, "error", err)
	}
}

// Cancel drops the user's pending turn and stops its timer. It reports
// whether a turn was pending.
func (a *Aggregator) Cancel(userID string) bool {
	v, ok := a.turns.Load(userID)
	if !ok {
		return false
	}
	t := v.(*pendingTurn)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return false
	}
	t.dead = true
	t.messages = nil
	if t.timerID != "" {
		_ = a.timer.Cancel(t.timerID)
	}
	a.turns.CompareAndDelete(userID, t)
	slog.Debug("Aggregator.Cancel: pending turn dropped", "userID", userID)
	return true
}

// Pending returns how many messages are buffered for userID.
func (a *Aggregator) Pending(userID string) int {
	v, ok := a.turns.Load(userID)
	if !ok {
		return 0
	}
	t := v.(*pendingTurn)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return 0
	}
	return len(t.messages)
}

// Stop cancels every pending turn and any turn still running.
func (a *Aggregator) Stop() {
	a.cancel()
	a.turns.Range(func(k, _ any) bool {
		a.Cancel(k.(string))
		return true
	})
}
