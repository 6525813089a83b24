package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// Timer schedules one-shot callbacks that can be cancelled before they fire.
type Timer interface {
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	Cancel(id string) error
	Stop()
}

var errNilCallback = errors.New("nil timer callback")

type pending struct {
	t     *time.Timer
	since time.Time
	due   time.Time
}

// SimpleTimer implements Timer on top of time.AfterFunc. Ids are random, so a
// late Cancel for a fired timer can never hit a newer one.
type SimpleTimer struct {
	mu      sync.RWMutex
	pending map[string]pending
}

// NewSimpleTimer returns an empty SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{pending: map[string]pending{}}
}

// ScheduleAfter runs fn once after delay.
func (s *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if fn == nil {
		return "", errNilCallback
	}
	id := "tmr-" + uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = pending{
		since: now,
		due:   now.Add(delay),
		t:     time.AfterFunc(delay, func() { s.fire(id, fn) }),
	}
	slog.Debug("SimpleTimer.ScheduleAfter", "id", id, "delay", delay)
	return id, nil
}

// fire runs fn unless the entry was cancelled between expiry and now.
func (s *SimpleTimer) fire(id string, fn func()) {
	s.mu.Lock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		fn()
	}
}

// Cancel stops a pending timer. Unknown or already fired ids are ignored.
func (s *SimpleTimer) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	p.t.Stop()
	delete(s.pending, id)
	return nil
}

// Stop cancels everything still pending.
func (s *SimpleTimer) Stop() {
	s.mu.Lock()
	n := len(s.pending)
	for id, p := range s.pending {
		p.t.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
	slog.Info("SimpleTimer.Stop: pending timers dropped", "count", n)
}

// ListActive describes the pending timers in no particular order.
func (s *SimpleTimer) ListActive() []models.TimerInfo {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TimerInfo, 0, len(s.pending))
	for id, p := range s.pending {
		out = append(out, p.describe(id, now))
	}
	return out
}

// GetTimer describes one pending timer.
func (s *SimpleTimer) GetTimer(id string) (*models.TimerInfo, error) {
	s.mu.RLock()
	p, ok := s.pending[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("timer %s not pending", id)
	}
	info := p.describe(id, time.Now())
	return &info, nil
}

func (p pending) describe(id string, now time.Time) models.TimerInfo {
	left := max(p.due.Sub(now), 0)
	return models.TimerInfo{
		ID:          id,
		ScheduledAt: p.since,
		ExpiresAt:   p.due,
		Remaining:   left.Round(time.Millisecond).String(),
		Description: fmt.Sprintf("quiet period of %v", p.due.Sub(p.since)),
	}
}
