package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// manualTimer records scheduled callbacks so tests decide when they fire.
type manualTimer struct {
	mu   sync.Mutex
	next int
	live map[string]func()
	all  []func()
}

func newManualTimer() *manualTimer {
	return &manualTimer{live: make(map[string]func())}
}

func (m *manualTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("t%d", m.next)
	m.live[id] = fn
	m.all = append(m.all, fn)
	return id, nil
}

func (m *manualTimer) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
	return nil
}

func (m *manualTimer) Stop() {}

func (m *manualTimer) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// fireLive runs and clears every callback that has not been cancelled.
func (m *manualTimer) fireLive() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.live))
	for id, fn := range m.live {
		fns = append(fns, fn)
		delete(m.live, id)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type turn struct {
	user string
	text string
}

type fakeDispatcher struct {
	mu      sync.Mutex
	turns   []turn
	err     error
	panics  bool
	loadErr error
	// onTurn runs inside HandleTurn before it returns.
	onTurn    func(text string)
	active    int
	maxActive int
}

func (f *fakeDispatcher) LoadUser(ctx context.Context, userID string) (*models.User, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &models.User{Phone: userID}, nil
}

func (f *fakeDispatcher) HandleTurn(ctx context.Context, user *models.User, text string) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	f.turns = append(f.turns, turn{user.Phone, text})
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()
	if f.onTurn != nil {
		f.onTurn(text)
	}
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return f.err
}

func (f *fakeDispatcher) got() []turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn(nil), f.turns...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []turn
}

func (f *fakeNotifier) Send(ctx context.Context, to, body string) error {
	f.mu.Lock()
	f.sent = append(f.sent, turn{to, body})
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitBriefly() { time.Sleep(5 * time.Millisecond) }
