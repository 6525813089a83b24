package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// ErrNotFound is returned by mutations that target a missing record.
var ErrNotFound = errors.New("record not found")

// InMemoryStore keeps everything in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	history  map[string][]models.HistoryMessage
	routines map[string]*models.Routine
	receipts []models.Receipt
	inbound  map[string]time.Time
	cfg      Opts
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]*models.User),
		history:  make(map[string][]models.HistoryMessage),
		routines: make(map[string]*models.Routine),
		inbound:  make(map[string]time.Time),
		cfg:      applyOpts(opts),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) FindOrCreateUser(ctx context.Context, template *models.User) (*models.User, bool, error) {
	if template == nil || template.Phone == "" {
		return nil, false, fmt.Errorf("user phone cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := false
	if _, ok := s.users[template.Phone]; !ok {
		s.users[template.Phone] = cloneUser(template)
		created = true
		slog.Debug("InMemoryStore.FindOrCreateUser: created", "userID", template.Phone)
	}
	return s.userLocked(template.Phone), created, nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[phone]; !ok {
		return nil, nil
	}
	return s.userLocked(phone), nil
}

// userLocked returns a copy of the user with recent history attached.
func (s *InMemoryStore) userLocked(phone string) *models.User {
	u := cloneUser(s.users[phone])
	h := s.history[phone]
	if len(h) > s.cfg.HistoryLimit {
		h = h[len(h)-s.cfg.HistoryLimit:]
	}
	u.History = append([]models.HistoryMessage(nil), h...)
	return u
}

func (s *InMemoryStore) SaveUser(ctx context.Context, user *models.User) error {
	if user == nil || user.Phone == "" {
		return fmt.Errorf("user phone cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := cloneUser(user)
	u.History = nil
	s.users[user.Phone] = u
	return nil
}

// updateUser applies fn to the stored user under the write lock.
func (s *InMemoryStore) updateUser(op, phone string, fn func(u *models.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return fmt.Errorf("%s for %s: %w", op, phone, ErrNotFound)
	}
	fn(u)
	return nil
}

func (s *InMemoryStore) SetSubscription(ctx context.Context, phone string, status models.SubscriptionStatus, plan string, endsAt *time.Time) error {
	var ends *time.Time
	if endsAt != nil {
		t := *endsAt
		ends = &t
	}
	return s.updateUser("SetSubscription", phone, func(u *models.User) {
		u.SubscriptionStatus = status
		u.SubscriptionPlan = plan
		u.SubscriptionEndsAt = ends
	})
}

func (s *InMemoryStore) SetActiveRoutine(ctx context.Context, phone, routineID string) error {
	return s.updateUser("SetActiveRoutine", phone, func(u *models.User) { u.ActiveRoutineID = routineID })
}

func (s *InMemoryStore) MarkWelcomeSent(ctx context.Context, phone string) error {
	return s.updateUser("MarkWelcomeSent", phone, func(u *models.User) { u.WelcomeSent = true })
}

func (s *InMemoryStore) TouchLastActive(ctx context.Context, phone string, at time.Time) error {
	return s.updateUser("TouchLastActive", phone, func(u *models.User) { u.LastActive = at })
}

func (s *InMemoryStore) DeleteUser(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, phone)
	delete(s.history, phone)
	s.deleteRoutinesLocked(phone)
	kept := s.receipts[:0]
	for _, r := range s.receipts {
		if r.To != phone {
			kept = append(kept, r)
		}
	}
	s.receipts = kept
	return nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, phone string, msgs ...models.HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[phone]; !ok {
		return fmt.Errorf("append history for %s: %w", phone, ErrNotFound)
	}
	s.history[phone] = append(s.history[phone], msgs...)
	return nil
}

func (s *InMemoryStore) GetRoutine(ctx context.Context, id string) (*models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routines[id]
	if !ok {
		return nil, nil
	}
	return cloneRoutine(r), nil
}

func (s *InMemoryStore) SaveRoutine(ctx context.Context, r *models.Routine) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("routine id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[r.ID] = cloneRoutine(r)
	return nil
}

func (s *InMemoryStore) DeleteRoutinesByUser(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRoutinesLocked(phone)
	return nil
}

func (s *InMemoryStore) deleteRoutinesLocked(phone string) {
	for id, r := range s.routines {
		if r.UserPhone == phone {
			delete(s.routines, id)
		}
	}
}

func (s *InMemoryStore) ListConfirmedRoutines(ctx context.Context) ([]*models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Routine
	for _, u := range s.users {
		r, ok := s.routines[u.ActiveRoutineID]
		if ok && r.Confirmed {
			out = append(out, cloneRoutine(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserPhone < out[j].UserPhone })
	return out, nil
}

func (s *InMemoryStore) UpdateActivityStatus(ctx context.Context, routineID, activityID string, status models.ActivityStatus) (models.ActivityStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[routineID]
	if !ok {
		return "", fmt.Errorf("routine %s: %w", routineID, ErrNotFound)
	}
	a := r.Activity(activityID)
	if a == nil {
		return "", fmt.Errorf("activity %s: %w", activityID, ErrNotFound)
	}
	prev := a.Status
	if prev.Terminal() {
		return prev, nil
	}
	a.Status = status
	r.UpdatedAt = s.cfg.Now()
	return prev, nil
}

func (s *InMemoryStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

// GetReceipts returns receipts for one recipient, or all when to is empty.
func (s *InMemoryStore) GetReceipts(ctx context.Context, to string) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Receipt
	for _, r := range s.receipts {
		if to == "" || r.To == to {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = s.cfg.Now()
	return true, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.Preferences != nil {
		c.Preferences = make(map[string]string, len(u.Preferences))
		for k, v := range u.Preferences {
			c.Preferences[k] = v
		}
	}
	if u.SubscriptionEndsAt != nil {
		t := *u.SubscriptionEndsAt
		c.SubscriptionEndsAt = &t
	}
	c.History = append([]models.HistoryMessage(nil), u.History...)
	return &c
}

func cloneRoutine(r *models.Routine) *models.Routine {
	c := *r
	c.Activities = make([]models.Activity, len(r.Activities))
	for i, a := range r.Activities {
		if a.Messages != nil {
			msgs := make(map[models.ReminderSlot][]string, len(a.Messages))
			for slot, texts := range a.Messages {
				msgs[slot] = append([]string(nil), texts...)
			}
			a.Messages = msgs
		}
		c.Activities[i] = a
	}
	return &c
}
