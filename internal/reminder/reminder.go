// Package reminder turns a confirmed routine into daily reminder triggers.
//
// Every activity gets five recurring triggers (before, start, during, end,
// followUp). The triggers of one user form a set that is always replaced as a
// whole: installing a routine first removes every trigger of the previous set.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/recovery"
	"github.com/BTreeMap/RoutinePipe/internal/routine"
	"github.com/BTreeMap/RoutinePipe/internal/scheduler"
)

// DefaultSendTimeout bounds the delivery of one reminder.
const DefaultSendTimeout = 30 * time.Second

// Sender delivers reminders to a user.
type Sender interface {
	Send(ctx context.Context, to, body string) error
	SendList(ctx context.Context, to string, list models.InteractiveList) error
}

// Trigger is one registered daily reminder.
type Trigger struct {
	ActivityID string              `json:"activity_id"`
	Slot       models.ReminderSlot `json:"slot"`
	At         string              `json:"at"`
	EntryID    scheduler.EntryID   `json:"entry_id"`
}

// reminderSet holds the triggers of one user. cancelled is checked by every
// firing so a trigger racing with its removal never sends.
type reminderSet struct {
	routineID string
	triggers  []Trigger
	cancelled atomic.Bool
}

// Scheduler owns the reminder sets of all users.
type Scheduler struct {
	cron        scheduler.Daily
	sender      Sender
	sendTimeout time.Duration
	metrics     *metrics.Metrics

	mu   sync.Mutex
	sets map[string]*reminderSet
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSendTimeout bounds each reminder delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithMetrics counts fired triggers by slot and result.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a reminder Scheduler over a daily cron.
func NewScheduler(cron scheduler.Daily, sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:        cron,
		sender:      sender,
		sendTimeout: DefaultSendTimeout,
		sets:        make(map[string]*reminderSet),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Install replaces the user's reminders with the triggers of r. The previous
// set is fully removed before any new trigger is registered, so installing
// the same routine twice leaves exactly one trigger per activity and slot.
// On error the user is left with no reminders.
func (s *Scheduler) Install(ctx context.Context, userID string, r *models.Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(userID)

	type planned struct {
		activity models.Activity
		slot     routine.SlotTime
	}
	var plan []planned
	for _, a := range r.Activities {
		offsets, err := routine.ActivityOffsets(a)
		if err != nil {
			return fmt.Errorf("install reminders for %s: %w", userID, err)
		}
		for _, st := range offsets {
			plan = append(plan, planned{activity: a, slot: st})
		}
	}

	set := &reminderSet{routineID: r.ID}
	for _, p := range plan {
		id, err := s.cron.AddDaily(p.slot.At.Hour(), p.slot.At.Minute(), s.job(userID, set, p.activity, p.slot.Slot))
		if err != nil {
			set.cancelled.Store(true)
			for _, t := range set.triggers {
				s.cron.Remove(t.EntryID)
			}
			return fmt.Errorf("register %s reminder for activity %s: %w", p.slot.Slot, p.activity.ID, err)
		}
		set.triggers = append(set.triggers, Trigger{
			ActivityID: p.activity.ID,
			Slot:       p.slot.Slot,
			At:         p.slot.At.String(),
			EntryID:    id,
		})
	}
	s.sets[userID] = set
	slog.Info("reminder.Install: reminders installed", "userID", userID, "routineID", r.ID, "activities", len(r.Activities), "triggers", len(set.triggers))
	return nil
}

// job builds the callback of one trigger. The activity is captured by value
// so later edits to the routine never leak into an installed set.
func (s *Scheduler) job(userID string, set *reminderSet, a models.Activity, slot models.ReminderSlot) func() {
	return func() {
		if set.cancelled.Load() {
			s.metrics.ReminderFired(string(slot), metrics.ResultSkipped)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		var err error
		if slot == models.SlotFollowUp {
			err = s.sender.SendList(ctx, userID, FollowUpList(a))
		} else {
			err = s.sender.Send(ctx, userID, MessageFor(a, slot))
		}
		if err != nil {
			slog.Error("reminder trigger delivery failed", "userID", userID, "activityID", a.ID, "slot", slot, "error", err)
			s.metrics.ReminderFired(string(slot), metrics.ResultFailed)
			return
		}
		s.metrics.ReminderFired(string(slot), metrics.ResultOK)
		slog.Debug("reminder trigger delivered", "userID", userID, "activityID", a.ID, "slot", slot)
	}
}

// Cancel removes every trigger of the user and returns how many were removed.
func (s *Scheduler) Cancel(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(userID)
}

func (s *Scheduler) cancelLocked(userID string) int {
	set, ok := s.sets[userID]
	if !ok {
		return 0
	}
	set.cancelled.Store(true)
	for _, t := range set.triggers {
		s.cron.Remove(t.EntryID)
	}
	delete(s.sets, userID)
	slog.Debug("reminder.Cancel: reminder set removed", "userID", userID, "triggers", len(set.triggers))
	return len(set.triggers)
}

// Active returns a snapshot of the user's live triggers ordered by time.
func (s *Scheduler) Active(userID string) []Trigger {
	s.mu.Lock()
	set, ok := s.sets[userID]
	var out []Trigger
	if ok {
		out = append(out, set.triggers...)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out
}

// Users returns the number of users with installed reminders.
func (s *Scheduler) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}

// Stop removes every reminder set.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID := range s.sets {
		s.cancelLocked(userID)
	}
}

// RecoverState reinstalls reminders for every confirmed routine.
func (s *Scheduler) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	n, err := registry.ForEachConfirmedRoutine(ctx, func(r *models.Routine) error {
		return s.Install(ctx, r.UserPhone, r)
	})
	slog.Info("reminder.RecoverState: reminders recovered", "routines", n)
	return err
}
