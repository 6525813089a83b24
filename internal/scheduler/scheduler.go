// Package scheduler provides the two clocks RoutinePipe runs on: daily cron
// entries for activity reminders and one-shot timers for the quiet period of
// the message aggregator.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// EntryID identifies a daily entry registered with a Scheduler.
type EntryID = cron.EntryID

// Daily registers jobs that repeat every day at a fixed time of day.
type Daily interface {
	AddDaily(hour, minute int, job func()) (EntryID, error)
	Remove(id EntryID)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location
}

// Opts configures a Scheduler.
type Opts struct {
	Location *time.Location
}

// Option mutates Opts.
type Option func(*Opts)

// WithLocation sets the time zone daily entries are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	// Standard 5-field parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
		cron.WithLocation(cfg.Location),
	)
	c.Start()
	slog.Debug("Scheduler started", "location", cfg.Location.String())
	return &Scheduler{cron: c, loc: cfg.Location}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) (EntryID, error) {
	return s.cron.AddFunc(expr, task)
}

// AddDaily schedules a task every day at hour:minute in the scheduler's location.
func (s *Scheduler) AddDaily(hour, minute int, job func()) (EntryID, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	return s.AddJob(fmt.Sprintf("%d %d * * *", minute, hour), job)
}

// Remove unregisters an entry. Unknown ids are ignored.
func (s *Scheduler) Remove(id EntryID) {
	s.cron.Remove(id)
}

// Entries returns the number of registered entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Next returns the next activation of an entry, or the zero time if the
// entry is unknown.
func (s *Scheduler) Next(id EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// Location returns the scheduler's time zone.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
