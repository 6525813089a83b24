// Package store provides storage backends for RoutinePipe.
//
// Users, their conversation history, routines, delivery receipts, and the
// inbound de-duplication log live behind the Store interface. InMemoryStore
// serves tests and ephemeral runs; SQLiteStore and PostgresStore share one
// SQL implementation.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DefaultHistoryLimit is how many history messages GetUser loads.
const DefaultHistoryLimit = 50

// Store persists everything RoutinePipe knows about its users.
//
// Getters return (nil, nil) when the record does not exist.
type Store interface {
	// FindOrCreateUser returns the user keyed by template.Phone, inserting
	// template when absent. created reports whether the insert happened.
	FindOrCreateUser(ctx context.Context, template *models.User) (user *models.User, created bool, err error)
	GetUser(ctx context.Context, phone string) (*models.User, error)
	// SaveUser upserts every profile field from user. History is not written.
	// Concurrent writers use the narrow setters below instead, which touch only
	// their own columns.
	SaveUser(ctx context.Context, user *models.User) error
	// SetSubscription replaces the subscription status, plan and end date.
	SetSubscription(ctx context.Context, phone string, status models.SubscriptionStatus, plan string, endsAt *time.Time) error
	SetActiveRoutine(ctx context.Context, phone, routineID string) error
	MarkWelcomeSent(ctx context.Context, phone string) error
	TouchLastActive(ctx context.Context, phone string, at time.Time) error
	// DeleteUser removes the user with their history, routines and receipts.
	DeleteUser(ctx context.Context, phone string) error
	AppendHistory(ctx context.Context, phone string, msgs ...models.HistoryMessage) error

	GetRoutine(ctx context.Context, id string) (*models.Routine, error)
	SaveRoutine(ctx context.Context, r *models.Routine) error
	DeleteRoutinesByUser(ctx context.Context, phone string) error
	// ListConfirmedRoutines returns every confirmed routine that is the active
	// routine of its user.
	ListConfirmedRoutines(ctx context.Context) ([]*models.Routine, error)
	// UpdateActivityStatus moves an activity out of the active state. It
	// returns the status found before the update; a terminal previous status
	// means nothing was changed.
	UpdateActivityStatus(ctx context.Context, routineID, activityID string, status models.ActivityStatus) (models.ActivityStatus, error)

	AddReceipt(ctx context.Context, r models.Receipt) error
	GetReceipts(ctx context.Context, to string) ([]models.Receipt, error)

	// RecordInbound logs a transport message id and reports whether it was new.
	RecordInbound(ctx context.Context, messageID string) (bool, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN          string
	HistoryLimit int
	Now          func() time.Time
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithHistoryLimit bounds how many history messages GetUser loads.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{HistoryLimit: DefaultHistoryLimit, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DetectDSNType returns DriverPostgres for postgres URLs and libpq key/value
// strings, and DriverSQLite for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DriverPostgres
	}
	for _, key := range []string{"host=", "user=", "dbname=", "password=", "sslmode="} {
		if strings.Contains(d, key) {
			return DriverPostgres
		}
	}
	return DriverSQLite
}

// Open picks the backend for dsn. An empty dsn yields an InMemoryStore.
func Open(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(opts...), nil
	}
	opts = append(opts, WithDSN(dsn))
	if DetectDSNType(dsn) == DriverPostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
