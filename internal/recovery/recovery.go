// Package recovery rebuilds process state that lives outside the store.
// Reminder triggers only exist in the cron scheduler, so after a restart
// every confirmed routine has to be installed again before users are served.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
)

// Recoverable is a component that restores its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry is what a Recoverable reads its state back from.
type RecoveryRegistry struct {
	store store.Store
}

// NewRecoveryRegistry creates a registry over st.
func NewRecoveryRegistry(st store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{store: st}
}

// ForEachConfirmedRoutine calls fn for every confirmed active routine. A
// failing routine is logged and does not stop the others; the returned error
// joins every failure.
func (r *RecoveryRegistry) ForEachConfirmedRoutine(ctx context.Context, fn func(*models.Routine) error) (int, error) {
	routines, err := r.store.ListConfirmedRoutines(ctx)
	if err != nil {
		return 0, fmt.Errorf("list confirmed routines: %w", err)
	}
	var errs []error
	recovered := 0
	for _, rt := range routines {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := fn(rt); err != nil {
			slog.Error("RecoveryRegistry.ForEachConfirmedRoutine: routine not recovered", "routineID", rt.ID, "userID", rt.UserPhone, "error", err)
			errs = append(errs, fmt.Errorf("routine %s: %w", rt.ID, err))
			continue
		}
		recovered++
	}
	return recovered, errors.Join(errs...)
}

// RecoveryManager runs every registered Recoverable once.
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a manager reading from st.
func NewRecoveryManager(st store.Store) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(st)}
}

// RegisterRecoverable adds a component to recover.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every component, in registration order. A failing
// component does not prevent the rest from recovering.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	start := time.Now()
	var errs []error
	for _, r := range rm.recoverables {
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			name := fmt.Sprintf("%T", r)
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	slog.Info("RecoveryManager.RecoverAll: done", "components", len(rm.recoverables), "failed", len(errs), "elapsed", time.Since(start))
	return errors.Join(errs...)
}
