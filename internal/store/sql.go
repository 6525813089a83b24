package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// sqlStore implements Store on database/sql for both supported dialects.
// Queries are written with '?' placeholders and rebound for Postgres.
type sqlStore struct {
	db      *sql.DB
	driver  string
	name    string
	cfg     Opts
	lockRow string
}

func newSQLStore(db *sql.DB, driver, name string, cfg Opts) *sqlStore {
	s := &sqlStore{db: db, driver: driver, name: name, cfg: cfg}
	if driver == DriverPostgres {
		s.lockRow = " FOR UPDATE"
	}
	return s
}

// rebind rewrites '?' placeholders as $1..$n for Postgres.
func (s *sqlStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) FindOrCreateUser(ctx context.Context, template *models.User) (*models.User, bool, error) {
	if template == nil || template.Phone == "" {
		return nil, false, fmt.Errorf("user phone cannot be empty")
	}
	prefs, err := marshalJSON(template.Preferences)
	if err != nil {
		return nil, false, err
	}
	res, err := s.exec(ctx, `INSERT INTO users (phone, name, active_routine_id, welcome_sent, last_active,
			subscription_status, subscription_plan, subscription_ends_at, preferences, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone) DO NOTHING`,
		template.Phone, template.Name, template.ActiveRoutineID, template.WelcomeSent, template.LastActive,
		string(template.SubscriptionStatus), template.SubscriptionPlan, nullTime(template.SubscriptionEndsAt),
		prefs, template.CreatedAt)
	if err != nil {
		slog.Error(s.name+".FindOrCreateUser insert failed", "error", err, "userID", template.Phone)
		return nil, false, fmt.Errorf("failed to create user %s: %w", template.Phone, err)
	}
	affected, _ := res.RowsAffected()
	u, err := s.GetUser(ctx, template.Phone)
	if err != nil {
		return nil, false, err
	}
	if u == nil {
		return nil, false, fmt.Errorf("user %s vanished after insert", template.Phone)
	}
	if affected > 0 {
		slog.Debug(s.name+".FindOrCreateUser created user", "userID", template.Phone)
	}
	return u, affected > 0, nil
}

func (s *sqlStore) GetUser(ctx context.Context, phone string) (*models.User, error) {
	var (
		u       models.User
		status  string
		endsAt  sql.NullTime
		prefs   sql.NullString
		routine sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT phone, name, active_routine_id, welcome_sent, last_active,
			subscription_status, subscription_plan, subscription_ends_at, preferences, created_at
		FROM users WHERE phone = ?`), phone).Scan(
		&u.Phone, &u.Name, &routine, &u.WelcomeSent, &u.LastActive,
		&status, &u.SubscriptionPlan, &endsAt, &prefs, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetUser failed", "error", err, "userID", phone)
		return nil, fmt.Errorf("failed to load user %s: %w", phone, err)
	}
	u.ActiveRoutineID = routine.String
	u.SubscriptionStatus = models.SubscriptionStatus(status)
	if endsAt.Valid {
		t := endsAt.Time
		u.SubscriptionEndsAt = &t
	}
	if prefs.Valid && prefs.String != "" {
		if err := json.Unmarshal([]byte(prefs.String), &u.Preferences); err != nil {
			slog.Warn(s.name+".GetUser preferences unreadable; ignoring", "error", err, "userID", phone)
			u.Preferences = nil
		}
	}
	if u.History, err = s.loadHistory(ctx, phone); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqlStore) loadHistory(ctx context.Context, phone string) ([]models.HistoryMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT role, content, created_at FROM history
		WHERE user_phone = ? ORDER BY id DESC LIMIT ?`), phone, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", phone, err)
	}
	defer rows.Close()
	var out []models.HistoryMessage
	for rows.Next() {
		var m models.HistoryMessage
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	// newest first from the query; callers expect chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqlStore) SaveUser(ctx context.Context, u *models.User) error {
	if u == nil || u.Phone == "" {
		return fmt.Errorf("user phone cannot be empty")
	}
	prefs, err := marshalJSON(u.Preferences)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO users (phone, name, active_routine_id, welcome_sent, last_active,
			subscription_status, subscription_plan, subscription_ends_at, preferences, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET
			name = excluded.name,
			active_routine_id = excluded.active_routine_id,
			welcome_sent = excluded.welcome_sent,
			last_active = excluded.last_active,
			subscription_status = excluded.subscription_status,
			subscription_plan = excluded.subscription_plan,
			subscription_ends_at = excluded.subscription_ends_at,
			preferences = excluded.preferences`,
		u.Phone, u.Name, u.ActiveRoutineID, u.WelcomeSent, u.LastActive,
		string(u.SubscriptionStatus), u.SubscriptionPlan, nullTime(u.SubscriptionEndsAt), prefs, u.CreatedAt)
	if err != nil {
		slog.Error(s.name+".SaveUser failed", "error", err, "userID", u.Phone)
		return fmt.Errorf("failed to save user %s: %w", u.Phone, err)
	}
	return nil
}

// updateUser runs one column update on a user row. A missing user is
// ErrNotFound.
func (s *sqlStore) updateUser(ctx context.Context, op, phone, set string, args ...any) error {
	res, err := s.exec(ctx, `UPDATE users SET `+set+` WHERE phone = ?`, append(args, phone)...)
	if err != nil {
		slog.Error(s.name+"."+op+" failed", "error", err, "userID", phone)
		return fmt.Errorf("%s for %s: %w", op, phone, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s for %s: %w", op, phone, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) SetSubscription(ctx context.Context, phone string, status models.SubscriptionStatus, plan string, endsAt *time.Time) error {
	return s.updateUser(ctx, "SetSubscription", phone,
		`subscription_status = ?, subscription_plan = ?, subscription_ends_at = ?`,
		string(status), plan, nullTime(endsAt))
}

func (s *sqlStore) SetActiveRoutine(ctx context.Context, phone, routineID string) error {
	return s.updateUser(ctx, "SetActiveRoutine", phone, `active_routine_id = ?`, routineID)
}

func (s *sqlStore) MarkWelcomeSent(ctx context.Context, phone string) error {
	return s.updateUser(ctx, "MarkWelcomeSent", phone, `welcome_sent = ?`, true)
}

func (s *sqlStore) TouchLastActive(ctx context.Context, phone string, at time.Time) error {
	return s.updateUser(ctx, "TouchLastActive", phone, `last_active = ?`, at)
}

func (s *sqlStore) DeleteUser(ctx context.Context, phone string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of %s: %w", phone, err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM history WHERE user_phone = ?`,
		`DELETE FROM routines WHERE user_phone = ?`,
		`DELETE FROM receipts WHERE recipient = ?`,
		`DELETE FROM users WHERE phone = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), phone); err != nil {
			slog.Error(s.name+".DeleteUser failed", "error", err, "userID", phone)
			return fmt.Errorf("failed to delete data of %s: %w", phone, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", phone, err)
	}
	slog.Debug(s.name+".DeleteUser succeeded", "userID", phone)
	return nil
}

func (s *sqlStore) AppendHistory(ctx context.Context, phone string, msgs ...models.HistoryMessage) error {
	for _, m := range msgs {
		if _, err := s.exec(ctx, `INSERT INTO history (user_phone, role, content, created_at) VALUES (?, ?, ?, ?)`,
			phone, string(m.Role), m.Content, m.Timestamp); err != nil {
			slog.Error(s.name+".AppendHistory failed", "error", err, "userID", phone)
			return fmt.Errorf("failed to append history for %s: %w", phone, err)
		}
	}
	return nil
}

func (s *sqlStore) GetRoutine(ctx context.Context, id string) (*models.Routine, error) {
	r, err := scanRoutine(s.db.QueryRowContext(ctx, s.rebind(`SELECT id, user_phone, name, activities, confirmed, created_at, updated_at
		FROM routines WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetRoutine failed", "error", err, "routineID", id)
		return nil, fmt.Errorf("failed to load routine %s: %w", id, err)
	}
	return r, nil
}

func (s *sqlStore) SaveRoutine(ctx context.Context, r *models.Routine) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("routine id cannot be empty")
	}
	acts, err := json.Marshal(r.Activities)
	if err != nil {
		return fmt.Errorf("failed to encode activities of %s: %w", r.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO routines (id, user_phone, name, activities, confirmed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			activities = excluded.activities,
			confirmed = excluded.confirmed,
			updated_at = excluded.updated_at`,
		r.ID, r.UserPhone, r.Name, string(acts), r.Confirmed, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error(s.name+".SaveRoutine failed", "error", err, "routineID", r.ID)
		return fmt.Errorf("failed to save routine %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqlStore) DeleteRoutinesByUser(ctx context.Context, phone string) error {
	if _, err := s.exec(ctx, `DELETE FROM routines WHERE user_phone = ?`, phone); err != nil {
		return fmt.Errorf("failed to delete routines of %s: %w", phone, err)
	}
	return nil
}

func (s *sqlStore) ListConfirmedRoutines(ctx context.Context) ([]*models.Routine, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT r.id, r.user_phone, r.name, r.activities, r.confirmed, r.created_at, r.updated_at
		FROM routines r JOIN users u ON u.active_routine_id = r.id
		WHERE r.confirmed = ? ORDER BY r.user_phone`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmed routines: %w", err)
	}
	defer rows.Close()
	var out []*models.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routine row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateActivityStatus(ctx context.Context, routineID, activityID string, status models.ActivityStatus) (models.ActivityStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT activities FROM routines WHERE id = ?`+s.lockRow), routineID).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("routine %s: %w", routineID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load routine %s: %w", routineID, err)
	}
	var acts []models.Activity
	if err := json.Unmarshal([]byte(raw), &acts); err != nil {
		return "", fmt.Errorf("failed to decode activities of %s: %w", routineID, err)
	}
	idx := -1
	for i := range acts {
		if acts[i].ID == activityID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("activity %s: %w", activityID, ErrNotFound)
	}
	prev := acts[idx].Status
	if prev.Terminal() {
		return prev, nil
	}
	acts[idx].Status = status
	data, err := json.Marshal(acts)
	if err != nil {
		return "", fmt.Errorf("failed to encode activities of %s: %w", routineID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE routines SET activities = ?, updated_at = ? WHERE id = ?`),
		string(data), s.cfg.Now(), routineID); err != nil {
		return "", fmt.Errorf("failed to update routine %s: %w", routineID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit status update: %w", err)
	}
	slog.Debug(s.name+".UpdateActivityStatus succeeded", "routineID", routineID, "activityID", activityID, "status", status)
	return prev, nil
}

func (s *sqlStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	if _, err := s.exec(ctx, `INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, string(r.Status), r.Time); err != nil {
		slog.Error(s.name+".AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

// GetReceipts returns receipts for one recipient, or all when to is empty.
func (s *sqlStore) GetReceipts(ctx context.Context, to string) ([]models.Receipt, error) {
	query := `SELECT recipient, status, time FROM receipts`
	var args []any
	if to != "" {
		query += ` WHERE recipient = ?`
		args = append(args, to)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var status string
		if err := rows.Scan(&r.To, &status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.Status = models.MessageStatus(status)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID string) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO inbound_dedup (message_id, received_at) VALUES (?, ?)
		ON CONFLICT (message_id) DO NOTHING`, messageID, s.cfg.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
		return err
	}
	slog.Debug("Database connection closed", "store", s.name)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoutine(row rowScanner) (*models.Routine, error) {
	var r models.Routine
	var raw string
	if err := row.Scan(&r.ID, &r.UserPhone, &r.Name, &raw, &r.Confirmed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &r.Activities); err != nil {
		return nil, fmt.Errorf("failed to decode activities of %s: %w", r.ID, err)
	}
	return &r, nil
}

func marshalJSON(v map[string]string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
