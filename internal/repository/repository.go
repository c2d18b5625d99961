package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/kpi-notification-worker/internal/db"
)

var (
	// ErrNotFound is returned when a looked up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a duplicate KPI
	ErrAlreadyExists = errors.New("already exists")
)

// Store is everything the worker persists
type Store interface {
	CreateKpi(ctx context.Context, kpi *db.KpiSnapshot) error
	GetKpi(ctx context.Context, kpiID string) (*db.KpiSnapshot, error)
	ListKpis(ctx context.Context) ([]db.KpiSnapshot, error)
	UpsertKpiValue(ctx context.Context, kpiID string, value float64, dateRange string, updatedAt time.Time) (*db.KpiSnapshot, error)

	CreatePreference(ctx context.Context, pref *db.NotificationPreference) error
	ListPreferencesByOwner(ctx context.Context, owner string) ([]db.NotificationPreference, error)
	GetPreference(ctx context.Context, owner, kpiID string) (*db.NotificationPreference, error)
	DeletePreferences(ctx context.Context, owner, kpiID string) (int64, error)
	ListPreferencesForKpi(ctx context.Context, kpiID string) ([]db.NotificationPreference, error)
	ClaimNotification(ctx context.Context, id uuid.UUID, expected *time.Time, claimedAt time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, id uuid.UUID, claimedAt time.Time, previous *time.Time) error

	InsertHistory(ctx context.Context, rec *db.NotificationHistoryRecord) error
	ListHistory(ctx context.Context, limit int) ([]db.NotificationHistoryRecord, error)
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const kpiColumns = `kpi_id, name, description, unit, value, date_range, updated_at, created_at`

func scanKpi(row pgx.Row) (*db.KpiSnapshot, error) {
	var kpi db.KpiSnapshot
	err := row.Scan(
		&kpi.KpiID,
		&kpi.Name,
		&kpi.Description,
		&kpi.Unit,
		&kpi.Value,
		&kpi.DateRange,
		&kpi.UpdatedAt,
		&kpi.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &kpi, nil
}

// CreateKpi inserts a KPI definition, failing with ErrAlreadyExists on duplicates
func (r *Repository) CreateKpi(ctx context.Context, kpi *db.KpiSnapshot) error {
	query := `
		INSERT INTO kpi_snapshots (kpi_id, name, description, unit, value, date_range, updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if kpi.CreatedAt.IsZero() {
		kpi.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, query,
		kpi.KpiID,
		kpi.Name,
		kpi.Description,
		kpi.Unit,
		kpi.Value,
		kpi.DateRange,
		kpi.UpdatedAt,
		kpi.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("kpi %q: %w", kpi.KpiID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert kpi: %w", err)
	}

	return nil
}

// GetKpi retrieves one KPI snapshot
func (r *Repository) GetKpi(ctx context.Context, kpiID string) (*db.KpiSnapshot, error) {
	query := `SELECT ` + kpiColumns + ` FROM kpi_snapshots WHERE kpi_id = $1`

	kpi, err := scanKpi(r.pool.QueryRow(ctx, query, kpiID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("kpi %q: %w", kpiID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query kpi: %w", err)
	}
	return kpi, nil
}

// ListKpis returns all KPI snapshots ordered by id
func (r *Repository) ListKpis(ctx context.Context) ([]db.KpiSnapshot, error) {
	query := `SELECT ` + kpiColumns + ` FROM kpi_snapshots ORDER BY kpi_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query kpis: %w", err)
	}
	defer rows.Close()

	var kpis []db.KpiSnapshot
	for rows.Next() {
		kpi, err := scanKpi(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kpi: %w", err)
		}
		kpis = append(kpis, *kpi)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return kpis, nil
}

// UpsertKpiValue overwrites the current value of a KPI, registering it with
// its id as name when it does not exist yet. An empty dateRange keeps the
// stored label.
func (r *Repository) UpsertKpiValue(ctx context.Context, kpiID string, value float64, dateRange string, updatedAt time.Time) (*db.KpiSnapshot, error) {
	query := `
		INSERT INTO kpi_snapshots (kpi_id, name, value, date_range, updated_at, created_at)
		VALUES ($1, $1, $2, $3, $4, $4)
		ON CONFLICT (kpi_id) DO UPDATE SET
			value = excluded.value,
			date_range = CASE WHEN excluded.date_range = '' THEN kpi_snapshots.date_range ELSE excluded.date_range END,
			updated_at = excluded.updated_at
		RETURNING ` + kpiColumns

	kpi, err := scanKpi(r.pool.QueryRow(ctx, query, kpiID, value, dateRange, updatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert kpi value: %w", err)
	}
	return kpi, nil
}

const preferenceColumns = `id, owner, kpi_id, threshold_value, threshold_operator, email, enabled,
	cooldown_hours, date_range, alert_frequency, last_notified, created_at`

func scanPreference(row pgx.Row) (*db.NotificationPreference, error) {
	var pref db.NotificationPreference
	err := row.Scan(
		&pref.ID,
		&pref.Owner,
		&pref.KpiID,
		&pref.ThresholdValue,
		&pref.ThresholdOperator,
		&pref.Email,
		&pref.Enabled,
		&pref.CooldownHours,
		&pref.DateRange,
		&pref.AlertFrequency,
		&pref.LastNotified,
		&pref.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

func (r *Repository) queryPreferences(ctx context.Context, query string, args ...any) ([]db.NotificationPreference, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []db.NotificationPreference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		prefs = append(prefs, *pref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return prefs, nil
}

// CreatePreference inserts a notification preference, assigning its id
func (r *Repository) CreatePreference(ctx context.Context, pref *db.NotificationPreference) error {
	query := `
		INSERT INTO notification_preferences (
			id, owner, kpi_id, threshold_value, threshold_operator, email, enabled,
			cooldown_hours, date_range, alert_frequency, last_notified, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	if pref.ID == uuid.Nil {
		pref.ID = uuid.New()
	}
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, query,
		pref.ID,
		pref.Owner,
		pref.KpiID,
		pref.ThresholdValue,
		pref.ThresholdOperator,
		pref.Email,
		pref.Enabled,
		pref.CooldownHours,
		pref.DateRange,
		pref.AlertFrequency,
		pref.LastNotified,
		pref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert preference: %w", err)
	}

	return nil
}

// ListPreferencesByOwner returns the owner's preferences, newest first
func (r *Repository) ListPreferencesByOwner(ctx context.Context, owner string) ([]db.NotificationPreference, error) {
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE owner = $1 ORDER BY created_at DESC`
	return r.queryPreferences(ctx, query, owner)
}

// GetPreference returns the owner's most recent preference for a KPI
func (r *Repository) GetPreference(ctx context.Context, owner, kpiID string) (*db.NotificationPreference, error) {
	query := `
		SELECT ` + preferenceColumns + `
		FROM notification_preferences
		WHERE owner = $1 AND kpi_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	pref, err := scanPreference(r.pool.QueryRow(ctx, query, owner, kpiID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("preference %s/%s: %w", owner, kpiID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query preference: %w", err)
	}
	return pref, nil
}

// DeletePreferences removes every preference the owner holds for a KPI
func (r *Repository) DeletePreferences(ctx context.Context, owner, kpiID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM notification_preferences WHERE owner = $1 AND kpi_id = $2`, owner, kpiID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete preferences: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPreferencesForKpi returns every preference watching a KPI, enabled or not
func (r *Repository) ListPreferencesForKpi(ctx context.Context, kpiID string) ([]db.NotificationPreference, error) {
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE kpi_id = $1 ORDER BY created_at`
	return r.queryPreferences(ctx, query, kpiID)
}

// ClaimNotification sets last_notified to claimedAt if it still equals
// expected (nil meaning NULL). It reports whether this caller won the claim.
func (r *Repository) ClaimNotification(ctx context.Context, id uuid.UUID, expected *time.Time, claimedAt time.Time) (bool, error) {
	query := `
		UPDATE notification_preferences
		SET last_notified = $3
		WHERE id = $1 AND enabled AND last_notified IS NOT DISTINCT FROM $2
	`

	tag, err := r.pool.Exec(ctx, query, id, expected, claimedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim preference: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseNotification restores last_notified to previous if the claim made
// at claimedAt is still in place
func (r *Repository) ReleaseNotification(ctx context.Context, id uuid.UUID, claimedAt time.Time, previous *time.Time) error {
	query := `
		UPDATE notification_preferences
		SET last_notified = $3
		WHERE id = $1 AND last_notified = $2
	`

	if _, err := r.pool.Exec(ctx, query, id, claimedAt, previous); err != nil {
		return fmt.Errorf("failed to release preference claim: %w", err)
	}
	return nil
}

// InsertHistory appends a notification history record
func (r *Repository) InsertHistory(ctx context.Context, rec *db.NotificationHistoryRecord) error {
	query := `
		INSERT INTO notification_history (
			id, preference_id, owner, kpi_id, kpi_name, actual_value, threshold_value,
			threshold_operator, date_range, email, sent_at, success, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.PreferenceID,
		rec.Owner,
		rec.KpiID,
		rec.KpiName,
		rec.ActualValue,
		rec.ThresholdValue,
		rec.ThresholdOperator,
		rec.DateRange,
		rec.Email,
		rec.SentAt,
		rec.Success,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification history: %w", err)
	}

	return nil
}

// ListHistory returns up to limit history records, most recent first
func (r *Repository) ListHistory(ctx context.Context, limit int) ([]db.NotificationHistoryRecord, error) {
	query := `
		SELECT id, preference_id, owner, kpi_id, kpi_name, actual_value, threshold_value,
			threshold_operator, date_range, email, sent_at, success, error
		FROM notification_history
		ORDER BY sent_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification history: %w", err)
	}
	defer rows.Close()

	var records []db.NotificationHistoryRecord
	for rows.Next() {
		var rec db.NotificationHistoryRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.PreferenceID,
			&rec.Owner,
			&rec.KpiID,
			&rec.KpiName,
			&rec.ActualValue,
			&rec.ThresholdValue,
			&rec.ThresholdOperator,
			&rec.DateRange,
			&rec.Email,
			&rec.SentAt,
			&rec.Success,
			&rec.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification history: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}
