package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/alert-dispatch/internal/model"
)

const windowColumns = `id, name, description, start_time, end_time, recurrence, recurrence_end,
	instance_filter, alert_type_filter, created_by, created_at`

// CreateWindow implements SuppressionStore.CreateWindow
func (s *SQLiteStore) CreateWindow(ctx context.Context, w *model.MaintenanceWindow) error {
	instances, alertTypes, err := encodeWindowFilters(w)
	if err != nil {
		return err
	}
	w.CreatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_window (
			name, description, start_time, end_time, recurrence, recurrence_end,
			instance_filter, alert_type_filter, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Name,
		nullString(w.Description),
		w.StartTime.UTC(),
		w.EndTime.UTC(),
		w.Recurrence,
		nullTime(w.RecurrenceEnd),
		instances,
		alertTypes,
		nullString(w.CreatedBy),
		w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store maintenance window: %w", err)
	}
	if w.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get maintenance window id: %w", err)
	}
	return nil
}

// UpdateWindow implements SuppressionStore.UpdateWindow
func (s *SQLiteStore) UpdateWindow(ctx context.Context, w *model.MaintenanceWindow) error {
	instances, alertTypes, err := encodeWindowFilters(w)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE maintenance_window SET
			name = ?,
			description = ?,
			start_time = ?,
			end_time = ?,
			recurrence = ?,
			recurrence_end = ?,
			instance_filter = ?,
			alert_type_filter = ?
		WHERE id = ?`,
		w.Name,
		nullString(w.Description),
		w.StartTime.UTC(),
		w.EndTime.UTC(),
		w.Recurrence,
		nullTime(w.RecurrenceEnd),
		instances,
		alertTypes,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update maintenance window: %w", err)
	}
	return requireAffected(result, "maintenance window", w.ID)
}

// GetWindow implements SuppressionStore.GetWindow
func (s *SQLiteStore) GetWindow(ctx context.Context, id int64) (*model.MaintenanceWindow, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+windowColumns+" FROM maintenance_window WHERE id = ?", id)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("maintenance window %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return w, nil
}

// ListWindows implements SuppressionStore.ListWindows
func (s *SQLiteStore) ListWindows(ctx context.Context) ([]*model.MaintenanceWindow, error) {
	return s.queryWindows(ctx, "SELECT "+windowColumns+" FROM maintenance_window ORDER BY start_time DESC")
}

// DeleteWindow implements SuppressionStore.DeleteWindow
func (s *SQLiteStore) DeleteWindow(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM maintenance_window WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete maintenance window: %w", err)
	}
	return requireAffected(result, "maintenance window", id)
}

// ActiveWindows implements SuppressionStore.ActiveWindows. Recurring windows are
// narrowed in SQL and then checked against their schedule.
func (s *SQLiteStore) ActiveWindows(ctx context.Context, at time.Time) ([]*model.MaintenanceWindow, error) {
	candidates, err := s.queryWindows(ctx, "SELECT "+windowColumns+` FROM maintenance_window
		WHERE start_time <= ? AND (end_time > ? OR recurrence != '')`, at.UTC(), at.UTC())
	if err != nil {
		return nil, err
	}
	var active []*model.MaintenanceWindow
	for _, w := range candidates {
		if w.ActiveAt(at) {
			active = append(active, w)
		}
	}
	return active, nil
}

// CreateSilence implements SuppressionStore.CreateSilence
func (s *SQLiteStore) CreateSilence(ctx context.Context, silence *model.AlertSilence) error {
	matchers, err := encodeJSON(silence.Matchers, false)
	if err != nil {
		return fmt.Errorf("failed to encode matchers: %w", err)
	}
	silence.CreatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_silence (matchers, start_time, end_time, created_by, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		matchers,
		silence.StartTime.UTC(),
		silence.EndTime.UTC(),
		nullString(silence.CreatedBy),
		nullString(silence.Comment),
		silence.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store silence: %w", err)
	}
	if silence.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get silence id: %w", err)
	}
	return nil
}

// GetSilence implements SuppressionStore.GetSilence
func (s *SQLiteStore) GetSilence(ctx context.Context, id int64) (*model.AlertSilence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, matchers, start_time, end_time, created_by, comment, created_at
		FROM alert_silence WHERE id = ?`, id)
	silence, err := scanSilence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("silence %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return silence, nil
}

// ListSilences implements SuppressionStore.ListSilences
func (s *SQLiteStore) ListSilences(ctx context.Context) ([]*model.AlertSilence, error) {
	return s.querySilences(ctx, `
		SELECT id, matchers, start_time, end_time, created_by, comment, created_at
		FROM alert_silence ORDER BY start_time DESC`)
}

// DeleteSilence implements SuppressionStore.DeleteSilence
func (s *SQLiteStore) DeleteSilence(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM alert_silence WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete silence: %w", err)
	}
	return requireAffected(result, "silence", id)
}

// ExpireSilence implements SuppressionStore.ExpireSilence
func (s *SQLiteStore) ExpireSilence(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alert_silence SET end_time = ? WHERE id = ? AND end_time > ?", at.UTC(), id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to expire silence: %w", err)
	}
	return requireAffected(result, "active silence", id)
}

// ActiveSilences implements SuppressionStore.ActiveSilences
func (s *SQLiteStore) ActiveSilences(ctx context.Context, at time.Time) ([]*model.AlertSilence, error) {
	return s.querySilences(ctx, `
		SELECT id, matchers, start_time, end_time, created_by, comment, created_at
		FROM alert_silence WHERE start_time <= ? AND end_time > ?
		ORDER BY id`, at.UTC(), at.UTC())
}

// DeleteSilencesExpiredBefore implements SuppressionStore.DeleteSilencesExpiredBefore
func (s *SQLiteStore) DeleteSilencesExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM alert_silence WHERE end_time < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired silences: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

func encodeWindowFilters(w *model.MaintenanceWindow) (sql.NullString, sql.NullString, error) {
	instances, err := encodeJSON(w.InstanceFilter, len(w.InstanceFilter) == 0)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("failed to encode instance filter: %w", err)
	}
	alertTypes, err := encodeJSON(w.AlertTypeFilter, len(w.AlertTypeFilter) == 0)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("failed to encode alert type filter: %w", err)
	}
	return instances, alertTypes, nil
}

func (s *SQLiteStore) queryWindows(ctx context.Context, query string, args ...interface{}) ([]*model.MaintenanceWindow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance windows: %w", err)
	}
	defer rows.Close()

	var windows []*model.MaintenanceWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return windows, nil
}

func scanWindow(row rowScanner) (*model.MaintenanceWindow, error) {
	var (
		w                      model.MaintenanceWindow
		description, createdBy sql.NullString
		instances, alertTypes  sql.NullString
		recurrenceEnd          sql.NullTime
	)
	err := row.Scan(
		&w.ID,
		&w.Name,
		&description,
		&w.StartTime,
		&w.EndTime,
		&w.Recurrence,
		&recurrenceEnd,
		&instances,
		&alertTypes,
		&createdBy,
		&w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan maintenance window: %w", err)
	}
	w.Description = description.String
	w.CreatedBy = createdBy.String
	w.StartTime = w.StartTime.UTC()
	w.EndTime = w.EndTime.UTC()
	w.RecurrenceEnd = timePtr(recurrenceEnd)
	if err := decodeJSON(instances, &w.InstanceFilter); err != nil {
		return nil, fmt.Errorf("failed to decode instance filter: %w", err)
	}
	if err := decodeJSON(alertTypes, &w.AlertTypeFilter); err != nil {
		return nil, fmt.Errorf("failed to decode alert type filter: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) querySilences(ctx context.Context, query string, args ...interface{}) ([]*model.AlertSilence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list silences: %w", err)
	}
	defer rows.Close()

	var silences []*model.AlertSilence
	for rows.Next() {
		silence, err := scanSilence(rows)
		if err != nil {
			return nil, err
		}
		silences = append(silences, silence)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return silences, nil
}

func scanSilence(row rowScanner) (*model.AlertSilence, error) {
	var (
		silence            model.AlertSilence
		matchers           sql.NullString
		createdBy, comment sql.NullString
	)
	err := row.Scan(
		&silence.ID,
		&matchers,
		&silence.StartTime,
		&silence.EndTime,
		&createdBy,
		&comment,
		&silence.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan silence: %w", err)
	}
	silence.StartTime = silence.StartTime.UTC()
	silence.EndTime = silence.EndTime.UTC()
	silence.CreatedBy = createdBy.String
	silence.Comment = comment.String
	if err := decodeJSON(matchers, &silence.Matchers); err != nil {
		return nil, fmt.Errorf("failed to decode matchers: %w", err)
	}
	return &silence, nil
}
