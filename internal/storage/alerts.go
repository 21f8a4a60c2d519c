package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/alert-dispatch/internal/model"
)

const alertColumns = `id, alert_type, severity, message, instance_name, fired_at,
	last_notification_at, current_escalation_tier, escalation_pass, escalation_policy_id,
	acknowledged, resolved, resolved_at`

// CreateAlert implements AlertStore.CreateAlert
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	var policyID sql.NullInt64
	if alert.EscalationPolicyID != nil {
		policyID = sql.NullInt64{Int64: *alert.EscalationPolicyID, Valid: true}
	}
	if alert.CurrentEscalationTier < 1 {
		alert.CurrentEscalationTier = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_alert (
			id, alert_type, severity, message, instance_name, fired_at,
			last_notification_at, current_escalation_tier, escalation_pass,
			escalation_policy_id, acknowledged, resolved, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.AlertType,
		string(alert.Severity),
		alert.Message,
		alert.InstanceName,
		alert.FiredAt.UTC(),
		nullTime(alert.LastNotificationAt),
		alert.CurrentEscalationTier,
		alert.EscalationPass,
		policyID,
		alert.Acknowledged,
		alert.Resolved,
		nullTime(alert.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("alert %s/%s: %w", alert.AlertType, alert.InstanceName, ErrDuplicate)
		}
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// GetAlert implements AlertStore.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM active_alert WHERE id = ?", id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return alert, nil
}

// FindActiveAlert implements AlertStore.FindActiveAlert
func (s *SQLiteStore) FindActiveAlert(ctx context.Context, alertType, instance string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+` FROM active_alert
		WHERE alert_type = ? AND instance_name = ? AND resolved = 0`, alertType, instance)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active alert %s/%s: %w", alertType, instance, ErrNotFound)
		}
		return nil, err
	}
	return alert, nil
}

// ListActiveAlerts implements AlertStore.ListActiveAlerts
func (s *SQLiteStore) ListActiveAlerts(ctx context.Context) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, "SELECT "+alertColumns+" FROM active_alert WHERE resolved = 0 ORDER BY fired_at DESC")
}

// ListEscalatingAlerts implements AlertStore.ListEscalatingAlerts
func (s *SQLiteStore) ListEscalatingAlerts(ctx context.Context) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, "SELECT "+alertColumns+` FROM active_alert
		WHERE resolved = 0 AND acknowledged = 0 AND escalation_policy_id IS NOT NULL
		ORDER BY fired_at`)
}

// MarkNotified implements AlertStore.MarkNotified
func (s *SQLiteStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE active_alert SET last_notification_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark alert notified: %w", err)
	}
	return requireAffected(result, "alert", id)
}

// AdvanceEscalation implements AlertStore.AdvanceEscalation
func (s *SQLiteStore) AdvanceEscalation(ctx context.Context, id string, fromTier, fromPass, toTier, toPass int, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE active_alert SET
			current_escalation_tier = ?,
			escalation_pass = ?,
			last_notification_at = ?
		WHERE id = ?
			AND current_escalation_tier = ?
			AND escalation_pass = ?
			AND acknowledged = 0
			AND resolved = 0`,
		toTier, toPass, at.UTC(), id, fromTier, fromPass)
	if err != nil {
		return false, fmt.Errorf("failed to advance escalation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// AcknowledgeAlert implements AlertStore.AcknowledgeAlert
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, ack *model.AlertAcknowledgement) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE active_alert SET acknowledged = 1
		WHERE id = ? AND acknowledged = 0 AND resolved = 0`, ack.AlertID)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	ack.AcknowledgedAt = ack.AcknowledgedAt.UTC()
	result, err = tx.ExecContext(ctx, `
		INSERT INTO alert_acknowledgement (alert_id, acknowledged_by, note, acknowledged_at)
		VALUES (?, ?, ?, ?)`,
		ack.AlertID, ack.AcknowledgedBy, nullString(ack.Note), ack.AcknowledgedAt)
	if err != nil {
		return false, fmt.Errorf("failed to store acknowledgement: %w", err)
	}
	if ack.ID, err = result.LastInsertId(); err != nil {
		return false, fmt.Errorf("failed to get acknowledgement id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit acknowledgement: %w", err)
	}
	return true, nil
}

// ListAcknowledgements implements AlertStore.ListAcknowledgements
func (s *SQLiteStore) ListAcknowledgements(ctx context.Context, alertID string) ([]*model.AlertAcknowledgement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, acknowledged_by, note, acknowledged_at
		FROM alert_acknowledgement WHERE alert_id = ? ORDER BY acknowledged_at`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list acknowledgements: %w", err)
	}
	defer rows.Close()

	var acks []*model.AlertAcknowledgement
	for rows.Next() {
		var (
			ack  model.AlertAcknowledgement
			note sql.NullString
		)
		if err := rows.Scan(&ack.ID, &ack.AlertID, &ack.AcknowledgedBy, &note, &ack.AcknowledgedAt); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgement: %w", err)
		}
		ack.Note = note.String
		acks = append(acks, &ack)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return acks, nil
}

// ResolveAlert implements AlertStore.ResolveAlert
func (s *SQLiteStore) ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE active_alert SET resolved = 1, resolved_at = ?
		WHERE id = ? AND resolved = 0`, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// AlertCounts implements AlertStore.AlertCounts. Silence and window counts are left zero.
func (s *SQLiteStore) AlertCounts(ctx context.Context, resolvedSince time.Time) (*model.AlertStats, error) {
	var stats model.AlertStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved = 0 AND severity = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved = 0 AND acknowledged = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved = 1 AND resolved_at >= ? THEN 1 ELSE 0 END), 0)
		FROM active_alert`,
		string(model.AlertSeverityCritical), resolvedSince.UTC()).Scan(
		&stats.Active,
		&stats.Critical,
		&stats.Unacknowledged,
		&stats.ResolvedLast24h,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	return &stats, nil
}

// DeleteResolvedAlertsBefore implements AlertStore.DeleteResolvedAlertsBefore
func (s *SQLiteStore) DeleteResolvedAlertsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM active_alert WHERE resolved = 1 AND resolved_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved alerts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		alert      model.Alert
		severity   string
		lastNotify sql.NullTime
		policyID   sql.NullInt64
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&alert.ID,
		&alert.AlertType,
		&severity,
		&alert.Message,
		&alert.InstanceName,
		&alert.FiredAt,
		&lastNotify,
		&alert.CurrentEscalationTier,
		&alert.EscalationPass,
		&policyID,
		&alert.Acknowledged,
		&alert.Resolved,
		&resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.Severity = model.AlertSeverity(severity)
	alert.FiredAt = alert.FiredAt.UTC()
	alert.LastNotificationAt = timePtr(lastNotify)
	alert.ResolvedAt = timePtr(resolvedAt)
	if policyID.Valid {
		id := policyID.Int64
		alert.EscalationPolicyID = &id
	}
	return &alert, nil
}
