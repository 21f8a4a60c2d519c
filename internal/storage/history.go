package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

const historyColumns = `h.id, h.channel_id, h.channel_name, h.channel_type, h.alert_id, h.alert_type,
	h.severity, h.message, h.instance_name, h.notification_type, h.success, h.response_code,
	h.response_body, h.error_kind, h.error_message, h.escalation_tier, h.dedup_key, h.retry_of,
	EXISTS (SELECT 1 FROM notification_history r WHERE r.retry_of = h.id), h.sent_at`

// AppendResult implements HistoryStore.AppendResult
func (s *SQLiteStore) AppendResult(ctx context.Context, r *model.NotificationResult) error {
	var retryOf sql.NullInt64
	if r.RetryOf != nil {
		retryOf = sql.NullInt64{Int64: *r.RetryOf, Valid: true}
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_history (
			channel_id, channel_name, channel_type, alert_id, alert_type, severity,
			message, instance_name, notification_type, success, response_code,
			response_body, error_kind, error_message, escalation_tier, dedup_key,
			retry_of, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ChannelID,
		r.ChannelName,
		string(r.ChannelType),
		nullString(r.AlertID),
		nullString(r.AlertType),
		nullString(string(r.Severity)),
		nullString(r.Message),
		nullString(r.InstanceName),
		string(r.NotificationType),
		r.Success,
		sql.NullInt64{Int64: int64(r.ResponseCode), Valid: r.ResponseCode != 0},
		nullString(model.Truncate(r.ResponseBody)),
		nullString(string(r.ErrorKind)),
		nullString(r.ErrorMessage),
		sql.NullInt64{Int64: int64(r.EscalationTier), Valid: r.EscalationTier != 0},
		nullString(r.DedupKey),
		retryOf,
		r.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store notification history: %w", err)
	}
	if r.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get notification history id: %w", err)
	}
	return nil
}

// ListHistory implements HistoryStore.ListHistory
func (s *SQLiteStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]*model.NotificationResult, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.ChannelID != 0 {
		conditions = append(conditions, "h.channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	if filter.AlertID != "" {
		conditions = append(conditions, "h.alert_id = ?")
		args = append(args, filter.AlertID)
	}
	if filter.SuccessOnly != nil {
		conditions = append(conditions, "h.success = ?")
		args = append(args, *filter.SuccessOnly)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "h.sent_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT " + historyColumns + " FROM notification_history h"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY h.sent_at DESC, h.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryHistory(ctx, query, args...)
}

// ListRetryCandidates implements HistoryStore.ListRetryCandidates
func (s *SQLiteStore) ListRetryCandidates(ctx context.Context, limit int) ([]*model.NotificationResult, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryHistory(ctx, "SELECT "+historyColumns+` FROM notification_history h
		WHERE h.success = 0
			AND h.notification_type != ?
			AND NOT EXISTS (SELECT 1 FROM notification_history r WHERE r.retry_of = h.id)
		ORDER BY h.sent_at DESC, h.id DESC
		LIMIT ?`, string(model.NotificationTest), limit)
}

// SentTimesSince implements HistoryStore.SentTimesSince
func (s *SQLiteStore) SentTimesSince(ctx context.Context, channelID int64, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sent_at FROM notification_history
		WHERE channel_id = ?
			AND sent_at > ?
			AND notification_type = ?
			AND COALESCE(error_kind, '') != ?
		ORDER BY sent_at`,
		channelID, since.UTC(), string(model.NotificationAlert), string(model.FailureRateLimited))
	if err != nil {
		return nil, fmt.Errorf("failed to query send times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan send time: %w", err)
		}
		times = append(times, t.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return times, nil
}

// DeleteHistoryBefore implements HistoryStore.DeleteHistoryBefore
func (s *SQLiteStore) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM notification_history WHERE sent_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete notification history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old notification history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func (s *SQLiteStore) queryHistory(ctx context.Context, query string, args ...interface{}) ([]*model.NotificationResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification history: %w", err)
	}
	defer rows.Close()

	var results []*model.NotificationResult
	for rows.Next() {
		var (
			r                                           model.NotificationResult
			channelType, notificationType               string
			alertID, alertType, severity, message       sql.NullString
			instance, body, errorKind, errMsg, dedupKey sql.NullString
			responseCode, tier, retryOf                 sql.NullInt64
		)
		err := rows.Scan(
			&r.ID,
			&r.ChannelID,
			&r.ChannelName,
			&channelType,
			&alertID,
			&alertType,
			&severity,
			&message,
			&instance,
			&notificationType,
			&r.Success,
			&responseCode,
			&body,
			&errorKind,
			&errMsg,
			&tier,
			&dedupKey,
			&retryOf,
			&r.Retried,
			&r.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification history: %w", err)
		}

		r.ChannelType = model.ChannelType(channelType)
		r.NotificationType = model.NotificationType(notificationType)
		r.AlertID = alertID.String
		r.AlertType = alertType.String
		r.Severity = model.AlertSeverity(severity.String)
		r.Message = message.String
		r.InstanceName = instance.String
		r.ResponseCode = int(responseCode.Int64)
		r.ResponseBody = body.String
		r.ErrorKind = model.FailureKind(errorKind.String)
		r.ErrorMessage = errMsg.String
		r.EscalationTier = int(tier.Int64)
		r.DedupKey = dedupKey.String
		if retryOf.Valid {
			id := retryOf.Int64
			r.RetryOf = &id
		}
		r.SentAt = r.SentAt.UTC()
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}
