package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/alert-dispatch/internal/model"
)

const channelColumns = `id, name, type, enabled, config, severity_filter, alert_type_filter,
	instance_filter, rate_limit_per_hour, last_used_at, success_count, failure_count,
	created_at, updated_at`

type channelColumnValues struct {
	config, severity, alertType, instance sql.NullString
}

func encodeChannel(ch *model.NotificationChannel) (*channelColumnValues, error) {
	var (
		v   channelColumnValues
		err error
	)
	if v.config, err = encodeJSON(ch.Config, ch.Config == nil); err != nil {
		return nil, fmt.Errorf("failed to encode channel config: %w", err)
	}
	if v.severity, err = encodeJSON(ch.SeverityFilter, ch.SeverityFilter == nil); err != nil {
		return nil, fmt.Errorf("failed to encode severity filter: %w", err)
	}
	if v.alertType, err = encodeJSON(ch.AlertTypeFilter, ch.AlertTypeFilter == nil); err != nil {
		return nil, fmt.Errorf("failed to encode alert type filter: %w", err)
	}
	if v.instance, err = encodeJSON(ch.InstanceFilter, ch.InstanceFilter == nil); err != nil {
		return nil, fmt.Errorf("failed to encode instance filter: %w", err)
	}
	return &v, nil
}

// CreateChannel implements ChannelStore.CreateChannel
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *model.NotificationChannel) error {
	v, err := encodeChannel(ch)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_channel (
			name, type, enabled, config, severity_filter, alert_type_filter,
			instance_filter, rate_limit_per_hour, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.Name,
		string(ch.Type),
		ch.Enabled,
		v.config,
		v.severity,
		v.alertType,
		v.instance,
		nullInt(ch.RateLimitPerHour),
		ch.CreatedAt,
		ch.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("channel %q: %w", ch.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to store channel: %w", err)
	}
	if ch.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get channel id: %w", err)
	}
	return nil
}

// UpdateChannel implements ChannelStore.UpdateChannel
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *model.NotificationChannel) error {
	v, err := encodeChannel(ch)
	if err != nil {
		return err
	}
	ch.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE notification_channel SET
			name = ?,
			type = ?,
			enabled = ?,
			config = ?,
			severity_filter = ?,
			alert_type_filter = ?,
			instance_filter = ?,
			rate_limit_per_hour = ?,
			updated_at = ?
		WHERE id = ?`,
		ch.Name,
		string(ch.Type),
		ch.Enabled,
		v.config,
		v.severity,
		v.alertType,
		v.instance,
		nullInt(ch.RateLimitPerHour),
		ch.UpdatedAt,
		ch.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("channel %q: %w", ch.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return requireAffected(result, "channel", ch.ID)
}

// GetChannel implements ChannelStore.GetChannel
func (s *SQLiteStore) GetChannel(ctx context.Context, id int64) (*model.NotificationChannel, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM notification_channel WHERE id = ?", id)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return ch, nil
}

// ListChannels implements ChannelStore.ListChannels
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*model.NotificationChannel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM notification_channel ORDER BY id")
}

// ListEnabledChannels implements ChannelStore.ListEnabledChannels
func (s *SQLiteStore) ListEnabledChannels(ctx context.Context) ([]*model.NotificationChannel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM notification_channel WHERE enabled = 1 ORDER BY id")
}

// DeleteChannel implements ChannelStore.DeleteChannel
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM notification_channel WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return requireAffected(result, "channel", id)
}

// RecordChannelUsage implements ChannelStore.RecordChannelUsage
func (s *SQLiteStore) RecordChannelUsage(ctx context.Context, id int64, success bool, at time.Time) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			UPDATE notification_channel
			SET success_count = success_count + 1, last_used_at = ?
			WHERE id = ?`, at.UTC(), id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE notification_channel
			SET failure_count = failure_count + 1
			WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to record channel usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryChannels(ctx context.Context, query string, args ...interface{}) ([]*model.NotificationChannel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*model.NotificationChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return channels, nil
}

func scanChannel(row rowScanner) (*model.NotificationChannel, error) {
	var (
		ch         model.NotificationChannel
		chType     string
		v          channelColumnValues
		rateLimit  sql.NullInt64
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&ch.ID,
		&ch.Name,
		&chType,
		&ch.Enabled,
		&v.config,
		&v.severity,
		&v.alertType,
		&v.instance,
		&rateLimit,
		&lastUsedAt,
		&ch.SuccessCount,
		&ch.FailureCount,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}

	ch.Type = model.ChannelType(chType)
	if rateLimit.Valid {
		limit := int(rateLimit.Int64)
		ch.RateLimitPerHour = &limit
	}
	ch.LastUsedAt = timePtr(lastUsedAt)
	if err := decodeJSON(v.config, &ch.Config); err != nil {
		return nil, fmt.Errorf("failed to decode channel config: %w", err)
	}
	if err := decodeJSON(v.severity, &ch.SeverityFilter); err != nil {
		return nil, fmt.Errorf("failed to decode severity filter: %w", err)
	}
	if err := decodeJSON(v.alertType, &ch.AlertTypeFilter); err != nil {
		return nil, fmt.Errorf("failed to decode alert type filter: %w", err)
	}
	if err := decodeJSON(v.instance, &ch.InstanceFilter); err != nil {
		return nil, fmt.Errorf("failed to decode instance filter: %w", err)
	}
	return &ch, nil
}

func requireAffected(result sql.Result, what string, id interface{}) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}
