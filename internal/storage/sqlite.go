package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore implements Store on top of SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notification_channel (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT,
			severity_filter TEXT,
			alert_type_filter TEXT,
			instance_filter TEXT,
			rate_limit_per_hour INTEGER,
			last_used_at DATETIME,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS escalation_policy (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			repeat_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS escalation_tier (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			policy_id INTEGER NOT NULL REFERENCES escalation_policy(id) ON DELETE CASCADE,
			tier_order INTEGER NOT NULL,
			delay_minutes INTEGER NOT NULL DEFAULT 0,
			channel_ids TEXT NOT NULL,
			UNIQUE (policy_id, tier_order)
		);

		CREATE TABLE IF NOT EXISTS maintenance_window (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			recurrence TEXT NOT NULL DEFAULT '',
			recurrence_end DATETIME,
			instance_filter TEXT,
			alert_type_filter TEXT,
			created_by TEXT,
			created_at DATETIME NOT NULL,
			CHECK (start_time < end_time)
		);

		CREATE TABLE IF NOT EXISTS alert_silence (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matchers TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			created_by TEXT,
			comment TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_silence_end_time ON alert_silence(end_time);

		CREATE TABLE IF NOT EXISTS active_alert (
			id TEXT PRIMARY KEY,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			instance_name TEXT NOT NULL DEFAULT '',
			fired_at DATETIME NOT NULL,
			last_notification_at DATETIME,
			current_escalation_tier INTEGER NOT NULL DEFAULT 1,
			escalation_pass INTEGER NOT NULL DEFAULT 0,
			escalation_policy_id INTEGER,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at DATETIME
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_active_alert_identity
			ON active_alert(alert_type, instance_name) WHERE resolved = 0;
		CREATE INDEX IF NOT EXISTS idx_active_alert_resolved ON active_alert(resolved, resolved_at);

		CREATE TABLE IF NOT EXISTS alert_acknowledgement (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id TEXT NOT NULL REFERENCES active_alert(id) ON DELETE CASCADE,
			acknowledged_by TEXT NOT NULL,
			note TEXT,
			acknowledged_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_acknowledgement_alert_id ON alert_acknowledgement(alert_id);

		CREATE TABLE IF NOT EXISTS notification_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL,
			channel_name TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			alert_id TEXT,
			alert_type TEXT,
			severity TEXT,
			message TEXT,
			instance_name TEXT,
			notification_type TEXT NOT NULL,
			success INTEGER NOT NULL,
			response_code INTEGER,
			response_body TEXT,
			error_kind TEXT,
			error_message TEXT,
			escalation_tier INTEGER,
			dedup_key TEXT,
			retry_of INTEGER,
			sent_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notification_history_channel ON notification_history(channel_id, sent_at);
		CREATE INDEX IF NOT EXISTS idx_notification_history_alert ON notification_history(alert_id);
		CREATE INDEX IF NOT EXISTS idx_notification_history_sent_at ON notification_history(sent_at);
		CREATE INDEX IF NOT EXISTS idx_notification_history_retry_of ON notification_history(retry_of);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// encodeJSON stores nil values as NULL so "match all" filters survive a round trip
func encodeJSON(v interface{}, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}
