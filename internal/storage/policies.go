package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// CreatePolicy implements PolicyStore.CreatePolicy
func (s *SQLiteStore) CreatePolicy(ctx context.Context, policy *model.EscalationPolicy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	policy.CreatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO escalation_policy (name, description, repeat_count, created_at)
		VALUES (?, ?, ?, ?)`,
		policy.Name,
		nullString(policy.Description),
		policy.RepeatCount,
		policy.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("policy %q: %w", policy.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to store policy: %w", err)
	}
	if policy.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get policy id: %w", err)
	}

	for i := range policy.Tiers {
		tier := &policy.Tiers[i]
		tier.PolicyID = policy.ID
		channelIDs, err := json.Marshal(tier.ChannelIDs)
		if err != nil {
			return fmt.Errorf("failed to encode tier channels: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO escalation_tier (policy_id, tier_order, delay_minutes, channel_ids)
			VALUES (?, ?, ?, ?)`,
			tier.PolicyID,
			tier.Order,
			tier.DelayMinutes,
			string(channelIDs),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("tier order %d: %w", tier.Order, ErrDuplicate)
			}
			return fmt.Errorf("failed to store tier: %w", err)
		}
		if tier.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get tier id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy: %w", err)
	}
	return nil
}

// GetPolicy implements PolicyStore.GetPolicy
func (s *SQLiteStore) GetPolicy(ctx context.Context, id int64) (*model.EscalationPolicy, error) {
	var (
		policy      model.EscalationPolicy
		description sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, repeat_count, created_at
		FROM escalation_policy WHERE id = ?`, id).Scan(
		&policy.ID,
		&policy.Name,
		&description,
		&policy.RepeatCount,
		&policy.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}
	policy.Description = description.String

	if policy.Tiers, err = s.loadTiers(ctx, policy.ID); err != nil {
		return nil, err
	}
	return &policy, nil
}

// ListPolicies implements PolicyStore.ListPolicies
func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]*model.EscalationPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, repeat_count, created_at
		FROM escalation_policy ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	var policies []*model.EscalationPolicy
	for rows.Next() {
		var (
			policy      model.EscalationPolicy
			description sql.NullString
		)
		if err := rows.Scan(&policy.ID, &policy.Name, &description, &policy.RepeatCount, &policy.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policy.Description = description.String
		policies = append(policies, &policy)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	// Tiers are loaded after the cursor is closed; the pool holds a single connection.
	for _, policy := range policies {
		if policy.Tiers, err = s.loadTiers(ctx, policy.ID); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// DeletePolicy implements PolicyStore.DeletePolicy
func (s *SQLiteStore) DeletePolicy(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM escalation_policy WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return requireAffected(result, "policy", id)
}

func (s *SQLiteStore) loadTiers(ctx context.Context, policyID int64) ([]model.EscalationTier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, tier_order, delay_minutes, channel_ids
		FROM escalation_tier WHERE policy_id = ? ORDER BY tier_order`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []model.EscalationTier
	for rows.Next() {
		var (
			tier       model.EscalationTier
			channelIDs string
		)
		if err := rows.Scan(&tier.ID, &tier.PolicyID, &tier.Order, &tier.DelayMinutes, &channelIDs); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		if err := json.Unmarshal([]byte(channelIDs), &tier.ChannelIDs); err != nil {
			return nil, fmt.Errorf("failed to decode tier channels: %w", err)
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tiers, nil
}
