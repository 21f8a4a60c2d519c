package model

import (
	"fmt"
	"sort"
	"time"
)

// EscalationPolicy is an ordered list of notification tiers.
// RepeatCount is the number of additional full passes after the last tier.
type EscalationPolicy struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	RepeatCount int              `json:"repeat_count"`
	Tiers       []EscalationTier `json:"tiers"`
	CreatedAt   time.Time        `json:"created_at"`
}

// EscalationTier is one step of an escalation policy
type EscalationTier struct {
	ID           int64   `json:"id"`
	PolicyID     int64   `json:"policy_id"`
	Order        int     `json:"order"`
	DelayMinutes int     `json:"delay_minutes"`
	ChannelIDs   []int64 `json:"channel_ids"`
}

// Delay returns the wait before advancing past this tier
func (t EscalationTier) Delay() time.Duration {
	return time.Duration(t.DelayMinutes) * time.Minute
}

// Validate checks tier ordering and content
func (p *EscalationPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.RepeatCount < 0 {
		return fmt.Errorf("repeat count must not be negative")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy %q has no tiers", p.Name)
	}
	seen := make(map[int]bool, len(p.Tiers))
	for _, t := range p.Tiers {
		if t.Order < 1 {
			return fmt.Errorf("tier order must be >= 1, got %d", t.Order)
		}
		if seen[t.Order] {
			return fmt.Errorf("duplicate tier order %d", t.Order)
		}
		seen[t.Order] = true
		if t.DelayMinutes < 0 {
			return fmt.Errorf("tier %d has negative delay", t.Order)
		}
		if len(t.ChannelIDs) == 0 {
			return fmt.Errorf("tier %d has no channels", t.Order)
		}
	}
	return nil
}

// SortedTiers returns the tiers ordered by Order ascending
func (p *EscalationPolicy) SortedTiers() []EscalationTier {
	tiers := make([]EscalationTier, len(p.Tiers))
	copy(tiers, p.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Order < tiers[j].Order })
	return tiers
}

// TierIndex returns the position of the tier with the given order, or -1
func (p *EscalationPolicy) TierIndex(order int) int {
	for i, t := range p.SortedTiers() {
		if t.Order == order {
			return i
		}
	}
	return -1
}
