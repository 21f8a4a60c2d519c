package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Recurrence patterns for maintenance windows
const (
	RecurrenceNone   = ""
	RecurrenceDaily  = "daily"
	RecurrenceWeekly = "weekly"
)

// MaintenanceWindow suppresses matching alerts while active.
// A recurring window repeats its [StartTime, EndTime) span every period.
type MaintenanceWindow struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	Recurrence      string     `json:"recurrence,omitempty"`
	RecurrenceEnd   *time.Time `json:"recurrence_end,omitempty"`
	InstanceFilter  []string   `json:"instance_filter,omitempty"`
	AlertTypeFilter []string   `json:"alert_type_filter,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Validate enforces StartTime < EndTime and a known recurrence
func (w *MaintenanceWindow) Validate() error {
	if !w.StartTime.Before(w.EndTime) {
		return fmt.Errorf("start time must be before end time")
	}
	period := w.period()
	switch w.Recurrence {
	case RecurrenceNone:
	case RecurrenceDaily, RecurrenceWeekly:
		if w.EndTime.Sub(w.StartTime) > period {
			return fmt.Errorf("window span exceeds %s recurrence period", w.Recurrence)
		}
	default:
		return fmt.Errorf("unknown recurrence %q", w.Recurrence)
	}
	return nil
}

func (w *MaintenanceWindow) period() time.Duration {
	switch w.Recurrence {
	case RecurrenceDaily:
		return 24 * time.Hour
	case RecurrenceWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ActiveAt reports whether now falls inside an instance of the window
func (w *MaintenanceWindow) ActiveAt(now time.Time) bool {
	if now.Before(w.StartTime) {
		return false
	}
	period := w.period()
	if period == 0 {
		return now.Before(w.EndTime)
	}
	if w.RecurrenceEnd != nil && !now.Before(*w.RecurrenceEnd) {
		return false
	}
	offset := now.Sub(w.StartTime) % period
	return offset < w.EndTime.Sub(w.StartTime)
}

// Applies reports whether the window's filters cover the instance and alert type
func (w *MaintenanceWindow) Applies(instance, alertType string) bool {
	if len(w.InstanceFilter) > 0 && !containsString(w.InstanceFilter, instance) {
		return false
	}
	if len(w.AlertTypeFilter) > 0 && !containsString(w.AlertTypeFilter, alertType) {
		return false
	}
	return true
}

// Matcher fields
const (
	MatchFieldAlertType = "alertType"
	MatchFieldSeverity  = "severity"
	MatchFieldInstance  = "instanceName"
	MatchFieldMessage   = "message"
)

// Matcher operators
const (
	MatchEqual    = "="
	MatchNotEqual = "!="
	MatchRegex    = "=~"
	MatchNotRegex = "!~"
	MatchContains = "contains"
)

var matchFieldAliases = map[string]string{
	"alerttype":     MatchFieldAlertType,
	"alert_type":    MatchFieldAlertType,
	"type":          MatchFieldAlertType,
	"severity":      MatchFieldSeverity,
	"instancename":  MatchFieldInstance,
	"instance_name": MatchFieldInstance,
	"instance":      MatchFieldInstance,
	"message":       MatchFieldMessage,
}

// Matcher is a single predicate over an alert field
type Matcher struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Normalize resolves field aliases and defaults the operator to equality
func (m Matcher) Normalize() (Matcher, error) {
	field, ok := matchFieldAliases[strings.ToLower(strings.TrimSpace(m.Field))]
	if !ok {
		return m, fmt.Errorf("unknown matcher field %q", m.Field)
	}
	m.Field = field
	if m.Operator == "" {
		m.Operator = MatchEqual
	}
	switch m.Operator {
	case MatchEqual, MatchNotEqual, MatchContains:
	case MatchRegex, MatchNotRegex:
		if _, err := regexp.Compile(anchor(m.Value)); err != nil {
			return m, fmt.Errorf("invalid matcher regex %q: %w", m.Value, err)
		}
	default:
		return m, fmt.Errorf("unknown matcher operator %q", m.Operator)
	}
	return m, nil
}

// Evaluate applies the matcher to the alert
func (m Matcher) Evaluate(alert *Alert) bool {
	n, err := m.Normalize()
	if err != nil {
		return false
	}
	actual := n.fieldValue(alert)
	switch n.Operator {
	case MatchEqual:
		return actual == n.Value
	case MatchNotEqual:
		return actual != n.Value
	case MatchContains:
		return strings.Contains(actual, n.Value)
	case MatchRegex, MatchNotRegex:
		re := regexp.MustCompile(anchor(n.Value))
		return re.MatchString(actual) == (n.Operator == MatchRegex)
	}
	return false
}

func (m Matcher) fieldValue(alert *Alert) string {
	switch m.Field {
	case MatchFieldAlertType:
		return alert.AlertType
	case MatchFieldSeverity:
		return string(alert.Severity)
	case MatchFieldInstance:
		return alert.InstanceName
	case MatchFieldMessage:
		return alert.Message
	}
	return ""
}

func anchor(expr string) string {
	return "^(?:" + expr + ")$"
}

// AlertSilence suppresses alerts matching every matcher between StartTime and EndTime
type AlertSilence struct {
	ID        int64     `json:"id"`
	Matchers  []Matcher `json:"matchers"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	CreatedBy string    `json:"created_by,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the time range and normalises matchers in place
func (s *AlertSilence) Validate() error {
	if !s.StartTime.Before(s.EndTime) {
		return fmt.Errorf("start time must be before end time")
	}
	if len(s.Matchers) == 0 {
		return fmt.Errorf("silence requires at least one matcher")
	}
	for i, m := range s.Matchers {
		n, err := m.Normalize()
		if err != nil {
			return err
		}
		s.Matchers[i] = n
	}
	return nil
}

// ActiveAt reports whether StartTime <= now < EndTime
func (s *AlertSilence) ActiveAt(now time.Time) bool {
	return !now.Before(s.StartTime) && now.Before(s.EndTime)
}

// Matches reports whether every matcher accepts the alert
func (s *AlertSilence) Matches(alert *Alert) bool {
	if len(s.Matchers) == 0 {
		return false
	}
	for _, m := range s.Matchers {
		if !m.Evaluate(alert) {
			return false
		}
	}
	return true
}
