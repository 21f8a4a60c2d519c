package sender

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/alert-dispatch/internal/model"
)

const resolvedColor = "#28A745"

var severityColors = map[model.AlertSeverity]string{
	model.AlertSeverityCritical: "#DC3545",
	model.AlertSeverityHigh:     "#FD7E14",
	model.AlertSeverityMedium:   "#FFC107",
	model.AlertSeverityLow:      "#17A2B8",
}

var severityEmojis = map[model.AlertSeverity]string{
	model.AlertSeverityCritical: "🔴",
	model.AlertSeverityHigh:     "🟠",
	model.AlertSeverityMedium:   "🟡",
	model.AlertSeverityLow:      "🔵",
}

func severityColor(s model.AlertSeverity) string {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return severityColors[model.AlertSeverityLow]
}

func severityEmoji(s model.AlertSeverity) string {
	if e, ok := severityEmojis[s]; ok {
		return e
	}
	return "⚪"
}

// colorInt converts "#RRGGBB" to the integer form Discord expects
func colorInt(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

func alertTitle(alert *model.Alert) string {
	return fmt.Sprintf("%s %s: %s", severityEmoji(alert.Severity), alert.Severity, alert.AlertType)
}

func resolvedTitle(alert *model.Alert) string {
	return fmt.Sprintf("✅ RESOLVED: %s", alert.AlertType)
}

func instanceLabel(alert *model.Alert) string {
	if alert.InstanceName == "" {
		return "N/A"
	}
	return alert.InstanceName
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func testMessage(ch *model.NotificationChannel) string {
	return fmt.Sprintf("Test notification from alert-dispatch: channel %q is configured correctly.", ch.Name)
}

// truncateRunes shortens s to n runes, marking the cut with an ellipsis
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
