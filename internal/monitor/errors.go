package monitor

import "errors"

var (
	// ErrAlertNotFound is returned when an alert id is unknown
	ErrAlertNotFound = errors.New("alert not found")

	// ErrAlertResolved is returned when mutating an alert that is already resolved
	ErrAlertResolved = errors.New("alert already resolved")

	// ErrInvalidAlert is returned when a fire request is incomplete
	ErrInvalidAlert = errors.New("invalid alert")

	// ErrInvalidChannel is returned when a channel fails validation
	ErrInvalidChannel = errors.New("invalid notification channel")

	// ErrInvalidWindow is returned when a maintenance window fails validation
	ErrInvalidWindow = errors.New("invalid maintenance window")

	// ErrInvalidSilence is returned when a silence fails validation
	ErrInvalidSilence = errors.New("invalid silence")

	// ErrInvalidPolicy is returned when an escalation policy fails validation
	ErrInvalidPolicy = errors.New("invalid escalation policy")
)
