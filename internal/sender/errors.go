package sender

import (
	"errors"

	"github.com/t77yq/alert-dispatch/internal/model"
)

var (
	// ErrConfiguration is returned when a required channel config key is missing
	ErrConfiguration = errors.New("invalid channel configuration")
	// ErrValidation is returned when a channel config value is malformed
	ErrValidation = errors.New("channel configuration validation failed")
	// ErrTransport wraps network and timeout failures
	ErrTransport = errors.New("transport error")
	// ErrDeliveryRejected is returned for non-success responses from the external service
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrUnsupportedChannel is returned for channel types without a registered sender
	ErrUnsupportedChannel = errors.New("unsupported channel type")
)

// FailureKindOf maps a sender error onto the persisted failure taxonomy
func FailureKindOf(err error) model.FailureKind {
	switch {
	case err == nil:
		return model.FailureNone
	case errors.Is(err, ErrValidation):
		return model.FailureValidation
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrUnsupportedChannel):
		return model.FailureConfiguration
	case errors.Is(err, ErrDeliveryRejected):
		return model.FailureRejected
	default:
		return model.FailureTransport
	}
}
