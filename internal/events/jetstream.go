package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/metrics"
)

const (
	StreamName     = "ALERTS"
	StreamSubjects = "alert.>"
)

// JetStreamPublisher publishes events on the ALERTS stream
type JetStreamPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamPublisher creates the publisher, creating the stream if it is missing
func NewJetStreamPublisher(logger *zap.Logger, js nats.JetStreamContext) (*JetStreamPublisher, error) {
	p := &JetStreamPublisher{
		js:     js,
		logger: logger.Named("events"),
	}
	if err := p.ensureStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	stream, err := p.js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubjects},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("stream", StreamName))
	return nil
}

// Publish implements Publisher
func (p *JetStreamPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := string(event.Type)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(subject, "error").Inc()
		p.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.EventsPublishedTotal.WithLabelValues(subject, "ok").Inc()
	p.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("subject", subject),
		zap.String("alert_id", event.AlertID))
	return nil
}

// Subscribe delivers events on subject (for example "alert.>") to handler until ctx is done
func (p *JetStreamPublisher) Subscribe(ctx context.Context, subject string, handler func(*Event)) error {
	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}
		handler(&event)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// PublishBestEffort publishes and logs any failure instead of returning it
func PublishBestEffort(ctx context.Context, logger *zap.Logger, p Publisher, event *Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn("Lifecycle event not published",
			zap.String("type", string(event.Type)),
			zap.String("alert_id", event.AlertID),
			zap.Error(err))
	}
}
