package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Publisher delivers envelopes to every gateway instance subscribed to the
// canvas's subject.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// StreamName is the JetStream stream holding canvas events.
const StreamName = "CANVAS_EVENTS"

// SubjectPrefix is the subject space canvas events are published under;
// one subject per canvas: canvas.events.{canvas_id}.
const SubjectPrefix = "canvas.events"

// NATSPublisherConfig holds connection settings for the JetStream publisher.
type NATSPublisherConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	StreamMaxAge  time.Duration
}

// DefaultNATSPublisherConfig returns defaults suitable for a local broker.
func DefaultNATSPublisherConfig() NATSPublisherConfig {
	return NATSPublisherConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		StreamMaxAge:  time.Hour,
	}
}

// NATSPublisher publishes canvas events to JetStream.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSPublisher connects to NATS and ensures the canvas event stream
// exists.
func NewNATSPublisher(ctx context.Context, config NATSPublisherConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   config.StreamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &NATSPublisher{nc: nc, js: js}, nil
}

// Publish sends one envelope to the canvas's subject.
func (p *NATSPublisher) Publish(ctx context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, envelope.CanvasID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("event_id", envelope.EventID).
		Str("event_type", string(envelope.EventType)).
		Str("canvas_id", envelope.CanvasID).
		Msg("event published")
	return nil
}

// Close shuts the NATS connection down.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
