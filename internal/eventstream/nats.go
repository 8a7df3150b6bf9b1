package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "planguard.events"

// NATSPublisher publishes each event as JSON on "<subject>.<plan_id>".
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. Reconnects are unbounded so a restarting
// broker does not require a control-plane restart.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("planguard-control-plane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", url).Str("subject", subject).Msg("📡 NATS event publisher connected")
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Subject returns the subject an event for planID is published on.
func Subject(prefix, planID string) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + "." + planID
}

func (p *NATSPublisher) Publish(_ context.Context, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to marshal event for NATS")
		return
	}
	if err := p.conn.Publish(Subject(p.subject, event.PlanID), data); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to publish event to NATS")
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
