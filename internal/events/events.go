// Package events broadcasts entity status changes to interested consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"studio/internal/domain"
	"studio/internal/infra"
)

// StatusEvent is published every time a generation attempt concludes.
type StatusEvent struct {
	EntityID    string                  `json:"entity_id"`
	Attempt     int64                   `json:"attempt"`
	Status      domain.GenerationStatus `json:"status"`
	FailureKind domain.FailureKind      `json:"failure_kind,omitempty"`
	Error       string                  `json:"error,omitempty"`
	At          time.Time               `json:"at"`
}

// Publisher delivers status events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, StatusEvent) error { return nil }

// NATSPublisher publishes JSON encoded events on a single subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *infra.Logger
}

// NewNATSPublisher connects to url. The connection reconnects forever; events
// published while disconnected are buffered by the client.
func NewNATSPublisher(url, subject string, logger *infra.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	conn, err := nats.Connect(url,
		nats.Name("studio"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("events: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("events: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
