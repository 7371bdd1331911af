package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/log"
)

// Publisher fans events out to interested parties
type Publisher interface {
	Publish(event *Event)
}

// subjectPrefix namespaces event subjects on the wire
const subjectPrefix = "caravel.event."

// NATSPublisher publishes events to the local broker and mirrors them
// onto NATS for external consumers (webhooks, audit, UIs). NATS
// publish failures are logged, not propagated: events describe
// transitions that already committed.
type NATSPublisher struct {
	conn   *nats.Conn
	broker *Broker
	logger zerolog.Logger
}

// NewNATSPublisher connects to NATS and wraps the given broker
func NewNATSPublisher(url string, broker *Broker) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{
		conn:   conn,
		broker: broker,
		logger: log.WithComponent("events"),
	}, nil
}

// Conn exposes the underlying connection for RPC reuse
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Publish delivers the event locally and over NATS
func (p *NATSPublisher) Publish(event *Event) {
	p.broker.Publish(event)

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("type", string(event.Type)).Msg("failed to marshal event")
		return
	}
	if err := p.conn.Publish(subjectPrefix+string(event.Type), data); err != nil {
		p.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to publish event to nats")
	}
}

// Close drains the NATS connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
