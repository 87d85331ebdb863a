// Package bridge forwards daemon events to a NATS broker so other services
// on the machine can react to Bluetooth state changes without polling the
// management API.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/events"
)

// Publisher mirrors the event hub onto NATS subjects of the form
// <prefix>.<event type>, e.g. bt.event.device_updated. Publish failures are
// logged and dropped; the broker is an observer, never a dependency.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the broker and returns a Publisher ready to subscribe to the
// hub.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", url).Str("prefix", prefix).Msg("event bridge connected")
	return &Publisher{nc: nc, prefix: prefix}, nil
}

// Handle implements the hub subscriber.
func (p *Publisher) Handle(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("event not marshalable")
		return
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Warn().Str("subject", subject).Err(err).Msg("event publish failed")
	}
}

// Close flushes and drops the broker connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain failed")
	}
}
