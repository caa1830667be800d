// Package bridge republishes registry events on NATS so other consumers can
// follow agents without talking to the dashboard.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/metrics"
	"github.com/bc-dunia/lanwatch/internal/protocol"
	"github.com/bc-dunia/lanwatch/internal/registry"
)

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for each registry event.
type Message struct {
	Kind       registry.EventKind     `json:"kind"`
	AgentID    string                 `json:"agent_id"`
	Name       string                 `json:"name,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	Reason     registry.RemoveReason  `json:"reason,omitempty"`
	Report     *protocol.MetricReport `json:"report,omitempty"`
	At         time.Time              `json:"at"`
}

// Bridge forwards events from one registry subscription.
type Bridge struct {
	reg    *registry.Registry
	pub    Publisher
	prefix string
	buffer int
	logger *events.EventLogger
	prom   *metrics.Collector
}

// New creates a bridge publishing under prefix.
func New(reg *registry.Registry, pub Publisher, prefix string, buffer int, logger *events.EventLogger, prom *metrics.Collector) *Bridge {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Bridge{reg: reg, pub: pub, prefix: prefix, buffer: buffer, logger: logger, prom: prom}
}

// Subject returns the subject an event kind is published on.
func (b *Bridge) Subject(kind registry.EventKind) string {
	return b.prefix + "." + string(kind)
}

// Run publishes events until ctx is cancelled, then publishes whatever is
// already queued so events emitted during shutdown are not lost. Publish
// failures are logged and skipped; NATS buffers while reconnecting.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.reg.Subscribe(b.buffer)
	defer func() {
		sub.Close()
		b.prom.EventsDropped("nats", sub.Dropped())
	}()

	b.logger.Logger().Info("bridge_started", "prefix", b.prefix)
	for {
		select {
		case <-ctx.Done():
			b.drain(sub)
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.forward(ev)
		}
	}
}

func (b *Bridge) drain(sub *registry.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			b.forward(ev)
		default:
			return
		}
	}
}

func (b *Bridge) forward(ev registry.Event) {
	if err := b.publish(ev); err != nil {
		b.logger.Logger().Warn("bridge_publish_failed", "agent_id", ev.AgentID, "kind", string(ev.Kind), "error", err)
	}
}

func (b *Bridge) publish(ev registry.Event) error {
	msg := Message{
		Kind:       ev.Kind,
		AgentID:    ev.AgentID,
		Name:       ev.Entry.Identity.Name,
		RemoteAddr: ev.Entry.RemoteAddr,
		Reason:     ev.Reason,
		At:         ev.At,
	}
	if ev.Kind == registry.EventUpdated && ev.Entry.HasReport {
		rep := ev.Entry.Report
		msg.Report = &rep
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	return b.pub.Publish(b.Subject(ev.Kind), data)
}

// Connect dials NATS with reconnects that never give up, logging state
// changes through logger.
func Connect(url, name string, logger *events.EventLogger) (*nats.Conn, error) {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Logger().Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Logger().Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
