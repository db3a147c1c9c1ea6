// Package nats mirrors every in-process bus event onto NATS subjects so
// external consumers can observe the execution core. Publishing is lossy
// best-effort: a broker hiccup is logged and never propagates into the
// execution path.
package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/execms/oms/internal/executor"
	"github.com/execms/oms/pkg/bus"
)

// Envelope wraps every mirrored event.
type Envelope struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data,omitempty"`
}

// Bridge republishes bus events to NATS.
type Bridge struct {
	conn   *natsio.Conn
	prefix string
	logger *logrus.Entry
}

// NewBridge connects to the broker. The connection reconnects forever in
// the background; Close drains it.
func NewBridge(url, prefix string) (*Bridge, error) {
	if prefix == "" {
		prefix = "exec"
	}
	conn, err := natsio.Connect(url,
		natsio.Name("oms-exec"),
		natsio.MaxReconnects(-1),
		natsio.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Bridge{
		conn:   conn,
		prefix: prefix,
		logger: logrus.WithField("component", "nats-bridge"),
	}, nil
}

// Bind mirrors every event published on the bus.
func (b *Bridge) Bind(eventBus *bus.Bus) {
	eventBus.SubscribeAll(b.publish)
}

func (b *Bridge) publish(evt bus.Event) {
	payload, err := json.Marshal(Envelope{Type: evt.Type, At: evt.At, Data: evt.Data})
	if err != nil {
		b.logger.Warnf("marshal %s: %v", evt.Type, err)
		return
	}
	subject := b.subjectFor(evt)
	if err := b.conn.Publish(subject, payload); err != nil {
		b.logger.Warnf("publish %s: %v", subject, err)
	}
}

// subjectFor maps event types onto the subject taxonomy:
// order events carry endpoint and symbol tokens
// (<prefix>.orders.<event>.<endpoint>.<symbol>), everything else maps to
// <prefix>.<component>.<event>.
func (b *Bridge) subjectFor(evt bus.Event) string {
	if oe, ok := evt.Data.(executor.OrderEvent); ok {
		event := strings.TrimPrefix(evt.Type, "order.")
		return fmt.Sprintf("%s.orders.%s.%s.%s",
			b.prefix, event, sanitize(oe.Order.EndpointID), sanitize(oe.Order.Symbol))
	}
	return fmt.Sprintf("%s.%s", b.prefix, evt.Type)
}

// sanitize strips characters NATS treats as token separators.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

// Close drains outstanding publishes and closes the connection.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warnf("drain: %v", err)
	}
}
