// Package events publishes alert lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

// msgPublisher is satisfied by *nats.Conn.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher implements relay.EventSink. Events go to "<prefix>.<status>".
type Publisher struct {
	nc     msgPublisher
	prefix string
}

// NewPublisher creates a Publisher on an open connection.
func NewPublisher(nc msgPublisher, prefix string) *Publisher {
	return &Publisher{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
	}
}

// Publish sends ev. The Nats-Msg-Id header lets JetStream drop duplicates when
// a resumed alert settles twice.
func (p *Publisher) Publish(ctx context.Context, ev *relay.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h := nats.Header{}
	h.Set(nats.MsgIdHdr, ev.AlertID+"."+string(ev.Status))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(h)))

	if err := p.nc.PublishMsg(&nats.Msg{
		Subject: p.Subject(ev.Status),
		Data:    payload,
		Header:  h,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", ev.AlertID, err)
	}
	return nil
}

// Subject returns the subject for events with the given status.
func (p *Publisher) Subject(st relay.Status) string {
	if p.prefix == "" {
		return string(st)
	}
	return p.prefix + "." + string(st)
}

// Connect dials NATS. Initial connection failures are retried in the
// background, so a broker outage does not block startup.
func Connect(url, name string, logger log.Logger) (*nats.Conn, error) {
	ctx := context.Background()
	nc, err := nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "err", err)
				return
			}
			logger.Warn(ctx, "nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info(ctx, "nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

var _ relay.EventSink = (*Publisher)(nil)
