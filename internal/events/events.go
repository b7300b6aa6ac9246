// Package events publishes contribution events for the points service, which
// credits users listed as contributors of a report.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindCreated   Kind = "created"
	KindMerged    Kind = "merged"
	KindWithdrawn Kind = "withdrawn"
)

const subjectPrefix = "localpulse.reports."

type Event struct {
	Kind         Kind      `json:"-"`
	ReportID     string    `json:"reportId"`
	PartitionKey string    `json:"partitionKey"`
	UserID       string    `json:"userId"`
	MergedCount  int       `json:"mergedCount"`
	At           time.Time `json:"at"`
}

func (e Event) Subject() string {
	return subjectPrefix + string(e.Kind)
}

type Publisher interface {
	Publish(context.Context, Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	conn   natsConn
	logger zerolog.Logger
}

func NewNATSPublisher(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("localpulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newNATSPublisher(conn, logger), nil
}

func newNATSPublisher(conn natsConn, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, logger: logger}
}

// Publish hands the event to the client's buffer. Delivery is at most once;
// points bookkeeping reconciles from contributorIds.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(event.Subject(), payload); err != nil {
		return fmt.Errorf("publish %s: %w", event.Subject(), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
