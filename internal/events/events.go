// Package events publishes entity change notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/model"
)

// Event types.
const (
	TypeSaved   = "saved"
	TypeDeleted = "deleted"
)

// Event describes a change an operator made through the console.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Entity     string         `json:"entity"`
	ItemID     string         `json:"item_id"`
	SubjectID  string         `json:"subject_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Item       map[string]any `json:"item,omitempty"`
}

// NewEvent builds an event stamped with a fresh id, the current time and
// the operator found in ctx.
func NewEvent(ctx context.Context, typ, entity, itemID string, item map[string]any) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Entity:     entity,
		ItemID:     itemID,
		OccurredAt: time.Now().UTC(),
		Item:       item,
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		e.SubjectID = rctx.SubjectID
		e.SessionID = rctx.SessionID
	}
	return e
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on
// "<prefix>.entity.<entity>.<type>".
type NATSPublisher struct {
	conn    Conn
	prefix  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewNATSPublisher creates a publisher on conn.
func NewNATSPublisher(conn Conn, prefix string, logger *zap.Logger, metrics *observability.Metrics) *NATSPublisher {
	if prefix == "" {
		prefix = "aiconsole"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger, metrics: metrics}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.entity.%s.%s", p.prefix, e.Entity, e.Type)
}

// Publish sends e. Failures are logged, counted and returned.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		p.metrics.RecordEventPublished(e.Type, "error")
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	subject := p.Subject(e)
	if err := p.conn.Publish(subject, data); err != nil {
		p.metrics.RecordEventPublished(e.Type, "error")
		observability.RequestLogger(ctx, p.logger).Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.metrics.RecordEventPublished(e.Type, "ok")
	return nil
}

// Connect dials NATS with reconnect settings suited to a long-running
// server.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("aiconsole"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return nc, nil
}

// ErrDisconnected is reported by Health while the connection is down.
var ErrDisconnected = errors.New("events: not connected")

// Health reports the state of a NATS connection for readiness checks.
type Health struct {
	Status func() nats.Status
}

// HealthCheck implements observability.HealthChecker.
func (h Health) HealthCheck(context.Context) error {
	if s := h.Status(); s != nats.CONNECTED {
		return fmt.Errorf("%w: %s", ErrDisconnected, s)
	}
	return nil
}
