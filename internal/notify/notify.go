// Package notify is the centralized sink for entity store failures. Errors
// reported here are shown to the operator once and are never retried.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/model"
)

// Sink receives entity errors.
type Sink interface {
	Report(ctx context.Context, err model.EntityError)
}

// MemorySink keeps the most recent notifications in a bounded ring shared
// by all sessions. When the ring is full the oldest entry is dropped.
type MemorySink struct {
	mu      sync.Mutex
	buf     []model.Notification
	start   int
	size    int
	now     func() time.Time
	metrics *observability.Metrics
}

// NewMemorySink creates a ring holding at most capacity notifications.
func NewMemorySink(capacity int, metrics *observability.Metrics) *MemorySink {
	if capacity < 1 {
		capacity = 1
	}
	return &MemorySink{
		buf:     make([]model.Notification, capacity),
		now:     time.Now,
		metrics: metrics,
	}
}

// Report stores err against the session found in ctx.
func (s *MemorySink) Report(ctx context.Context, err model.EntityError) {
	n := model.Notification{
		ID:        uuid.NewString(),
		Error:     err,
		CreatedAt: s.now().UTC(),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		n.SessionID = rctx.SessionID
	}

	s.mu.Lock()
	idx := (s.start + s.size) % len(s.buf)
	if s.size == len(s.buf) {
		s.start = (s.start + 1) % len(s.buf)
	} else {
		s.size++
	}
	s.buf[idx] = n
	s.mu.Unlock()

	s.metrics.RecordNotification(err.Entity)
}

// Drain removes and returns the notifications of sessionID, oldest first.
func (s *MemorySink) Drain(sessionID string) []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Notification{}
	kept := make([]model.Notification, 0, s.size)
	for i := range s.size {
		n := s.buf[(s.start+i)%len(s.buf)]
		if n.SessionID == sessionID {
			out = append(out, n)
			continue
		}
		kept = append(kept, n)
	}

	clear(s.buf)
	copy(s.buf, kept)
	s.start = 0
	s.size = len(kept)
	return out
}

// Len returns the number of stored notifications.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// LogSink writes every report to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging through logger, or through the logger
// carried by the report's context when one is present.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Report logs err at warn level.
func (s *LogSink) Report(ctx context.Context, err model.EntityError) {
	observability.RequestLogger(ctx, s.logger).Warn("entity operation failed",
		zap.String("entity", err.Entity),
		zap.String("action", err.Action),
		zap.Int("status", err.Status),
		zap.String("technical_error", err.TechnicalError),
		zap.String("text", err.Text),
	)
}

// Multi fans a report out to several sinks in order.
type Multi []Sink

// Report forwards err to every sink.
func (m Multi) Report(ctx context.Context, err model.EntityError) {
	for _, s := range m {
		s.Report(ctx, err)
	}
}

// Discard drops every report.
type Discard struct{}

// Report does nothing.
func (Discard) Report(context.Context, model.EntityError) {}
