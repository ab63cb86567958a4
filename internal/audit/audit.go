// Package audit records security-relevant identity events. The default sink
// writes structured entries through the process logger; hosts that need a
// durable trail wire their own Sink.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/observability/logger"
)

// Event is one audit record.
type Event struct {
	ID         string
	Type       string
	TenantID   string
	UserID     string
	ProviderID string
	At         time.Time
	Fields     map[string]any
}

// Sink receives audit events. Implementations must not block on slow
// backends; drop-or-buffer is the sink's decision, not the caller's.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink writes audit events to the structured log.
type LogSink struct{}

// NewLogSink returns the log-backed sink.
func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	fields := []zap.Field{
		logger.Component("audit"),
		logger.String("audit_id", ev.ID),
		logger.String("event", ev.Type),
		logger.TenantID(ev.TenantID),
		logger.ProviderID(ev.ProviderID),
	}
	if ev.UserID != "" {
		fields = append(fields, logger.UserID(ev.UserID))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	logger.From(ctx).Info("audit", fields...)
}

// Nop discards events. Tests only.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
