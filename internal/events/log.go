package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/xenking/omnicart/internal/domain/checkout"
)

var (
	_ checkout.AuditSink = (*LogSink)(nil)
	_ checkout.Notifier  = (*LogSink)(nil)
)

// LogSink writes audit entries and notifications to the log. Used when no
// broker is configured.
type LogSink struct {
	lg *zap.Logger
}

// NewLogSink returns a LogSink on lg.
func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg}
}

func (s *LogSink) Record(_ context.Context, a checkout.AuditEntry) error {
	s.lg.Info("Audit",
		zap.String("tenant_id", a.TenantID.String()),
		zap.String("actor", a.Actor),
		zap.String("entity", a.Entity),
		zap.String("entity_id", a.EntityID),
		zap.String("action", a.Action),
		zap.Time("at", a.At),
	)
	return nil
}

func (s *LogSink) Notify(_ context.Context, n checkout.Notification) error {
	s.lg.Info("Customer notification",
		zap.String("tenant_id", n.TenantID.String()),
		zap.String("order_number", n.OrderNumber),
		zap.String("transition", n.Transition),
		zap.String("status", string(n.Status)),
	)
	return nil
}
