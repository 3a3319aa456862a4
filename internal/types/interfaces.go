package types

import (
	"context"
	"log/slog"
	"time"
)

// Logger defines the structured logging interface used throughout the service.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// slogLogger adapts *slog.Logger to the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps a *slog.Logger in the Logger interface.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) With(args ...any) Logger       { return &slogLogger{l: s.l.With(args...)} }

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// NoticeSink is the fire-and-forget side channel for user-facing notices.
// Delivery and rendering are external collaborators; the core only publishes.
type NoticeSink interface {
	Publish(ctx context.Context, notice Notice) error
}

// AuditSink records security/business audit events. Implementations buffer
// and flush in the background; Record must not block on delivery.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// Telemetry metric names and dimension keys for CloudWatch.
const (
	MetricReconcileResult  = "ReconcileResult"
	MetricReconcileLatency = "ReconcileLatency"
	MetricQuotaDecision    = "QuotaDecision"
	MetricBillingOperation = "BillingOperation"
	MetricNoticeEmitted    = "NoticeEmitted"

	DimSource    = "Source"
	DimKind      = "Kind"
	DimDecision  = "Decision"
	DimOperation = "Operation"
	DimOutcome   = "Outcome"

	MetricNamespace = "TierGate"
)
