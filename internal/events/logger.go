package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs the event. Failover failures and lag alerts go out at warn.
func (s *LogSink) Deliver(_ context.Context, event Event) error {
	data, _ := json.Marshal(event.Data)
	fields := []zap.Field{
		zap.String("id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Time("timestamp", event.Timestamp),
		zap.String("data", string(data)),
	}

	switch event.Type {
	case TypeFailoverFailed, TypeFailoverRequired, TypeLagAlert:
		s.logger.Warn("event", fields...)
	default:
		s.logger.Info("event", fields...)
	}
	return nil
}
