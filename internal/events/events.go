package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names an outbound event. The string values are a stable contract with
// external alerting.
type Type string

const (
	TypeLagAlert           Type = "replication_lag_alert"
	TypeFailoverRequired   Type = "failover_required"
	TypeFailoverStarted    Type = "failover_started"
	TypeFailoverCompleted  Type = "failover_completed"
	TypeFailoverFailed     Type = "failover_failed"
	TypeFailoverRolledBack Type = "failover_rolled_back"
)

// Event is something external alerting may act on
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Emitter accepts events without blocking the caller
type Emitter interface {
	Emit(event Event)
}

// Sink delivers events to one destination
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event Event) error

// Deliver calls f
func (f SinkFunc) Deliver(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// New builds an event with a fresh ID and timestamp
func New(t Type, data map[string]interface{}) Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// LagAlert reports a stream whose lag exceeds the alert threshold
func LagAlert(streamID string, lag, threshold time.Duration) Event {
	return New(TypeLagAlert, map[string]interface{}{
		"streamId":  streamID,
		"lagMs":     lag.Milliseconds(),
		"threshold": threshold.Milliseconds(),
	})
}

// FailoverRequired signals that an operator must intervene
func FailoverRequired(groupID, primary, candidate, reason string) Event {
	return New(TypeFailoverRequired, map[string]interface{}{
		"groupId":   groupID,
		"primary":   primary,
		"candidate": candidate,
		"reason":    reason,
	})
}

// FailoverStarted marks the start of a failover attempt
func FailoverStarted(attemptID, groupID, oldPrimary, candidate, reason string) Event {
	return New(TypeFailoverStarted, map[string]interface{}{
		"attemptId":  attemptID,
		"groupId":    groupID,
		"oldPrimary": oldPrimary,
		"candidate":  candidate,
		"reason":     reason,
	})
}

// FailoverCompleted reports a successful failover
func FailoverCompleted(attemptID, groupID, oldPrimary, newPrimary string, duration time.Duration) Event {
	return New(TypeFailoverCompleted, map[string]interface{}{
		"attemptId":  attemptID,
		"groupId":    groupID,
		"oldPrimary": oldPrimary,
		"newPrimary": newPrimary,
		"durationMs": duration.Milliseconds(),
	})
}

// FailoverFailed reports a failed attempt for manual remediation
func FailoverFailed(attemptID, groupID, oldPrimary, candidate, reason string, err error) Event {
	data := map[string]interface{}{
		"attemptId":  attemptID,
		"groupId":    groupID,
		"oldPrimary": oldPrimary,
		"candidate":  candidate,
		"reason":     reason,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return New(TypeFailoverFailed, data)
}

// FailoverRolledBack reports the end of a best-effort rollback
func FailoverRolledBack(attemptID, oldPrimary, candidate string, rollbackErrs []string) Event {
	return New(TypeFailoverRolledBack, map[string]interface{}{
		"attemptId":  attemptID,
		"oldPrimary": oldPrimary,
		"candidate":  candidate,
		"errors":     rollbackErrs,
	})
}
