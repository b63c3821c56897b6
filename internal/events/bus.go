// Package events carries outbound notifications (lag alerts, failover
// outcomes) from the controller to external alerting.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BusConfig configures the event bus
type BusConfig struct {
	BufferSize      int
	DeliveryTimeout time.Duration
}

// DefaultBusConfig returns sensible defaults
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:      1000,
		DeliveryTimeout: 10 * time.Second,
	}
}

type subscription struct {
	pattern string
	sink    Sink
}

// Bus fans events out to sinks from a single dispatcher goroutine, so every
// sink sees events in emission order.
type Bus struct {
	config BusConfig
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	eventChan chan Event
	done      chan struct{}
}

// NewBus creates a bus and starts its dispatcher
func NewBus(config BusConfig, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultBusConfig().DeliveryTimeout
	}

	b := &Bus{
		config:    config,
		logger:    logger.Named("events"),
		eventChan: make(chan Event, config.BufferSize),
		done:      make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe attaches a sink for events matching pattern ("*", an exact type,
// or a "failover_*" prefix)
func (b *Bus) Subscribe(pattern string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, sink: sink})
}

// Emit queues an event. Events are dropped when the buffer is full.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
		b.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("id", event.ID))
	}
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for event := range b.eventChan {
		b.mu.RLock()
		subs := append([]subscription(nil), b.subs...)
		b.mu.RUnlock()

		for _, s := range subs {
			if !matchesPattern(string(event.Type), s.pattern) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), b.config.DeliveryTimeout)
			if err := s.sink.Deliver(ctx, event); err != nil {
				b.logger.Warn("event delivery failed",
					zap.String("type", string(event.Type)),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	<-b.done
}

func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
