// Package lag measures replication delay on active database streams and
// raises advisory alerts when it crosses the configured threshold.
package lag

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/geofailover/internal/events"
	"github.com/FairForge/geofailover/internal/replication"
	"github.com/FairForge/geofailover/internal/storage"
	"github.com/FairForge/geofailover/internal/topology"
)

// Config configures the tracker
type Config struct {
	Interval       time.Duration
	AlertThreshold time.Duration
	CallTimeout    time.Duration
	Concurrency    int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Second,
		AlertThreshold: time.Second,
		CallTimeout:    5 * time.Second,
		Concurrency:    8,
	}
}

// Measurement is one stream's lag reading
type Measurement struct {
	Stream  replication.StreamID
	Lag     time.Duration
	Alerted bool
	Err     error
}

// Tracker measures lag for every active database stream
type Tracker struct {
	config   Config
	streams  *replication.Manager
	registry *topology.Registry
	db       storage.ReplicationPrimitive
	emitter  events.Emitter
	logger   *zap.Logger
}

// NewTracker creates a lag tracker. emitter may be nil.
func NewTracker(config Config, streams *replication.Manager, registry *topology.Registry, db storage.ReplicationPrimitive, emitter events.Emitter, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = def.AlertThreshold
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		config:   config,
		streams:  streams,
		registry: registry,
		db:       db,
		emitter:  emitter,
		logger:   logger.Named("lag"),
	}
}

// Threshold returns the alert threshold
func (t *Tracker) Threshold() time.Duration {
	return t.config.AlertThreshold
}

// MeasureAll reads lag for every active database stream concurrently. A
// failed measurement is logged on the stream and leaves its last lag as is.
func (t *Tracker) MeasureAll(ctx context.Context) []Measurement {
	active := t.streams.ActiveDatabaseStreams()
	out := make([]Measurement, len(active))

	var g errgroup.Group
	g.SetLimit(t.config.Concurrency)
	for i, s := range active {
		g.Go(func() error {
			out[i] = t.measure(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (t *Tracker) measure(ctx context.Context, s replication.Stream) Measurement {
	m := Measurement{Stream: s.ID}

	callCtx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	lag, err := t.db.MeasureLag(callCtx, s.ChannelID)
	cancel()
	if err != nil {
		m.Err = fmt.Errorf("measure lag: %w", err)
		t.streams.RecordError(s.ID, m.Err)
		t.logger.Warn("lag measurement failed",
			zap.String("stream", s.ID.String()),
			zap.Error(err))
		return m
	}

	m.Lag = lag
	if err := t.streams.RecordLag(s.ID, lag); err != nil {
		m.Err = err
		return m
	}
	if err := t.registry.SetReplicationLag(s.ID.Target, lag); err != nil {
		t.logger.Warn("record site lag failed", zap.String("site", s.ID.Target), zap.Error(err))
	}

	if lag > t.config.AlertThreshold {
		m.Alerted = true
		t.logger.Warn("replication lag above threshold",
			zap.String("stream", s.ID.String()),
			zap.Duration("lag", lag),
			zap.Duration("threshold", t.config.AlertThreshold))
		if t.emitter != nil {
			t.emitter.Emit(events.LagAlert(s.ID.String(), lag, t.config.AlertThreshold))
		}
	}
	return m
}

// Run measures on every interval until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.MeasureAll(ctx)
		}
	}
}
