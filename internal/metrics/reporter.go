// Package metrics reports controller state: on-demand snapshots for
// operators and a Prometheus exporter for scraping.
package metrics

import (
	"time"

	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/replication"
	"github.com/FairForge/geofailover/internal/topology"
)

// FailoverStatus is the read side of the failover orchestrator
type FailoverStatus interface {
	State() failover.State
	InProgress() bool
	LastAttempt() (failover.Attempt, bool)
}

// FailoverSummary is the orchestrator part of a snapshot
type FailoverSummary struct {
	State       failover.State    `json:"state"`
	InProgress  bool              `json:"in_progress"`
	LastAttempt *failover.Attempt `json:"last_attempt,omitempty"`
}

// Snapshot is the full controller state at one instant
type Snapshot struct {
	Timestamp     time.Time                `json:"timestamp"`
	Sites         []topology.Site          `json:"sites"`
	Streams       []replication.Stream     `json:"streams"`
	Groups        []topology.FailoverGroup `json:"groups"`
	AverageLag    time.Duration            `json:"average_lag"`
	HealthySites  int                      `json:"healthy_sites"`
	ActiveStreams int                      `json:"active_streams"`
	Failover      FailoverSummary          `json:"failover"`
}

// Reporter assembles snapshots from live state
type Reporter struct {
	registry *topology.Registry
	streams  *replication.Manager
	failover FailoverStatus
}

// NewReporter creates a reporter. failover may be nil.
func NewReporter(registry *topology.Registry, streams *replication.Manager, fs FailoverStatus) *Reporter {
	return &Reporter{registry: registry, streams: streams, failover: fs}
}

// Snapshot reads the current state. It never caches and has no side effects.
func (r *Reporter) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Sites:     r.registry.All(),
		Streams:   r.streams.Streams(),
		Groups:    r.registry.Groups(),
	}

	for _, s := range snap.Sites {
		if s.HealthStatus == topology.HealthHealthy {
			snap.HealthySites++
		}
	}

	var total time.Duration
	var dbActive int
	for _, s := range snap.Streams {
		if s.Status != replication.StreamActive {
			continue
		}
		snap.ActiveStreams++
		if s.ID.Kind == replication.KindDatabase {
			total += s.Lag
			dbActive++
		}
	}
	if dbActive > 0 {
		snap.AverageLag = total / time.Duration(dbActive)
	}

	snap.Failover.State = failover.StateStable
	if r.failover != nil {
		snap.Failover.State = r.failover.State()
		snap.Failover.InProgress = r.failover.InProgress()
		if last, ok := r.failover.LastAttempt(); ok {
			snap.Failover.LastAttempt = &last
		}
	}
	return snap
}
