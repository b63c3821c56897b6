package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/events"
	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/topology"
)

// Exporter publishes snapshots and controller activity as Prometheus metrics
// on its own registry
type Exporter struct {
	reporter *Reporter
	logger   *zap.Logger
	registry *prometheus.Registry

	siteHealthy      *prometheus.GaugeVec
	streamLag        *prometheus.GaugeVec
	streamBytes      *prometheus.GaugeVec
	activeStreams    prometheus.Gauge
	healthySites     prometheus.Gauge
	averageLag       prometheus.Gauge
	failoverRunning  prometheus.Gauge
	failoverAttempts *prometheus.CounterVec
	topologyChanges  prometheus.Counter
	lagAlerts        prometheus.Counter
}

// NewExporter creates an exporter and registers its collectors
func NewExporter(reporter *Reporter, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Exporter{
		reporter: reporter,
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
		siteHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "geofailover_site_healthy",
				Help: "1 when the site's latest health sweep was healthy",
			},
			[]string{"site", "region", "role"},
		),
		streamLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "geofailover_stream_lag_seconds",
				Help: "Last measured replication lag per stream",
			},
			[]string{"stream", "kind"},
		),
		streamBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "geofailover_stream_bytes_transferred",
				Help: "Bytes transferred by a stream since it was established",
			},
			[]string{"stream"},
		),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofailover_active_streams",
			Help: "Number of active replication streams",
		}),
		healthySites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofailover_healthy_sites",
			Help: "Number of sites reported healthy",
		}),
		averageLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofailover_average_lag_seconds",
			Help: "Average lag across active database streams",
		}),
		failoverRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofailover_failover_in_progress",
			Help: "1 while a failover evaluation or attempt holds the guard",
		}),
		failoverAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geofailover_failover_attempts_total",
				Help: "Finished failover attempts by outcome",
			},
			[]string{"outcome"},
		),
		topologyChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofailover_topology_changes_total",
			Help: "Topology change notifications from the site registry",
		}),
		lagAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofailover_lag_alerts_total",
			Help: "Replication lag alerts emitted",
		}),
	}

	e.registry.MustRegister(
		e.siteHealthy,
		e.streamLag,
		e.streamBytes,
		e.activeStreams,
		e.healthySites,
		e.averageLag,
		e.failoverRunning,
		e.failoverAttempts,
		e.topologyChanges,
		e.lagAlerts,
	)
	return e
}

// Registry returns the exporter's Prometheus registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Update sets every gauge from a snapshot. Label sets of sites and streams
// that no longer exist are dropped.
func (e *Exporter) Update(snap Snapshot) {
	e.siteHealthy.Reset()
	for _, s := range snap.Sites {
		v := 0.0
		if s.HealthStatus == topology.HealthHealthy {
			v = 1
		}
		e.siteHealthy.WithLabelValues(s.ID, s.Region, string(s.Role)).Set(v)
	}

	e.streamLag.Reset()
	e.streamBytes.Reset()
	for _, s := range snap.Streams {
		id := s.ID.String()
		e.streamLag.WithLabelValues(id, string(s.ID.Kind)).Set(s.Lag.Seconds())
		e.streamBytes.WithLabelValues(id).Set(float64(s.BytesTransferred))
	}

	e.activeStreams.Set(float64(snap.ActiveStreams))
	e.healthySites.Set(float64(snap.HealthySites))
	e.averageLag.Set(snap.AverageLag.Seconds())
	if snap.Failover.InProgress {
		e.failoverRunning.Set(1)
	} else {
		e.failoverRunning.Set(0)
	}
}

// Refresh updates the gauges from a fresh snapshot
func (e *Exporter) Refresh() {
	if e.reporter == nil {
		return
	}
	e.Update(e.reporter.Snapshot())
}

// Run refreshes the gauges every interval until ctx is done
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh()
		}
	}
}

// ObserveAttempt counts a finished failover attempt
func (e *Exporter) ObserveAttempt(a failover.Attempt) {
	e.failoverAttempts.WithLabelValues(string(a.Outcome)).Inc()
}

// ObserveTopologyChange counts a registry change notification
func (e *Exporter) ObserveTopologyChange(topology.Change) {
	e.topologyChanges.Inc()
}

// Deliver counts lag alerts. It lets the exporter subscribe to an event bus.
func (e *Exporter) Deliver(_ context.Context, event events.Event) error {
	if event.Type == events.TypeLagAlert {
		e.lagAlerts.Inc()
	}
	return nil
}

// Handler serves the registry, refreshing gauges before each scrape
func (e *Exporter) Handler() http.Handler {
	inner := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(e.logger),
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Refresh()
		inner.ServeHTTP(w, r)
	})
}
