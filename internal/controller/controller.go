// Package controller wires the registry, replication, monitoring and failover
// components into one running controller.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/config"
	"github.com/FairForge/geofailover/internal/events"
	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/health"
	"github.com/FairForge/geofailover/internal/lag"
	"github.com/FairForge/geofailover/internal/metrics"
	"github.com/FairForge/geofailover/internal/replication"
	"github.com/FairForge/geofailover/internal/storage"
	"github.com/FairForge/geofailover/internal/topology"
	"github.com/FairForge/geofailover/internal/webhooks"
)

var (
	ErrAlreadyStarted = errors.New("controller: already started")
	ErrPrimarySite    = errors.New("controller: the primary cannot be reactivated")
)

// Dependencies are the storage collaborators and optional overrides
type Dependencies struct {
	Replication storage.ReplicationPrimitive
	// Files enables file streams. Nil limits replication to databases.
	Files storage.FileTransfer
	// Journal defaults to an in-memory journal
	Journal failover.Journal
	// Probes default to the data plane, the control plane and, when Files
	// can check buckets, the object store
	Probes []health.Probe
	// Closers run on Stop after everything else has shut down
	Closers []func() error
}

type Controller struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *topology.Registry
	streams  *replication.Manager
	monitor  *health.Monitor
	tracker  *lag.Tracker
	orch     *failover.Orchestrator
	bus      *events.Bus
	hooks    *webhooks.Sink
	reporter *metrics.Reporter
	exporter *metrics.Exporter
	journal  failover.Journal
	closers  []func() error

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds a controller from a validated configuration
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Controller, error) {
	if deps.Replication == nil {
		return nil, errors.New("controller: replication primitive required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger.Named("controller"),
		registry: topology.NewRegistry(),
		journal:  deps.Journal,
		closers:  deps.Closers,
	}
	if c.journal == nil {
		c.journal = failover.NewMemoryJournal()
	}

	if err := c.loadTopology(); err != nil {
		return nil, err
	}

	var kinds []replication.Kind
	for _, k := range cfg.Replication.Kinds {
		if k == config.KindFile && deps.Files == nil {
			c.logger.Warn("file replication configured without a file transfer primitive; skipping")
			continue
		}
		kinds = append(kinds, replication.Kind(k))
	}
	if len(kinds) == 0 {
		kinds = []replication.Kind{replication.KindDatabase}
	}
	c.streams = replication.NewManager(replication.Config{
		Kinds:            kinds,
		FileSyncInterval: cfg.Replication.FileSyncInterval,
		CallTimeout:      cfg.Replication.CallTimeout,
	}, deps.Replication, deps.Files, logger)

	probes := deps.Probes
	if probes == nil {
		probes = []health.Probe{
			&health.DataPlaneProbe{Storage: deps.Replication},
			health.NewControlPlaneProbe(cfg.Monitor.ProbeTimeout),
		}
		if bc, ok := deps.Files.(health.BucketChecker); ok {
			probes = append(probes, &health.ObjectStoreProbe{Store: bc})
		}
	}
	c.monitor = health.NewMonitor(health.Config{
		Interval:        cfg.Monitor.Interval,
		ProbeTimeout:    cfg.Monitor.ProbeTimeout,
		Concurrency:     cfg.Monitor.Concurrency,
		BreakerFailures: cfg.Monitor.BreakerFailures,
		BreakerCooldown: cfg.Monitor.BreakerCooldown,
	}, c.registry, probes, logger)

	c.bus = events.NewBus(events.DefaultBusConfig(), logger)
	c.bus.Subscribe("*", events.NewLogSink(logger.Named("events")))

	c.hooks = webhooks.NewSink(webhooks.Config{
		MaxRetries:     cfg.Webhooks.MaxRetries,
		RetryInterval:  cfg.Webhooks.RetryInterval,
		RequestTimeout: cfg.Webhooks.RequestTimeout,
	}, logger)
	for _, ep := range cfg.Webhooks.Endpoints {
		err := c.hooks.Register(webhooks.Endpoint{
			ID:           ep.ID,
			URL:          ep.URL,
			Events:       ep.Events,
			Secret:       ep.Secret,
			Headers:      ep.Headers,
			RequireHTTPS: ep.RequireHTTPS,
		})
		if err != nil {
			c.bus.Close()
			c.streams.Close()
			return nil, fmt.Errorf("register webhook %s: %w", ep.ID, err)
		}
	}
	if len(cfg.Webhooks.Endpoints) > 0 {
		c.bus.Subscribe("*", c.hooks)
	}

	c.tracker = lag.NewTracker(lag.Config{
		Interval:       cfg.Lag.Interval,
		AlertThreshold: cfg.Lag.AlertThreshold,
		CallTimeout:    cfg.Lag.CallTimeout,
		Concurrency:    cfg.Lag.Concurrency,
	}, c.streams, c.registry, deps.Replication, c.bus, logger)

	c.orch = failover.New(failover.Config{
		MaxAcceptableLag:           cfg.Failover.MaxAcceptableLag,
		ConsistencyCheck:           boolOr(cfg.Failover.ConsistencyCheck, true),
		RollbackOnFailure:          boolOr(cfg.Failover.RollbackOnFailure, true),
		CallTimeout:                cfg.Failover.CallTimeout,
		DefaultMaxFailoverDuration: cfg.Failover.MaxFailoverDuration,
	}, c.registry, deps.Replication, c.streams, c.monitor, logger,
		failover.WithEmitter(c.bus),
		failover.WithJournal(c.journal))

	c.reporter = metrics.NewReporter(c.registry, c.streams, c.orch)
	c.exporter = metrics.NewExporter(c.reporter, logger)
	c.registry.OnChange(c.exporter.ObserveTopologyChange)
	c.orch.OnFinish(c.exporter.ObserveAttempt)
	c.bus.Subscribe(string(events.TypeLagAlert), c.exporter)

	return c, nil
}

func (c *Controller) loadTopology() error {
	for _, s := range c.cfg.Sites {
		site := topology.Site{
			ID:             s.ID,
			Role:           topology.Role(s.Role),
			Region:         s.Region,
			Priority:       s.Priority,
			Status:         topology.StatusActive,
			ManagementURL:  s.ManagementURL,
			ComplianceTags: s.ComplianceTags,
			Capacity: topology.Capacity{
				StorageGB:      s.Capacity.StorageGB,
				MaxConnections: s.Capacity.MaxConnections,
			},
		}
		if err := c.registry.Register(site); err != nil {
			return fmt.Errorf("register site %s: %w", s.ID, err)
		}
	}
	for _, g := range c.cfg.Groups {
		if err := c.registry.AddGroup(groupFromConfig(g)); err != nil {
			return fmt.Errorf("register group %s: %w", g.ID, err)
		}
	}
	return nil
}

func groupFromConfig(g config.GroupConfig) topology.FailoverGroup {
	return topology.FailoverGroup{
		ID:                  g.ID,
		PrimarySiteID:       g.Primary,
		Candidates:          g.Candidates,
		AutoFailover:        g.AutoFailover,
		MaxFailoverDuration: g.MaxFailoverDuration,
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Start closes out attempts a previous run left in progress and launches the
// periodic tasks
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	n, err := c.journal.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover failover journal: %w", err)
	}
	if n > 0 {
		c.logger.Warn("marked interrupted failover attempts as failed", zap.Int("count", n))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.started = true

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(runCtx, c.onSweep)
	}()
	go func() {
		defer c.wg.Done()
		c.tracker.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.exporter.Run(runCtx, c.cfg.Metrics.Interval)
	}()

	c.logger.Info("controller started",
		zap.Int("sites", len(c.cfg.Sites)),
		zap.Int("groups", len(c.cfg.Groups)))
	return nil
}

// onSweep runs after every health sweep: streams converge on the healthy
// primary, then the orchestrator decides whether to fail over
func (c *Controller) onSweep(ctx context.Context) {
	c.reconcile(ctx)

	a, err := c.orch.Evaluate(ctx)
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		if a != nil {
			fields = append(fields, zap.String("attempt", a.ID), zap.String("outcome", string(a.Outcome)))
		}
		c.logger.Error("automatic failover did not complete", fields...)
	}
}

// reconcile converges streams on the current primary. It never overlaps a
// failover attempt.
func (c *Controller) reconcile(ctx context.Context) {
	c.orch.WhileIdle(func() {
		primary, ok := c.registry.Primary()
		if !ok || primary.HealthStatus.Failing() {
			return
		}

		var targets []string
		for _, s := range c.registry.All() {
			if s.ID != primary.ID && s.Status == topology.StatusActive {
				targets = append(targets, s.ID)
			}
		}
		if err := c.streams.Reconcile(ctx, primary.ID, targets); err != nil {
			c.logger.Warn("stream reconciliation incomplete", zap.Error(err))
		}
	})
}

// Stop cancels the periodic tasks and waits up to the shutdown grace for an
// in-flight failover to reach a terminal state
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return c.close()
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	graceCtx, graceCancel := context.WithTimeout(ctx, c.cfg.Failover.ShutdownGrace)
	defer graceCancel()
	if err := c.orch.Wait(graceCtx); err != nil {
		c.logger.Warn("failover still in progress at shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-graceCtx.Done():
		c.logger.Warn("periodic tasks did not stop within the shutdown grace")
	}

	return c.close()
}

func (c *Controller) close() error {
	c.closeOnce.Do(func() {
		c.streams.Close()
		c.bus.Close()

		var errs []error
		for _, fn := range c.closers {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("controller stopped")
	})
	return c.closeErr
}

// GetStatus returns a fresh snapshot of the whole topology
func (c *Controller) GetStatus() metrics.Snapshot {
	return c.reporter.Snapshot()
}

// TriggerFailover runs an operator-requested failover for a group
func (c *Controller) TriggerFailover(ctx context.Context, groupID, reason string) (failover.Attempt, error) {
	return c.orch.TriggerFailover(ctx, groupID, reason)
}

// Attempts lists journaled failover attempts, newest first
func (c *Controller) Attempts(ctx context.Context, limit int) ([]failover.Attempt, error) {
	return c.journal.List(ctx, limit)
}

// ActivateSite returns a recovered standby site to active and re-establishes
// its streams
func (c *Controller) ActivateSite(ctx context.Context, id string) (topology.Site, error) {
	site, ok := c.registry.Get(id)
	if !ok {
		return topology.Site{}, fmt.Errorf("%w: %s", topology.ErrSiteNotFound, id)
	}
	if site.Role == topology.RolePrimary {
		return site, ErrPrimarySite
	}
	if err := c.registry.SetStatus(id, topology.StatusActive); err != nil {
		return topology.Site{}, err
	}
	c.logger.Info("site reactivated", zap.String("site", id))

	c.reconcile(ctx)
	site, _ = c.registry.Get(id)
	return site, nil
}

// ApplyConfig hot-applies failover group policy from a reloaded
// configuration. Sites, new groups and the runtime primary are left alone.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	for _, g := range cfg.Groups {
		if _, ok := c.registry.Group(g.ID); !ok {
			c.logger.Warn("ignoring group added by reload", zap.String("group", g.ID))
			continue
		}
		if err := c.registry.UpdateGroupPolicy(groupFromConfig(g)); err != nil {
			c.logger.Warn("group policy not applied", zap.String("group", g.ID), zap.Error(err))
			continue
		}
		c.logger.Info("group policy updated",
			zap.String("group", g.ID),
			zap.Strings("candidates", g.Candidates),
			zap.Bool("auto_failover", g.AutoFailover))
	}
}

// MetricsHandler serves the Prometheus exposition
func (c *Controller) MetricsHandler() http.Handler {
	return c.exporter.Handler()
}

// Subscribe attaches an extra event sink
func (c *Controller) Subscribe(pattern string, sink events.Sink) {
	c.bus.Subscribe(pattern, sink)
}

// Registry exposes the live topology
func (c *Controller) Registry() *topology.Registry {
	return c.registry
}

// Streams exposes the stream manager
func (c *Controller) Streams() *replication.Manager {
	return c.streams
}

// Orchestrator exposes the failover state machine
func (c *Controller) Orchestrator() *failover.Orchestrator {
	return c.orch
}

// SweepNow runs one health sweep followed by reconciliation and failover
// evaluation, outside the periodic schedule
func (c *Controller) SweepNow(ctx context.Context) []health.Result {
	results := c.monitor.CheckAll(ctx)
	c.onSweep(ctx)
	return results
}

// MeasureLagNow runs one lag measurement outside the periodic schedule
func (c *Controller) MeasureLagNow(ctx context.Context) []lag.Measurement {
	return c.tracker.MeasureAll(ctx)
}

// ShutdownGrace is how long Stop waits for an in-flight failover
func (c *Controller) ShutdownGrace() time.Duration {
	return c.cfg.Failover.ShutdownGrace
}
