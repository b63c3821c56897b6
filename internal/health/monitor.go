// Package health probes every registered site and records the outcome in the
// topology registry.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/geofailover/internal/topology"
)

var errNotHealthy = errors.New("health: site not healthy")

// Config configures the monitor
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
	// BreakerFailures consecutive failed sweeps open a site's breaker; while
	// open the site is reported unhealthy without being probed.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		ProbeTimeout:    5 * time.Second,
		Concurrency:     8,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Result is the outcome of checking one site
type Result struct {
	SiteID   string
	Status   topology.HealthStatus
	Detail   string
	Errors   []*ProbeError
	Duration time.Duration
}

// Monitor runs concurrent health sweeps over the registry
type Monitor struct {
	config   Config
	registry *topology.Registry
	probes   []Probe
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewMonitor creates a health monitor
func NewMonitor(config Config, registry *topology.Registry, probes []Probe, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = def.BreakerCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config:   config,
		registry: registry,
		probes:   probes,
		logger:   logger.Named("health"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// CheckAll probes every registered site concurrently and waits for all of
// them. A failing site never delays or aborts the others.
func (m *Monitor) CheckAll(ctx context.Context) []Result {
	sites := m.registry.All()
	results := make([]Result, len(sites))

	var g errgroup.Group
	g.SetLimit(m.config.Concurrency)
	for i, site := range sites {
		g.Go(func() error {
			results[i] = m.check(ctx, site)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, r := range results {
		if r.Status == topology.HealthHealthy {
			healthy++
		}
	}
	m.logger.Debug("health sweep completed",
		zap.Int("sites", len(results)),
		zap.Int("healthy", healthy))
	return results
}

// CheckSite probes a single site and records the result
func (m *Monitor) CheckSite(ctx context.Context, id string) (Result, error) {
	site, ok := m.registry.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", topology.ErrSiteNotFound, id)
	}
	return m.check(ctx, site), nil
}

// Run sweeps once immediately and then on every interval until ctx is done.
// onSweep, when set, runs after each sweep.
func (m *Monitor) Run(ctx context.Context, onSweep func(context.Context)) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.CheckAll(ctx)
		if onSweep != nil && ctx.Err() == nil {
			onSweep(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context, site topology.Site) Result {
	start := time.Now()
	var result Result

	_, err := m.breaker(site.ID).Execute(func() (interface{}, error) {
		result = m.probeSite(ctx, site)
		if result.Status != topology.HealthHealthy {
			return nil, errNotHealthy
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		result = Result{
			SiteID: site.ID,
			Status: topology.HealthUnhealthy,
			Detail: "circuit open",
		}
	}
	result.Duration = time.Since(start)

	if err := m.registry.SetHealth(site.ID, result.Status, result.Detail); err != nil {
		m.logger.Warn("record health failed", zap.String("site", site.ID), zap.Error(err))
	}
	if site.HealthStatus != result.Status {
		m.logger.Info("site health changed",
			zap.String("site", site.ID),
			zap.String("from", string(site.HealthStatus)),
			zap.String("to", string(result.Status)),
			zap.String("detail", result.Detail))
	}
	return result
}

func (m *Monitor) probeSite(ctx context.Context, site topology.Site) Result {
	result := Result{SiteID: site.ID, Status: topology.HealthHealthy}
	for _, p := range m.probes {
		if err := m.runProbe(ctx, p, site); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	if len(result.Errors) == 0 {
		result.Detail = "connected"
		return result
	}

	details := make([]string, 0, len(result.Errors))
	result.Status = topology.HealthUnhealthy
	for _, e := range result.Errors {
		if e.Exception {
			result.Status = topology.HealthError
		}
		details = append(details, fmt.Sprintf("%s: %v", e.Plane, e.Err))
	}
	result.Detail = strings.Join(details, "; ")
	return result
}

// runProbe gives each probe its own timeout. Probes that ignore their context
// are abandoned once it expires.
func (m *Monitor) runProbe(ctx context.Context, p Probe, site topology.Site) *ProbeError {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic: %v", ErrProbeUnavailable, r)
			}
		}()
		done <- p.Check(probeCtx, site)
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = fmt.Errorf("timeout after %v", m.config.ProbeTimeout)
	}
	if err == nil {
		return nil
	}
	return &ProbeError{
		SiteID:    site.ID,
		Plane:     p.Plane(),
		Exception: errors.Is(err, ErrProbeUnavailable),
		Err:       err,
	}
}

func (m *Monitor) breaker(siteID string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[siteID]; ok {
		return cb
	}
	failures := m.config.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        siteID,
		MaxRequests: 1,
		Timeout:     m.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Info("probe breaker state changed",
				zap.String("site", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	m.breakers[siteID] = cb
	return cb
}
