package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/geofailover/internal/events"
	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/replication"
	"github.com/FairForge/geofailover/internal/storage/storagetest"
	"github.com/FairForge/geofailover/internal/topology"
)

type stubFailover struct {
	state   failover.State
	running bool
	last    *failover.Attempt
}

func (s *stubFailover) State() failover.State { return s.state }
func (s *stubFailover) InProgress() bool      { return s.running }
func (s *stubFailover) LastAttempt() (failover.Attempt, bool) {
	if s.last == nil {
		return failover.Attempt{}, false
	}
	return *s.last, true
}

// newState builds nyc (primary, healthy), la (healthy) and lon (unhealthy)
// with active database streams to la and lon and a failed one to syd.
func newState(t *testing.T) (*topology.Registry, *replication.Manager) {
	t.Helper()
	ctx := context.Background()

	reg := topology.NewRegistry()
	for _, s := range []topology.Site{
		{ID: "nyc", Role: topology.RolePrimary, Region: "us-east"},
		{ID: "la", Role: topology.RoleReplica, Region: "us-west"},
		{ID: "lon", Role: topology.RoleReplica, Region: "eu-west"},
		{ID: "syd", Role: topology.RoleDisasterRecovery, Region: "ap-southeast"},
	} {
		require.NoError(t, reg.Register(s))
	}
	require.NoError(t, reg.SetHealth("nyc", topology.HealthHealthy, "connected"))
	require.NoError(t, reg.SetHealth("la", topology.HealthHealthy, "connected"))
	require.NoError(t, reg.SetHealth("lon", topology.HealthUnhealthy, "data: timeout"))
	require.NoError(t, reg.AddGroup(topology.FailoverGroup{ID: "global", PrimarySiteID: "nyc", Candidates: []string{"la", "lon"}}))

	db := storagetest.NewReplication()
	db.FailCreate["syd"] = errors.New("unreachable")
	streams := replication.NewManager(replication.Config{
		Kinds:       []replication.Kind{replication.KindDatabase},
		CallTimeout: time.Second,
	}, db, nil, nil)
	t.Cleanup(streams.Close)
	_ = streams.RebuildFrom(ctx, "nyc", []string{"la", "lon", "syd"})

	require.NoError(t, streams.RecordLag(replication.StreamID{Source: "nyc", Target: "la", Kind: replication.KindDatabase}, 100*time.Millisecond))
	require.NoError(t, streams.RecordLag(replication.StreamID{Source: "nyc", Target: "lon", Kind: replication.KindDatabase}, 300*time.Millisecond))
	return reg, streams
}

func TestReporter_Snapshot(t *testing.T) {
	reg, streams := newState(t)
	last := failover.Attempt{ID: "att-1", Outcome: failover.OutcomeSucceeded, State: failover.StateCompleted}
	r := NewReporter(reg, streams, &stubFailover{state: failover.StateStable, last: &last})

	snap := r.Snapshot()
	assert.Len(t, snap.Sites, 4)
	assert.Len(t, snap.Streams, 3)
	assert.Len(t, snap.Groups, 1)
	assert.Equal(t, 2, snap.HealthySites)
	assert.Equal(t, 2, snap.ActiveStreams)
	assert.Equal(t, 200*time.Millisecond, snap.AverageLag)
	assert.Equal(t, failover.StateStable, snap.Failover.State)
	require.NotNil(t, snap.Failover.LastAttempt)
	assert.Equal(t, "att-1", snap.Failover.LastAttempt.ID)
}

func TestReporter_SnapshotReflectsChanges(t *testing.T) {
	reg, streams := newState(t)
	r := NewReporter(reg, streams, nil)

	before := r.Snapshot()
	require.NoError(t, reg.SetHealth("lon", topology.HealthHealthy, "connected"))
	after := r.Snapshot()

	assert.Equal(t, 2, before.HealthySites)
	assert.Equal(t, 3, after.HealthySites)
	assert.Equal(t, failover.StateStable, after.Failover.State)
	assert.Nil(t, after.Failover.LastAttempt)
}

func TestReporter_NoActiveDatabaseStreams(t *testing.T) {
	reg := topology.NewRegistry()
	require.NoError(t, reg.Register(topology.Site{ID: "nyc", Role: topology.RolePrimary}))
	streams := replication.NewManager(replication.Config{}, storagetest.NewReplication(), nil, nil)
	t.Cleanup(streams.Close)

	snap := NewReporter(reg, streams, nil).Snapshot()
	assert.Zero(t, snap.AverageLag)
	assert.Zero(t, snap.ActiveStreams)
}

func TestExporter_Update(t *testing.T) {
	reg, streams := newState(t)
	fs := &stubFailover{state: failover.StatePromoting, running: true}
	e := NewExporter(NewReporter(reg, streams, fs), nil)

	e.Refresh()
	assert.Equal(t, 1.0, testutil.ToFloat64(e.siteHealthy.WithLabelValues("nyc", "us-east", "primary")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.siteHealthy.WithLabelValues("lon", "eu-west", "replica")))
	assert.Equal(t, 0.3, testutil.ToFloat64(e.streamLag.WithLabelValues("nyc->lon/database", "database")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.activeStreams))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.healthySites))
	assert.Equal(t, 0.2, testutil.ToFloat64(e.averageLag))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.failoverRunning))

	// a role change replaces the old label set
	require.NoError(t, reg.SetRole("la", topology.RolePrimary))
	e.Refresh()
	assert.Equal(t, 4, testutil.CollectAndCount(e.siteHealthy))
}

func TestExporter_Counters(t *testing.T) {
	e := NewExporter(nil, nil)

	e.ObserveAttempt(failover.Attempt{Outcome: failover.OutcomeSucceeded})
	e.ObserveAttempt(failover.Attempt{Outcome: failover.OutcomeRolledBack})
	e.ObserveAttempt(failover.Attempt{Outcome: failover.OutcomeSucceeded})
	assert.Equal(t, 2.0, testutil.ToFloat64(e.failoverAttempts.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.failoverAttempts.WithLabelValues("rolled_back")))

	reg := topology.NewRegistry()
	reg.OnChange(e.ObserveTopologyChange)
	require.NoError(t, reg.Register(topology.Site{ID: "nyc", Role: topology.RolePrimary}))
	require.NoError(t, reg.SetHealth("nyc", topology.HealthHealthy, "connected"))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.topologyChanges))

	ctx := context.Background()
	require.NoError(t, e.Deliver(ctx, events.LagAlert("nyc->la/database", 2*time.Second, time.Second)))
	require.NoError(t, e.Deliver(ctx, events.New(events.TypeFailoverStarted, nil)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.lagAlerts))
}

func TestExporter_Handler(t *testing.T) {
	reg, streams := newState(t)
	e := NewExporter(NewReporter(reg, streams, nil), nil)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `geofailover_site_healthy{region="us-east",role="primary",site="nyc"} 1`)
	assert.Contains(t, string(body), "geofailover_healthy_sites 2")
	assert.Contains(t, string(body), "geofailover_average_lag_seconds 0.2")
}
