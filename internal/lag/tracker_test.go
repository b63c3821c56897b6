package lag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/geofailover/internal/events"
	"github.com/FairForge/geofailover/internal/replication"
	"github.com/FairForge/geofailover/internal/storage/storagetest"
	"github.com/FairForge/geofailover/internal/topology"
)

type fixture struct {
	db       *storagetest.Replication
	streams  *replication.Manager
	registry *topology.Registry
	recorder *events.Recorder
	tracker  *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       storagetest.NewReplication(),
		registry: topology.NewRegistry(),
		recorder: events.NewRecorder(),
	}
	require.NoError(t, f.registry.Register(topology.Site{ID: "nyc", Role: topology.RolePrimary}))
	require.NoError(t, f.registry.Register(topology.Site{ID: "la", Role: topology.RoleReplica, Priority: 1}))
	require.NoError(t, f.registry.Register(topology.Site{ID: "fra", Role: topology.RoleDisasterRecovery, Priority: 2}))

	f.streams = replication.NewManager(replication.Config{
		Kinds: []replication.Kind{replication.KindDatabase},
	}, f.db, nil, nil)
	t.Cleanup(f.streams.Close)
	require.NoError(t, f.streams.RebuildFrom(context.Background(), "nyc", []string{"la", "fra"}))

	f.tracker = NewTracker(Config{AlertThreshold: time.Second}, f.streams, f.registry, f.db, f.recorder, nil)
	return f
}

func TestTracker_MeasureAll(t *testing.T) {
	ctx := context.Background()

	t.Run("updates stream and site lag", func(t *testing.T) {
		f := newFixture(t)
		f.db.SetLag("la", 20*time.Millisecond)
		f.db.SetLag("fra", 300*time.Millisecond)

		got := f.tracker.MeasureAll(ctx)
		require.Len(t, got, 2)

		s, _ := f.streams.Get(replication.StreamID{Source: "nyc", Target: "la", Kind: replication.KindDatabase})
		assert.Equal(t, 20*time.Millisecond, s.Lag)
		site, _ := f.registry.Get("fra")
		assert.Equal(t, 300*time.Millisecond, site.ReplicationLag)
		assert.Empty(t, f.recorder.Events())
	})

	t.Run("alerts above threshold", func(t *testing.T) {
		f := newFixture(t)
		f.db.SetLag("la", 3*time.Second)

		f.tracker.MeasureAll(ctx)

		alerts := f.recorder.OfType(events.TypeLagAlert)
		require.Len(t, alerts, 1)
		assert.Equal(t, "nyc->la/database", alerts[0].Data["streamId"])
		assert.Equal(t, int64(3000), alerts[0].Data["lagMs"])
		assert.Equal(t, int64(1000), alerts[0].Data["threshold"])
	})

	t.Run("lag equal to threshold does not alert", func(t *testing.T) {
		f := newFixture(t)
		f.db.SetLag("la", time.Second)
		f.tracker.MeasureAll(ctx)
		assert.Empty(t, f.recorder.OfType(events.TypeLagAlert))
	})

	t.Run("failed measurement keeps last lag and logs on the stream", func(t *testing.T) {
		f := newFixture(t)
		f.db.SetLag("la", 40*time.Millisecond)
		f.tracker.MeasureAll(ctx)

		f.db.FailLag["la"] = errors.New("replication slot missing")
		got := f.tracker.MeasureAll(ctx)

		var failed int
		for _, m := range got {
			if m.Err != nil {
				failed++
				assert.Equal(t, "la", m.Stream.Target)
			}
		}
		assert.Equal(t, 1, failed)

		s, _ := f.streams.Get(replication.StreamID{Source: "nyc", Target: "la", Kind: replication.KindDatabase})
		assert.Equal(t, 40*time.Millisecond, s.Lag)
		assert.Equal(t, replication.StreamActive, s.Status)
		require.NotEmpty(t, s.ErrorLog)
		assert.Contains(t, s.ErrorLog[len(s.ErrorLog)-1].Message, "slot missing")
	})

	t.Run("alerts never change topology", func(t *testing.T) {
		f := newFixture(t)
		f.db.SetLag("la", time.Hour)
		f.tracker.MeasureAll(ctx)

		p, ok := f.registry.Primary()
		require.True(t, ok)
		assert.Equal(t, "nyc", p.ID)
	})
}

func TestTracker_Run(t *testing.T) {
	f := newFixture(t)
	f.tracker = NewTracker(Config{Interval: 10 * time.Millisecond, AlertThreshold: time.Second}, f.streams, f.registry, f.db, f.recorder, nil)
	f.db.SetLag("la", 75*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.tracker.Run(ctx)

	require.Eventually(t, func() bool {
		site, _ := f.registry.Get("la")
		return site.ReplicationLag == 75*time.Millisecond
	}, time.Second, 5*time.Millisecond)
}
