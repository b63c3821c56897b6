package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/geofailover/internal/storage/storagetest"
)

func newTestManager(t *testing.T, kinds ...Kind) (*Manager, *storagetest.Replication, *storagetest.Files) {
	t.Helper()
	db := storagetest.NewReplication()
	files := storagetest.NewFiles()
	if len(kinds) == 0 {
		kinds = []Kind{KindDatabase}
	}
	m := NewManager(Config{
		Kinds:            kinds,
		FileSyncInterval: 10 * time.Millisecond,
		CallTimeout:      time.Second,
		ErrorLogLimit:    3,
	}, db, files, nil)
	t.Cleanup(m.Close)
	return m, db, files
}

func TestManager_Establish(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent while active", func(t *testing.T) {
		m, db, _ := newTestManager(t)

		first, err := m.Establish(ctx, "nyc", "la", KindDatabase)
		require.NoError(t, err)
		assert.Equal(t, StreamActive, first.Status)

		second, err := m.Establish(ctx, "nyc", "la", KindDatabase)
		require.NoError(t, err)
		assert.Equal(t, first.ChannelID, second.ChannelID)
		assert.Equal(t, first.StartedAt, second.StartedAt)
		assert.Len(t, db.Created, 1)
		assert.Len(t, m.Streams(), 1)
	})

	t.Run("failure is recorded on the stream", func(t *testing.T) {
		m, db, _ := newTestManager(t)
		db.FailCreate["la"] = errors.New("slot limit reached")

		s, err := m.Establish(ctx, "nyc", "la", KindDatabase)
		var estErr *EstablishError
		require.ErrorAs(t, err, &estErr)
		assert.Equal(t, StreamID{Source: "nyc", Target: "la", Kind: KindDatabase}, estErr.Stream)
		assert.Equal(t, StreamFailed, s.Status)
		require.Len(t, s.ErrorLog, 1)
		assert.Contains(t, s.ErrorLog[0].Message, "slot limit")
	})

	t.Run("retry after failure archives the old record", func(t *testing.T) {
		m, db, _ := newTestManager(t)
		db.FailCreate["la"] = errors.New("boom")
		_, err := m.Establish(ctx, "nyc", "la", KindDatabase)
		require.Error(t, err)

		delete(db.FailCreate, "la")
		s, err := m.Establish(ctx, "nyc", "la", KindDatabase)
		require.NoError(t, err)
		assert.Equal(t, StreamActive, s.Status)
		require.Len(t, m.History(), 1)
		assert.Equal(t, StreamFailed, m.History()[0].Status)
	})

	t.Run("rejects same endpoints", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.Establish(ctx, "nyc", "nyc", KindDatabase)
		assert.ErrorIs(t, err, ErrSameEndpoints)
	})
}

func TestManager_Stop(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newTestManager(t)

	s, err := m.Establish(ctx, "nyc", "la", KindDatabase)
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx, s.ID))
	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StreamStopped, got.Status)
	assert.False(t, got.StoppedAt.IsZero())
	assert.Equal(t, []string{s.ChannelID}, db.Dropped)

	// second stop is a no-op
	require.NoError(t, m.Stop(ctx, s.ID))
	assert.Len(t, db.Dropped, 1)

	assert.ErrorIs(t, m.Stop(ctx, StreamID{Source: "x", Target: "y", Kind: KindDatabase}), ErrStreamNotFound)
}

func TestManager_RebuildFrom(t *testing.T) {
	ctx := context.Background()

	t.Run("stops old streams then establishes from new primary", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		for _, target := range []string{"la", "fra"} {
			_, err := m.Establish(ctx, "nyc", target, KindDatabase)
			require.NoError(t, err)
		}

		require.NoError(t, m.RebuildFrom(ctx, "la", []string{"fra", "sea"}))

		for _, s := range m.Streams() {
			if s.ID.Source == "nyc" {
				assert.Equal(t, StreamStopped, s.Status, s.ID.String())
				continue
			}
			assert.Equal(t, "la", s.ID.Source)
			assert.Equal(t, StreamActive, s.Status)
		}
		assertActiveSourcesAre(t, m, "la")
	})

	t.Run("one failed target does not block the others", func(t *testing.T) {
		m, db, _ := newTestManager(t)
		db.FailCreate["fra"] = errors.New("unreachable")

		require.NoError(t, m.RebuildFrom(ctx, "la", []string{"fra", "sea"}))

		fra, _ := m.Get(StreamID{Source: "la", Target: "fra", Kind: KindDatabase})
		sea, _ := m.Get(StreamID{Source: "la", Target: "sea", Kind: KindDatabase})
		assert.Equal(t, StreamFailed, fra.Status)
		assert.Equal(t, StreamActive, sea.Status)
	})

	t.Run("fails when nothing could be established", func(t *testing.T) {
		m, db, _ := newTestManager(t)
		db.FailCreate["fra"] = errors.New("unreachable")

		err := m.RebuildFrom(ctx, "la", []string{"fra"})
		var estErr *EstablishError
		assert.ErrorAs(t, err, &estErr)
	})
}

func TestManager_Reconcile(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newTestManager(t)
	db.FailCreate["fra"] = errors.New("down")
	require.Error(t, m.Reconcile(ctx, "nyc", []string{"la", "fra"}))

	delete(db.FailCreate, "fra")
	require.NoError(t, m.Reconcile(ctx, "nyc", []string{"la", "fra"}))
	assert.Len(t, m.ActiveDatabaseStreams(), 2)

	// fra leaves the target set
	require.NoError(t, m.Reconcile(ctx, "nyc", []string{"la"}))
	fra, _ := m.Get(StreamID{Source: "nyc", Target: "fra", Kind: KindDatabase})
	assert.Equal(t, StreamStopped, fra.Status)
	assert.Len(t, m.ActiveDatabaseStreams(), 1)
}

func TestManager_FileSync(t *testing.T) {
	ctx := context.Background()

	t.Run("copies changed objects", func(t *testing.T) {
		m, _, files := newTestManager(t, KindFile)
		files.Add("nyc", "la", "reports/q1.pdf", 100)
		files.Add("nyc", "la", "reports/q2.pdf", 50)

		s, err := m.Establish(ctx, "nyc", "la", KindFile)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			got, _ := m.Get(s.ID)
			return got.BytesTransferred == 150 && !got.LastSyncAt.IsZero()
		}, time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []string{"reports/q1.pdf", "reports/q2.pdf"}, files.CopiedKeys())
	})

	t.Run("checksum mismatch is logged and retried", func(t *testing.T) {
		m, _, files := newTestManager(t, KindFile)
		files.Add("nyc", "la", "bad.bin", 10)
		files.SetMismatch("bad.bin", true)

		s, err := m.Establish(ctx, "nyc", "la", KindFile)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			got, _ := m.Get(s.ID)
			return len(got.ErrorLog) >= 2
		}, time.Second, 5*time.Millisecond)

		got, _ := m.Get(s.ID)
		assert.Equal(t, StreamActive, got.Status)
		assert.LessOrEqual(t, len(got.ErrorLog), 3)
		assert.Contains(t, got.ErrorLog[0].Message, "checksum mismatch")

		files.SetMismatch("bad.bin", false)
		require.Eventually(t, func() bool {
			got, _ := m.Get(s.ID)
			return got.BytesTransferred == 10
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("stop cancels the sync loop", func(t *testing.T) {
		m, _, files := newTestManager(t, KindFile)
		s, err := m.Establish(ctx, "nyc", "la", KindFile)
		require.NoError(t, err)
		require.NoError(t, m.Stop(ctx, s.ID))

		files.Add("nyc", "la", "late.txt", 1)
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, files.CopiedKeys())
	})
}

func TestManager_RecordLag(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	s, err := m.Establish(ctx, "nyc", "la", KindDatabase)
	require.NoError(t, err)

	require.NoError(t, m.RecordLag(s.ID, 250*time.Millisecond))
	got, _ := m.Get(s.ID)
	assert.Equal(t, 250*time.Millisecond, got.Lag)

	assert.ErrorIs(t, m.RecordLag(StreamID{Source: "a", Target: "b", Kind: KindDatabase}, 0), ErrStreamNotFound)
}

func TestManager_CloseRejectsEstablish(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Close()
	_, err := m.Establish(context.Background(), "nyc", "la", KindDatabase)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func assertActiveSourcesAre(t *testing.T, m *Manager, primary string) {
	t.Helper()
	for _, s := range m.Streams() {
		if s.Status == StreamActive {
			assert.Equal(t, primary, s.ID.Source, "active stream %s not sourced at primary", s.ID)
		}
	}
}
