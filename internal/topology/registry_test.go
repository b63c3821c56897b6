package topology

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Site{ID: "nyc", Role: RolePrimary, Region: "us-east", Priority: 0}))
	require.NoError(t, r.Register(Site{ID: "la", Role: RoleReplica, Region: "us-west", Priority: 1}))
	require.NoError(t, r.Register(Site{ID: "fra", Role: RoleDisasterRecovery, Region: "eu-central", Priority: 5}))
	return r
}

func TestRegistry_Register(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		r := newTestRegistry(t)
		site, ok := r.Get("la")
		require.True(t, ok)
		assert.Equal(t, StatusActive, site.Status)
		assert.Equal(t, HealthUnknown, site.HealthStatus)
	})

	t.Run("rejects second primary", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.Register(Site{ID: "sea", Role: RolePrimary})
		assert.ErrorIs(t, err, ErrPrimaryExists)
	})

	t.Run("rejects duplicate and invalid", func(t *testing.T) {
		r := newTestRegistry(t)
		assert.ErrorIs(t, r.Register(Site{ID: "la", Role: RoleReplica}), ErrDuplicateSite)
		assert.ErrorIs(t, r.Register(Site{ID: "x", Role: "witness"}), ErrInvalidRole)
		assert.Error(t, r.Register(Site{Role: RoleReplica}))
	})
}

func TestRegistry_All(t *testing.T) {
	r := newTestRegistry(t)
	sites := r.All()
	require.Len(t, sites, 3)
	assert.Equal(t, []string{"nyc", "la", "fra"}, []string{sites[0].ID, sites[1].ID, sites[2].ID})

	// copies must not leak internal state
	sites[0].Role = RoleReplica
	p, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, "nyc", p.ID)
}

func TestRegistry_SetRole(t *testing.T) {
	t.Run("promotion demotes previous primary", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.SetRole("la", RolePrimary))

		p, ok := r.Primary()
		require.True(t, ok)
		assert.Equal(t, "la", p.ID)

		old, _ := r.Get("nyc")
		assert.Equal(t, RoleReplica, old.Role)
		assert.Equal(t, 1, r.CountPrimaries())
	})

	t.Run("unknown site", func(t *testing.T) {
		r := newTestRegistry(t)
		assert.ErrorIs(t, r.SetRole("nope", RolePrimary), ErrSiteNotFound)
		assert.Equal(t, 1, r.CountPrimaries())
	})

	t.Run("concurrent promotions keep one primary", func(t *testing.T) {
		r := newTestRegistry(t)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids := []string{"nyc", "la", "fra"}
				_ = r.SetRole(ids[i%3], RolePrimary)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, r.CountPrimaries())
	})
}

func TestRegistry_SetHealth(t *testing.T) {
	r := newTestRegistry(t)
	before := time.Now()

	require.NoError(t, r.SetHealth("la", HealthUnhealthy, "refused"))
	site, _ := r.Get("la")
	assert.Equal(t, HealthUnhealthy, site.HealthStatus)
	assert.Equal(t, "refused", site.ConnectionStatus)
	assert.False(t, site.LastHealthCheckAt.Before(before))
	assert.True(t, site.HealthStatus.Failing())

	assert.ErrorIs(t, r.SetHealth("nope", HealthHealthy, ""), ErrSiteNotFound)
}

func TestRegistry_Notifications(t *testing.T) {
	r := newTestRegistry(t)

	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, r.SetRole("la", RolePrimary))
	require.NoError(t, r.SetStatus("nyc", StatusStandby))
	require.NoError(t, r.SetHealth("fra", HealthHealthy, "ok"))
	// no change, no notification
	require.NoError(t, r.SetHealth("fra", HealthHealthy, "ok"))

	require.Len(t, changes, 4)
	assert.Equal(t, ChangeRole, changes[0].Type)
	assert.Equal(t, "nyc", changes[0].SiteID)
	assert.Equal(t, ChangeRole, changes[1].Type)
	assert.Equal(t, "la", changes[1].SiteID)
	assert.Equal(t, ChangeStatus, changes[2].Type)
	assert.Equal(t, ChangeHealth, changes[3].Type)
}

func TestRegistry_Groups(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddGroup(FailoverGroup{
		ID:            "regional",
		PrimarySiteID: "nyc",
		Candidates:    []string{"la"},
		AutoFailover:  true,
	}))
	require.NoError(t, r.AddGroup(FailoverGroup{
		ID:            "global",
		PrimarySiteID: "nyc",
		Candidates:    []string{"la", "fra"},
	}))

	t.Run("rejects unknown candidate", func(t *testing.T) {
		err := r.AddGroup(FailoverGroup{ID: "bad", PrimarySiteID: "nyc", Candidates: []string{"tokyo"}})
		assert.ErrorIs(t, err, ErrUnknownCandidate)
	})

	t.Run("keeps registration order", func(t *testing.T) {
		groups := r.GroupsFor("nyc")
		require.Len(t, groups, 2)
		assert.Equal(t, "regional", groups[0].ID)
		assert.Equal(t, "global", groups[1].ID)
	})

	t.Run("policy update keeps runtime primary", func(t *testing.T) {
		r.RepointGroups("nyc", "la")
		require.NoError(t, r.UpdateGroupPolicy(FailoverGroup{
			ID:            "regional",
			PrimarySiteID: "nyc",
			Candidates:    []string{"fra", "nyc"},
			AutoFailover:  false,
		}))
		g, ok := r.Group("regional")
		require.True(t, ok)
		assert.Equal(t, "la", g.PrimarySiteID)
		assert.Equal(t, []string{"fra", "nyc"}, g.Candidates)
		assert.False(t, g.AutoFailover)
		assert.Empty(t, r.GroupsFor("nyc"))
	})
}
