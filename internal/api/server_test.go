package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/geofailover/internal/controller"
	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/metrics"
	"github.com/FairForge/geofailover/internal/topology"
)

type fakeController struct {
	triggerErr  error
	attempt     failover.Attempt
	lastGroup   string
	lastReason  string
	activateErr error
	attempts    []failover.Attempt
}

func (f *fakeController) GetStatus() metrics.Snapshot {
	return metrics.Snapshot{
		HealthySites:  2,
		ActiveStreams: 1,
		Failover:      metrics.FailoverSummary{State: failover.StateStable},
	}
}

func (f *fakeController) TriggerFailover(_ context.Context, groupID, reason string) (failover.Attempt, error) {
	f.lastGroup, f.lastReason = groupID, reason
	return f.attempt, f.triggerErr
}

func (f *fakeController) Attempts(_ context.Context, limit int) ([]failover.Attempt, error) {
	if limit > 0 && len(f.attempts) > limit {
		return f.attempts[:limit], nil
	}
	return f.attempts, nil
}

func (f *fakeController) ActivateSite(_ context.Context, id string) (topology.Site, error) {
	if f.activateErr != nil {
		return topology.Site{}, f.activateErr
	}
	return topology.Site{ID: id, Status: topology.StatusActive}, nil
}

func (f *fakeController) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("geofailover_healthy_sites 2\n"))
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_ReadRoutes(t *testing.T) {
	fc := &fakeController{attempts: []failover.Attempt{{ID: "a2"}, {ID: "a1"}}}
	h := NewServer(Config{}, fc, nil).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "geofailover_healthy_sites 2")

	rec = do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.HealthySites)

	rec = do(t, h, http.MethodGet, "/api/v1/failover/attempts?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Attempts []failover.Attempt `json:"attempts"`
		Count    int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "a2", list.Attempts[0].ID)

	rec = do(t, h, http.MethodGet, "/api/v1/failover/attempts?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerFailover(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		att    failover.Attempt
		status int
	}{
		{
			name:   "succeeded",
			att:    failover.Attempt{ID: "a1", Outcome: failover.OutcomeSucceeded},
			status: http.StatusOK,
		},
		{
			name:   "unknown group",
			err:    fmt.Errorf("%w: nope", failover.ErrUnknownGroup),
			status: http.StatusNotFound,
		},
		{
			name:   "already running",
			err:    &failover.ConcurrentFailoverError{InProgress: failover.Attempt{ID: "a0", State: failover.StatePromoting}},
			status: http.StatusConflict,
		},
		{
			name:   "group behind registry",
			err:    fmt.Errorf("%w: group global points at nyc", failover.ErrNoPrimary),
			status: http.StatusConflict,
		},
		{
			name:   "rolled back",
			err:    fmt.Errorf("promote: %w", failover.ErrFailoverTimeout),
			att:    failover.Attempt{ID: "a1", Outcome: failover.OutcomeRolledBack},
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "unexpected",
			err:    fmt.Errorf("boom"),
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeController{attempt: tt.att, triggerErr: tt.err}
			h := NewServer(Config{}, fc, nil).Handler()

			rec := do(t, h, http.MethodPost, "/api/v1/failover/global", `{"reason":"drill"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "global", fc.lastGroup)
			assert.Equal(t, "drill", fc.lastReason)
		})
	}

	t.Run("empty body", func(t *testing.T) {
		fc := &fakeController{}
		h := NewServer(Config{}, fc, nil).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/failover/global", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "manual trigger", fc.lastReason)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := NewServer(Config{}, &fakeController{}, nil).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/failover/global", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_ActivateSite(t *testing.T) {
	h := NewServer(Config{}, &fakeController{}, nil).Handler()
	rec := do(t, h, http.MethodPost, "/api/v1/sites/nyc/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"nyc"`)

	h = NewServer(Config{}, &fakeController{activateErr: fmt.Errorf("%w: x", topology.ErrSiteNotFound)}, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/sites/x/activate", "").Code)

	h = NewServer(Config{}, &fakeController{activateErr: controller.ErrPrimarySite}, nil).Handler()
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/sites/la/activate", "").Code)
}

func TestServer_RequireAuth(t *testing.T) {
	fc := &fakeController{}
	h := NewServer(Config{JWTSecret: "s3cret"}, fc, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/failover/global", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, fc.lastGroup)

	bad, err := GenerateToken("other", "mallory", time.Minute)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/v1/failover/global", "", "Authorization", "Bearer "+bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := GenerateToken("s3cret", "alice", -time.Minute)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/v1/failover/global", "", "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good, err := GenerateToken("s3cret", "alice", time.Minute)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/v1/failover/global", "", "Authorization", "Bearer "+good)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "global", fc.lastGroup)

	// reads stay open
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/status", "").Code)
}

func TestValidateToken(t *testing.T) {
	tok, err := GenerateToken("s3cret", "alice", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateToken("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, "geofailover", claims.Issuer)

	_, err = ValidateToken("s3cret", "not-a-token")
	assert.Error(t, err)
}

func TestServer_TriggerRateLimited(t *testing.T) {
	fc := &fakeController{}
	h := NewServer(Config{TriggerRate: 0.001, TriggerBurst: 2}, fc, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/failover/global", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/failover/global", "").Code)
	rec := do(t, h, http.MethodPost, "/api/v1/failover/global", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	// activation is not limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/sites/la/activate", "").Code)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("blocks over burst", func(t *testing.T) {
		rl := NewRateLimiter(1, 2)
		assert.True(t, rl.Allow("test"))
		assert.True(t, rl.Allow("test"))
		assert.False(t, rl.Allow("test"))
		assert.True(t, rl.Allow("other"))
	})

	t.Run("bounds memory", func(t *testing.T) {
		rl := NewRateLimiter(1, 1)
		for i := 0; i < maxLimiters+1; i++ {
			rl.Allow(fmt.Sprintf("caller-%d", i))
		}
		assert.LessOrEqual(t, rl.size(), maxLimiters)
	})
}
