package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
listen: ":9000"
sites:
  - id: nyc
    role: primary
    region: us-east
    management_url: http://nyc.internal:8500/health
    database:
      dsn: host=nyc.db dbname=app
  - id: la
    role: replica
    region: us-west
    priority: 1
    database:
      dsn_env: LA_DSN
      peer_dsn: host=la.db.public dbname=app
  - id: syd
    role: disaster_recovery
    region: ap-southeast
    priority: 9
    database:
      dsn: host=syd.db dbname=app
groups:
  - id: global
    primary: nyc
    candidates: [la, syd]
    auto_failover: true
  - id: americas
    primary: nyc
    candidates: [la]
    max_failover_duration: 90s
failover:
  rollback_on_failure: false
lag:
  alert_threshold: 500ms
webhooks:
  endpoints:
    - id: ops
      url: https://hooks.example.com/geofailover
      events: ["failover_*"]
      secret_env: OPS_HOOK_SECRET
`

func TestParse(t *testing.T) {
	t.Setenv("LA_DSN", "host=la.db dbname=app")
	t.Setenv("OPS_HOOK_SECRET", "hunter2")

	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.Sites, 3)
	assert.Equal(t, "host=la.db dbname=app", cfg.Sites[1].Database.DSN)
	assert.Equal(t, "host=la.db.public dbname=app", cfg.Sites[1].Database.PeerDSN)
	assert.Equal(t, "host=nyc.db dbname=app", cfg.Sites[0].Database.PeerDSN)
	assert.Equal(t, "hunter2", cfg.Webhooks.Endpoints[0].Secret)

	assert.Equal(t, 500*time.Millisecond, cfg.Lag.AlertThreshold)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, []string{KindDatabase}, cfg.Replication.Kinds)
	assert.True(t, *cfg.Failover.ConsistencyCheck)
	assert.False(t, *cfg.Failover.RollbackOnFailure)

	assert.Equal(t, 5*time.Minute, cfg.Groups[0].MaxFailoverDuration)
	assert.Equal(t, 90*time.Second, cfg.Groups[1].MaxFailoverDuration)
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown role",
			yaml: "sites:\n  - {id: nyc, role: leader, region: us-east}\n",
			want: "role",
		},
		{
			name: "bad duration",
			yaml: "monitor: {interval: soon}\nsites:\n  - {id: nyc, role: primary, region: us-east}\n",
			want: "interval",
		},
		{
			name: "unknown field",
			yaml: "sitez: []\nsites:\n  - {id: nyc, role: primary, region: us-east}\n",
			want: "sitez",
		},
		{
			name: "slash in site id",
			yaml: "sites:\n  - {id: nyc/1, role: primary, region: us-east}\n",
			want: "id",
		},
		{
			name: "empty document",
			yaml: "",
			want: "invalid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Replication: ReplicationConfig{Kinds: []string{KindDatabase}},
			Sites: []SiteConfig{
				{ID: "nyc", Role: "primary", Region: "us-east", Database: &DatabaseConfig{DSN: "a"}},
				{ID: "la", Role: "replica", Region: "us-west", Database: &DatabaseConfig{DSN: "b"}},
			},
			Groups: []GroupConfig{{ID: "g", Primary: "nyc", Candidates: []string{"la"}}},
		}
		c.ApplyDefaults()
		return c
	}

	require.NoError(t, base().Validate())

	t.Run("two primaries", func(t *testing.T) {
		c := base()
		c.Sites[1].Role = "primary"
		err := c.Validate()
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "exactly one primary")
	})

	t.Run("unknown candidate", func(t *testing.T) {
		c := base()
		c.Groups[0].Candidates = []string{"tokyo"}
		assert.Contains(t, c.Validate().Error(), "unknown candidate tokyo")
	})

	t.Run("primary as candidate", func(t *testing.T) {
		c := base()
		c.Groups[0].Candidates = []string{"la", "nyc"}
		assert.Contains(t, c.Validate().Error(), "listed as candidate")
	})

	t.Run("duplicate site", func(t *testing.T) {
		c := base()
		c.Sites[1].ID = "nyc"
		assert.Contains(t, c.Validate().Error(), "duplicate site nyc")
	})

	t.Run("file replication needs buckets", func(t *testing.T) {
		c := base()
		c.Replication.Kinds = []string{KindDatabase, KindFile}
		c.Sites[0].Bucket = &BucketConfig{Endpoint: "http://s3", Bucket: "nyc"}
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "site la: bucket required")
		assert.NotContains(t, err.Error(), "site nyc")
	})

	t.Run("missing dsn", func(t *testing.T) {
		c := base()
		c.Sites[1].Database = nil
		assert.Contains(t, c.Validate().Error(), "site la: database dsn required")
	})
}

func TestEnv(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		t.Setenv("GEOFAILOVER_LISTEN", ":7000")
		t.Setenv("GEOFAILOVER_LOG_LEVEL", "debug")
		t.Setenv("GEOFAILOVER_JWT_SECRET", "jwt")
		t.Setenv("GEOFAILOVER_JOURNAL_DSN", "host=journal")

		cfg := &Config{Listen: ":8080"}
		LoadFromEnv(cfg)
		assert.Equal(t, ":7000", cfg.Listen)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "jwt", cfg.JWTSecret)
		assert.Equal(t, "host=journal", cfg.Journal.DSN)
	})

	t.Run("unset secret reference", func(t *testing.T) {
		cfg := &Config{Sites: []SiteConfig{{
			ID:     "nyc",
			Bucket: &BucketConfig{AccessKeyEnv: "GEOFAILOVER_TEST_UNSET_KEY"},
		}}}
		err := cfg.ResolveSecrets()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GEOFAILOVER_TEST_UNSET_KEY")
	})

	t.Run("default", func(t *testing.T) {
		assert.Equal(t, "fallback", GetEnvOrDefault("GEOFAILOVER_TEST_UNSET", "fallback"))
	})
}

func TestLoad(t *testing.T) {
	t.Setenv("LA_DSN", "host=la.db dbname=app")
	t.Setenv("OPS_HOOK_SECRET", "hunter2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Groups, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher(t *testing.T) {
	t.Setenv("LA_DSN", "host=la.db dbname=app")
	t.Setenv("OPS_HOOK_SECRET", "hunter2")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	var mu sync.Mutex
	var reloads []*Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		reloads = append(reloads, c)
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// an invalid revision is skipped
	require.NoError(t, os.WriteFile(path, []byte("sites: []\n"), 0o600))
	time.Sleep(400 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, reloads)
	mu.Unlock()

	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))

	updated := []byte(validYAML + "\n# reordered\n")
	require.NoError(t, os.WriteFile(path, updated, 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads) > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Len(t, reloads[len(reloads)-1].Groups, 2)
	mu.Unlock()
}
