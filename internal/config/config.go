// Package config loads the controller's static topology and tuning from a
// YAML file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// DefaultPath is where the binary looks for its configuration
const DefaultPath = "/etc/geofailover/config.yaml"

// Replication kinds
const (
	KindDatabase = "database"
	KindFile     = "file"
)

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Listen      string            `yaml:"listen"`
	LogLevel    string            `yaml:"log_level"`
	JWTSecret   string            `yaml:"jwt_secret"`
	Journal     JournalConfig     `yaml:"journal"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Lag         LagConfig         `yaml:"lag"`
	Failover    FailoverConfig    `yaml:"failover"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Sites       []SiteConfig      `yaml:"sites"`
	Groups      []GroupConfig     `yaml:"groups"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
}

// JournalConfig selects where failover attempts are persisted. An empty DSN
// keeps them in memory.
type JournalConfig struct {
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Concurrency     int           `yaml:"concurrency"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type LagConfig struct {
	Interval       time.Duration `yaml:"interval"`
	AlertThreshold time.Duration `yaml:"alert_threshold"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Concurrency    int           `yaml:"concurrency"`
}

type FailoverConfig struct {
	MaxAcceptableLag    time.Duration `yaml:"max_acceptable_lag"`
	ConsistencyCheck    *bool         `yaml:"consistency_check"`
	RollbackOnFailure   *bool         `yaml:"rollback_on_failure"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	MaxFailoverDuration time.Duration `yaml:"max_failover_duration"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
}

type ReplicationConfig struct {
	Kinds            []string      `yaml:"kinds"`
	FileSyncInterval time.Duration `yaml:"file_sync_interval"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	Publication      string        `yaml:"publication"`
	SlotPrefix       string        `yaml:"slot_prefix"`
	PromoteWait      time.Duration `yaml:"promote_wait"`
}

// HasKind reports whether streams of the given kind are configured
func (r ReplicationConfig) HasKind(kind string) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type SiteConfig struct {
	ID             string          `yaml:"id"`
	Role           string          `yaml:"role"`
	Region         string          `yaml:"region"`
	Priority       int             `yaml:"priority"`
	ManagementURL  string          `yaml:"management_url"`
	ComplianceTags []string        `yaml:"compliance_tags"`
	Capacity       CapacityConfig  `yaml:"capacity"`
	Database       *DatabaseConfig `yaml:"database"`
	Bucket         *BucketConfig   `yaml:"bucket"`
}

type CapacityConfig struct {
	StorageGB      int `yaml:"storage_gb"`
	MaxConnections int `yaml:"max_connections"`
}

// DatabaseConfig holds how the controller reaches a site's database (DSN) and
// how other sites' subscriptions reach it (PeerDSN, defaulting to DSN).
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	DSNEnv  string `yaml:"dsn_env"`
	PeerDSN string `yaml:"peer_dsn"`
}

type BucketConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

type GroupConfig struct {
	ID                  string        `yaml:"id"`
	Primary             string        `yaml:"primary"`
	Candidates          []string      `yaml:"candidates"`
	AutoFailover        bool          `yaml:"auto_failover"`
	MaxFailoverDuration time.Duration `yaml:"max_failover_duration"`
}

type WebhooksConfig struct {
	MaxRetries     int               `yaml:"max_retries"`
	RetryInterval  time.Duration     `yaml:"retry_interval"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	Endpoints      []WebhookEndpoint `yaml:"endpoints"`
}

type WebhookEndpoint struct {
	ID           string            `yaml:"id"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`
	Secret       string            `yaml:"secret"`
	SecretEnv    string            `yaml:"secret_env"`
	Headers      map[string]string `yaml:"headers"`
	RequireHTTPS bool              `yaml:"require_https"`
}

// Load reads, validates and completes the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates a YAML document against the schema, decodes it, applies
// environment overrides and defaults, and checks cross-field rules
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	LoadFromEnv(&cfg)
	if err := cfg.ResolveSecrets(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	return nil
}

// ApplyDefaults fills every unset tunable
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	setDuration(&c.Monitor.Interval, 10*time.Second)
	setDuration(&c.Monitor.ProbeTimeout, 5*time.Second)
	setInt(&c.Monitor.Concurrency, 8)
	if c.Monitor.BreakerFailures == 0 {
		c.Monitor.BreakerFailures = 5
	}
	setDuration(&c.Monitor.BreakerCooldown, 30*time.Second)

	setDuration(&c.Lag.Interval, 15*time.Second)
	setDuration(&c.Lag.AlertThreshold, time.Second)
	setDuration(&c.Lag.CallTimeout, 5*time.Second)
	setInt(&c.Lag.Concurrency, 8)

	setDuration(&c.Failover.MaxAcceptableLag, time.Second)
	setBool(&c.Failover.ConsistencyCheck, true)
	setBool(&c.Failover.RollbackOnFailure, true)
	setDuration(&c.Failover.CallTimeout, 30*time.Second)
	setDuration(&c.Failover.MaxFailoverDuration, 5*time.Minute)
	setDuration(&c.Failover.ShutdownGrace, 2*time.Minute)

	if len(c.Replication.Kinds) == 0 {
		c.Replication.Kinds = []string{KindDatabase}
	}
	setDuration(&c.Replication.FileSyncInterval, time.Minute)
	setDuration(&c.Replication.CallTimeout, 30*time.Second)
	if c.Replication.Publication == "" {
		c.Replication.Publication = "geofailover_pub"
	}
	if c.Replication.SlotPrefix == "" {
		c.Replication.SlotPrefix = "geofailover"
	}
	setDuration(&c.Replication.PromoteWait, time.Minute)

	setDuration(&c.Metrics.Interval, 15*time.Second)

	setInt(&c.Webhooks.MaxRetries, 3)
	setDuration(&c.Webhooks.RetryInterval, time.Second)
	setDuration(&c.Webhooks.RequestTimeout, 5*time.Second)

	for i := range c.Groups {
		setDuration(&c.Groups[i].MaxFailoverDuration, c.Failover.MaxFailoverDuration)
	}
	for _, s := range c.Sites {
		if s.Database != nil && s.Database.PeerDSN == "" {
			s.Database.PeerDSN = s.Database.DSN
		}
	}
}

// Validate checks rules the schema cannot express
func (c *Config) Validate() error {
	var errs []error

	sites := make(map[string]bool, len(c.Sites))
	primaries := 0
	for _, s := range c.Sites {
		if s.ID == "" || strings.Contains(s.ID, "/") {
			errs = append(errs, fmt.Errorf("site id %q must be non-empty and must not contain '/'", s.ID))
		}
		if sites[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate site %s", s.ID))
		}
		sites[s.ID] = true
		if s.Role == "primary" {
			primaries++
		}
		if c.Replication.HasKind(KindDatabase) && (s.Database == nil || s.Database.DSN == "") {
			errs = append(errs, fmt.Errorf("site %s: database dsn required for database replication", s.ID))
		}
		if c.Replication.HasKind(KindFile) && s.Bucket == nil {
			errs = append(errs, fmt.Errorf("site %s: bucket required for file replication", s.ID))
		}
	}
	if primaries != 1 {
		errs = append(errs, fmt.Errorf("exactly one primary site required, found %d", primaries))
	}

	groups := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if groups[g.ID] {
			errs = append(errs, fmt.Errorf("duplicate group %s", g.ID))
		}
		groups[g.ID] = true
		if !sites[g.Primary] {
			errs = append(errs, fmt.Errorf("group %s: unknown primary %s", g.ID, g.Primary))
		}
		if len(g.Candidates) == 0 {
			errs = append(errs, fmt.Errorf("group %s: no candidates", g.ID))
		}
		for _, cand := range g.Candidates {
			if !sites[cand] {
				errs = append(errs, fmt.Errorf("group %s: unknown candidate %s", g.ID, cand))
			}
			if cand == g.Primary {
				errs = append(errs, fmt.Errorf("group %s: primary %s listed as candidate", g.ID, cand))
			}
		}
	}

	positive := map[string]time.Duration{
		"monitor.interval":            c.Monitor.Interval,
		"monitor.probe_timeout":       c.Monitor.ProbeTimeout,
		"lag.interval":                c.Lag.Interval,
		"lag.alert_threshold":         c.Lag.AlertThreshold,
		"failover.max_acceptable_lag": c.Failover.MaxAcceptableLag,
		"failover.call_timeout":       c.Failover.CallTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setBool(b **bool, def bool) {
	if *b == nil {
		v := def
		*b = &v
	}
}
