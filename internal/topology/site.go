package topology

import (
	"time"
)

// Role is the replication role a site plays in the topology
type Role string

const (
	RolePrimary          Role = "primary"
	RoleReplica          Role = "replica"
	RoleDisasterRecovery Role = "disaster_recovery"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RolePrimary, RoleReplica, RoleDisasterRecovery:
		return true
	}
	return false
}

// Status indicates whether a site takes part in replication
type Status string

const (
	StatusActive  Status = "active"
	StatusStandby Status = "standby"
)

// HealthStatus is the outcome of the latest health sweep
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError     HealthStatus = "error"
)

// Failing reports whether the status should trigger failover evaluation
func (h HealthStatus) Failing() bool {
	return h == HealthUnhealthy || h == HealthError
}

// Capacity describes what a site can hold
type Capacity struct {
	StorageGB      int `json:"storage_gb" yaml:"storage_gb"`
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
}

// Site is one data site of the topology
type Site struct {
	ID                string        `json:"id"`
	Role              Role          `json:"role"`
	Region            string        `json:"region"`
	Priority          int           `json:"priority"`
	Status            Status        `json:"status"`
	HealthStatus      HealthStatus  `json:"health_status"`
	ConnectionStatus  string        `json:"connection_status"`
	LastHealthCheckAt time.Time     `json:"last_health_check_at"`
	ReplicationLag    time.Duration `json:"replication_lag"`
	Capacity          Capacity      `json:"capacity"`
	ComplianceTags    []string      `json:"compliance_tags,omitempty"`
	ManagementURL     string        `json:"management_url,omitempty"`
}

func (s *Site) clone() Site {
	c := *s
	if s.ComplianceTags != nil {
		c.ComplianceTags = append([]string(nil), s.ComplianceTags...)
	}
	return c
}

// FailoverGroup defines candidate order and policy for a subset of sites
type FailoverGroup struct {
	ID                  string        `json:"id"`
	PrimarySiteID       string        `json:"primary_site_id"`
	Candidates          []string      `json:"candidates"`
	AutoFailover        bool          `json:"auto_failover"`
	MaxFailoverDuration time.Duration `json:"max_failover_duration"`
}

func (g *FailoverGroup) clone() FailoverGroup {
	c := *g
	c.Candidates = append([]string(nil), g.Candidates...)
	return c
}

// ChangeType classifies topology change notifications
type ChangeType string

const (
	ChangeSiteRegistered ChangeType = "site_registered"
	ChangeRole           ChangeType = "role_changed"
	ChangeStatus         ChangeType = "status_changed"
	ChangeHealth         ChangeType = "health_changed"
	ChangeGroup          ChangeType = "group_changed"
)

// Change is emitted after every registry mutation that alters topology
type Change struct {
	Type      ChangeType
	SiteID    string
	GroupID   string
	Timestamp time.Time
}
