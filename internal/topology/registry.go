// Package topology holds the registry of data sites and failover groups.
//
// All mutation goes through Registry methods so the single-primary invariant
// is enforced in one place.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrSiteNotFound     = errors.New("topology: site not found")
	ErrGroupNotFound    = errors.New("topology: failover group not found")
	ErrDuplicateSite    = errors.New("topology: site already registered")
	ErrPrimaryExists    = errors.New("topology: a primary is already registered")
	ErrInvalidRole      = errors.New("topology: invalid role")
	ErrDuplicateGroup   = errors.New("topology: failover group already registered")
	ErrUnknownCandidate = errors.New("topology: candidate site not registered")
)

// Listener receives topology change notifications
type Listener func(Change)

// Registry tracks sites and failover groups
type Registry struct {
	mu         sync.RWMutex
	sites      map[string]*Site
	groups     map[string]*FailoverGroup
	groupOrder []string
	listeners  []Listener
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sites:  make(map[string]*Site),
		groups: make(map[string]*FailoverGroup),
	}
}

// OnChange registers a listener invoked after each topology change
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// notify must be called without r.mu held
func (r *Registry) notify(c Change) {
	c.Timestamp = time.Now()
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(c)
	}
}

// Register adds a site to the topology
func (r *Registry) Register(site Site) error {
	if site.ID == "" {
		return fmt.Errorf("topology: site ID required")
	}
	if !site.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, site.Role)
	}

	r.mu.Lock()
	if _, exists := r.sites[site.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSite, site.ID)
	}
	if site.Role == RolePrimary {
		if p := r.primaryLocked(); p != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPrimaryExists, p.ID)
		}
	}
	if site.Status == "" {
		site.Status = StatusActive
	}
	if site.HealthStatus == "" {
		site.HealthStatus = HealthUnknown
	}
	s := site.clone()
	r.sites[site.ID] = &s
	r.mu.Unlock()

	r.notify(Change{Type: ChangeSiteRegistered, SiteID: site.ID})
	return nil
}

// Get returns a copy of a site
func (r *Registry) Get(id string) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[id]
	if !ok {
		return Site{}, false
	}
	return s.clone(), true
}

// All returns copies of every site ordered by priority then ID
func (r *Registry) All() []Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sites := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		sites = append(sites, s.clone())
	}
	sort.Slice(sites, func(i, j int) bool {
		if sites[i].Priority != sites[j].Priority {
			return sites[i].Priority < sites[j].Priority
		}
		return sites[i].ID < sites[j].ID
	})
	return sites
}

// Primary returns the current primary, if any
func (r *Registry) Primary() (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.primaryLocked(); p != nil {
		return p.clone(), true
	}
	return Site{}, false
}

func (r *Registry) primaryLocked() *Site {
	for _, s := range r.sites {
		if s.Role == RolePrimary {
			return s
		}
	}
	return nil
}

// SetRole changes a site's role. Promoting a site to primary demotes the
// previous primary to replica in the same critical section.
func (r *Registry) SetRole(id string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	r.mu.Lock()
	site, ok := r.sites[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSiteNotFound, id)
	}
	var demoted string
	if role == RolePrimary {
		if prev := r.primaryLocked(); prev != nil && prev.ID != id {
			prev.Role = RoleReplica
			demoted = prev.ID
		}
	}
	changed := site.Role != role
	site.Role = role
	r.mu.Unlock()

	if demoted != "" {
		r.notify(Change{Type: ChangeRole, SiteID: demoted})
	}
	if changed {
		r.notify(Change{Type: ChangeRole, SiteID: id})
	}
	return nil
}

// SetStatus marks a site active or standby. Sites are never removed.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	site, ok := r.sites[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSiteNotFound, id)
	}
	changed := site.Status != status
	site.Status = status
	r.mu.Unlock()

	if changed {
		r.notify(Change{Type: ChangeStatus, SiteID: id})
	}
	return nil
}

// SetHealth records the result of a health probe
func (r *Registry) SetHealth(id string, health HealthStatus, connectionStatus string) error {
	r.mu.Lock()
	site, ok := r.sites[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSiteNotFound, id)
	}
	changed := site.HealthStatus != health
	site.HealthStatus = health
	site.ConnectionStatus = connectionStatus
	site.LastHealthCheckAt = time.Now()
	r.mu.Unlock()

	if changed {
		r.notify(Change{Type: ChangeHealth, SiteID: id})
	}
	return nil
}

// SetReplicationLag records the latest measured lag for a target site
func (r *Registry) SetReplicationLag(id string, lag time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSiteNotFound, id)
	}
	site.ReplicationLag = lag
	return nil
}

// AddGroup registers a failover group. Candidates must already be registered.
func (r *Registry) AddGroup(group FailoverGroup) error {
	if group.ID == "" {
		return fmt.Errorf("topology: group ID required")
	}

	r.mu.Lock()
	if _, exists := r.groups[group.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, group.ID)
	}
	if err := r.checkGroupLocked(group); err != nil {
		r.mu.Unlock()
		return err
	}
	g := group.clone()
	r.groups[group.ID] = &g
	r.groupOrder = append(r.groupOrder, group.ID)
	r.mu.Unlock()

	r.notify(Change{Type: ChangeGroup, GroupID: group.ID})
	return nil
}

func (r *Registry) checkGroupLocked(group FailoverGroup) error {
	if _, ok := r.sites[group.PrimarySiteID]; !ok {
		return fmt.Errorf("%w: %s", ErrSiteNotFound, group.PrimarySiteID)
	}
	for _, c := range group.Candidates {
		if _, ok := r.sites[c]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCandidate, c)
		}
	}
	return nil
}

// UpdateGroupPolicy replaces a group's candidate order and policy while
// keeping its runtime primary.
func (r *Registry) UpdateGroupPolicy(group FailoverGroup) error {
	r.mu.Lock()
	existing, ok := r.groups[group.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group.ID)
	}
	group.PrimarySiteID = existing.PrimarySiteID
	if err := r.checkGroupLocked(group); err != nil {
		r.mu.Unlock()
		return err
	}
	existing.Candidates = append([]string(nil), group.Candidates...)
	existing.AutoFailover = group.AutoFailover
	existing.MaxFailoverDuration = group.MaxFailoverDuration
	r.mu.Unlock()

	r.notify(Change{Type: ChangeGroup, GroupID: group.ID})
	return nil
}

// RepointGroups moves every group governed by oldPrimary to newPrimary
func (r *Registry) RepointGroups(oldPrimary, newPrimary string) {
	r.mu.Lock()
	var changed []string
	for _, id := range r.groupOrder {
		g := r.groups[id]
		if g.PrimarySiteID == oldPrimary {
			g.PrimarySiteID = newPrimary
			changed = append(changed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range changed {
		r.notify(Change{Type: ChangeGroup, GroupID: id})
	}
}

// Group returns a copy of a failover group
func (r *Registry) Group(id string) (FailoverGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return FailoverGroup{}, false
	}
	return g.clone(), true
}

// Groups returns all groups in registration order
func (r *Registry) Groups() []FailoverGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := make([]FailoverGroup, 0, len(r.groupOrder))
	for _, id := range r.groupOrder {
		groups = append(groups, r.groups[id].clone())
	}
	return groups
}

// GroupsFor returns the groups governing the given primary, in registration order
func (r *Registry) GroupsFor(primaryID string) []FailoverGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var groups []FailoverGroup
	for _, id := range r.groupOrder {
		if g := r.groups[id]; g.PrimarySiteID == primaryID {
			groups = append(groups, g.clone())
		}
	}
	return groups
}

// CountPrimaries returns how many sites currently claim the primary role
func (r *Registry) CountPrimaries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sites {
		if s.Role == RolePrimary {
			n++
		}
	}
	return n
}
