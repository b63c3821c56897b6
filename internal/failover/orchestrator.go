// Package failover implements the failover state machine: evaluate the
// primary, select a target, pre-check, promote, rebuild streams, verify, and
// roll back on failure when configured to.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/events"
	"github.com/FairForge/geofailover/internal/health"
	"github.com/FairForge/geofailover/internal/storage"
	"github.com/FairForge/geofailover/internal/topology"
)

// StreamRebuilder repoints replication at a new primary
type StreamRebuilder interface {
	RebuildFrom(ctx context.Context, newPrimary string, targets []string) error
}

// SiteChecker runs an on-demand health check of one site
type SiteChecker interface {
	CheckSite(ctx context.Context, id string) (health.Result, error)
}

// Config configures the orchestrator
type Config struct {
	MaxAcceptableLag           time.Duration
	ConsistencyCheck           bool
	RollbackOnFailure          bool
	CallTimeout                time.Duration
	DefaultMaxFailoverDuration time.Duration
	MaxHistory                 int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MaxAcceptableLag:           time.Second,
		ConsistencyCheck:           true,
		RollbackOnFailure:          true,
		CallTimeout:                30 * time.Second,
		DefaultMaxFailoverDuration: 5 * time.Minute,
		MaxHistory:                 100,
	}
}

// Option configures optional collaborators
type Option func(*Orchestrator)

// WithEmitter sets the event emitter
func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithJournal persists attempts
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// Orchestrator runs at most one failover attempt at a time
type Orchestrator struct {
	config   Config
	registry *topology.Registry
	storage  storage.ReplicationPrimitive
	streams  StreamRebuilder
	checker  SiteChecker
	emitter  events.Emitter
	journal  Journal
	logger   *zap.Logger

	inProgress atomic.Bool
	// steps is held for the lifetime of an attempt and by WhileIdle callers
	steps sync.Mutex

	mu        sync.RWMutex
	state     State
	current   *Attempt
	history   []Attempt
	idle      chan struct{}
	notified  map[string]bool
	finishers []func(Attempt)
}

// New creates an orchestrator
func New(config Config, registry *topology.Registry, store storage.ReplicationPrimitive, streams StreamRebuilder, checker SiteChecker, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if config.MaxAcceptableLag <= 0 {
		config.MaxAcceptableLag = def.MaxAcceptableLag
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.DefaultMaxFailoverDuration <= 0 {
		config.DefaultMaxFailoverDuration = def.DefaultMaxFailoverDuration
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = def.MaxHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:   config,
		registry: registry,
		storage:  store,
		streams:  streams,
		checker:  checker,
		logger:   logger.Named("failover"),
		state:    StateStable,
		notified: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnFinish registers a callback invoked with every finished attempt
func (o *Orchestrator) OnFinish(fn func(Attempt)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishers = append(o.finishers, fn)
}

// State returns the current state machine state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// InProgress reports whether an evaluation or attempt holds the guard
func (o *Orchestrator) InProgress() bool {
	return o.inProgress.Load()
}

// LastAttempt returns the running attempt, or the most recent finished one
func (o *Orchestrator) LastAttempt() (Attempt, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current != nil {
		return o.current.clone(), true
	}
	if n := len(o.history); n > 0 {
		return o.history[n-1].clone(), true
	}
	return Attempt{}, false
}

// Attempts returns retained attempts, newest first
func (o *Orchestrator) Attempts() []Attempt {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Attempt, 0, len(o.history)+1)
	if o.current != nil {
		out = append(out, o.current.clone())
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		out = append(out, o.history[i].clone())
	}
	return out
}

// Wait blocks until no attempt is in progress or ctx is done
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.RLock()
	idle := o.idle
	o.mu.RUnlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate is called on every monitoring tick. When the primary is failing it
// selects a target and, if the governing group allows it, runs a failover.
// It returns nil when no attempt was started.
func (o *Orchestrator) Evaluate(ctx context.Context) (*Attempt, error) {
	primary, ok := o.registry.Primary()
	if !ok {
		return nil, nil
	}
	if !primary.HealthStatus.Failing() {
		o.mu.Lock()
		delete(o.notified, primary.ID)
		o.mu.Unlock()
		return nil, nil
	}
	if !o.acquire() {
		return nil, nil
	}
	// the primary may have changed while waiting for the step lock
	current, ok := o.registry.Primary()
	if !ok || current.ID != primary.ID || !current.HealthStatus.Failing() {
		o.release()
		return nil, nil
	}
	primary = current

	reason := fmt.Sprintf("primary %s is %s", primary.ID, primary.HealthStatus)
	groups := o.registry.GroupsFor(primary.ID)

	var (
		group  topology.FailoverGroup
		target topology.Site
		found  bool
	)
	for _, g := range groups {
		if t, ok := o.selectTarget(g); ok {
			group, target, found = g, t, true
			break
		}
	}

	if !found {
		o.release()
		groupID := ""
		if len(groups) > 0 {
			groupID = groups[0].ID
		}
		o.requireOnce(primary.ID, groupID, "", reason+"; no eligible candidate")
		return nil, nil
	}
	if !group.AutoFailover {
		o.release()
		o.requireOnce(primary.ID, group.ID, target.ID, reason+"; automatic failover disabled")
		return nil, nil
	}

	a := o.begin(group.ID, primary.ID, reason, false)
	done, err := o.run(ctx, a, group, target)
	return &done, err
}

// TriggerFailover runs an operator-requested failover for a group. It is
// rejected with a *ConcurrentFailoverError while another attempt runs.
func (o *Orchestrator) TriggerFailover(ctx context.Context, groupID, reason string) (Attempt, error) {
	if _, ok := o.registry.Group(groupID); !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	if !o.acquire() {
		return Attempt{}, o.concurrentError()
	}
	// a previous attempt may have re-pointed the group since the lookup
	group, ok := o.registry.Group(groupID)
	if !ok {
		o.release()
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	if primary, ok := o.registry.Primary(); !ok || primary.ID != group.PrimarySiteID {
		o.release()
		return Attempt{}, fmt.Errorf("%w: group %s points at %s", ErrNoPrimary, group.ID, group.PrimarySiteID)
	}
	if reason == "" {
		reason = "manual failover"
	}

	a := o.begin(group.ID, group.PrimarySiteID, reason, true)
	target, ok := o.selectTarget(group)
	if !ok {
		defer o.release()
		err := fmt.Errorf("%w in group %s", ErrNoEligibleCandidate, group.ID)
		o.emit(events.FailoverRequired(group.ID, group.PrimarySiteID, "", reason))
		o.logger.Warn("failover required: no eligible candidate",
			zap.String("group", group.ID),
			zap.String("primary", group.PrimarySiteID))
		o.transition(a, StateFailed)
		return o.finish(a, OutcomeFailed, err), err
	}
	return o.run(ctx, a, group, target)
}

func (o *Orchestrator) acquire() bool {
	if !o.inProgress.CompareAndSwap(false, true) {
		return false
	}
	o.steps.Lock()
	o.mu.Lock()
	o.state = StateEvaluating
	o.idle = make(chan struct{})
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.state = StateStable
	o.current = nil
	idle := o.idle
	o.idle = nil
	o.mu.Unlock()

	o.steps.Unlock()
	o.inProgress.Store(false)
	if idle != nil {
		close(idle)
	}
}

// WhileIdle runs fn unless a failover attempt is in progress and reports
// whether it ran. An attempt starting meanwhile waits for fn to return before
// it reads the topology.
func (o *Orchestrator) WhileIdle(fn func()) bool {
	if o.inProgress.Load() {
		return false
	}
	o.steps.Lock()
	defer o.steps.Unlock()
	if o.inProgress.Load() {
		return false
	}
	fn()
	return true
}

func (o *Orchestrator) concurrentError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current != nil {
		return &ConcurrentFailoverError{InProgress: o.current.clone()}
	}
	return &ConcurrentFailoverError{InProgress: Attempt{State: o.state, Outcome: OutcomeInProgress}}
}

// requireOnce emits failover_required once per outage of a given primary
func (o *Orchestrator) requireOnce(primaryID, groupID, candidate, reason string) {
	o.mu.Lock()
	seen := o.notified[primaryID]
	o.notified[primaryID] = true
	o.mu.Unlock()
	if seen {
		return
	}
	o.logger.Warn("failover required",
		zap.String("primary", primaryID),
		zap.String("group", groupID),
		zap.String("candidate", candidate),
		zap.String("reason", reason))
	o.emit(events.FailoverRequired(groupID, primaryID, candidate, reason))
}

// selectTarget returns the first candidate that is healthy and active
func (o *Orchestrator) selectTarget(group topology.FailoverGroup) (topology.Site, bool) {
	for _, id := range group.Candidates {
		if id == group.PrimarySiteID {
			continue
		}
		s, ok := o.registry.Get(id)
		if !ok || s.Role == topology.RolePrimary {
			continue
		}
		if s.HealthStatus == topology.HealthHealthy && s.Status == topology.StatusActive {
			return s, true
		}
	}
	return topology.Site{}, false
}

func (o *Orchestrator) begin(groupID, oldPrimary, reason string, manual bool) *Attempt {
	now := time.Now()
	a := &Attempt{
		ID:            uuid.New().String(),
		GroupID:       groupID,
		TriggerReason: reason,
		Manual:        manual,
		StartedAt:     now,
		OldPrimaryID:  oldPrimary,
		State:         StateEvaluating,
		Outcome:       OutcomeInProgress,
		Transitions:   []Transition{{State: StateEvaluating, At: now}},
	}
	o.mu.Lock()
	o.current = a
	snapshot := a.clone()
	o.mu.Unlock()

	o.save(snapshot)
	o.logger.Info("failover attempt started",
		zap.String("attempt", a.ID),
		zap.String("group", groupID),
		zap.String("primary", oldPrimary),
		zap.Bool("manual", manual),
		zap.String("reason", reason))
	return a
}

func (o *Orchestrator) run(ctx context.Context, a *Attempt, group topology.FailoverGroup, target topology.Site) (Attempt, error) {
	defer o.release()
	// an attempt outlives the tick or request that started it
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	a.CandidateSiteID = target.ID
	a.CandidateRole = target.Role
	o.mu.Unlock()
	o.transition(a, StateTargetSelected)
	o.emit(events.FailoverStarted(a.ID, group.ID, a.OldPrimaryID, target.ID, a.TriggerReason))

	maxDuration := group.MaxFailoverDuration
	if maxDuration <= 0 {
		maxDuration = o.config.DefaultMaxFailoverDuration
	}
	stepCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	o.transition(a, StatePreChecks)
	if err := o.preCheck(stepCtx, target.ID); err != nil {
		o.logger.Warn("failover pre-check failed",
			zap.String("attempt", a.ID),
			zap.String("candidate", target.ID),
			zap.Error(err))
		o.transition(a, StateFailed)
		o.emit(events.FailoverFailed(a.ID, group.ID, a.OldPrimaryID, target.ID, a.TriggerReason, err))
		return o.finish(a, OutcomeFailed, err), err
	}

	if err := o.execute(stepCtx, a, target.ID); err != nil {
		return o.fail(ctx, a, group, err), err
	}

	oldPrimary := a.OldPrimaryID
	if err := o.registry.SetStatus(oldPrimary, topology.StatusStandby); err != nil {
		o.logger.Warn("mark old primary standby failed", zap.String("site", oldPrimary), zap.Error(err))
	}
	o.registry.RepointGroups(oldPrimary, target.ID)

	o.transition(a, StateCompleted)
	done := o.finish(a, OutcomeSucceeded, nil)
	o.logger.Info("failover completed",
		zap.String("attempt", a.ID),
		zap.String("old_primary", oldPrimary),
		zap.String("new_primary", target.ID),
		zap.Duration("duration", done.Duration))
	o.emit(events.FailoverCompleted(a.ID, group.ID, oldPrimary, target.ID, done.Duration))
	return done, nil
}

func (o *Orchestrator) preCheck(ctx context.Context, targetID string) error {
	site, ok := o.registry.Get(targetID)
	if !ok {
		return &PreCheckError{Check: "health", Err: fmt.Errorf("%w: %s", topology.ErrSiteNotFound, targetID)}
	}
	if site.HealthStatus != topology.HealthHealthy || site.Status != topology.StatusActive {
		return &PreCheckError{Check: "health", Err: fmt.Errorf("target %s is %s/%s", site.ID, site.HealthStatus, site.Status)}
	}
	if limit := 2 * o.config.MaxAcceptableLag; site.ReplicationLag > limit {
		return &PreCheckError{Check: "lag", Err: fmt.Errorf("target lag %s exceeds %s", site.ReplicationLag, limit)}
	}

	if o.config.ConsistencyCheck {
		var consistent bool
		err := o.call(ctx, func(callCtx context.Context) error {
			var err error
			consistent, err = o.storage.VerifyConsistency(callCtx, targetID)
			return err
		})
		if err != nil {
			return &PreCheckError{Check: "consistency", Err: timeoutCause(ctx, err)}
		}
		if !consistent {
			return &PreCheckError{Check: "consistency", Err: ErrInconsistent}
		}
	}

	if ctx.Err() != nil {
		return &PreCheckError{Check: "deadline", Err: ErrFailoverTimeout}
	}
	return nil
}

// execute runs the irreversible steps. Any error is a *StepError.
func (o *Orchestrator) execute(ctx context.Context, a *Attempt, targetID string) error {
	o.transition(a, StatePromoting)
	err := o.call(ctx, func(callCtx context.Context) error {
		return o.storage.Promote(callCtx, targetID)
	})
	if err != nil {
		return &StepError{Step: StatePromoting, Err: timeoutCause(ctx, err)}
	}
	if err := o.registry.SetRole(targetID, topology.RolePrimary); err != nil {
		return &StepError{Step: StatePromoting, Err: err}
	}
	if err := o.registry.SetStatus(targetID, topology.StatusActive); err != nil {
		return &StepError{Step: StatePromoting, Err: err}
	}
	if ctx.Err() != nil {
		return &StepError{Step: StatePromoting, Err: ErrFailoverTimeout}
	}

	o.transition(a, StateReconfiguring)
	if err := o.streams.RebuildFrom(ctx, targetID, o.replicaTargets(targetID, a.OldPrimaryID)); err != nil {
		return &StepError{Step: StateReconfiguring, Err: timeoutCause(ctx, err)}
	}
	if ctx.Err() != nil {
		return &StepError{Step: StateReconfiguring, Err: ErrFailoverTimeout}
	}

	o.transition(a, StateVerifying)
	result, err := o.checker.CheckSite(ctx, targetID)
	if err == nil && result.Status != topology.HealthHealthy {
		err = fmt.Errorf("new primary %s reported %s: %s", targetID, result.Status, result.Detail)
	}
	if err != nil {
		return &StepError{Step: StateVerifying, Err: timeoutCause(ctx, err)}
	}
	if ctx.Err() != nil {
		return &StepError{Step: StateVerifying, Err: ErrFailoverTimeout}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, a *Attempt, group topology.FailoverGroup, err error) Attempt {
	o.transition(a, StateFailed)
	o.logger.Error("failover failed",
		zap.String("attempt", a.ID),
		zap.String("old_primary", a.OldPrimaryID),
		zap.String("candidate", a.CandidateSiteID),
		zap.Error(err))
	o.emit(events.FailoverFailed(a.ID, group.ID, a.OldPrimaryID, a.CandidateSiteID, a.TriggerReason, err))

	if !o.config.RollbackOnFailure {
		return o.finish(a, OutcomeFailed, err)
	}

	o.transition(a, StateRollingBack)
	rollbackErrs := o.rollback(ctx, a)
	o.transition(a, StateRolledBack)
	o.logger.Info("failover rollback completed",
		zap.String("attempt", a.ID),
		zap.String("primary", a.OldPrimaryID),
		zap.String("candidate", a.CandidateSiteID),
		zap.Strings("errors", rollbackErrs))

	done := o.finish(a, OutcomeRolledBack, err)
	o.emit(events.FailoverRolledBack(a.ID, a.OldPrimaryID, a.CandidateSiteID, rollbackErrs))
	return done
}

// rollback restores the old primary's role and the candidate's prior role,
// then re-points streams at the old primary. It is a compensating action:
// storage-level promotion of the candidate is not undone.
func (o *Orchestrator) rollback(ctx context.Context, a *Attempt) []string {
	var errs []string
	oldPrimary := a.OldPrimaryID

	if p, ok := o.registry.Primary(); !ok || p.ID != oldPrimary {
		if err := o.registry.SetRole(oldPrimary, topology.RolePrimary); err != nil {
			errs = append(errs, fmt.Sprintf("restore role: %v", err))
		}
	}
	if a.CandidateRole != "" && a.CandidateRole != topology.RolePrimary {
		if c, ok := o.registry.Get(a.CandidateSiteID); ok && c.Role != a.CandidateRole {
			if err := o.registry.SetRole(a.CandidateSiteID, a.CandidateRole); err != nil {
				errs = append(errs, fmt.Sprintf("restore candidate role: %v", err))
			}
		}
	}
	if err := o.registry.SetStatus(oldPrimary, topology.StatusActive); err != nil {
		errs = append(errs, fmt.Sprintf("restore status: %v", err))
	}
	if err := o.streams.RebuildFrom(ctx, oldPrimary, o.replicaTargets(oldPrimary, "")); err != nil {
		errs = append(errs, fmt.Sprintf("rebuild streams: %v", err))
	}
	return errs
}

// replicaTargets returns active sites other than the primary and exclude
func (o *Orchestrator) replicaTargets(primary, exclude string) []string {
	var out []string
	for _, s := range o.registry.All() {
		if s.ID == primary || s.ID == exclude || s.Status != topology.StatusActive {
			continue
		}
		out = append(out, s.ID)
	}
	return out
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func (o *Orchestrator) transition(a *Attempt, s State) {
	o.mu.Lock()
	a.State = s
	a.Transitions = append(a.Transitions, Transition{State: s, At: time.Now()})
	o.state = s
	o.mu.Unlock()

	o.logger.Info("failover state",
		zap.String("attempt", a.ID),
		zap.String("state", string(s)))
}

func (o *Orchestrator) finish(a *Attempt, outcome Outcome, err error) Attempt {
	now := time.Now()
	o.mu.Lock()
	a.Outcome = outcome
	a.FinishedAt = now
	a.Duration = now.Sub(a.StartedAt)
	if err != nil {
		a.Error = err.Error()
	}
	done := a.clone()
	o.current = nil
	o.history = append(o.history, done)
	if over := len(o.history) - o.config.MaxHistory; over > 0 {
		o.history = o.history[over:]
	}
	finishers := append([]func(Attempt){}, o.finishers...)
	o.mu.Unlock()

	o.save(done)
	for _, fn := range finishers {
		fn(done.clone())
	}
	return done
}

func (o *Orchestrator) save(a Attempt) {
	if o.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.config.CallTimeout)
	defer cancel()
	if err := o.journal.Save(ctx, a); err != nil {
		o.logger.Warn("journal save failed", zap.String("attempt", a.ID), zap.Error(err))
	}
}

func (o *Orchestrator) emit(e events.Event) {
	if o.emitter != nil {
		o.emitter.Emit(e)
	}
}

// timeoutCause marks errors caused by the max failover duration expiring
func timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrFailoverTimeout) {
		return fmt.Errorf("%w: %v", ErrFailoverTimeout, err)
	}
	return err
}
