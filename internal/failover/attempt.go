package failover

import (
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/geofailover/internal/topology"
)

// State is a failover state machine state
type State string

const (
	StateStable         State = "STABLE"
	StateEvaluating     State = "EVALUATING"
	StateTargetSelected State = "TARGET_SELECTED"
	StatePreChecks      State = "PRE_CHECKS"
	StatePromoting      State = "PROMOTING"
	StateReconfiguring  State = "RECONFIGURING"
	StateVerifying      State = "VERIFYING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateRollingBack    State = "ROLLING_BACK"
	StateRolledBack     State = "ROLLED_BACK"
)

// Terminal reports whether an attempt in this state is finished
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRolledBack
}

// Outcome is the result of a failover attempt
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Transition records when an attempt entered a state
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Attempt is one run of the failover state machine
type Attempt struct {
	ID              string        `json:"id"`
	GroupID         string        `json:"group_id"`
	TriggerReason   string        `json:"trigger_reason"`
	Manual          bool          `json:"manual"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	OldPrimaryID    string        `json:"old_primary_id"`
	CandidateSiteID string        `json:"candidate_site_id,omitempty"`
	CandidateRole   topology.Role `json:"candidate_role,omitempty"`
	State           State         `json:"state"`
	Outcome         Outcome       `json:"outcome"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
	Transitions     []Transition  `json:"transitions"`
}

func (a *Attempt) clone() Attempt {
	c := *a
	c.Transitions = append([]Transition(nil), a.Transitions...)
	return c
}

var (
	ErrConcurrentFailover  = errors.New("failover: already in progress")
	ErrNoEligibleCandidate = errors.New("failover: no eligible candidate")
	ErrFailoverTimeout     = errors.New("failover: max failover duration exceeded")
	ErrUnknownGroup        = errors.New("failover: unknown failover group")
	ErrNoPrimary           = errors.New("failover: no primary registered")
	ErrInconsistent        = errors.New("failover: candidate data not consistent")
)

// ConcurrentFailoverError rejects a trigger while another attempt runs. The
// running attempt is untouched.
type ConcurrentFailoverError struct {
	InProgress Attempt
}

func (e *ConcurrentFailoverError) Error() string {
	return fmt.Sprintf("failover: attempt %s already in progress (%s)", e.InProgress.ID, e.InProgress.State)
}

func (e *ConcurrentFailoverError) Unwrap() error { return ErrConcurrentFailover }

// PreCheckError aborts an attempt before anything irreversible happened
type PreCheckError struct {
	Check string
	Err   error
}

func (e *PreCheckError) Error() string {
	return fmt.Sprintf("failover: pre-check %s failed: %v", e.Check, e.Err)
}

func (e *PreCheckError) Unwrap() error { return e.Err }

// StepError is a failure at or after promotion
type StepError struct {
	Step State
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("failover: %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
