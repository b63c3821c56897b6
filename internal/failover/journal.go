package failover

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InterruptedReason is recorded on attempts found in progress at startup
const InterruptedReason = "interrupted by shutdown"

// Journal persists failover attempts across restarts
type Journal interface {
	Save(ctx context.Context, attempt Attempt) error
	List(ctx context.Context, limit int) ([]Attempt, error)
	// MarkInterrupted fails every attempt still recorded as in progress
	MarkInterrupted(ctx context.Context) (int, error)
}

// MemoryJournal keeps attempts in process memory
type MemoryJournal struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

// NewMemoryJournal creates an empty journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{attempts: make(map[string]Attempt)}
}

func (j *MemoryJournal) Save(ctx context.Context, attempt Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts[attempt.ID] = attempt.clone()
	return nil
}

// List returns the newest attempts first
func (j *MemoryJournal) List(ctx context.Context, limit int) ([]Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Attempt, 0, len(j.attempts))
	for _, a := range j.attempts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *MemoryJournal) MarkInterrupted(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	now := time.Now()
	for id, a := range j.attempts {
		if a.Outcome != OutcomeInProgress {
			continue
		}
		a.Outcome = OutcomeFailed
		a.State = StateFailed
		a.Error = InterruptedReason
		a.FinishedAt = now
		a.Duration = now.Sub(a.StartedAt)
		a.Transitions = append(a.Transitions, Transition{State: StateFailed, At: now})
		j.attempts[id] = a
		n++
	}
	return n, nil
}
