package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FairForge/geofailover/internal/failover"
)

// JournalStore persists failover attempts in PostgreSQL
type JournalStore struct {
	db *sql.DB
}

func NewJournalStore(db *sql.DB) *JournalStore {
	return &JournalStore{db: db}
}

// OpenJournalStore connects to the journal database
func OpenJournalStore(dsn string) (*JournalStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &JournalStore{db: db}, nil
}

func (j *JournalStore) Close() error {
	return j.db.Close()
}

// CreateTables creates the journal table
func (j *JournalStore) CreateTables(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS failover_attempts (
			id VARCHAR(64) PRIMARY KEY,
			group_id VARCHAR(255) NOT NULL,
			trigger_reason TEXT NOT NULL,
			manual BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			old_primary VARCHAR(255) NOT NULL,
			candidate VARCHAR(255) NOT NULL DEFAULT '',
			state VARCHAR(32) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			transitions JSONB NOT NULL DEFAULT '[]'
		)`
	if _, err := j.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Save inserts or updates an attempt
func (j *JournalStore) Save(ctx context.Context, a failover.Attempt) error {
	if a.Transitions == nil {
		a.Transitions = []failover.Transition{}
	}
	transitions, err := json.Marshal(a.Transitions)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}
	var finished sql.NullTime
	if !a.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: a.FinishedAt, Valid: true}
	}

	query := `
        INSERT INTO failover_attempts (id, group_id, trigger_reason, manual, started_at, finished_at,
            old_primary, candidate, state, outcome, duration_ms, error, transitions)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO UPDATE SET
            finished_at = EXCLUDED.finished_at,
            candidate = EXCLUDED.candidate,
            state = EXCLUDED.state,
            outcome = EXCLUDED.outcome,
            duration_ms = EXCLUDED.duration_ms,
            error = EXCLUDED.error,
            transitions = EXCLUDED.transitions
    `
	_, err = j.db.ExecContext(ctx, query,
		a.ID, a.GroupID, a.TriggerReason, a.Manual, a.StartedAt, finished,
		a.OldPrimaryID, a.CandidateSiteID, string(a.State), string(a.Outcome),
		a.Duration.Milliseconds(), a.Error, transitions)
	if err != nil {
		return fmt.Errorf("save attempt %s: %w", a.ID, err)
	}
	return nil
}

// List returns the newest attempts first
func (j *JournalStore) List(ctx context.Context, limit int) ([]failover.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT id, group_id, trigger_reason, manual, started_at, finished_at, old_primary,
            candidate, state, outcome, duration_ms, error, transitions
        FROM failover_attempts
        ORDER BY started_at DESC
        LIMIT $1
    `
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []failover.Attempt
	for rows.Next() {
		var (
			a           failover.Attempt
			finished    sql.NullTime
			state       string
			outcome     string
			durationMs  int64
			transitions []byte
		)
		err := rows.Scan(&a.ID, &a.GroupID, &a.TriggerReason, &a.Manual, &a.StartedAt, &finished,
			&a.OldPrimaryID, &a.CandidateSiteID, &state, &outcome, &durationMs, &a.Error, &transitions)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if finished.Valid {
			a.FinishedAt = finished.Time
		}
		a.State = failover.State(state)
		a.Outcome = failover.Outcome(outcome)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		if len(transitions) > 0 {
			if err := json.Unmarshal(transitions, &a.Transitions); err != nil {
				return nil, fmt.Errorf("decode transitions of %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every attempt left in progress by a previous run
func (j *JournalStore) MarkInterrupted(ctx context.Context) (int, error) {
	query := `
        UPDATE failover_attempts
        SET outcome = $1, state = $2, error = $3, finished_at = NOW(),
            duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint
        WHERE outcome = $4
    `
	res, err := j.db.ExecContext(ctx, query,
		string(failover.OutcomeFailed), string(failover.StateFailed),
		failover.InterruptedReason, string(failover.OutcomeInProgress))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
