// Package database implements the storage replication primitive on top of
// PostgreSQL logical replication, and the failover attempt journal.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/storage"
)

var ErrBadChannel = errors.New("database: malformed channel id")

// ReplicatorConfig configures the PostgreSQL replicator
type ReplicatorConfig struct {
	Publication string
	SlotPrefix  string
	PromoteWait time.Duration
}

// DefaultReplicatorConfig returns default configuration
func DefaultReplicatorConfig() ReplicatorConfig {
	return ReplicatorConfig{
		Publication: "geofailover_pub",
		SlotPrefix:  "geofailover",
		PromoteWait: time.Minute,
	}
}

// SiteConn is how the replicator reaches one site. PeerDSN is the conninfo
// other sites use when subscribing to it; it defaults to DSN.
type SiteConn struct {
	ID      string
	DSN     string
	PeerDSN string
}

type siteDB struct {
	db      *sql.DB
	peerDSN string
}

// Replicator drives publications, slots and subscriptions across sites
type Replicator struct {
	config ReplicatorConfig
	logger *zap.Logger

	mu    sync.RWMutex
	sites map[string]*siteDB
}

// NewReplicator creates a replicator with no sites attached
func NewReplicator(config ReplicatorConfig, logger *zap.Logger) *Replicator {
	def := DefaultReplicatorConfig()
	if config.Publication == "" {
		config.Publication = def.Publication
	}
	if config.SlotPrefix == "" {
		config.SlotPrefix = def.SlotPrefix
	}
	if config.PromoteWait <= 0 {
		config.PromoteWait = def.PromoteWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		config: config,
		logger: logger.Named("postgres"),
		sites:  make(map[string]*siteDB),
	}
}

// OpenReplicator opens a connection pool per site
func OpenReplicator(config ReplicatorConfig, conns []SiteConn, logger *zap.Logger) (*Replicator, error) {
	r := NewReplicator(config, logger)
	for _, c := range conns {
		db, err := sql.Open("postgres", c.DSN)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("open database for site %s: %w", c.ID, err)
		}
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		peer := c.PeerDSN
		if peer == "" {
			peer = c.DSN
		}
		r.Attach(c.ID, db, peer)
	}
	return r, nil
}

// Attach registers an open database handle for a site
func (r *Replicator) Attach(siteID string, db *sql.DB, peerDSN string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[siteID] = &siteDB{db: db, peerDSN: peerDSN}
}

// Close closes every site's pool
func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sites {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Replicator) site(id string) (*siteDB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownSite, id)
	}
	return s, nil
}

// ChannelID returns the channel identifier for source -> target
func ChannelID(source, target string) string {
	return source + "/" + target
}

func parseChannel(channelID string) (source, target string, err error) {
	source, target, ok := strings.Cut(channelID, "/")
	if !ok || source == "" || target == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadChannel, channelID)
	}
	return source, target, nil
}

// slotName doubles as the subscription name and its application_name
func (r *Replicator) slotName(source, target string) string {
	return r.config.SlotPrefix + "_" + sanitize(source) + "_" + sanitize(target)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// CreateReplicationChannel ensures a publication and a logical slot on the
// source and a subscription on the target. Existing objects are reused.
func (r *Replicator) CreateReplicationChannel(ctx context.Context, source, target string) (string, error) {
	src, err := r.site(source)
	if err != nil {
		return "", err
	}
	tgt, err := r.site(target)
	if err != nil {
		return "", err
	}
	slot := r.slotName(source, target)
	pub := r.config.Publication

	var exists bool
	if err := src.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, pub).Scan(&exists); err != nil {
		return "", fmt.Errorf("check publication on %s: %w", source, err)
	}
	if !exists {
		if _, err := src.db.ExecContext(ctx,
			fmt.Sprintf(`CREATE PUBLICATION %s FOR ALL TABLES`, pq.QuoteIdentifier(pub))); err != nil {
			return "", fmt.Errorf("create publication on %s: %w", source, err)
		}
	}

	if err := src.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, slot).Scan(&exists); err != nil {
		return "", fmt.Errorf("check slot on %s: %w", source, err)
	}
	if !exists {
		if _, err := src.db.ExecContext(ctx,
			`SELECT pg_create_logical_replication_slot($1, 'pgoutput')`, slot); err != nil {
			return "", fmt.Errorf("create slot on %s: %w", source, err)
		}
	}

	if err := tgt.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_subscription WHERE subname = $1)`, slot).Scan(&exists); err != nil {
		return "", fmt.Errorf("check subscription on %s: %w", target, err)
	}
	if exists {
		if _, err := tgt.db.ExecContext(ctx,
			fmt.Sprintf(`ALTER SUBSCRIPTION %s ENABLE`, pq.QuoteIdentifier(slot))); err != nil {
			return "", fmt.Errorf("enable subscription on %s: %w", target, err)
		}
	} else {
		stmt := fmt.Sprintf(`CREATE SUBSCRIPTION %s CONNECTION %s PUBLICATION %s WITH (slot_name = %s, create_slot = false, copy_data = true)`,
			pq.QuoteIdentifier(slot), pq.QuoteLiteral(src.peerDSN), pq.QuoteIdentifier(pub), pq.QuoteLiteral(slot))
		if _, err := tgt.db.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("create subscription on %s: %w", target, err)
		}
	}

	r.logger.Info("replication channel ready",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("slot", slot))
	return ChannelID(source, target), nil
}

// DropReplicationChannel detaches the subscription from its slot, drops it,
// then drops the slot on the source. Both sides are attempted.
func (r *Replicator) DropReplicationChannel(ctx context.Context, channelID string) error {
	source, target, err := parseChannel(channelID)
	if err != nil {
		return err
	}
	slot := r.slotName(source, target)
	var errs []error

	if tgt, err := r.site(target); err != nil {
		errs = append(errs, err)
	} else {
		ident := pq.QuoteIdentifier(slot)
		var exists bool
		err := tgt.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_subscription WHERE subname = $1)`, slot).Scan(&exists)
		if err != nil {
			errs = append(errs, fmt.Errorf("check subscription on %s: %w", target, err))
		} else if exists {
			for _, stmt := range []string{
				fmt.Sprintf(`ALTER SUBSCRIPTION %s DISABLE`, ident),
				fmt.Sprintf(`ALTER SUBSCRIPTION %s SET (slot_name = NONE)`, ident),
				fmt.Sprintf(`DROP SUBSCRIPTION %s`, ident),
			} {
				if _, err := tgt.db.ExecContext(ctx, stmt); err != nil {
					errs = append(errs, fmt.Errorf("drop subscription on %s: %w", target, err))
					break
				}
			}
		}
	}

	if src, err := r.site(source); err != nil {
		errs = append(errs, err)
	} else if _, err := src.db.ExecContext(ctx,
		`SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1 AND NOT active`, slot); err != nil {
		errs = append(errs, fmt.Errorf("drop slot on %s: %w", source, err))
	}

	return errors.Join(errs...)
}

// MeasureLag reads replay lag for the channel's walsender on the source
func (r *Replicator) MeasureLag(ctx context.Context, channelID string) (time.Duration, error) {
	source, target, err := parseChannel(channelID)
	if err != nil {
		return 0, err
	}
	src, err := r.site(source)
	if err != nil {
		return 0, err
	}

	var seconds float64
	err = src.db.QueryRowContext(ctx,
		`SELECT COALESCE(EXTRACT(EPOCH FROM replay_lag), 0)::float8 FROM pg_stat_replication WHERE application_name = $1`,
		r.slotName(source, target)).Scan(&seconds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("channel %s is not streaming", channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("query lag on %s: %w", source, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Promote makes a site writable: a physical standby is promoted, and every
// subscription the site holds is disabled so it stops following the old
// primary.
func (r *Replicator) Promote(ctx context.Context, siteID string) error {
	s, err := r.site(siteID)
	if err != nil {
		return err
	}

	var inRecovery bool
	if err := s.db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return fmt.Errorf("check recovery on %s: %w", siteID, err)
	}
	if inRecovery {
		var promoted bool
		if err := s.db.QueryRowContext(ctx, `SELECT pg_promote(true, $1)`,
			int(r.config.PromoteWait.Seconds())).Scan(&promoted); err != nil {
			return fmt.Errorf("promote %s: %w", siteID, err)
		}
		if !promoted {
			return fmt.Errorf("promote %s: not promoted within %s", siteID, r.config.PromoteWait)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT subname FROM pg_subscription WHERE subname LIKE $1 AND subenabled`, r.config.SlotPrefix+"_%")
	if err != nil {
		return fmt.Errorf("list subscriptions on %s: %w", siteID, err)
	}
	var subs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan subscription on %s: %w", siteID, err)
		}
		subs = append(subs, name)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list subscriptions on %s: %w", siteID, err)
	}

	for _, sub := range subs {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`ALTER SUBSCRIPTION %s DISABLE`, pq.QuoteIdentifier(sub))); err != nil {
			return fmt.Errorf("disable subscription %s on %s: %w", sub, siteID, err)
		}
	}

	r.logger.Info("site promoted",
		zap.String("site", siteID),
		zap.Bool("was_standby", inRecovery),
		zap.Int("subscriptions_disabled", len(subs)))
	return nil
}

// VerifyConsistency reports whether every subscribed relation on the site has
// finished its initial sync and is streaming.
func (r *Replicator) VerifyConsistency(ctx context.Context, siteID string) (bool, error) {
	s, err := r.site(siteID)
	if err != nil {
		return false, err
	}
	var pending int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_subscription_rel WHERE srsubstate <> 'r'`).Scan(&pending); err != nil {
		return false, fmt.Errorf("check sync state on %s: %w", siteID, err)
	}
	return pending == 0, nil
}

// Ping checks that the site accepts connections and answers queries
func (r *Replicator) Ping(ctx context.Context, siteID string) error {
	s, err := r.site(siteID)
	if err != nil {
		return err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping %s: %w", siteID, err)
	}
	return nil
}
