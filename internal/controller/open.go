package controller

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/config"
	"github.com/FairForge/geofailover/internal/database"
	"github.com/FairForge/geofailover/internal/drivers"
)

// Open connects the PostgreSQL replicator, the S3 buckets and the failover
// journal described by cfg, then builds the controller on top of them
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var closers []func() error
	cleanup := func() {
		for _, fn := range closers {
			_ = fn()
		}
	}

	var conns []database.SiteConn
	for _, s := range cfg.Sites {
		if s.Database == nil || s.Database.DSN == "" {
			continue
		}
		conns = append(conns, database.SiteConn{
			ID:      s.ID,
			DSN:     s.Database.DSN,
			PeerDSN: s.Database.PeerDSN,
		})
	}
	replicator, err := database.OpenReplicator(database.ReplicatorConfig{
		Publication: cfg.Replication.Publication,
		SlotPrefix:  cfg.Replication.SlotPrefix,
		PromoteWait: cfg.Replication.PromoteWait,
	}, conns, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, replicator.Close)

	deps := Dependencies{Replication: replicator}

	if cfg.Replication.HasKind(config.KindFile) {
		files := drivers.NewS3Sync(logger)
		for _, s := range cfg.Sites {
			if s.Bucket == nil {
				continue
			}
			files.AddSite(s.ID, drivers.BucketConfig{
				Endpoint:  s.Bucket.Endpoint,
				Region:    s.Bucket.Region,
				Bucket:    s.Bucket.Bucket,
				Prefix:    s.Bucket.Prefix,
				AccessKey: s.Bucket.AccessKey,
				SecretKey: s.Bucket.SecretKey,
			})
		}
		deps.Files = files
	}

	if cfg.Journal.DSN != "" {
		journal, err := database.OpenJournalStore(cfg.Journal.DSN)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, journal.Close)
		if err := journal.CreateTables(ctx); err != nil {
			cleanup()
			return nil, fmt.Errorf("prepare failover journal: %w", err)
		}
		deps.Journal = journal
	}

	deps.Closers = closers
	c, err := New(cfg, deps, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	return c, nil
}
