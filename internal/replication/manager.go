// Package replication manages the database and file replication streams that
// run from the current primary to every other active site.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/storage"
)

var (
	ErrStreamNotFound = errors.New("replication: stream not found")
	ErrStreamStopped  = errors.New("replication: stream stopped while establishing")
	ErrManagerClosed  = errors.New("replication: manager closed")
	ErrNoFileTransfer = errors.New("replication: no file transfer configured")
	ErrSameEndpoints  = errors.New("replication: source and target are the same site")
)

// EstablishError reports a stream that could not be provisioned
type EstablishError struct {
	Stream StreamID
	Err    error
}

func (e *EstablishError) Error() string {
	return fmt.Sprintf("replication: establish %s: %v", e.Stream, e.Err)
}

func (e *EstablishError) Unwrap() error { return e.Err }

// Config configures the stream manager
type Config struct {
	Kinds            []Kind
	FileSyncInterval time.Duration
	CallTimeout      time.Duration
	ErrorLogLimit    int
	HistoryLimit     int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Kinds:            []Kind{KindDatabase, KindFile},
		FileSyncInterval: time.Minute,
		CallTimeout:      30 * time.Second,
		ErrorLogLimit:    100,
		HistoryLimit:     500,
	}
}

type entry struct {
	stream *Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the stream table. All stream mutation goes through it.
type Manager struct {
	config Config
	db     storage.ReplicationPrimitive
	files  storage.FileTransfer
	logger *zap.Logger

	mu      sync.RWMutex
	streams map[StreamID]*entry
	history []Stream
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a stream manager. files may be nil when only database
// streams are configured.
func NewManager(config Config, db storage.ReplicationPrimitive, files storage.FileTransfer, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if len(config.Kinds) == 0 {
		config.Kinds = def.Kinds
	}
	if config.FileSyncInterval <= 0 {
		config.FileSyncInterval = def.FileSyncInterval
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.ErrorLogLimit <= 0 {
		config.ErrorLogLimit = def.ErrorLogLimit
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		db:         db,
		files:      files,
		logger:     logger.Named("replication"),
		streams:    make(map[StreamID]*entry),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Kinds returns the stream kinds established per target
func (m *Manager) Kinds() []Kind {
	return append([]Kind(nil), m.config.Kinds...)
}

// Establish provisions a stream from source to target. It is idempotent: an
// active or initializing stream for the same key is returned as is.
func (m *Manager) Establish(ctx context.Context, source, target string, kind Kind) (Stream, error) {
	id := StreamID{Source: source, Target: target, Kind: kind}
	if source == target {
		return Stream{}, &EstablishError{Stream: id, Err: ErrSameEndpoints}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Stream{}, ErrManagerClosed
	}
	if existing, ok := m.streams[id]; ok {
		switch existing.stream.Status {
		case StreamActive, StreamInitializing:
			s := existing.stream.clone()
			m.mu.Unlock()
			return s, nil
		}
		m.archiveLocked(existing.stream)
	}
	e := &entry{
		stream: &Stream{ID: id, Status: StreamInitializing, StartedAt: time.Now()},
		done:   make(chan struct{}),
	}
	m.streams[id] = e
	m.mu.Unlock()

	channelID, err := m.provision(ctx, id)

	m.mu.Lock()
	if e.stream.Status == StreamStopped {
		s := e.stream.clone()
		close(e.done)
		m.mu.Unlock()
		if channelID != "" {
			m.dropChannel(id, channelID)
		}
		return s, &EstablishError{Stream: id, Err: ErrStreamStopped}
	}
	if err != nil {
		e.stream.Status = StreamFailed
		m.appendErrorLocked(e.stream, err.Error())
		close(e.done)
		s := e.stream.clone()
		m.mu.Unlock()

		m.logger.Warn("stream establish failed",
			zap.String("stream", id.String()),
			zap.Error(err))
		return s, &EstablishError{Stream: id, Err: err}
	}

	e.stream.ChannelID = channelID
	e.stream.Status = StreamActive
	switch {
	case kind == KindFile && m.closed:
		e.stream.Status = StreamStopped
		e.stream.StoppedAt = time.Now()
		close(e.done)
	case kind == KindFile:
		syncCtx, cancel := context.WithCancel(m.baseCtx)
		e.cancel = cancel
		m.wg.Add(1)
		go m.syncLoop(syncCtx, e)
	default:
		close(e.done)
	}
	s := e.stream.clone()
	m.mu.Unlock()

	m.logger.Info("stream established",
		zap.String("stream", id.String()),
		zap.String("channel", channelID))
	return s, nil
}

func (m *Manager) provision(ctx context.Context, id StreamID) (string, error) {
	switch id.Kind {
	case KindDatabase:
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
		return m.db.CreateReplicationChannel(callCtx, id.Source, id.Target)
	case KindFile:
		if m.files == nil {
			return "", ErrNoFileTransfer
		}
		return "", nil
	default:
		return "", fmt.Errorf("replication: unknown stream kind %q", id.Kind)
	}
}

// Stop marks a stream stopped and cancels its sync task. The record is kept.
func (m *Manager) Stop(ctx context.Context, id StreamID) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if e.stream.Status == StreamStopped {
		m.mu.Unlock()
		return nil
	}
	wasInitializing := e.stream.Status == StreamInitializing
	e.stream.Status = StreamStopped
	e.stream.StoppedAt = time.Now()
	cancel := e.cancel
	e.cancel = nil
	channelID := e.stream.ChannelID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasInitializing {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if id.Kind == KindDatabase && channelID != "" {
		m.dropChannel(id, channelID)
	}

	m.logger.Info("stream stopped", zap.String("stream", id.String()))
	return nil
}

// dropChannel is best-effort: the old source may be unreachable
func (m *Manager) dropChannel(id StreamID, channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CallTimeout)
	defer cancel()
	if err := m.db.DropReplicationChannel(ctx, channelID); err != nil {
		m.logger.Warn("drop replication channel failed",
			zap.String("stream", id.String()),
			zap.String("channel", channelID),
			zap.Error(err))
		m.RecordError(id, fmt.Errorf("drop channel: %w", err))
	}
}

// RebuildFrom stops every stream not sourced at newPrimary, then establishes
// newPrimary -> target for every target and configured kind. It fails only
// when no stream at all could be established.
func (m *Manager) RebuildFrom(ctx context.Context, newPrimary string, targets []string) error {
	established, attempted, errs := m.converge(ctx, newPrimary, targets)
	if attempted > 0 && established == 0 {
		return fmt.Errorf("replication: no stream established from %s: %w", newPrimary, errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.logger.Warn("rebuild completed with failed streams",
			zap.String("primary", newPrimary),
			zap.Int("failed", len(errs)),
			zap.Error(errors.Join(errs...)))
	}
	return nil
}

// Reconcile drives the stream table toward primary -> targets: stale streams
// are stopped, failed or missing ones are (re)established.
func (m *Manager) Reconcile(ctx context.Context, primary string, targets []string) error {
	_, _, errs := m.converge(ctx, primary, targets)
	return errors.Join(errs...)
}

func (m *Manager) converge(ctx context.Context, primary string, targets []string) (established, attempted int, errs []error) {
	desired := make(map[StreamID]bool)
	for _, t := range targets {
		if t == primary {
			continue
		}
		for _, k := range m.config.Kinds {
			desired[StreamID{Source: primary, Target: t, Kind: k}] = true
		}
	}

	// stop first so no target is ever claimed by two sources
	m.mu.RLock()
	var stale []StreamID
	for id, e := range m.streams {
		if e.stream.Status != StreamStopped && !desired[id] {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	sortIDs(stale)

	for _, id := range stale {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	for _, t := range targets {
		if t == primary {
			continue
		}
		for _, k := range m.config.Kinds {
			attempted++
			if _, err := m.Establish(ctx, primary, t, k); err != nil {
				errs = append(errs, err)
				continue
			}
			established++
		}
	}
	return established, attempted, errs
}

func (m *Manager) syncLoop(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)

	ticker := time.NewTicker(m.config.FileSyncInterval)
	defer ticker.Stop()

	var since time.Time
	since = m.syncOnce(ctx, e, since)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since = m.syncOnce(ctx, e, since)
		}
	}
}

// syncOnce copies every changed object. A failed tick keeps since unchanged
// so the same window is retried next tick.
func (m *Manager) syncOnce(ctx context.Context, e *entry, since time.Time) time.Time {
	id := e.stream.ID
	start := time.Now()

	listCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	objects, err := m.files.ListChanges(listCtx, id.Source, id.Target, since)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			m.recordEntryError(e, fmt.Sprintf("list changes: %v", err))
		}
		return since
	}

	var copied int64
	failed := false
	for _, obj := range objects {
		if ctx.Err() != nil {
			return since
		}
		copyCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		ok, err := m.files.CopyAndVerify(copyCtx, obj)
		cancel()
		switch {
		case err != nil:
			failed = true
			m.recordEntryError(e, fmt.Sprintf("copy %s: %v", obj.Key, err))
		case !ok:
			failed = true
			m.recordEntryError(e, fmt.Sprintf("copy %s: checksum mismatch", obj.Key))
		default:
			copied += obj.Size
		}
	}

	m.mu.Lock()
	e.stream.BytesTransferred += copied
	if !failed {
		e.stream.LastSyncAt = time.Now()
	}
	m.mu.Unlock()

	if failed {
		return since
	}
	return start
}

func (m *Manager) recordEntryError(e *entry, msg string) {
	m.mu.Lock()
	m.appendErrorLocked(e.stream, msg)
	m.mu.Unlock()
	m.logger.Warn("file sync error",
		zap.String("stream", e.stream.ID.String()),
		zap.String("error", msg))
}

func (m *Manager) appendErrorLocked(s *Stream, msg string) {
	s.ErrorLog = append(s.ErrorLog, ErrorEntry{At: time.Now(), Message: msg})
	if over := len(s.ErrorLog) - m.config.ErrorLogLimit; over > 0 {
		s.ErrorLog = s.ErrorLog[over:]
	}
}

func (m *Manager) archiveLocked(s *Stream) {
	m.history = append(m.history, s.clone())
	if over := len(m.history) - m.config.HistoryLimit; over > 0 {
		m.history = m.history[over:]
	}
}

// RecordLag stores a lag measurement for a stream
func (m *Manager) RecordLag(id StreamID, lag time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	e.stream.Lag = lag
	e.stream.LastSyncAt = time.Now()
	return nil
}

// RecordError appends to a stream's error log without changing its status
func (m *Manager) RecordError(id StreamID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.streams[id]; ok {
		m.appendErrorLocked(e.stream, err.Error())
	}
}

// Get returns a copy of the current record for a stream key
func (m *Manager) Get(id StreamID) (Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.streams[id]
	if !ok {
		return Stream{}, false
	}
	return e.stream.clone(), true
}

// Streams returns copies of all current stream records
func (m *Manager) Streams() []Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stream, 0, len(m.streams))
	for _, e := range m.streams {
		out = append(out, e.stream.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// ActiveDatabaseStreams returns the streams the lag tracker measures
func (m *Manager) ActiveDatabaseStreams() []Stream {
	var out []Stream
	for _, s := range m.Streams() {
		if s.Status == StreamActive && s.ID.Kind == KindDatabase {
			out = append(out, s)
		}
	}
	return out
}

// History returns archived stream records, oldest first
func (m *Manager) History() []Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Stream(nil), m.history...)
}

// Close cancels every file sync loop and waits for them to exit
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
}

func sortIDs(ids []StreamID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
