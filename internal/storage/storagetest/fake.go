// Package storagetest provides in-memory collaborators for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/geofailover/internal/storage"
)

// ErrInjected is returned by fakes configured to fail
var ErrInjected = errors.New("storagetest: injected failure")

// Replication is a fake ReplicationPrimitive. Failures and lags are keyed by
// site ID (or channel ID for lag).
type Replication struct {
	mu sync.Mutex

	channels     map[string][2]string
	nextID       int
	Created      []string
	Dropped      []string
	Promoted     []string
	FailCreate   map[string]error // keyed by target
	FailPromote  map[string]error
	FailPing     map[string]error
	Lags         map[string]time.Duration // keyed by target
	FailLag      map[string]error         // keyed by target
	Inconsistent map[string]bool
	// PromoteHook runs inside Promote before it returns
	PromoteHook func(siteID string)
}

// NewReplication creates an empty fake
func NewReplication() *Replication {
	return &Replication{
		channels:     make(map[string][2]string),
		FailCreate:   make(map[string]error),
		FailPromote:  make(map[string]error),
		FailPing:     make(map[string]error),
		Lags:         make(map[string]time.Duration),
		FailLag:      make(map[string]error),
		Inconsistent: make(map[string]bool),
	}
}

func (r *Replication) CreateReplicationChannel(ctx context.Context, source, target string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailCreate[target]; err != nil {
		return "", err
	}
	r.nextID++
	id := fmt.Sprintf("ch-%d-%s-%s", r.nextID, source, target)
	r.channels[id] = [2]string{source, target}
	r.Created = append(r.Created, source+"->"+target)
	return id, nil
}

func (r *Replication) DropReplicationChannel(ctx context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
	r.Dropped = append(r.Dropped, channelID)
	return nil
}

func (r *Replication) MeasureLag(ctx context.Context, channelID string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ends, ok := r.channels[channelID]
	if !ok {
		return 0, fmt.Errorf("storagetest: unknown channel %s", channelID)
	}
	if err := r.FailLag[ends[1]]; err != nil {
		return 0, err
	}
	return r.Lags[ends[1]], nil
}

func (r *Replication) Promote(ctx context.Context, siteID string) error {
	r.mu.Lock()
	err := r.FailPromote[siteID]
	hook := r.PromoteHook
	if err == nil {
		r.Promoted = append(r.Promoted, siteID)
	}
	r.mu.Unlock()
	if hook != nil {
		hook(siteID)
	}
	return err
}

func (r *Replication) VerifyConsistency(ctx context.Context, siteID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.Inconsistent[siteID], nil
}

func (r *Replication) Ping(ctx context.Context, siteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.FailPing[siteID]
}

// SetLag sets the lag reported for channels targeting site
func (r *Replication) SetLag(site string, lag time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lags[site] = lag
}

// SetPingError makes Ping fail for a site; nil clears it
func (r *Replication) SetPingError(site string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailPing[site] = err
}

// OpenChannels returns the number of live channels
func (r *Replication) OpenChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// PromotedSites returns a copy of promoted site IDs
func (r *Replication) PromotedSites() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Promoted...)
}

// Files is a fake FileTransfer holding pending objects per target
type Files struct {
	mu       sync.Mutex
	pending  map[string][]storage.Object
	Copied   []string
	Mismatch map[string]bool
	FailList error
	Lists    int
}

// NewFiles creates an empty fake
func NewFiles() *Files {
	return &Files{
		pending:  make(map[string][]storage.Object),
		Mismatch: make(map[string]bool),
	}
}

// Add queues an object for source -> target
func (f *Files) Add(source, target, key string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := source + "->" + target
	f.pending[k] = append(f.pending[k], storage.Object{
		Source: source, Target: target, Key: key, Size: size, ModifiedAt: time.Now(),
	})
}

func (f *Files) ListChanges(ctx context.Context, source, target string, since time.Time) ([]storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists++
	if f.FailList != nil {
		return nil, f.FailList
	}
	return append([]storage.Object(nil), f.pending[source+"->"+target]...), nil
}

func (f *Files) CopyAndVerify(ctx context.Context, obj storage.Object) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mismatch[obj.Key] {
		return false, nil
	}
	k := obj.Source + "->" + obj.Target
	remaining := f.pending[k][:0]
	for _, o := range f.pending[k] {
		if o.Key != obj.Key {
			remaining = append(remaining, o)
		}
	}
	f.pending[k] = remaining
	f.Copied = append(f.Copied, obj.Key)
	return true, nil
}

// CopiedKeys returns a copy of copied keys
func (f *Files) CopiedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Copied...)
}

// SetMismatch makes CopyAndVerify report a checksum mismatch for key
func (f *Files) SetMismatch(key string, mismatch bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mismatch[key] = mismatch
}
