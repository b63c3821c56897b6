// Package storage defines the collaborators the controller drives but does
// not implement: the replicated data store and the bulk file transfer
// mechanism.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownSite is returned by collaborators asked about a site they have no
// connection details for.
var ErrUnknownSite = errors.New("storage: unknown site")

// ReplicationPrimitive is the native replication surface of the data store.
type ReplicationPrimitive interface {
	// CreateReplicationChannel provisions replication from source to target
	// and returns an opaque channel id.
	CreateReplicationChannel(ctx context.Context, source, target string) (string, error)
	// DropReplicationChannel tears a channel down on its target.
	DropReplicationChannel(ctx context.Context, channelID string) error
	// MeasureLag reports the delay between the latest write on the source and
	// the latest applied position on the target.
	MeasureLag(ctx context.Context, channelID string) (time.Duration, error)
	// Promote makes the site accept writes.
	Promote(ctx context.Context, siteID string) error
	// VerifyConsistency reports whether the site holds a complete copy.
	VerifyConsistency(ctx context.Context, siteID string) (bool, error)
	// Ping checks the site can serve and accept replication.
	Ping(ctx context.Context, siteID string) error
}

// Object is a single file-level unit of transfer.
type Object struct {
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileTransfer is the bulk file synchronization mechanism.
type FileTransfer interface {
	// ListChanges returns the objects on source that are missing or stale on
	// target, considering changes after since.
	ListChanges(ctx context.Context, source, target string, since time.Time) ([]Object, error)
	// CopyAndVerify copies one object and reports whether its checksum
	// matched on the target.
	CopyAndVerify(ctx context.Context, obj Object) (bool, error)
}
