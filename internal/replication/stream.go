package replication

import (
	"fmt"
	"time"
)

// Kind is what a stream replicates
type Kind string

const (
	KindDatabase Kind = "database"
	KindFile     Kind = "file"
)

// StreamStatus is the lifecycle state of a stream
type StreamStatus string

const (
	StreamInitializing StreamStatus = "initializing"
	StreamActive       StreamStatus = "active"
	StreamFailed       StreamStatus = "failed"
	StreamStopped      StreamStatus = "stopped"
)

// StreamID identifies a stream by its endpoints and kind
type StreamID struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   Kind   `json:"kind"`
}

func (id StreamID) String() string {
	return fmt.Sprintf("%s->%s/%s", id.Source, id.Target, id.Kind)
}

// ErrorEntry is one line of a stream's error log
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Stream is a replication channel from the primary to one target
type Stream struct {
	ID               StreamID      `json:"id"`
	ChannelID        string        `json:"channel_id,omitempty"`
	Status           StreamStatus  `json:"status"`
	Lag              time.Duration `json:"lag"`
	BytesTransferred int64         `json:"bytes_transferred"`
	ErrorLog         []ErrorEntry  `json:"error_log,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	LastSyncAt       time.Time     `json:"last_sync_at"`
	StoppedAt        time.Time     `json:"stopped_at,omitempty"`
}

func (s *Stream) clone() Stream {
	c := *s
	c.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	return c
}
