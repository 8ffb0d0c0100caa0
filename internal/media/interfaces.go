package media

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	ErrNotFound        = errors.New("media: not found")
	ErrStillReferenced = errors.New("media: still referenced")
	ErrAlreadyAttached = errors.New("media: already attached")
)

// Store persists media rows and enforces the reference-count rules.
type Store interface {
	CreateMedia(ctx context.Context, m Media) error
	GetMedia(ctx context.Context, mediaID string) (Media, error)
	ListMedia(ctx context.Context, filter ListFilter) ([]Media, error)
	UpdateStatus(ctx context.Context, mediaID string, status Status, errText string) error
	// UpdateProcessed records the derivative metadata once a worker succeeds.
	UpdateProcessed(ctx context.Context, mediaID string, result ProcessResult, variants []Variant, url string) error
	// AttachMedia links a work to a media row and increments its refCount.
	// Attaching revives a soft-deleted row.
	AttachMedia(ctx context.Context, workID, mediaID string) error
	// DetachMedia unlinks and decrements; at refCount zero the row is soft-deleted.
	DetachMedia(ctx context.Context, workID, mediaID string) error
	// SoftDelete marks an unreferenced row deleted; ErrStillReferenced otherwise.
	SoftDelete(ctx context.Context, mediaID string) error
	// PurgeDeleted permanently removes soft-deleted, unreferenced rows older
	// than the cutoff and returns the blob paths that must be removed too.
	PurgeDeleted(ctx context.Context, olderThan time.Time) ([]PurgeCandidate, error)
}

// WorkStore persists portfolio works.
type WorkStore interface {
	CreateWork(ctx context.Context, w Work) error
	GetWork(ctx context.Context, workID string) (Work, error)
}

// BlobStore reads and writes raw artifacts; PutObject returns a public URL.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Processor turns an original asset into derivatives and metadata.
type Processor interface {
	Process(ctx context.Context, m Media, original []byte) (ProcessResult, error)
}

// Queue provides enqueue/dequeue semantics for processing jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces media and work IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps one asset ready to process.
type QueueItem struct {
	MediaID   string
	Attempt   int
	Submitted int64
}
