// Package media defines core types shared across subsystems.
package media

import (
	"time"
)

// Kind classifies an asset by its transform pipeline.
type Kind string

// Asset kinds recognised by the pipeline.
const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Status represents the lifecycle state of a media row.
type Status string

// Media status values persisted in the media store.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Variant is one derived rendition of an asset (e.g. a resized WebP).
type Variant struct {
	Label       string `json:"label"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	StoragePath string `json:"storage_path"`
	URL         string `json:"url"`
	ByteSize    int64  `json:"byte_size"`
	ContentType string `json:"content_type"`
}

// ImageMeta holds image-specific metadata extracted during processing.
type ImageMeta struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Blurhash      string `json:"blurhash"`
	DominantColor string `json:"dominant_color"`
}

// AudioMeta holds audio-specific metadata extracted during processing.
type AudioMeta struct {
	DurationMs int64 `json:"duration_ms"`
	// Waveform is a fixed number of peak buckets normalized to 0-100.
	Waveform []int `json:"waveform"`
}

// Media represents the metadata persisted for each stored asset.
// RefCount tracks how many works currently reference the asset and gates
// permanent deletion; DeletedAt marks a soft-deleted row.
type Media struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Filename     string     `json:"filename"`
	ContentType  string     `json:"content_type"`
	ByteSize     int64      `json:"byte_size"`
	Checksum     string     `json:"checksum"`
	StoragePath  string     `json:"storage_path"`
	URL          string     `json:"url,omitempty"`
	Image        *ImageMeta `json:"image,omitempty"`
	Audio        *AudioMeta `json:"audio,omitempty"`
	Variants     []Variant  `json:"variants,omitempty"`
	RefCount     int        `json:"ref_count"`
	ErrorText    string     `json:"error_text,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// WorkKind classifies a portfolio work.
type WorkKind string

// Work kinds carried over from the portfolio catalogue.
const (
	WorkAudio         WorkKind = "audio"
	WorkPhysical      WorkKind = "physical"
	WorkDigital       WorkKind = "digital"
	WorkCollaboration WorkKind = "collaboration"
)

// Work is a portfolio content entity that references media.
type Work struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Kind      WorkKind  `json:"kind"`
	MediaIDs  []string  `json:"media_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessResult is what a Processor produces for one asset.
type ProcessResult struct {
	Image    *ImageMeta
	Audio    *AudioMeta
	Variants []DerivedObject
}

// DerivedObject is a derivative ready to be written to the blob store.
type DerivedObject struct {
	Label       string
	Width       int
	Height      int
	ContentType string
	// Ext is the file extension including the dot, e.g. ".webp".
	Ext  string
	Data []byte
}

// ProcessedEvent is published after a worker finishes an asset.
type ProcessedEvent struct {
	MediaID   string `json:"media_id"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"`
	URL       string `json:"url,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	ErrorText string `json:"error_text,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ListFilter narrows media listings.
type ListFilter struct {
	Kind Kind
	// IncludeDeleted also returns soft-deleted rows.
	IncludeDeleted bool
}

// PurgeCandidate ties a permanently deleted row to the blobs that must go with it.
type PurgeCandidate struct {
	MediaID      string
	StoragePaths []string
}
