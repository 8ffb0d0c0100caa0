// Package worker implements the derivative-generation execution loop.
package worker

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tonefield/mediad/internal/media"
	"github.com/tonefield/mediad/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	BlobPrefix    string
	Topic         string
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Worker consumes queue items and runs the processing pipeline: load the
// original from blob storage, generate derivatives, upload them, record the
// results and publish a completion event.
type Worker struct {
	queue     media.Queue
	store     media.Store
	blobStore media.BlobStore
	publisher media.Publisher
	processor media.Processor
	clock     media.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue media.Queue,
	store media.Store,
	blobStore media.BlobStore,
	publisher media.Publisher,
	processor media.Processor,
	clock media.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "media"
	}
	if cfg.Topic == "" {
		cfg.Topic = "media.processed"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Worker{
		queue:     queue,
		store:     store,
		blobStore: blobStore,
		publisher: publisher,
		processor: processor,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued media", zap.String("media_id", item.MediaID), zap.Int("attempt", item.Attempt))
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item media.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	m, err := w.store.GetMedia(ctx, item.MediaID)
	if err != nil {
		w.logger.Error("load media failed", zap.String("media_id", item.MediaID), zap.Error(err))
		return
	}
	if m.DeletedAt != nil {
		w.logger.Info("skipping deleted media", zap.String("media_id", m.ID))
		return
	}

	if err := w.store.UpdateStatus(ctx, m.ID, media.StatusProcessing, ""); err != nil {
		w.logger.Error("mark processing failed", zap.String("media_id", m.ID), zap.Error(err))
		return
	}

	started := w.clock.Now()
	result, variants, err := w.run(ctx, m)
	if err != nil {
		w.fail(ctx, item, m, err)
		return
	}
	metrics.ObserveProcessing(string(m.Kind), w.clock.Now().Sub(started))

	if err := w.store.UpdateProcessed(ctx, m.ID, result, variants, primaryURL(m.Kind, variants)); err != nil {
		w.logger.Error("record processed failed", zap.String("media_id", m.ID), zap.Error(err))
		return
	}
	w.publish(ctx, m, media.StatusReady, "")
	w.logger.Info("media processed",
		zap.String("media_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.Int("variants", len(variants)),
	)
}

// run fetches the original, generates derivatives and uploads them.
func (w *Worker) run(ctx context.Context, m media.Media) (media.ProcessResult, []media.Variant, error) {
	original, err := w.blobStore.GetObject(ctx, m.StoragePath)
	if err != nil {
		return media.ProcessResult{}, nil, fmt.Errorf("fetch original: %w", err)
	}

	result, err := w.processor.Process(ctx, m, original)
	if err != nil {
		return media.ProcessResult{}, nil, fmt.Errorf("process %s: %w", m.Kind, err)
	}

	variants := make([]media.Variant, 0, len(result.Variants))
	for _, d := range result.Variants {
		blobPath := path.Join(w.cfg.BlobPrefix, m.ID, d.Label+d.Ext)
		url, err := w.putWithRetry(ctx, blobPath, d.ContentType, d.Data)
		if err != nil {
			return media.ProcessResult{}, nil, fmt.Errorf("upload %s: %w", d.Label, err)
		}
		metrics.ObserveBytesStored(string(m.Kind), len(d.Data))
		variants = append(variants, media.Variant{
			Label:       d.Label,
			Width:       d.Width,
			Height:      d.Height,
			StoragePath: blobPath,
			URL:         url,
			ByteSize:    int64(len(d.Data)),
			ContentType: d.ContentType,
		})
	}
	return result, variants, nil
}

// putWithRetry retries transient upload failures with a fixed backoff.
func (w *Worker) putWithRetry(ctx context.Context, blobPath, contentType string, data []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.RetryAttempts; attempt++ {
		url, err := w.blobStore.PutObject(ctx, blobPath, contentType, data)
		if err == nil {
			return url, nil
		}
		lastErr = err
		w.logger.Warn("blob upload failed",
			zap.String("path", blobPath),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == w.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.cfg.RetryBackoff):
		}
	}
	return "", lastErr
}

func (w *Worker) fail(ctx context.Context, item media.QueueItem, m media.Media, cause error) {
	if item.Attempt+1 < w.cfg.RetryAttempts {
		w.logger.Warn("processing failed, requeueing",
			zap.String("media_id", m.ID),
			zap.Int("attempt", item.Attempt),
			zap.Error(cause),
		)
		requeued := media.QueueItem{
			MediaID:   item.MediaID,
			Attempt:   item.Attempt + 1,
			Submitted: item.Submitted,
		}
		if err := w.queue.Enqueue(ctx, requeued); err == nil {
			return
		}
		// Fall through to a terminal failure when the queue refuses the item.
	}

	errText := truncate(cause.Error(), 500)
	if err := w.store.UpdateStatus(ctx, m.ID, media.StatusFailed, errText); err != nil {
		w.logger.Error("mark failed failed", zap.String("media_id", m.ID), zap.Error(err))
	}
	w.publish(ctx, m, media.StatusFailed, errText)
	w.logger.Error("media processing failed",
		zap.String("media_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.Error(cause),
	)
}

func (w *Worker) publish(ctx context.Context, m media.Media, status media.Status, errText string) {
	if w.publisher == nil {
		return
	}
	event := media.ProcessedEvent{
		MediaID:   m.ID,
		Kind:      m.Kind,
		Status:    status,
		URL:       m.URL,
		Checksum:  m.Checksum,
		ErrorText: errText,
		Timestamp: w.clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish event failed", zap.String("media_id", m.ID), zap.Error(err))
	}
}

// primaryURL picks the derivative that replaces the original as the row's
// serving URL. Audio playback uses the transcoded mp3 rather than whatever
// container was uploaded; images and passthrough kinds keep the original.
func primaryURL(kind media.Kind, variants []media.Variant) string {
	if kind != media.KindAudio {
		return ""
	}
	for _, v := range variants {
		if v.ContentType == "audio/mpeg" {
			return v.URL
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
