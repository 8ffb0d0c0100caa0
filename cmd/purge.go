package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tonefield/mediad/internal/clock/system"
	"github.com/tonefield/mediad/internal/config"
	"github.com/tonefield/mediad/internal/logging"
	"github.com/tonefield/mediad/internal/metrics"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Permanently remove soft-deleted media past the retention window.",
		Long: `purge scans for media rows that are soft-deleted, unreferenced and older
than the configured retention window, removes them from the database and
deletes their blobs (original and derivatives) from storage. Intended to
run as a cron job.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPurge(cmd.Context())
		},
	}
}

func runPurge(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	blobStore, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer closeStore()

	cutoff := system.New().Now().Add(-cfg.PurgeRetention())
	candidates, err := store.PurgeDeleted(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge deleted rows: %w", err)
	}

	var blobErrs int
	for _, c := range candidates {
		for _, path := range c.StoragePaths {
			if err := blobStore.DeleteObject(ctx, path); err != nil {
				blobErrs++
				logger.Warn("delete blob failed",
					zap.String("media_id", c.MediaID),
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}
	}
	metrics.ObservePurged(len(candidates))

	logger.Info("purge complete",
		zap.Int("purged", len(candidates)),
		zap.Int("blob_errors", blobErrs),
	)
	if blobErrs > 0 {
		return fmt.Errorf("purge finished with %d blob deletion errors", blobErrs)
	}
	return nil
}
