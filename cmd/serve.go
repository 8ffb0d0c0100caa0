package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcsClient "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tonefield/mediad/internal/api"
	"github.com/tonefield/mediad/internal/clock/system"
	"github.com/tonefield/mediad/internal/config"
	"github.com/tonefield/mediad/internal/dispatcher"
	"github.com/tonefield/mediad/internal/hash/sha256"
	"github.com/tonefield/mediad/internal/id/uuid"
	"github.com/tonefield/mediad/internal/logging"
	"github.com/tonefield/mediad/internal/media"
	"github.com/tonefield/mediad/internal/metrics"
	"github.com/tonefield/mediad/internal/processor"
	memoryPublisher "github.com/tonefield/mediad/internal/publisher/memory"
	pubsubPublisher "github.com/tonefield/mediad/internal/publisher/pubsub"
	queueMemory "github.com/tonefield/mediad/internal/queue/memory"
	"github.com/tonefield/mediad/internal/storage/bunny"
	"github.com/tonefield/mediad/internal/storage/gcs"
	"github.com/tonefield/mediad/internal/storage/local"
	storageMemory "github.com/tonefield/mediad/internal/storage/memory"
	"github.com/tonefield/mediad/internal/storage/postgres"
	"github.com/tonefield/mediad/internal/worker"
)

// mediaStore is the combined persistence surface the service needs; the
// memory and postgres stores both satisfy it.
type mediaStore interface {
	media.Store
	media.WorkStore
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the media ingestion service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobStore, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer closeStore()

	publisher, stopPublisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer stopPublisher()

	queue := queueMemory.NewQueue(cfg.Pipeline.QueueDepth)
	defer queue.Close()

	pipeline := processor.New(
		processor.NewImage(processor.ImageConfig{
			VariantWidths: cfg.Image.VariantWidths,
			WebPQuality:   cfg.Image.WebPQuality,
		}),
		processor.NewAudio(processor.AudioConfig{
			FFmpegPath:      cfg.Audio.FFmpegPath,
			FFprobePath:     cfg.Audio.FFprobePath,
			BitrateKbps:     cfg.Audio.BitrateKbps,
			WaveformBuckets: cfg.Audio.WaveformBuckets,
		}),
	)

	clock := system.New()
	workerCfg := worker.Config{
		BlobPrefix:    cfg.Storage.Prefix,
		Topic:         cfg.PubSub.TopicName,
		RetryAttempts: cfg.Pipeline.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff(),
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Pipeline.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			store,
			blobStore,
			publisher,
			pipeline,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(
		store, store, blobStore, dispatch,
		sha256.New(), uuid.New(), clock,
		cfg, logger.Named("api"),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func newBlobStore(ctx context.Context, cfg config.Config) (media.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "bunny":
		return bunny.New(bunny.Config{
			Endpoint:    cfg.Storage.Bunny.Endpoint,
			Zone:        cfg.Storage.Bunny.Zone,
			AccessKey:   cfg.Storage.Bunny.AccessKey,
			PullZoneURL: cfg.Storage.Bunny.PullZoneURL,
		})
	case "gcs":
		client, err := gcsClient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{
			Bucket:    cfg.Storage.GCS.Bucket,
			PublicURL: cfg.Storage.GCS.PublicURL,
		})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.Local.BaseDir})
	case "memory":
		return storageMemory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func newStore(ctx context.Context, cfg config.Config) (mediaStore, func(), error) {
	if cfg.DB.DSN == "" {
		return storageMemory.NewMediaStore(), func() {}, nil
	}
	store, err := postgres.NewMediaStore(ctx, postgres.MediaStoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func newPublisher(ctx context.Context, cfg config.Config) (media.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return memoryPublisher.New(), func() {}, nil
	}
	pub, err := pubsubPublisher.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Stop, nil
}
