// Package main wires together the image batch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/imgbatch/imgbatch/internal/api"
	"github.com/imgbatch/imgbatch/internal/clock/system"
	"github.com/imgbatch/imgbatch/internal/config"
	"github.com/imgbatch/imgbatch/internal/dispatcher"
	"github.com/imgbatch/imgbatch/internal/fetch"
	"github.com/imgbatch/imgbatch/internal/id/uuid"
	"github.com/imgbatch/imgbatch/internal/logging"
	"github.com/imgbatch/imgbatch/internal/metrics"
	"github.com/imgbatch/imgbatch/internal/notify"
	"github.com/imgbatch/imgbatch/internal/pipeline"
	"github.com/imgbatch/imgbatch/internal/publish"
	queueMemory "github.com/imgbatch/imgbatch/internal/queue/memory"
	storeMemory "github.com/imgbatch/imgbatch/internal/store/memory"
	"github.com/imgbatch/imgbatch/internal/store/postgres"
	"github.com/imgbatch/imgbatch/internal/store/sqlite"
	localStorage "github.com/imgbatch/imgbatch/internal/storage/local"
	s3Storage "github.com/imgbatch/imgbatch/internal/storage/s3"
	"github.com/imgbatch/imgbatch/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("store close failed", zap.Error(closeErr))
		}
	}()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	queue := queueMemory.NewQueue(cfg.Pipeline.QueueDepth)
	clock := system.New()
	idGen := uuid.New()

	fetcher := fetch.New(blobs, fetch.Config{
		Timeout:   cfg.FetchTimeout(),
		UserAgent: cfg.HTTP.UserAgent,
		MaxBody:   int64(cfg.HTTP.MaxBodyMB) << 20,
	}, logger.Named("fetch"))
	notifier := notify.New(cfg.NotifyTimeout(), logger.Named("notify"))

	var publisher pipeline.Publisher
	if cfg.Events.Enabled {
		kafkaPublisher := publish.NewKafka(cfg.Events.Brokers, cfg.Events.Topic)
		defer func() {
			if closeErr := kafkaPublisher.Close(); closeErr != nil {
				logger.Error("kafka close failed", zap.Error(closeErr))
			}
		}()
		publisher = kafkaPublisher
	}

	workerCfg := worker.Config{
		RowConcurrency:      cfg.Pipeline.RowConcurrency,
		FetchConcurrency:    cfg.Pipeline.FetchConcurrency,
		RequestTimeout:      cfg.RequestTimeout(),
		IncludeRejectedRows: cfg.Pipeline.IncludeRejectedRows,
	}

	var workers []*worker.Worker
	for i := 0; i < cfg.Pipeline.RequestWorkers; i++ {
		workers = append(workers, worker.New(
			queue,
			store,
			fetcher,
			notifier,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(store, dispatch, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Pipeline.RequestWorkers))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.Config) (pipeline.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.Open(cfg.Store.Path)
	case "postgres":
		return postgres.New(ctx, cfg.Store.DSN)
	case "memory":
		return storeMemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newBlobStore(ctx context.Context, cfg config.Config) (pipeline.BlobStore, error) {
	switch cfg.Blob.Provider {
	case "local":
		return localStorage.New(localStorage.Config{BaseDir: cfg.Blob.BaseDir})
	case "s3":
		return s3Storage.New(ctx, s3Storage.Config{
			Endpoint:  cfg.Blob.S3.Endpoint,
			Bucket:    cfg.Blob.S3.Bucket,
			AccessKey: cfg.Blob.S3.AccessKey,
			SecretKey: cfg.Blob.S3.SecretKey,
			UseSSL:    cfg.Blob.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Blob.Provider)
	}
}
