package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/config"
	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/dedupe"
	"github.com/tendant/camera-trap-pipeline/internal/executors"
	"github.com/tendant/camera-trap-pipeline/internal/handlers"
	"github.com/tendant/camera-trap-pipeline/internal/logging"
	"github.com/tendant/camera-trap-pipeline/internal/metrics"
	"github.com/tendant/camera-trap-pipeline/internal/workflows"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	normalizer, err := buildNormalizer(cfg)
	if err != nil {
		return err
	}

	b, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// DBOS runtime (required)
	if err := cfg.DBOS.Validate(); err != nil {
		return err
	}
	rt, err := dbosruntime.NewRuntime(ctx, cfg.DBOS, logger)
	if err != nil {
		return err
	}

	ledger, err := dedupe.NewTracker(ctx, rt.DB(), logger)
	if err != nil {
		return err
	}
	m := metrics.New()

	runner := workflows.NewWorkflowRunner(rt, logger)
	runner.Register(pipeline.JobCSVIngest, workflows.NewIngestWorkflow(workflows.IngestDeps{
		Schema:    b.Schema,
		Overlap:   b.Overlap,
		Committer: b.Committer,
		Reporter:  b.Reporter,
		Content:   b.Content,
		Objects:   objectReader(b),
		Ledger:    ledger,
		Metrics:   m,
	}, workflows.IngestConfig{
		Normalizer:     normalizer,
		ImageURLPrefix: cfg.ImageURLPrefix,
		Strict:         cfg.Strict,
		SchemaTimeout:  cfg.SchemaTimeout,
		OverlapTimeout: cfg.OverlapTimeout,
	}))
	runner.Register(pipeline.JobMediaIngest, workflows.NewMediaWorkflow(workflows.MediaDeps{
		Content:   b.Content,
		Objects:   objectReader(b),
		Derived:   b.Derived,
		Previews:  previewWriter(b),
		Committer: b.Committer,
		Ledger:    ledger,
		Metrics:   m,
	}, normalizer, cfg.ImageURLPrefix))
	logger.Info("registered workflows", zap.Strings("jobs", runner.Jobs()))

	// Launch DBOS (must be done after workflow registration)
	if err := rt.Launch(); err != nil {
		return err
	}
	defer func() { _ = rt.Shutdown(10 * time.Second) }()

	logger.Info("DBOS runtime initialized",
		zap.String("queue", rt.QueueName()),
		zap.Int("concurrency", rt.Concurrency()),
		zap.String("commit_backend", cfg.CommitBackend),
	)

	var events handlers.EventExecutor
	if b.Objects != nil {
		events = executors.NewS3EventExecutor(b.Objects, runner, rt, b.Applier, logger)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.NewAsyncHandler(runner, events, m.Handler(), logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("pipeline worker starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return err
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
