package main

import (
	"context"
	"fmt"

	"github.com/tendant/simple-content/pkg/simplecontent/presets"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/cameratrap"
	"github.com/tendant/camera-trap-pipeline/internal/config"
	"github.com/tendant/camera-trap-pipeline/internal/mongostore"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/internal/workflows"
)

// backend is the set of collaborators selected by COMMIT_BACKEND.
type backend struct {
	Schema   batch.SchemaSource
	Overlap  batch.OverlapChecker
	Reporter batch.StatusReporter
	// Committer receives every payload of a batch
	Committer batch.Committer
	// Applier forwards staged payloads; nil when nothing is staged
	Applier *batch.Applier

	Objects *storage.S3Storage
	Content storage.ContentSource
	Derived workflows.DerivedWriter

	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// store is a full set of batch collaborators on one system
type store interface {
	batch.SchemaSource
	batch.OverlapChecker
	batch.Committer
	batch.StatusReporter
}

func buildBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	// simple-content: HTTP API if CONTENT_API_URL is set, otherwise embedded
	if cfg.ContentAPIURL != "" {
		logger.Info("using simple-content HTTP API", zap.String("url", cfg.ContentAPIURL))
		b.Content = storage.NewHTTPContentReader(cfg.ContentAPIURL)
		b.Derived = storage.NewHTTPDerivedWriter(cfg.ContentAPIURL)
	} else {
		logger.Info("using embedded simple-content service (development preset)")
		svc, cleanup, err := presets.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("initialize simple-content service: %w", err)
		}
		b.cleanup = append(b.cleanup, cleanup)
		b.Content = storage.NewContentReader(svc)
		b.Derived = storage.NewDerivedWriter(svc)
	}

	var stager batch.Committer
	if cfg.S3Bucket != "" {
		b.Objects = storage.NewS3Storage(storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			KeyID:    cfg.S3KeyID,
			Secret:   cfg.S3Secret,
		})
		stager = storage.NewStager(b.Objects, "")
	}

	var target store
	if cfg.APIURL != "" {
		target = cameratrap.New(cameratrap.Config{BaseURL: cfg.APIURL, Credentials: cfg.APICredentials}, logger)
	}
	if cfg.CommitBackend == config.BackendMongo || (target == nil && cfg.MongoURI != "") {
		ms, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { _ = ms.Close(context.Background()) })
		target = ms
	}

	if target != nil {
		b.Schema, b.Overlap, b.Reporter = target, target, target
	}

	switch cfg.CommitBackend {
	case config.BackendS3:
		// Everything is staged; staged payloads are applied when their
		// storage event arrives.
		b.Committer = stager
		if target != nil {
			b.Applier = batch.NewApplier(target, cfg.ForceApply)
		}
	default:
		b.Committer = batch.HoldRouter{Apply: target, Stage: stager}
		if stager != nil {
			b.Applier = batch.NewApplier(target, cfg.ForceApply)
		}
	}
	return b, nil
}

func buildNormalizer(cfg *config.Config) (*records.Normalizer, error) {
	var fm schema.FieldMap
	if cfg.FieldMapFile != "" {
		var err error
		if fm, err = schema.LoadFieldMap(cfg.FieldMapFile); err != nil {
			return nil, err
		}
	}
	return records.NewNormalizer(fm, cfg.OffsetHours), nil
}

// objectReader returns the bucket as a storage.Reader, or a nil interface
// when no bucket is configured.
func objectReader(b *backend) storage.Reader {
	if b.Objects == nil {
		return nil
	}
	return b.Objects
}

func previewWriter(b *backend) storage.Writer {
	if b.Objects == nil {
		return nil
	}
	return b.Objects
}
