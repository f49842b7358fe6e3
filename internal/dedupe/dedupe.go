// Package dedupe keeps a ledger of how often each ContentId has been produced
// by each pipeline.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Tracker records ContentIds in the process_dedupe table
type Tracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTracker creates a tracker and makes sure its table exists
func NewTracker(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := &Tracker{db: db, logger: logger.Named("dedupe")}

	if err := tracker.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

const createTable = `
	CREATE TABLE IF NOT EXISTS process_dedupe (
		content_id TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		pipeline_version INTEGER,
		first_seen_at TIMESTAMPTZ DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ DEFAULT NOW(),
		seen_count INTEGER DEFAULT 1,
		PRIMARY KEY (content_id, pipeline)
	)
`

const upsertSeen = `
	INSERT INTO process_dedupe (content_id, pipeline, pipeline_version, first_seen_at, last_seen_at, seen_count)
	VALUES ($1, $2, $3, NOW(), NOW(), 1)
	ON CONFLICT (content_id, pipeline) DO UPDATE
	SET last_seen_at = NOW(),
	    seen_count = process_dedupe.seen_count + 1,
	    pipeline_version = EXCLUDED.pipeline_version
	RETURNING seen_count
`

func (t *Tracker) ensureTable(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create process_dedupe table: %w", err)
	}
	t.logger.Debug("process_dedupe table ready")
	return nil
}

// Record records one ContentId and returns how often it has been seen
func (t *Tracker) Record(ctx context.Context, contentID string, pipeline string, pipelineVersion int) (int, error) {
	var seenCount int
	err := t.db.QueryRowContext(ctx, upsertSeen, contentID, pipeline, pipelineVersion).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record dedupe: %w", err)
	}
	return seenCount, nil
}

// RecordAll records every ContentId of a batch in one transaction and
// returns the highest seen count among them.
func (t *Tracker) RecordAll(ctx context.Context, contentIDs []string, pipeline string, pipelineVersion int) (int, error) {
	if len(contentIDs) == 0 {
		return 0, nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin dedupe: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSeen)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare dedupe: %w", err)
	}
	defer stmt.Close()

	maxSeen := 0
	for _, id := range contentIDs {
		var seen int
		if err := stmt.QueryRowContext(ctx, id, pipeline, pipelineVersion).Scan(&seen); err != nil {
			return 0, fmt.Errorf("failed to record dedupe for %s: %w", id, err)
		}
		if seen > maxSeen {
			maxSeen = seen
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit dedupe: %w", err)
	}
	if maxSeen > 1 {
		t.logger.Info("content ids seen before",
			zap.String("pipeline", pipeline),
			zap.Int("ids", len(contentIDs)),
			zap.Int("max_seen", maxSeen))
	}
	return maxSeen, nil
}

// GetSeenCount retrieves the seen count of a ContentId for a pipeline
func (t *Tracker) GetSeenCount(ctx context.Context, contentID, pipeline string) (int, error) {
	query := `SELECT seen_count FROM process_dedupe WHERE content_id = $1 AND pipeline = $2`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, contentID, pipeline).Scan(&seenCount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
