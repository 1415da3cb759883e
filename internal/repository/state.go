package repository

import (
	"context"
	"fmt"
	"time"

	"wasmscan/internal/models"
)

// GetState reads the singleton pipeline state row.
func (r *Repository) GetState(ctx context.Context) (*models.State, error) {
	var s models.State
	err := r.db.QueryRow(ctx, `
		SELECT last_wasm_block_height_exported, latest_block_height, latest_block_time_unix_ms, updated_at
		FROM app.state WHERE id = 1
	`).Scan(&s.LastWasmBlockHeightExported, &s.LatestBlockHeight, &s.LatestBlockTimeUnixMs, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return &s, nil
}

// AdvanceState raises the checkpoint and latest-block fields. GREATEST keeps
// every field monotonic: a replayed or out-of-order flush can never move a
// checkpoint backwards.
func (r *Repository) AdvanceState(ctx context.Context, exportedHeight, latestHeight, latestTimeUnixMs uint64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.state SET
			last_wasm_block_height_exported = GREATEST(last_wasm_block_height_exported, $1),
			latest_block_height = GREATEST(latest_block_height, $2),
			latest_block_time_unix_ms = GREATEST(latest_block_time_unix_ms, $3),
			updated_at = $4
		WHERE id = 1`,
		exportedHeight, latestHeight, latestTimeUnixMs, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance state: %w", err)
	}
	return nil
}

// ResetExportedHeight force-sets the export checkpoint, bypassing the
// monotonic rule. Operator tooling only.
func (r *Repository) ResetExportedHeight(ctx context.Context, height uint64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.state SET last_wasm_block_height_exported = $1, updated_at = $2 WHERE id = 1`,
		height, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to reset exported height: %w", err)
	}
	return nil
}
