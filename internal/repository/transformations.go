package repository

import (
	"context"
	"fmt"

	"wasmscan/internal/models"
)

// UpsertTransformations bulk-upserts derived rows. A conflict on
// (block_height, contract_address, name) keeps the latest value. The input
// must already be collapsed per tuple. Returns rows with IDs filled in.
func (r *Repository) UpsertTransformations(ctx context.Context, ts []models.WasmEventTransformation) ([]models.WasmEventTransformation, error) {
	if len(ts) == 0 {
		return nil, nil
	}

	heights := make([]int64, len(ts))
	addresses := make([]string, len(ts))
	names := make([]string, len(ts))
	values := make([]*string, len(ts))
	blockTimes := make([]int64, len(ts))
	for i, t := range ts {
		heights[i] = int64(t.BlockHeight)
		addresses[i] = sanitizeForPG(t.ContractAddress)
		names[i] = sanitizeForPG(t.Name)
		values[i] = sanitizeJSONB(t.Value)
		blockTimes[i] = int64(t.BlockTimeUnixMs)
	}

	rows, err := r.db.Query(ctx, `
		INSERT INTO app.wasm_event_transformations (block_height, contract_address, name, value, block_time_unix_ms)
		SELECT
			u.block_height,
			u.contract_address,
			u.name,
			u.value::jsonb,
			u.block_time_unix_ms
		FROM UNNEST(
			$1::bigint[], -- block_height
			$2::text[],   -- contract_address
			$3::text[],   -- name
			$4::text[],   -- value
			$5::bigint[]  -- block_time_unix_ms
		) AS u(block_height, contract_address, name, value, block_time_unix_ms)
		ON CONFLICT (block_height, contract_address, name) DO UPDATE SET
			value = EXCLUDED.value
		RETURNING id, block_height, contract_address, name
	`, heights, addresses, names, values, blockTimes)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk upsert transformations: %w", err)
	}

	type rowKey struct {
		height  uint64
		address string
		name    string
	}
	ids := make(map[rowKey]int64, len(ts))
	for rows.Next() {
		var id, height int64
		var address, name string
		if err := rows.Scan(&id, &height, &address, &name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan upserted transformation: %w", err)
		}
		ids[rowKey{uint64(height), address, name}] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading upserted transformations: %w", err)
	}

	out := make([]models.WasmEventTransformation, len(ts))
	for i, t := range ts {
		t.ID = ids[rowKey{t.BlockHeight, t.ContractAddress, t.Name}]
		out[i] = t
	}
	return out, nil
}

// TransformationsByContract pages derived rows for one contract, newest
// first.
func (r *Repository) TransformationsByContract(ctx context.Context, contract string, limit, offset int) ([]models.WasmEventTransformation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, block_height, contract_address, name, value, block_time_unix_ms, created_at
		FROM app.wasm_event_transformations
		WHERE contract_address = $1
		ORDER BY block_height DESC, name
		LIMIT $2 OFFSET $3
	`, contract, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transformations: %w", err)
	}
	defer rows.Close()

	var out []models.WasmEventTransformation
	for rows.Next() {
		var t models.WasmEventTransformation
		var value []byte
		if err := rows.Scan(&t.ID, &t.BlockHeight, &t.ContractAddress, &t.Name, &value, &t.BlockTimeUnixMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transformation: %w", err)
		}
		if len(value) > 0 {
			t.Value = value
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
