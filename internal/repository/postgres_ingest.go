package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"wasmscan/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
)

// sanitizeForPG removes PostgreSQL-incompatible bytes from strings:
// null bytes (\x00 / NUL) and invalid UTF-8 sequences.
func sanitizeForPG(s string) string {
	s = strings.ReplaceAll(s, "\\u0000", "")
	s = strings.ReplaceAll(s, "\\U0000", "")
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// sanitizeJSONB sanitizes a json.RawMessage for PostgreSQL JSONB insertion.
// Removes null bytes and invalid UTF-8, then validates JSON. Returns nil if invalid/empty.
func sanitizeJSONB(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := sanitizeForPG(string(raw))
	if !json.Valid([]byte(s)) {
		return nil
	}
	return &s
}

// isTransientTxError reports whether the error is a serialization failure or
// deadlock that a retry can resolve.
func isTransientTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

const contractUpsertRetries = 3

// UpsertBlocks bulk-upserts the distinct blocks of a flush.
func (r *Repository) UpsertBlocks(ctx context.Context, blocks []models.Block) error {
	if len(blocks) == 0 {
		return nil
	}

	heights := make([]int64, len(blocks))
	times := make([]int64, len(blocks))
	for i, b := range blocks {
		heights[i] = int64(b.Height)
		times[i] = int64(b.TimeUnixMs)
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO raw.blocks (height, time_unix_ms)
		SELECT u.height, u.time_unix_ms
		FROM UNNEST(
			$1::bigint[], -- height
			$2::bigint[]  -- time_unix_ms
		) AS u(height, time_unix_ms)
		ON CONFLICT (height) DO UPDATE SET
			time_unix_ms = EXCLUDED.time_unix_ms
	`, heights, times)
	if err != nil {
		return fmt.Errorf("failed to bulk upsert blocks: %w", err)
	}
	return nil
}

// UpsertContracts bulk-upserts contract rows. Conflicts update code_id only;
// the instantiated_at columns are insert-only so they keep the earliest
// observed event. Retries the whole statement on deadlock/serialization
// failures before giving up.
func (r *Repository) UpsertContracts(ctx context.Context, contracts []models.Contract) error {
	if len(contracts) == 0 {
		return nil
	}

	addresses := make([]string, len(contracts))
	codeIDs := make([]int64, len(contracts))
	instBlocks := make([]int64, len(contracts))
	instTimes := make([]int64, len(contracts))
	for i, c := range contracts {
		addresses[i] = sanitizeForPG(c.Address)
		codeIDs[i] = int64(c.CodeID)
		instBlocks[i] = int64(c.InstantiatedAtBlock)
		instTimes[i] = int64(c.InstantiatedAtTimeUnixMs)
	}

	var lastErr error
	for attempt := 0; attempt < contractUpsertRetries; attempt++ {
		if attempt > 0 {
			// Deadlocks under concurrent upsert resolve on a short, jittered
			// backoff.
			time.Sleep(time.Duration(50*attempt+rand.Intn(50)) * time.Millisecond)
		}

		_, err := r.db.Exec(ctx, `
			INSERT INTO raw.contracts (address, code_id, instantiated_at_block, instantiated_at_time_unix_ms)
			SELECT u.address, u.code_id, u.instantiated_at_block, u.instantiated_at_time_unix_ms
			FROM UNNEST(
				$1::text[],   -- address
				$2::bigint[], -- code_id
				$3::bigint[], -- instantiated_at_block
				$4::bigint[]  -- instantiated_at_time_unix_ms
			) AS u(address, code_id, instantiated_at_block, instantiated_at_time_unix_ms)
			ON CONFLICT (address) DO UPDATE SET
				code_id = EXCLUDED.code_id,
				updated_at = now()
		`, addresses, codeIDs, instBlocks, instTimes)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientTxError(err) {
			return fmt.Errorf("failed to upsert contracts: %w", err)
		}
	}
	return fmt.Errorf("failed to upsert contracts after %d attempts: %w", contractUpsertRetries, lastErr)
}

// UpsertEvents bulk-upserts event rows. A conflict on
// (block_height, contract_address, key) replaces value, value_json and
// deleted, which makes stream replays idempotent. The returned rows carry
// their row IDs and joined contract.
func (r *Repository) UpsertEvents(ctx context.Context, events []models.WasmEvent) ([]models.WasmEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	heights := make([]int64, len(events))
	addresses := make([]string, len(events))
	eventKeys := make([]string, len(events))
	values := make([]*string, len(events))
	valueJSONs := make([]*string, len(events))
	deleted := make([]bool, len(events))
	blockTimes := make([]int64, len(events))

	for i, e := range events {
		heights[i] = int64(e.BlockHeight)
		addresses[i] = sanitizeForPG(e.ContractAddress)
		eventKeys[i] = e.Key
		if !e.Deleted {
			v := sanitizeForPG(e.Value)
			values[i] = &v
		}
		valueJSONs[i] = sanitizeJSONB(e.ValueJSON)
		deleted[i] = e.Deleted
		blockTimes[i] = int64(e.BlockTimeUnixMs)
	}

	rows, err := r.db.Query(ctx, `
		INSERT INTO raw.wasm_events (block_height, contract_address, key, value, value_json, deleted, block_time_unix_ms)
		SELECT
			u.block_height,
			u.contract_address,
			u.key,
			u.value,
			u.value_json::jsonb,
			u.deleted,
			u.block_time_unix_ms
		FROM UNNEST(
			$1::bigint[], -- block_height
			$2::text[],   -- contract_address
			$3::text[],   -- key
			$4::text[],   -- value
			$5::text[],   -- value_json
			$6::bool[],   -- deleted
			$7::bigint[]  -- block_time_unix_ms
		) AS u(block_height, contract_address, key, value, value_json, deleted, block_time_unix_ms)
		ON CONFLICT (block_height, contract_address, key) DO UPDATE SET
			value = EXCLUDED.value,
			value_json = EXCLUDED.value_json,
			deleted = EXCLUDED.deleted
		RETURNING id, block_height, contract_address, key
	`, heights, addresses, eventKeys, values, valueJSONs, deleted, blockTimes)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk upsert events: %w", err)
	}

	type rowKey struct {
		height  uint64
		address string
		key     string
	}
	ids := make(map[rowKey]int64, len(events))
	for rows.Next() {
		var id int64
		var height int64
		var address, key string
		if err := rows.Scan(&id, &height, &address, &key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan upserted event: %w", err)
		}
		ids[rowKey{uint64(height), address, key}] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading upserted events: %w", err)
	}

	uniqueAddrs := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, ok := seen[e.ContractAddress]; ok {
			continue
		}
		seen[e.ContractAddress] = struct{}{}
		uniqueAddrs = append(uniqueAddrs, e.ContractAddress)
	}
	contracts, err := r.ContractsByAddresses(ctx, uniqueAddrs)
	if err != nil {
		return nil, err
	}

	out := make([]models.WasmEvent, len(events))
	for i, e := range events {
		e.ID = ids[rowKey{e.BlockHeight, e.ContractAddress, e.Key}]
		e.Contract = contracts[e.ContractAddress]
		out[i] = e
	}
	return out, nil
}
