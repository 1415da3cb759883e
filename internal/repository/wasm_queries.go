package repository

import (
	"context"
	"fmt"

	"wasmscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// GetContract returns one contract row, or nil when the address is unknown.
func (r *Repository) GetContract(ctx context.Context, address string) (*models.Contract, error) {
	var c models.Contract
	err := r.db.QueryRow(ctx, `
		SELECT address, code_id, instantiated_at_block, instantiated_at_time_unix_ms, created_at, updated_at
		FROM raw.contracts WHERE address = $1
	`, address).Scan(&c.Address, &c.CodeID, &c.InstantiatedAtBlock, &c.InstantiatedAtTimeUnixMs, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract %s: %w", address, err)
	}
	return &c, nil
}

// ContractsByAddresses loads contract rows keyed by address.
func (r *Repository) ContractsByAddresses(ctx context.Context, addresses []string) (map[string]*models.Contract, error) {
	if len(addresses) == 0 {
		return map[string]*models.Contract{}, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT address, code_id, instantiated_at_block, instantiated_at_time_unix_ms, created_at, updated_at
		FROM raw.contracts WHERE address = ANY($1)
	`, addresses)
	if err != nil {
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Contract, len(addresses))
	for rows.Next() {
		var c models.Contract
		if err := rows.Scan(&c.Address, &c.CodeID, &c.InstantiatedAtBlock, &c.InstantiatedAtTimeUnixMs, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		out[c.Address] = &c
	}
	return out, rows.Err()
}

// ListContracts pages contract rows by instantiation height, newest first.
func (r *Repository) ListContracts(ctx context.Context, limit, offset int) ([]models.Contract, error) {
	rows, err := r.db.Query(ctx, `
		SELECT address, code_id, instantiated_at_block, instantiated_at_time_unix_ms, created_at, updated_at
		FROM raw.contracts
		ORDER BY instantiated_at_block DESC, address
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var out []models.Contract
	for rows.Next() {
		var c models.Contract
		if err := rows.Scan(&c.Address, &c.CodeID, &c.InstantiatedAtBlock, &c.InstantiatedAtTimeUnixMs, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanEvent(rows pgx.Rows) (models.WasmEvent, error) {
	var e models.WasmEvent
	var value *string
	var valueJSON []byte
	if err := rows.Scan(&e.ID, &e.BlockHeight, &e.ContractAddress, &e.Key, &value, &valueJSON, &e.Deleted, &e.BlockTimeUnixMs, &e.CreatedAt); err != nil {
		return e, err
	}
	if value != nil {
		e.Value = *value
	}
	if len(valueJSON) > 0 {
		e.ValueJSON = valueJSON
	}
	return e, nil
}

const eventColumns = `id, block_height, contract_address, key, value, value_json, deleted, block_time_unix_ms, created_at`

// LatestEventAt returns the newest event row at or before the given height
// for (contract, key), or nil when the key has never been written.
func (r *Repository) LatestEventAt(ctx context.Context, contract, key string, height uint64) (*models.WasmEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM raw.wasm_events
		WHERE contract_address = $1 AND key = $2 AND block_height <= $3
		ORDER BY block_height DESC
		LIMIT 1
	`, contract, key, height)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest event: %w", err)
	}
	return &e, nil
}

// EventsByPrefixAt returns, for every key under the canonical prefix, the
// newest row at or before the given height. Keys whose newest row is a
// tombstone are omitted.
func (r *Repository) EventsByPrefixAt(ctx context.Context, contract, prefix string, height uint64) ([]models.WasmEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM (
			SELECT DISTINCT ON (key) `+eventColumns+`
			FROM raw.wasm_events
			WHERE contract_address = $1 AND key LIKE $2 || '%' AND block_height <= $3
			ORDER BY key, block_height DESC
		) latest
		WHERE NOT deleted
		ORDER BY key
	`, contract, prefix, height)
	if err != nil {
		return nil, fmt.Errorf("failed to read events by prefix: %w", err)
	}
	defer rows.Close()

	var out []models.WasmEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prefix event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FirstSetAt returns the earliest non-delete event for (contract, key), or
// nil when the key was never set.
func (r *Repository) FirstSetAt(ctx context.Context, contract, key string) (*models.WasmEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM raw.wasm_events
		WHERE contract_address = $1 AND key = $2 AND NOT deleted
		ORDER BY block_height ASC
		LIMIT 1
	`, contract, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read first set: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan first set: %w", err)
	}
	return &e, nil
}

// PreviousEventValue returns the newest event strictly below the given block
// for (contract, key), or nil when none exists.
func (r *Repository) PreviousEventValue(ctx context.Context, contract, key string, beforeHeight uint64) (*models.WasmEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM raw.wasm_events
		WHERE contract_address = $1 AND key = $2 AND block_height < $3
		ORDER BY block_height DESC
		LIMIT 1
	`, contract, key, beforeHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to read previous event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan previous event: %w", err)
	}
	return &e, nil
}

// EventsByContract pages a contract's raw events, newest first.
func (r *Repository) EventsByContract(ctx context.Context, contract string, limit, offset int) ([]models.WasmEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM raw.wasm_events
		WHERE contract_address = $1
		ORDER BY block_height DESC, key
		LIMIT $2 OFFSET $3
	`, contract, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contract events: %w", err)
	}
	defer rows.Close()

	var out []models.WasmEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ContractHasEvents reports whether any event row exists for the address.
func (r *Repository) ContractHasEvents(ctx context.Context, contract string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM raw.wasm_events WHERE contract_address = $1)
	`, contract).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check contract events: %w", err)
	}
	return exists, nil
}

// EarliestEventHeight returns the first block carrying an event for the
// address. ok is false when the contract has no events at all; MIN over an
// empty set yields one NULL row, hence the nullable scan.
func (r *Repository) EarliestEventHeight(ctx context.Context, contract string) (uint64, bool, error) {
	var h *int64
	err := r.db.QueryRow(ctx, `
		SELECT MIN(block_height) FROM raw.wasm_events WHERE contract_address = $1
	`, contract).Scan(&h)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read earliest event height: %w", err)
	}
	if h == nil {
		return 0, false, nil
	}
	return uint64(*h), true, nil
}

// BlockAt returns the newest block row at or before the given height, or nil
// before the first ingested block.
func (r *Repository) BlockAt(ctx context.Context, height uint64) (*models.Block, error) {
	var b models.Block
	err := r.db.QueryRow(ctx, `
		SELECT height, time_unix_ms, created_at
		FROM raw.blocks
		WHERE height <= $1
		ORDER BY height DESC
		LIMIT 1
	`, height).Scan(&b.Height, &b.TimeUnixMs, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block at %d: %w", height, err)
	}
	return &b, nil
}

// LatestRelevantHeight returns the newest block height at or below atBlock
// where any event matches the dependency set. ok is false when no dependency
// has ever been written up to that block.
func (r *Repository) LatestRelevantHeight(ctx context.Context, deps []models.ComputationDependency, atBlock uint64) (uint64, bool, error) {
	if len(deps) == 0 {
		return 0, false, nil
	}

	contracts := make([]string, len(deps))
	depKeys := make([]string, len(deps))
	isPrefix := make([]bool, len(deps))
	for i, d := range deps {
		contracts[i] = d.ContractAddress
		depKeys[i] = d.Key
		isPrefix[i] = d.IsPrefix
	}

	var h *int64
	err := r.db.QueryRow(ctx, `
		SELECT MAX(e.block_height)
		FROM raw.wasm_events e
		JOIN UNNEST(
			$1::text[], -- contract_address
			$2::text[], -- key
			$3::bool[]  -- is_prefix
		) AS d(contract_address, key, is_prefix)
			ON e.contract_address = d.contract_address
			AND ((NOT d.is_prefix AND e.key = d.key) OR (d.is_prefix AND e.key LIKE d.key || '%'))
		WHERE e.block_height <= $4
	`, contracts, depKeys, isPrefix, atBlock).Scan(&h)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest relevant height: %w", err)
	}
	if h == nil {
		return 0, false, nil
	}
	return uint64(*h), true, nil
}

// RelevantHeights returns the distinct block heights in (fromExclusive, to]
// where any event matches the dependency set. Point dependencies match keys
// exactly; prefix dependencies match canonical prefixes.
func (r *Repository) RelevantHeights(ctx context.Context, deps []models.ComputationDependency, fromExclusive, to uint64) ([]uint64, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	contracts := make([]string, len(deps))
	depKeys := make([]string, len(deps))
	isPrefix := make([]bool, len(deps))
	for i, d := range deps {
		contracts[i] = d.ContractAddress
		depKeys[i] = d.Key
		isPrefix[i] = d.IsPrefix
	}

	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT e.block_height
		FROM raw.wasm_events e
		JOIN UNNEST(
			$1::text[], -- contract_address
			$2::text[], -- key
			$3::bool[]  -- is_prefix
		) AS d(contract_address, key, is_prefix)
			ON e.contract_address = d.contract_address
			AND ((NOT d.is_prefix AND e.key = d.key) OR (d.is_prefix AND e.key LIKE d.key || '%'))
		WHERE e.block_height > $4 AND e.block_height <= $5
		ORDER BY e.block_height
	`, contracts, depKeys, isPrefix, fromExclusive, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query relevant heights: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var h uint64
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan relevant height: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
