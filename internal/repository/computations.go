package repository

import (
	"context"
	"fmt"

	"wasmscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// ChangeKey is one state change of a flush, used to intersect the dependency
// index. Key is either a canonical event key or a transformation name.
type ChangeKey struct {
	ContractAddress string
	Key             string
	BlockHeight     uint64
}

const computationColumns = `id, formula, target_contract, args_hash, args, block_height_valid, block_height_latest, output, created_at, updated_at`

func scanComputation(rows pgx.Rows) (models.Computation, error) {
	var c models.Computation
	var args []byte
	if err := rows.Scan(&c.ID, &c.Formula, &c.TargetContract, &c.ArgsHash, &args, &c.BlockHeightValid, &c.BlockHeightLatest, &c.Output, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.Args = args
	return c, nil
}

// GetComputationAt returns the cached row whose range covers atBlock, or nil.
func (r *Repository) GetComputationAt(ctx context.Context, formula, contract, argsHash string, atBlock uint64) (*models.Computation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+computationColumns+`
		FROM app.computations
		WHERE formula = $1 AND target_contract = $2 AND args_hash = $3
		  AND block_height_valid <= $4 AND block_height_latest >= $4
		LIMIT 1
	`, formula, contract, argsHash, atBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to get computation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanComputation(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan computation: %w", err)
	}
	return &c, nil
}

// ComputationsForIdentity lists all cached ranges for one identity, ordered
// by valid height.
func (r *Repository) ComputationsForIdentity(ctx context.Context, formula, contract, argsHash string) ([]models.Computation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+computationColumns+`
		FROM app.computations
		WHERE formula = $1 AND target_contract = $2 AND args_hash = $3
		ORDER BY block_height_valid
	`, formula, contract, argsHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list computations: %w", err)
	}
	defer rows.Close()

	var out []models.Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan computation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateFromComputationOutputs stores the outputs of a range evaluation for
// one identity. Existing rows intersecting the new coverage are dropped
// (recomputable cache), a row ending exactly where the new coverage starts is
// extended when its output matches, and every surviving touched row gets the
// collapsed dependency union.
//
// The outputs must be disjoint, ascending, and contiguous over the evaluated
// range.
func (r *Repository) CreateFromComputationOutputs(ctx context.Context, formula, contract, argsHash string, args []byte, outputs []models.Computation, deps []models.ComputationDependency) error {
	if len(outputs) == 0 {
		return nil
	}
	from := outputs[0].BlockHeightValid
	to := outputs[len(outputs)-1].BlockHeightLatest

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Drop overlaps so the identity's ranges stay pairwise disjoint.
	_, err = tx.Exec(ctx, `
		DELETE FROM app.computations
		WHERE formula = $1 AND target_contract = $2 AND args_hash = $3
		  AND block_height_valid <= $5 AND block_height_latest >= $4
	`, formula, contract, argsHash, from, to)
	if err != nil {
		return fmt.Errorf("failed to clear overlapping computations: %w", err)
	}

	touched := make([]int64, 0, len(outputs))
	rest := outputs

	// Extend a leftward-adjacent row with equal output instead of inserting
	// a new anchor.
	if from > 0 {
		var id int64
		err = tx.QueryRow(ctx, `
			UPDATE app.computations
			SET block_height_latest = $5, updated_at = now()
			WHERE formula = $1 AND target_contract = $2 AND args_hash = $3
			  AND block_height_latest = $4 - 1 AND output = $6
			RETURNING id
		`, formula, contract, argsHash, from, outputs[0].BlockHeightLatest, outputs[0].Output).Scan(&id)
		switch err {
		case nil:
			touched = append(touched, id)
			rest = outputs[1:]
		case pgx.ErrNoRows:
			// No adjacent row; insert normally.
		default:
			return fmt.Errorf("failed to extend computation: %w", err)
		}
	}

	for _, out := range rest {
		var id int64
		err = tx.QueryRow(ctx, `
			INSERT INTO app.computations (formula, target_contract, args_hash, args, block_height_valid, block_height_latest, output)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (formula, target_contract, args_hash, block_height_valid) DO UPDATE SET
				block_height_latest = EXCLUDED.block_height_latest,
				output = EXCLUDED.output,
				updated_at = now()
			RETURNING id
		`, formula, contract, argsHash, args, out.BlockHeightValid, out.BlockHeightLatest, out.Output).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert computation: %w", err)
		}
		touched = append(touched, id)
	}

	if err := replaceDependenciesTx(ctx, tx, touched, deps); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func replaceDependenciesTx(ctx context.Context, tx pgx.Tx, computationIDs []int64, deps []models.ComputationDependency) error {
	if len(computationIDs) == 0 {
		return nil
	}

	_, err := tx.Exec(ctx, `
		DELETE FROM app.computation_dependencies WHERE computation_id = ANY($1)
	`, computationIDs)
	if err != nil {
		return fmt.Errorf("failed to clear dependencies: %w", err)
	}
	if len(deps) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(computationIDs)*len(deps))
	contracts := make([]string, 0, cap(ids))
	depKeys := make([]string, 0, cap(ids))
	isPrefix := make([]bool, 0, cap(ids))
	for _, cid := range computationIDs {
		for _, d := range deps {
			ids = append(ids, cid)
			contracts = append(contracts, d.ContractAddress)
			depKeys = append(depKeys, d.Key)
			isPrefix = append(isPrefix, d.IsPrefix)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO app.computation_dependencies (computation_id, contract_address, key, is_prefix)
		SELECT u.computation_id, u.contract_address, u.key, u.is_prefix
		FROM UNNEST(
			$1::bigint[], -- computation_id
			$2::text[],   -- contract_address
			$3::text[],   -- key
			$4::bool[]    -- is_prefix
		) AS u(computation_id, contract_address, key, is_prefix)
		ON CONFLICT DO NOTHING
	`, ids, contracts, depKeys, isPrefix)
	if err != nil {
		return fmt.Errorf("failed to insert dependencies: %w", err)
	}
	return nil
}

// UpdateComputationValidityDependentOnChanges intersects the flush's change
// set with the dependency index and narrows or destroys affected cached
// ranges. With hmin the lowest intersecting change height per computation:
// a change above the range is a no-op, a change at or below the valid bound
// destroys the row, anything else truncates the latest bound to hmin-1.
// Runs as a single statement so a flush applies the rule set atomically.
func (r *Repository) UpdateComputationValidityDependentOnChanges(ctx context.Context, changes []ChangeKey) (updated, destroyed int64, err error) {
	if len(changes) == 0 {
		return 0, 0, nil
	}

	contracts := make([]string, len(changes))
	changeKeys := make([]string, len(changes))
	heights := make([]int64, len(changes))
	for i, ch := range changes {
		contracts[i] = ch.ContractAddress
		changeKeys[i] = ch.Key
		heights[i] = int64(ch.BlockHeight)
	}

	err = r.db.QueryRow(ctx, `
		WITH changes AS (
			SELECT u.contract_address, u.key, u.block_height
			FROM UNNEST(
				$1::text[],  -- contract_address
				$2::text[],  -- key
				$3::bigint[] -- block_height
			) AS u(contract_address, key, block_height)
		),
		hits AS (
			SELECT d.computation_id, MIN(ch.block_height) AS hmin
			FROM app.computation_dependencies d
			JOIN changes ch
				ON d.contract_address = ch.contract_address
				AND ((NOT d.is_prefix AND d.key = ch.key) OR (d.is_prefix AND ch.key LIKE d.key || '%'))
			GROUP BY d.computation_id
		),
		destroyed AS (
			DELETE FROM app.computations c
			USING hits h
			WHERE c.id = h.computation_id AND h.hmin <= c.block_height_valid
			RETURNING c.id
		),
		truncated AS (
			UPDATE app.computations c
			SET block_height_latest = h.hmin - 1, updated_at = now()
			FROM hits h
			WHERE c.id = h.computation_id
			  AND h.hmin > c.block_height_valid
			  AND h.hmin <= c.block_height_latest
			RETURNING c.id
		)
		SELECT
			(SELECT count(*) FROM truncated),
			(SELECT count(*) FROM destroyed)
	`, contracts, changeKeys, heights).Scan(&updated, &destroyed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to update computation validity: %w", err)
	}
	return updated, destroyed, nil
}

// OverlappingComputations finds rows that violate range disjointness for
// their identity. Operator tooling; the write paths keep this empty.
func (r *Repository) OverlappingComputations(ctx context.Context) ([]models.Computation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+computationColumns+`
		FROM (
			SELECT *,
				LAG(block_height_latest) OVER (
					PARTITION BY formula, target_contract, args_hash
					ORDER BY block_height_valid
				) AS prev_latest
			FROM app.computations
		) w
		WHERE prev_latest IS NOT NULL AND block_height_valid <= prev_latest
		ORDER BY formula, target_contract, args_hash, block_height_valid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to find overlapping computations: %w", err)
	}
	defer rows.Close()

	var out []models.Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overlapping computation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteComputations removes rows by ID. Dependencies cascade.
func (r *Repository) DeleteComputations(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM app.computations WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete computations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountComputations reports the cache size.
func (r *Repository) CountComputations(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM app.computations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count computations: %w", err)
	}
	return n, nil
}
