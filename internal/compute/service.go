// Package compute is the read-through layer between the API and the formula
// runtime: a query first consults the computation cache, and only on a miss
// evaluates the formula and stores the result with its dependency set. It also
// owns cache invalidation, which the ingestion pipeline calls once per flush.
package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"wasmscan/internal/formula"
	"wasmscan/internal/metrics"
	"wasmscan/internal/models"
	"wasmscan/internal/repository"
)

var (
	// ErrUnknownFormula aliases the runtime sentinel so callers match one error.
	ErrUnknownFormula = formula.ErrUnknownFormula

	// ErrContractNotFound is returned when the target address has never been
	// seen on the stream.
	ErrContractNotFound = errors.New("contract not found")

	// ErrNoEvents is returned when the contract is known but carries no
	// event rows to evaluate against.
	ErrNoEvents = errors.New("contract has no events")

	// ErrNotYetIndexed is returned when the requested block is above the
	// pipeline's latest indexed block.
	ErrNotYetIndexed = errors.New("block not yet indexed")
)

// Store is the repository surface the service needs. The formula runtime's
// reads come through the same store.
type Store interface {
	formula.StateReader

	GetState(ctx context.Context) (*models.State, error)
	ContractHasEvents(ctx context.Context, contract string) (bool, error)
	GetComputationAt(ctx context.Context, formula, contract, argsHash string, atBlock uint64) (*models.Computation, error)
	CreateFromComputationOutputs(ctx context.Context, formula, contract, argsHash string, args []byte, outputs []models.Computation, deps []models.ComputationDependency) error
	LatestRelevantHeight(ctx context.Context, deps []models.ComputationDependency, atBlock uint64) (uint64, bool, error)
	UpdateComputationValidityDependentOnChanges(ctx context.Context, changes []repository.ChangeKey) (updated, destroyed int64, err error)
}

// Result is one resolved query.
type Result struct {
	// Output is the formula's canonical JSON output.
	Output string `json:"output"`
	// AtBlock is the block the query was pinned to.
	AtBlock uint64 `json:"at_block"`
	// Cached reports whether the cache already covered the block.
	Cached bool `json:"cached"`
}

// Service evaluates formulas through the computation cache.
type Service struct {
	store    Store
	registry *formula.Registry
	log      zerolog.Logger
}

func New(store Store, registry *formula.Registry, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		log:      log.With().Str("component", "compute").Logger(),
	}
}

// Registry exposes the formula registry, for listing formula names.
func (s *Service) Registry() *formula.Registry { return s.registry }

// resolveBlock pins a query to a block: the caller's explicit block, or the
// latest indexed block when atBlock is nil. Either way the pin must not exceed
// what the pipeline has flushed.
func (s *Service) resolveBlock(ctx context.Context, atBlock *uint64) (uint64, error) {
	state, err := s.store.GetState(ctx)
	if err != nil {
		return 0, err
	}
	if atBlock == nil {
		return state.LatestBlockHeight, nil
	}
	if *atBlock > state.LatestBlockHeight {
		return 0, fmt.Errorf("%w: %d > %d", ErrNotYetIndexed, *atBlock, state.LatestBlockHeight)
	}
	return *atBlock, nil
}

// checkContract verifies the target is known and has event rows.
func (s *Service) checkContract(ctx context.Context, contract string) error {
	c, err := s.store.GetContract(ctx, contract)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrContractNotFound, contract)
	}
	has, err := s.store.ContractHasEvents(ctx, contract)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrNoEvents, contract)
	}
	return nil
}

// Query evaluates one formula at a block, read-through. A cache row covering
// the block answers directly; otherwise the formula runs and the result is
// stored as [v, atBlock] where v is the newest dependency-matching height at
// or below the pin, so the whole unchanged span is covered, not just atBlock.
func (s *Service) Query(ctx context.Context, name, contract string, args formula.Args, atBlock *uint64) (*Result, error) {
	if !s.registry.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormula, name)
	}

	block, err := s.resolveBlock(ctx, atBlock)
	if err != nil {
		return nil, err
	}
	argsHash := args.Canonical()

	if cached, err := s.store.GetComputationAt(ctx, name, contract, argsHash, block); err != nil {
		return nil, err
	} else if cached != nil {
		return &Result{Output: cached.Output, AtBlock: block, Cached: true}, nil
	}

	if err := s.checkContract(ctx, contract); err != nil {
		return nil, err
	}

	output, deps, err := s.registry.Evaluate(ctx, s.store, name, contract, args, block)
	if err != nil {
		return nil, err
	}

	// Anchor the row at the newest write any dependency saw. No dependency
	// event below the pin means the output has held since genesis.
	valid, found, err := s.store.LatestRelevantHeight(ctx, deps, block)
	if err != nil {
		return nil, err
	}
	if !found {
		valid = 0
	}

	row := models.Computation{BlockHeightValid: valid, BlockHeightLatest: block, Output: output}
	if err := s.store.CreateFromComputationOutputs(ctx, name, contract, argsHash, []byte(argsHash), []models.Computation{row}, deps); err != nil {
		// The answer is still correct; losing the cache write only costs a
		// recomputation later.
		s.log.Warn().Err(err).Str("formula", name).Str("contract", contract).Msg("failed to store computation")
	}

	return &Result{Output: output, AtBlock: block, Cached: false}, nil
}

// QueryRange evaluates a formula over [from, to] and returns the coalesced
// output intervals, storing them in the cache. to = 0 means the latest
// indexed block.
func (s *Service) QueryRange(ctx context.Context, name, contract string, args formula.Args, from, to uint64) ([]formula.RangeOutput, error) {
	if !s.registry.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormula, name)
	}

	state, err := s.store.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if to == 0 {
		to = state.LatestBlockHeight
	}
	if to > state.LatestBlockHeight {
		return nil, fmt.Errorf("%w: %d > %d", ErrNotYetIndexed, to, state.LatestBlockHeight)
	}
	if from > to {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	if err := s.checkContract(ctx, contract); err != nil {
		return nil, err
	}

	outputs, deps, err := s.registry.ComputeRange(ctx, s.store, name, contract, args, from, to)
	if err != nil {
		return nil, err
	}

	argsHash := args.Canonical()
	rows := make([]models.Computation, len(outputs))
	for i, out := range outputs {
		rows[i] = models.Computation{
			BlockHeightValid:  out.BlockValid,
			BlockHeightLatest: out.BlockLatest,
			Output:            out.Output,
		}
	}
	if err := s.store.CreateFromComputationOutputs(ctx, name, contract, argsHash, []byte(argsHash), rows, deps); err != nil {
		s.log.Warn().Err(err).Str("formula", name).Str("contract", contract).Msg("failed to store range computations")
	}
	return outputs, nil
}

// Invalidate narrows or destroys cached computations whose dependencies
// intersect the flush's change set. Called by the pipeline once per flush,
// after events land and before the checkpoint advances.
func (s *Service) Invalidate(ctx context.Context, changes []repository.ChangeKey) (updated, destroyed int64, err error) {
	if len(changes) == 0 {
		return 0, 0, nil
	}
	updated, destroyed, err = s.store.UpdateComputationValidityDependentOnChanges(ctx, changes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to invalidate computations: %w", err)
	}
	metrics.ComputationsUpdated.Add(float64(updated))
	metrics.ComputationsDestroyed.Add(float64(destroyed))
	if updated > 0 || destroyed > 0 {
		s.log.Debug().
			Int("changes", len(changes)).
			Int64("truncated", updated).
			Int64("destroyed", destroyed).
			Msg("invalidated cached computations")
	}
	return updated, destroyed, nil
}
