// Package formula implements the block-pinned formula runtime: named,
// deterministic functions of contract state evaluated through a read-through
// environment that records every key-level dependency. The recorded set is
// what lets the computation cache invalidate precisely when state changes.
package formula

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"wasmscan/internal/metrics"
	"wasmscan/internal/models"
)

// ErrUnknownFormula is returned when a name has no registered formula.
var ErrUnknownFormula = errors.New("unknown formula")

// Args is the string->string argument mapping of one evaluation.
type Args map[string]string

// Require returns the named argument or an error naming it.
func (a Args) Require(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	return v, nil
}

// Canonical renders args as key-sorted JSON. It is the args_hash component of
// a computation identity; two semantically equal arg sets always canonicalize
// to the same string.
func (a Args) Canonical() string {
	if len(a) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string(a)) // map keys marshal sorted
	return string(b)
}

// Func is a formula body. It reads contract state only through the
// environment and must be a pure function of (env, args).
type Func func(ctx context.Context, env *Env, args Args) (interface{}, error)

// Formula is one registered formula.
type Formula struct {
	Name string
	Fn   Func
}

// StateReader is the slice of the repository the runtime reads through.
type StateReader interface {
	LatestEventAt(ctx context.Context, contract, key string, height uint64) (*models.WasmEvent, error)
	EventsByPrefixAt(ctx context.Context, contract, prefix string, height uint64) ([]models.WasmEvent, error)
	FirstSetAt(ctx context.Context, contract, key string) (*models.WasmEvent, error)
	GetContract(ctx context.Context, address string) (*models.Contract, error)
	BlockAt(ctx context.Context, height uint64) (*models.Block, error)
	RelevantHeights(ctx context.Context, deps []models.ComputationDependency, fromExclusive, to uint64) ([]uint64, error)
}

// Registry maps formula names to implementations.
type Registry struct {
	chainID  string
	formulas map[string]Formula
}

// NewRegistry creates a registry with the built-in formula set.
func NewRegistry(chainID string) *Registry {
	r := &Registry{chainID: chainID, formulas: map[string]Formula{}}
	for _, f := range builtins() {
		r.Register(f)
	}
	return r
}

// Register adds or replaces a formula.
func (r *Registry) Register(f Formula) {
	r.formulas[f.Name] = f
}

// Has reports whether a formula name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.formulas[name]
	return ok
}

// Names lists registered formulas, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.formulas))
	for name := range r.formulas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs one formula pinned to a block and returns its canonical JSON
// output together with the dependency set accumulated during the run. The
// dependency set transits nested Compute calls because the accumulator lives
// on the environment, not on any single formula frame.
func (r *Registry) Evaluate(ctx context.Context, reader StateReader, name, contract string, args Args, height uint64) (string, []models.ComputationDependency, error) {
	f, ok := r.formulas[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownFormula, name)
	}

	env, err := r.newEnv(ctx, reader, contract, height)
	if err != nil {
		return "", nil, err
	}

	out, err := f.Fn(ctx, env, args)
	if err != nil {
		metrics.FormulaEvaluations.WithLabelValues(name, "error").Inc()
		return "", nil, fmt.Errorf("formula %s: %w", name, err)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		metrics.FormulaEvaluations.WithLabelValues(name, "error").Inc()
		return "", nil, fmt.Errorf("formula %s: output not serializable: %w", name, err)
	}
	metrics.FormulaEvaluations.WithLabelValues(name, "ok").Inc()
	return string(encoded), env.deps.List(), nil
}

// RangeOutput is one coalesced interval of a range evaluation: Output held
// for every block in [BlockValid, BlockLatest].
type RangeOutput struct {
	BlockValid  uint64 `json:"block_valid"`
	BlockLatest uint64 `json:"block_latest"`
	Output      string `json:"output"`
}

// ComputeRange evaluates a formula at every block in [from, to] where its
// state could have changed. The first evaluation at `from` discovers the
// dependency set; only heights carrying a matching event are evaluated after
// that, and adjacent equal outputs collapse into one interval. Dependencies
// discovered by later evaluations extend the height walk over the remaining
// range, so intervals always agree with fresh evaluation at any covered
// block. The returned dependency set is the union over all evaluations.
func (r *Registry) ComputeRange(ctx context.Context, reader StateReader, name, contract string, args Args, from, to uint64) ([]RangeOutput, []models.ComputationDependency, error) {
	if from > to {
		return nil, nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	f, ok := r.formulas[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownFormula, name)
	}

	deps := newDepSet()
	evalAt := func(h uint64) (string, error) {
		env, err := r.newEnvWith(ctx, reader, contract, h, deps)
		if err != nil {
			return "", err
		}
		out, err := f.Fn(ctx, env, args)
		if err != nil {
			metrics.FormulaEvaluations.WithLabelValues(name, "error").Inc()
			return "", fmt.Errorf("formula %s at %d: %w", name, h, err)
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("formula %s at %d: output not serializable: %w", name, h, err)
		}
		metrics.FormulaEvaluations.WithLabelValues(name, "ok").Inc()
		return string(encoded), nil
	}

	first, err := evalAt(from)
	if err != nil {
		return nil, nil, err
	}

	heights, err := reader.RelevantHeights(ctx, deps.List(), from, to)
	if err != nil {
		return nil, nil, err
	}
	known := len(deps.order)

	outputs := []RangeOutput{{BlockValid: from, BlockLatest: to, Output: first}}
	for i := 0; i < len(heights); i++ {
		h := heights[i]
		out, err := evalAt(h)
		if err != nil {
			return nil, nil, err
		}
		// The read set can grow mid-range (e.g. a contract_info dispatch
		// switching staking models). Heights carrying writes to the new
		// dependencies must join the remaining walk, or intervals after h
		// would miss their changes.
		if len(deps.order) > known {
			extra, err := reader.RelevantHeights(ctx, deps.order[known:], h, to)
			if err != nil {
				return nil, nil, err
			}
			heights = mergeHeights(heights, i, extra)
			known = len(deps.order)
		}
		last := &outputs[len(outputs)-1]
		if out == last.Output {
			continue // state changed but the projected output did not
		}
		last.BlockLatest = h - 1
		outputs = append(outputs, RangeOutput{BlockValid: h, BlockLatest: to, Output: out})
	}
	return outputs, deps.List(), nil
}

// mergeHeights folds extra (ascending, all greater than heights[i]) into the
// tail of heights after position i, keeping the whole ascending and unique.
func mergeHeights(heights []uint64, i int, extra []uint64) []uint64 {
	rest := heights[i+1:]
	merged := make([]uint64, 0, len(rest)+len(extra))
	a, b := 0, 0
	for a < len(rest) || b < len(extra) {
		switch {
		case a == len(rest):
			merged = append(merged, extra[b])
			b++
		case b == len(extra):
			merged = append(merged, rest[a])
			a++
		case rest[a] < extra[b]:
			merged = append(merged, rest[a])
			a++
		case rest[a] > extra[b]:
			merged = append(merged, extra[b])
			b++
		default:
			merged = append(merged, rest[a])
			a++
			b++
		}
	}
	return append(heights[:i+1], merged...)
}
