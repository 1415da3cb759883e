package formula

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"wasmscan/internal/keys"
	"wasmscan/internal/models"
)

// contractCacheSize bounds the shared contract-row cache. Contract rows are
// tiny and reads cluster on a handful of addresses per evaluation.
const contractCacheSize = 512

// depSet accumulates the (contract, key) reads of one evaluation. Point and
// prefix entries are kept apart so the same canonical string can appear as
// both without collapsing. order records first-insertion order so a range
// walk can see which dependencies a later evaluation added.
type depSet struct {
	m     map[string]models.ComputationDependency
	order []models.ComputationDependency
}

func newDepSet() *depSet {
	return &depSet{m: map[string]models.ComputationDependency{}}
}

func (d *depSet) point(contract, key string) {
	d.add("p:"+contract+":"+key, models.ComputationDependency{ContractAddress: contract, Key: key})
}

func (d *depSet) prefix(contract, prefix string) {
	d.add("x:"+contract+":"+prefix, models.ComputationDependency{ContractAddress: contract, Key: prefix, IsPrefix: true})
}

func (d *depSet) add(id string, dep models.ComputationDependency) {
	if _, ok := d.m[id]; ok {
		return
	}
	d.m[id] = dep
	d.order = append(d.order, dep)
}

// List returns the accumulated dependencies in a stable order.
func (d *depSet) List() []models.ComputationDependency {
	out := make([]models.ComputationDependency, 0, len(d.m))
	for _, dep := range d.m {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ContractAddress != b.ContractAddress {
			return a.ContractAddress < b.ContractAddress
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return !a.IsPrefix && b.IsPrefix
	})
	return out
}

// Env is the read-through view over contract state pinned to one block. All
// reads go through it so the dependency accumulator sees every key touched,
// including reads performed by nested Compute calls.
type Env struct {
	registry *Registry
	reader   StateReader
	target   string
	height   uint64
	timeMs   uint64
	deps     *depSet
	contracts *lru.Cache[string, *models.Contract]
}

func (r *Registry) newEnv(ctx context.Context, reader StateReader, target string, height uint64) (*Env, error) {
	return r.newEnvWith(ctx, reader, target, height, newDepSet())
}

func (r *Registry) newEnvWith(ctx context.Context, reader StateReader, target string, height uint64, deps *depSet) (*Env, error) {
	cache, err := lru.New[string, *models.Contract](contractCacheSize)
	if err != nil {
		return nil, err
	}

	var timeMs uint64
	if b, err := reader.BlockAt(ctx, height); err != nil {
		return nil, err
	} else if b != nil {
		timeMs = b.TimeUnixMs
	}

	return &Env{
		registry:  r,
		reader:    reader,
		target:    target,
		height:    height,
		timeMs:    timeMs,
		deps:      deps,
		contracts: cache,
	}, nil
}

// Target returns the contract address the formula was invoked for.
func (e *Env) Target() string { return e.target }

// BlockHeight returns the pinned block.
func (e *Env) BlockHeight() uint64 { return e.height }

// BlockTimeUnixMs returns the pinned block's time, 0 before the first
// ingested block.
func (e *Env) BlockTimeUnixMs() uint64 { return e.timeMs }

// ChainID returns the configured chain identifier.
func (e *Env) ChainID() string { return e.registry.chainID }

// Get reads the latest value for (contract, key) at or before the pinned
// block and records a point dependency. found is false when the key was
// never written or its newest write is a tombstone. The result is the parsed
// JSON document when the value parses, else the raw string.
func (e *Env) Get(ctx context.Context, contract, key string) (gjson.Result, bool, error) {
	e.deps.point(contract, key)

	ev, err := e.reader.LatestEventAt(ctx, contract, key, e.height)
	if err != nil {
		return gjson.Result{}, false, err
	}
	if ev == nil || ev.Deleted {
		return gjson.Result{}, false, nil
	}
	return eventResult(ev), true, nil
}

// GetFirst probes key variants in order and returns the first that resolves.
// Every probed variant records a dependency: a write to an earlier variant
// changes the outcome even when a later one currently wins.
func (e *Env) GetFirst(ctx context.Context, contract string, candidates ...string) (gjson.Result, bool, error) {
	for _, key := range candidates {
		v, found, err := e.Get(ctx, contract, key)
		if err != nil {
			return gjson.Result{}, false, err
		}
		if found {
			return v, true, nil
		}
	}
	return gjson.Result{}, false, nil
}

// GetMap range-reads every live key under a canonical prefix and records a
// prefix dependency. The result maps the raw trailing segment (the map key)
// to its value; tombstoned entries are absent.
func (e *Env) GetMap(ctx context.Context, contract, prefix string) (map[string]gjson.Result, error) {
	e.deps.prefix(contract, prefix)

	events, err := e.reader.EventsByPrefixAt(ctx, contract, prefix, e.height)
	if err != nil {
		return nil, err
	}

	out := make(map[string]gjson.Result, len(events))
	for i := range events {
		seg, ok := keys.TrailingSegment(events[i].Key, prefix)
		if !ok {
			continue
		}
		out[string(seg)] = eventResult(&events[i])
	}
	return out, nil
}

// GetCreatedAt returns the time of the first non-delete write to
// (contract, key), or nil when the key was never set. Records a point
// dependency; the first-set time can only change through a write to the key.
func (e *Env) GetCreatedAt(ctx context.Context, contract, key string) (*time.Time, error) {
	e.deps.point(contract, key)

	ev, err := e.reader.FirstSetAt(ctx, contract, key)
	if err != nil {
		return nil, err
	}
	if ev == nil || ev.BlockHeight > e.height {
		return nil, nil
	}
	t := time.UnixMilli(int64(ev.BlockTimeUnixMs)).UTC()
	return &t, nil
}

// ContractInfo returns the contract row for an address through the bounded
// cache, or nil when unknown. Contract rows are not part of keyed state, so
// no dependency is recorded.
func (e *Env) ContractInfo(ctx context.Context, address string) (*models.Contract, error) {
	if c, ok := e.contracts.Get(address); ok {
		return c, nil
	}
	c, err := e.reader.GetContract(ctx, address)
	if err != nil {
		return nil, err
	}
	e.contracts.Add(address, c)
	return c, nil
}

// Compute evaluates another formula against the same pinned block, sharing
// this evaluation's dependency accumulator. Formulas calling formulas is how
// cross-contract reads stay tracked.
func (e *Env) Compute(ctx context.Context, name, contract string, args Args) (gjson.Result, error) {
	f, ok := e.registry.formulas[name]
	if !ok {
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrUnknownFormula, name)
	}

	nested := *e
	nested.target = contract

	out, err := f.Fn(ctx, &nested, args)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("nested formula %s: %w", name, err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("nested formula %s: output not serializable: %w", name, err)
	}
	return gjson.ParseBytes(encoded), nil
}

// eventResult shapes one event row as a gjson document: the stored JSONB
// when the value parsed, else the raw string quoted.
func eventResult(ev *models.WasmEvent) gjson.Result {
	if len(ev.ValueJSON) > 0 {
		return gjson.ParseBytes(ev.ValueJSON)
	}
	quoted, _ := json.Marshal(ev.Value)
	return gjson.ParseBytes(quoted)
}
