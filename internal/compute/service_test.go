package compute

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"wasmscan/internal/formula"
	"wasmscan/internal/keys"
	"wasmscan/internal/models"
	"wasmscan/internal/repository"
)

// fakeStore is an in-memory Store over a fixed event history with a naive
// computation cache.
type fakeStore struct {
	events    []models.WasmEvent
	contracts map[string]*models.Contract
	state     models.State

	cached    []models.Computation
	deps      []models.ComputationDependency
	stores    int
	evalReads int
}

func (f *fakeStore) GetState(context.Context) (*models.State, error) {
	s := f.state
	return &s, nil
}

func (f *fakeStore) GetContract(_ context.Context, address string) (*models.Contract, error) {
	return f.contracts[address], nil
}

func (f *fakeStore) ContractHasEvents(_ context.Context, contract string) (bool, error) {
	for i := range f.events {
		if f.events[i].ContractAddress == contract {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) LatestEventAt(_ context.Context, contract, key string, height uint64) (*models.WasmEvent, error) {
	f.evalReads++
	var best *models.WasmEvent
	for i := range f.events {
		e := &f.events[i]
		if e.ContractAddress == contract && e.Key == key && e.BlockHeight <= height &&
			(best == nil || e.BlockHeight > best.BlockHeight) {
			best = e
		}
	}
	return best, nil
}

func (f *fakeStore) EventsByPrefixAt(_ context.Context, contract, prefix string, height uint64) ([]models.WasmEvent, error) {
	latest := map[string]*models.WasmEvent{}
	for i := range f.events {
		e := &f.events[i]
		if e.ContractAddress != contract || e.BlockHeight > height || !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		if cur, ok := latest[e.Key]; !ok || e.BlockHeight > cur.BlockHeight {
			latest[e.Key] = e
		}
	}
	var out []models.WasmEvent
	for _, e := range latest {
		if !e.Deleted {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStore) FirstSetAt(_ context.Context, contract, key string) (*models.WasmEvent, error) {
	var best *models.WasmEvent
	for i := range f.events {
		e := &f.events[i]
		if e.ContractAddress == contract && e.Key == key && !e.Deleted &&
			(best == nil || e.BlockHeight < best.BlockHeight) {
			best = e
		}
	}
	return best, nil
}

func (f *fakeStore) BlockAt(_ context.Context, height uint64) (*models.Block, error) {
	var best *models.Block
	for i := range f.events {
		e := &f.events[i]
		if e.BlockHeight <= height && (best == nil || e.BlockHeight > best.Height) {
			best = &models.Block{Height: e.BlockHeight, TimeUnixMs: e.BlockTimeUnixMs}
		}
	}
	return best, nil
}

func (f *fakeStore) matches(e *models.WasmEvent, deps []models.ComputationDependency) bool {
	for _, d := range deps {
		if d.ContractAddress != e.ContractAddress {
			continue
		}
		if (!d.IsPrefix && e.Key == d.Key) || (d.IsPrefix && strings.HasPrefix(e.Key, d.Key)) {
			return true
		}
	}
	return false
}

func (f *fakeStore) RelevantHeights(_ context.Context, deps []models.ComputationDependency, fromExclusive, to uint64) ([]uint64, error) {
	seen := map[uint64]struct{}{}
	for i := range f.events {
		e := &f.events[i]
		if e.BlockHeight > fromExclusive && e.BlockHeight <= to && f.matches(e, deps) {
			seen[e.BlockHeight] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeStore) LatestRelevantHeight(_ context.Context, deps []models.ComputationDependency, atBlock uint64) (uint64, bool, error) {
	var best uint64
	found := false
	for i := range f.events {
		e := &f.events[i]
		if e.BlockHeight <= atBlock && f.matches(e, deps) && (!found || e.BlockHeight > best) {
			best, found = e.BlockHeight, true
		}
	}
	return best, found, nil
}

func (f *fakeStore) GetComputationAt(_ context.Context, name, contract, argsHash string, atBlock uint64) (*models.Computation, error) {
	for i := range f.cached {
		c := &f.cached[i]
		if c.Formula == name && c.TargetContract == contract && c.ArgsHash == argsHash &&
			c.BlockHeightValid <= atBlock && c.BlockHeightLatest >= atBlock {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateFromComputationOutputs(_ context.Context, name, contract, argsHash string, args []byte, outputs []models.Computation, deps []models.ComputationDependency) error {
	f.stores++
	for _, out := range outputs {
		out.Formula = name
		out.TargetContract = contract
		out.ArgsHash = argsHash
		out.Args = json.RawMessage(args)
		f.cached = append(f.cached, out)
	}
	f.deps = append(f.deps, deps...)
	return nil
}

func (f *fakeStore) UpdateComputationValidityDependentOnChanges(_ context.Context, changes []repository.ChangeKey) (int64, int64, error) {
	var updated, destroyed int64
	var kept []models.Computation
	for _, c := range f.cached {
		hmin := uint64(0)
		hit := false
		for _, ch := range changes {
			e := models.WasmEvent{ContractAddress: ch.ContractAddress, Key: ch.Key}
			if f.matches(&e, f.deps) && (!hit || ch.BlockHeight < hmin) {
				hmin, hit = ch.BlockHeight, true
			}
		}
		switch {
		case !hit || hmin > c.BlockHeightLatest:
			kept = append(kept, c)
		case hmin <= c.BlockHeightValid:
			destroyed++
		default:
			c.BlockHeightLatest = hmin - 1
			updated++
			kept = append(kept, c)
		}
	}
	f.cached = kept
	return updated, destroyed, nil
}

func testEvent(h uint64, contract, canonKey, value string) models.WasmEvent {
	e := models.WasmEvent{
		BlockHeight:     h,
		ContractAddress: contract,
		Key:             canonKey,
		Value:           value,
		BlockTimeUnixMs: h * 1000,
	}
	if json.Valid([]byte(value)) {
		e.ValueJSON = json.RawMessage(value)
	}
	return e
}

func newTestService(store *fakeStore) *Service {
	return New(store, formula.NewRegistry("juno-1"), zerolog.Nop())
}

func TestQueryReadThrough(t *testing.T) {
	t.Parallel()

	key := keys.CompositeString("token_info")
	store := &fakeStore{
		events: []models.WasmEvent{
			testEvent(10, "A", key, `{"total_supply":"100"}`),
			testEvent(20, "A", key, `{"total_supply":"250"}`),
		},
		contracts: map[string]*models.Contract{"A": {Address: "A"}},
		state:     models.State{LatestBlockHeight: 50},
	}
	svc := newTestService(store)
	ctx := context.Background()

	at := uint64(30)
	res, err := svc.Query(ctx, "total_supply", "A", nil, &at)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Cached {
		t.Fatal("first query must miss the cache")
	}
	if res.Output != `"250"` {
		t.Fatalf("output=%s want \"250\"", res.Output)
	}

	// The stored row anchors at the newest dependency write (20), so a query
	// anywhere in [20, 30] is now a hit.
	at = 25
	res, err = svc.Query(ctx, "total_supply", "A", nil, &at)
	if err != nil {
		t.Fatalf("cached Query failed: %v", err)
	}
	if !res.Cached {
		t.Fatalf("query at 25 should hit the [20, 30] row, cache=%+v", store.cached)
	}
	if res.Output != `"250"` {
		t.Fatalf("cached output=%s want \"250\"", res.Output)
	}
	if store.stores != 1 {
		t.Fatalf("stores=%d want 1", store.stores)
	}
}

func TestQueryDefaultsToLatestBlock(t *testing.T) {
	t.Parallel()

	key := keys.CompositeString("token_info")
	store := &fakeStore{
		events:    []models.WasmEvent{testEvent(10, "A", key, `{"total_supply":"7"}`)},
		contracts: map[string]*models.Contract{"A": {Address: "A"}},
		state:     models.State{LatestBlockHeight: 42},
	}
	svc := newTestService(store)

	res, err := svc.Query(context.Background(), "total_supply", "A", nil, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.AtBlock != 42 {
		t.Fatalf("AtBlock=%d want 42", res.AtBlock)
	}
	if res.Output != `"7"` {
		t.Fatalf("output=%s want \"7\"", res.Output)
	}
}

func TestQueryErrors(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		contracts: map[string]*models.Contract{"A": {Address: "A"}},
		state:     models.State{LatestBlockHeight: 10},
	}
	svc := newTestService(store)
	ctx := context.Background()

	future := uint64(11)
	cases := []struct {
		name     string
		formula  string
		contract string
		atBlock  *uint64
		want     error
	}{
		{name: "unknown formula", formula: "nope", contract: "A", want: ErrUnknownFormula},
		{name: "unknown contract", formula: "admin", contract: "B", want: ErrContractNotFound},
		{name: "contract without events", formula: "admin", contract: "A", want: ErrNoEvents},
		{name: "future block", formula: "admin", contract: "A", atBlock: &future, want: ErrNotYetIndexed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Query(ctx, tc.formula, tc.contract, nil, tc.atBlock)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestQueryRangeStoresIntervals(t *testing.T) {
	t.Parallel()

	key := keys.CompositeString("token_info")
	store := &fakeStore{
		events: []models.WasmEvent{
			testEvent(10, "A", key, `{"total_supply":"1"}`),
			testEvent(20, "A", key, `{"total_supply":"2"}`),
		},
		contracts: map[string]*models.Contract{"A": {Address: "A"}},
		state:     models.State{LatestBlockHeight: 30},
	}
	svc := newTestService(store)
	ctx := context.Background()

	outputs, err := svc.QueryRange(ctx, "total_supply", "A", nil, 10, 0)
	if err != nil {
		t.Fatalf("QueryRange failed: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d intervals want 2: %+v", len(outputs), outputs)
	}
	if outputs[1].BlockLatest != 30 {
		t.Fatalf("open range must extend to the latest block, got %d", outputs[1].BlockLatest)
	}

	// All stored intervals now serve point queries without evaluation.
	at := uint64(15)
	res, err := svc.Query(ctx, "total_supply", "A", nil, &at)
	if err != nil {
		t.Fatalf("Query after range failed: %v", err)
	}
	if !res.Cached || res.Output != `"1"` {
		t.Fatalf("got %+v want cached \"1\"", res)
	}
}

func TestInvalidateAppliesHminRule(t *testing.T) {
	t.Parallel()

	key := keys.CompositeString("token_info")
	store := &fakeStore{
		events: []models.WasmEvent{
			testEvent(10, "A", key, `{"total_supply":"1"}`),
		},
		contracts: map[string]*models.Contract{"A": {Address: "A"}},
		state:     models.State{LatestBlockHeight: 30},
	}
	svc := newTestService(store)
	ctx := context.Background()

	at := uint64(30)
	if _, err := svc.Query(ctx, "total_supply", "A", nil, &at); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	// Cached as [10, 30]. A write at 25 truncates it to [10, 24].
	updated, destroyed, err := svc.Invalidate(ctx, []repository.ChangeKey{
		{ContractAddress: "A", Key: key, BlockHeight: 25},
	})
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if updated != 1 || destroyed != 0 {
		t.Fatalf("updated=%d destroyed=%d want 1, 0", updated, destroyed)
	}
	if len(store.cached) != 1 || store.cached[0].BlockHeightLatest != 24 {
		t.Fatalf("cache=%+v want single row truncated to 24", store.cached)
	}

	// A write at the valid bound destroys the row.
	updated, destroyed, err = svc.Invalidate(ctx, []repository.ChangeKey{
		{ContractAddress: "A", Key: key, BlockHeight: 10},
	})
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if updated != 0 || destroyed != 1 {
		t.Fatalf("updated=%d destroyed=%d want 0, 1", updated, destroyed)
	}
	if len(store.cached) != 0 {
		t.Fatalf("cache=%+v want empty", store.cached)
	}
}
