package ingester

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"wasmscan/internal/eventbus"
	"wasmscan/internal/keys"
	"wasmscan/internal/models"
	"wasmscan/internal/repository"
	"wasmscan/internal/transform"
)

type fakeDriverStore struct {
	state models.State

	blocks          []models.Block
	contracts       []models.Contract
	events          []models.WasmEvent
	transformations []models.WasmEventTransformation

	advancedExported uint64
	advancedLatest   uint64
	advancedTime     uint64
	flushCalls       int
}

func (f *fakeDriverStore) GetState(context.Context) (*models.State, error) {
	s := f.state
	return &s, nil
}

// The fake upserts replace on conflict like the real statements do: blocks
// key on height, contracts on address, events on (block, contract, key),
// transformations on (block, contract, name).
func (f *fakeDriverStore) UpsertBlocks(_ context.Context, blocks []models.Block) error {
	for _, b := range blocks {
		replaced := false
		for i := range f.blocks {
			if f.blocks[i].Height == b.Height {
				f.blocks[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			f.blocks = append(f.blocks, b)
		}
	}
	return nil
}

func (f *fakeDriverStore) UpsertContracts(_ context.Context, contracts []models.Contract) error {
	for _, c := range contracts {
		replaced := false
		for i := range f.contracts {
			if f.contracts[i].Address == c.Address {
				f.contracts[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			f.contracts = append(f.contracts, c)
		}
	}
	return nil
}

func (f *fakeDriverStore) UpsertEvents(_ context.Context, events []models.WasmEvent) ([]models.WasmEvent, error) {
	f.flushCalls++
	out := make([]models.WasmEvent, len(events))
	for i, e := range events {
		replaced := false
		for j := range f.events {
			old := &f.events[j]
			if old.BlockHeight == e.BlockHeight && old.ContractAddress == e.ContractAddress && old.Key == e.Key {
				e.ID = old.ID
				*old = e
				replaced = true
				break
			}
		}
		if !replaced {
			e.ID = int64(len(f.events) + 1)
			f.events = append(f.events, e)
		}
		out[i] = e
	}
	return out, nil
}

func (f *fakeDriverStore) UpsertTransformations(_ context.Context, ts []models.WasmEventTransformation) ([]models.WasmEventTransformation, error) {
	for _, tr := range ts {
		replaced := false
		for i := range f.transformations {
			old := &f.transformations[i]
			if old.BlockHeight == tr.BlockHeight && old.ContractAddress == tr.ContractAddress && old.Name == tr.Name {
				*old = tr
				replaced = true
				break
			}
		}
		if !replaced {
			f.transformations = append(f.transformations, tr)
		}
	}
	return ts, nil
}

func (f *fakeDriverStore) AdvanceState(_ context.Context, exported, latest, latestTime uint64) error {
	if exported > f.advancedExported {
		f.advancedExported = exported
	}
	if latest > f.advancedLatest {
		f.advancedLatest = latest
	}
	if latestTime > f.advancedTime {
		f.advancedTime = latestTime
	}
	return nil
}

type fakeInvalidator struct {
	changes []repository.ChangeKey
}

func (f *fakeInvalidator) Invalidate(_ context.Context, changes []repository.ChangeKey) (int64, int64, error) {
	f.changes = append(f.changes, changes...)
	return 0, 0, nil
}

type fakeEnqueuer struct {
	batches [][]*models.WasmEvent
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, batch []*models.WasmEvent) (int, error) {
	f.batches = append(f.batches, batch)
	return len(batch), nil
}

type fakeReindexer struct {
	contracts [][]string
}

func (f *fakeReindexer) Reindex(_ context.Context, contracts []string) error {
	f.contracts = append(f.contracts, contracts)
	return nil
}

func b64Key(segments ...string) string {
	b64, err := keys.ToBase64(keys.CompositeString(segments...))
	if err != nil {
		panic(err)
	}
	return b64
}

func b64Value(v string) string {
	return base64.StdEncoding.EncodeToString([]byte(v))
}

func streamLine(t *testing.T, height uint64, contract, key, value string, del bool) []byte {
	t.Helper()
	rec := models.IndexerWasmEvent{
		BlockHeight:     height,
		BlockTimeUnixMs: height * 1000,
		ContractAddress: contract,
		CodeID:          7,
		Key:             key,
		Value:           value,
		Delete:          del,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal line: %v", err)
	}
	return line
}

func newTestDriver(cfg Config, store Store, inv Invalidator, enq Enqueuer) *Driver {
	return NewDriver(cfg, store, transform.New(), inv, enq, nil, nil, zerolog.Nop())
}

func TestFlushOnBlockBoundary(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	d := newTestDriver(Config{Batch: 2}, store, nil, nil)
	ctx := context.Background()

	// Three records in block 1 exceed the batch threshold, but the flush must
	// wait for the first record of block 2.
	for i := 0; i < 3; i++ {
		key := b64Key(fmt.Sprintf("k%d", i))
		if err := d.HandleLine(ctx, streamLine(t, 1, "A", key, b64Value(`"v"`), false)); err != nil {
			t.Fatalf("HandleLine failed: %v", err)
		}
	}
	if store.flushCalls != 0 {
		t.Fatalf("flushed mid-block: %d calls", store.flushCalls)
	}

	if err := d.HandleLine(ctx, streamLine(t, 2, "A", b64Key("k0"), b64Value(`"w"`), false)); err != nil {
		t.Fatalf("HandleLine failed: %v", err)
	}
	if store.flushCalls != 1 {
		t.Fatalf("flushCalls=%d want 1", store.flushCalls)
	}
	if len(store.events) != 3 {
		t.Fatalf("flushed %d events want 3", len(store.events))
	}
	if got := d.Status().PendingBuffered; got != 1 {
		t.Fatalf("pending=%d want 1 (the block-2 record)", got)
	}

	if err := d.Flush(ctx); err != nil {
		t.Fatalf("final Flush failed: %v", err)
	}
	if len(store.events) != 4 {
		t.Fatalf("total events=%d want 4", len(store.events))
	}
	if store.advancedExported != 2 || store.advancedTime != 2000 {
		t.Fatalf("state advanced to (%d, %d) want (2, 2000)", store.advancedExported, store.advancedTime)
	}
}

func TestFlushDedupsLastWriteWins(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	d := newTestDriver(Config{Batch: 100}, store, nil, nil)
	ctx := context.Background()

	key := b64Key("counter")
	if err := d.HandleLine(ctx, streamLine(t, 5, "A", key, b64Value(`1`), false)); err != nil {
		t.Fatalf("HandleLine failed: %v", err)
	}
	if err := d.HandleLine(ctx, streamLine(t, 5, "A", key, b64Value(`2`), false)); err != nil {
		t.Fatalf("HandleLine failed: %v", err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(store.events) != 1 {
		t.Fatalf("events=%d want 1 after dedup", len(store.events))
	}
	if store.events[0].Value != "2" {
		t.Fatalf("value=%q want the later write", store.events[0].Value)
	}
}

func TestNormalizeDecoding(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	d := newTestDriver(Config{Batch: 100}, store, nil, nil)
	ctx := context.Background()

	jsonKey := b64Key("config")
	rawKey := b64Key("label")
	delKey := b64Key("gone")
	lines := [][]byte{
		streamLine(t, 3, "A", jsonKey, b64Value(`{"owner":"alice"}`), false),
		streamLine(t, 3, "A", rawKey, b64Value("not json"), false),
		streamLine(t, 3, "A", delKey, "", true),
	}
	for _, line := range lines {
		if err := d.HandleLine(ctx, line); err != nil {
			t.Fatalf("HandleLine failed: %v", err)
		}
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	byKey := map[string]models.WasmEvent{}
	for _, e := range store.events {
		byKey[e.Key] = e
	}

	je := byKey[keys.CompositeString("config")]
	if string(je.ValueJSON) != `{"owner":"alice"}` {
		t.Fatalf("value_json=%s want parsed document", je.ValueJSON)
	}
	re := byKey[keys.CompositeString("label")]
	if re.Value != "not json" || len(re.ValueJSON) != 0 {
		t.Fatalf("raw value got %q/%q want plain string, no JSON", re.Value, re.ValueJSON)
	}
	de := byKey[keys.CompositeString("gone")]
	if !de.Deleted || de.Value != "" {
		t.Fatalf("delete record got %+v want tombstone", de)
	}

	if len(store.blocks) != 1 || store.blocks[0].TimeUnixMs != 3000 {
		t.Fatalf("blocks=%+v want single block 3 @ 3000", store.blocks)
	}
	if len(store.contracts) != 1 || store.contracts[0].CodeID != 7 {
		t.Fatalf("contracts=%+v want single contract with code 7", store.contracts)
	}
}

func TestSkipBelowInitialBlock(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	d := newTestDriver(Config{Batch: 100}, store, nil, nil)
	d.initialBlock = 10
	ctx := context.Background()

	if err := d.HandleLine(ctx, streamLine(t, 9, "A", b64Key("k"), b64Value(`1`), false)); err != nil {
		t.Fatalf("HandleLine failed: %v", err)
	}
	if err := d.HandleLine(ctx, streamLine(t, 10, "A", b64Key("k"), b64Value(`2`), false)); err != nil {
		t.Fatalf("HandleLine failed: %v", err)
	}

	st := d.Status()
	if st.LinesSkipped != 1 {
		t.Fatalf("skipped=%d want 1", st.LinesSkipped)
	}
	if !st.CaughtUp {
		t.Fatal("driver should report caught up after first record at the initial block")
	}
	if st.PendingBuffered != 1 {
		t.Fatalf("pending=%d want 1", st.PendingBuffered)
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	d := newTestDriver(Config{Batch: 100}, store, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		line string
	}{
		{name: "not json", line: `{{{`},
		{name: "missing contract", line: `{"blockHeight":1,"key":"AA==","value":"AA=="}`},
		{name: "missing key", line: `{"blockHeight":1,"contractAddress":"A","value":"AA=="}`},
		{name: "zero height", line: `{"blockHeight":0,"contractAddress":"A","key":"AA=="}`},
	}
	for _, tc := range cases {
		if err := d.HandleLine(ctx, []byte(tc.line)); err != nil {
			t.Fatalf("%s: HandleLine failed: %v", tc.name, err)
		}
	}

	st := d.Status()
	if st.LinesMalformed != uint64(len(cases)) {
		t.Fatalf("malformed=%d want %d", st.LinesMalformed, len(cases))
	}
	if st.PendingBuffered != 0 {
		t.Fatalf("pending=%d want 0", st.PendingBuffered)
	}
}

func TestReplayLeavesStateIdentical(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	lines := [][]byte{
		streamLine(t, 5, "A", b64Key("config"), b64Value(`{"owner":"alice"}`), false),
		streamLine(t, 5, "A", b64Key("counter"), b64Value(`1`), false),
		streamLine(t, 6, "B", b64Key("counter"), b64Value(`2`), false),
		streamLine(t, 6, "A", b64Key("config"), "", true),
	}
	replay := func() {
		d := newTestDriver(Config{Batch: 100}, store, nil, nil)
		ctx := context.Background()
		for _, line := range lines {
			if err := d.HandleLine(ctx, line); err != nil {
				t.Fatalf("HandleLine failed: %v", err)
			}
		}
		if err := d.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	replay()
	events := append([]models.WasmEvent(nil), store.events...)
	blocks := append([]models.Block(nil), store.blocks...)
	contracts := append([]models.Contract(nil), store.contracts...)
	exported, latestTime := store.advancedExported, store.advancedTime

	// A second pass over the same segment, as after a checkpoint reset, must
	// change nothing.
	replay()

	if len(store.events) != len(events) {
		t.Fatalf("events grew on replay: %d -> %d", len(events), len(store.events))
	}
	for i := range events {
		if !reflect.DeepEqual(store.events[i], events[i]) {
			t.Fatalf("event %d changed on replay: %+v -> %+v", i, events[i], store.events[i])
		}
	}
	if len(store.blocks) != len(blocks) || len(store.contracts) != len(contracts) {
		t.Fatalf("blocks/contracts grew on replay: %d/%d -> %d/%d",
			len(blocks), len(contracts), len(store.blocks), len(store.contracts))
	}
	if store.advancedExported != exported || store.advancedTime != latestTime {
		t.Fatalf("state moved on replay: (%d, %d) -> (%d, %d)",
			exported, latestTime, store.advancedExported, store.advancedTime)
	}
}

func TestFlushFeedsInvalidationAndWebhooks(t *testing.T) {
	t.Parallel()

	store := &fakeDriverStore{}
	inv := &fakeInvalidator{}
	enq := &fakeEnqueuer{}
	d := NewDriver(
		Config{Batch: 100, CacheUpdates: true, WebhooksEnabled: true},
		store, transform.Default(), inv, enq, &fakeReindexer{}, eventbus.New(), zerolog.Nop(),
	)
	ctx := context.Background()

	// admin is covered by a built-in transformation rule, so the change set
	// must carry both the event key and the transformation name.
	if err := d.HandleLine(ctx, streamLine(t, 4, "A", b64Key("admin"), b64Value(`"alice"`), false)); err != nil {
		t.Fatalf("HandleLine failed: %v", err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(inv.changes) != 2 {
		t.Fatalf("changes=%+v want event + transformation", inv.changes)
	}
	sawEvent, sawTransformation := false, false
	for _, ch := range inv.changes {
		if ch.BlockHeight != 4 || ch.ContractAddress != "A" {
			t.Fatalf("change %+v carries wrong block or contract", ch)
		}
		switch ch.Key {
		case keys.CompositeString("admin"):
			sawEvent = true
		case "admin":
			sawTransformation = true
		}
	}
	if !sawEvent || !sawTransformation {
		t.Fatalf("changes=%+v missing event or transformation key", inv.changes)
	}

	if len(enq.batches) != 1 || len(enq.batches[0]) != 1 {
		t.Fatalf("enqueued batches=%v want one batch of one event", enq.batches)
	}
}
