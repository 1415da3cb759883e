package webhooks

import (
	"context"
	"errors"
	"testing"

	"wasmscan/internal/models"
)

type stubEventStore struct {
	prev  *models.WasmEvent
	err   error
	calls int
}

func (s *stubEventStore) PreviousEventValue(ctx context.Context, contract, key string, beforeHeight uint64) (*models.WasmEvent, error) {
	s.calls++
	return s.prev, s.err
}

func TestPreviousInBatch(t *testing.T) {
	t.Parallel()

	batch := []*models.WasmEvent{
		{BlockHeight: 90, ContractAddress: "juno1abc", Key: "1,2", Value: "old"},
		{BlockHeight: 95, ContractAddress: "juno1abc", Key: "1,2", Value: "newer"},
		{BlockHeight: 95, ContractAddress: "juno1abc", Key: "9,9", Value: "other key"},
		{BlockHeight: 95, ContractAddress: "juno1xyz", Key: "1,2", Value: "other contract"},
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: "1,2", Value: "current"},
	}
	current := batch[4]

	got := previousInBatch(batch, current)
	if got == nil {
		t.Fatal("expected a previous event")
	}
	if got.BlockHeight != 95 || got.Value != "newer" {
		t.Fatalf("got block %d value %q, want the nearest lower block 95", got.BlockHeight, got.Value)
	}

	// The key must belong to the incoming event, not just any event.
	orphan := &models.WasmEvent{BlockHeight: 100, ContractAddress: "juno1abc", Key: "7,7"}
	if p := previousInBatch(batch, orphan); p != nil {
		t.Fatalf("got %+v, want nil for a key with no earlier write", p)
	}

	// Same block never counts as previous.
	sameBlock := &models.WasmEvent{BlockHeight: 90, ContractAddress: "juno1abc", Key: "1,2"}
	if p := previousInBatch(batch, sameBlock); p != nil {
		t.Fatalf("got %+v, want nil when only the same block matches", p)
	}
}

func TestDispatcherMatch_UsesBatchBeforeStore(t *testing.T) {
	t.Parallel()

	store := &stubEventStore{prev: &models.WasmEvent{Value: "from store"}}
	d := &Dispatcher{events: store}

	sub, err := Compile("s1", "changes", nil, "", ValueModeChange, urlEndpoint())
	if err != nil {
		t.Fatal(err)
	}

	batch := []*models.WasmEvent{
		{BlockHeight: 90, ContractAddress: "juno1abc", Key: "1,2", Value: "10"},
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: "1,2", Value: "20"},
	}

	rows := d.match(context.Background(), []Subscription{sub}, batch)
	if len(rows) != 2 {
		t.Fatalf("got %d rows want 2", len(rows))
	}

	// The block 100 event finds its previous value inside the batch.
	var row100 *models.PendingWebhook
	for i := range rows {
		if rows[i].BlockHeight == 100 {
			row100 = &rows[i]
		}
	}
	if row100 == nil {
		t.Fatal("no row for block 100")
	}
	if string(row100.Value) != `{"from":"10","to":"20"}` {
		t.Fatalf("got value %s", row100.Value)
	}

	// Only the block 90 event, with no earlier write in the batch, hits the
	// store fallback.
	if store.calls != 1 {
		t.Fatalf("store queried %d times, want 1", store.calls)
	}
}

func TestDispatcherMatch_SkipsFailingSubscription(t *testing.T) {
	t.Parallel()

	store := &stubEventStore{err: errors.New("db down")}
	d := &Dispatcher{events: store}

	changeSub, _ := Compile("s1", "changes", nil, "", ValueModeChange, urlEndpoint())
	valueSub, _ := Compile("s2", "values", nil, "", ValueModeValue, urlEndpoint())

	batch := []*models.WasmEvent{
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: "1,2", Value: "20"},
	}

	rows := d.match(context.Background(), []Subscription{changeSub, valueSub}, batch)
	if len(rows) != 1 {
		t.Fatalf("got %d rows want 1", len(rows))
	}
	if rows[0].SubscriptionID != "s2" {
		t.Fatalf("got subscription %q, want the value-mode one to survive", rows[0].SubscriptionID)
	}
}

func TestDispatcherMatch_ShapesPendingRow(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{events: &stubEventStore{}}

	sub, err := Compile("s1", "raw", []string{"juno1abc"}, "", ValueModeValue, Endpoint{
		Type:    "url",
		URL:     "https://example.com/hook",
		Headers: map[string]string{"X-Token": "t"},
	})
	if err != nil {
		t.Fatal(err)
	}

	batch := []*models.WasmEvent{
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: "1,2", Value: "20"},
		{BlockHeight: 100, ContractAddress: "juno1other", Key: "1,2", Value: "ignored"},
	}

	rows := d.match(context.Background(), []Subscription{sub}, batch)
	if len(rows) != 1 {
		t.Fatalf("got %d rows want 1", len(rows))
	}

	row := rows[0]
	if row.SubscriptionID != "s1" || row.EndpointType != "url" {
		t.Fatalf("unexpected row identity: %+v", row)
	}
	if row.BlockHeight != 100 || row.ContractAddress != "juno1abc" || row.Key != "1,2" {
		t.Fatalf("unexpected row provenance: %+v", row)
	}
	if string(row.Value) != `"20"` {
		t.Fatalf("got value %s want %q", row.Value, `"20"`)
	}

	var ep Endpoint
	if err := jsonit.Unmarshal(row.Endpoint, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.URL != "https://example.com/hook" || ep.Method != "POST" || ep.Headers["X-Token"] != "t" {
		t.Fatalf("endpoint did not round-trip: %+v", ep)
	}
}

func TestDispatcherMatch_SkipsDeletesInValueMode(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{events: &stubEventStore{}}
	sub, _ := Compile("s1", "values", nil, "", ValueModeValue, urlEndpoint())

	batch := []*models.WasmEvent{
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: "1,2", Deleted: true},
	}

	if rows := d.match(context.Background(), []Subscription{sub}, batch); len(rows) != 0 {
		t.Fatalf("got %d rows want 0", len(rows))
	}
}
