package transform

import (
	"encoding/json"
	"testing"

	"wasmscan/internal/keys"
	"wasmscan/internal/models"
)

func TestKeyFilter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		filter KeyFilter
		key    string
		want   bool
	}{
		{"exact match", ExactKey("admin"), keys.CompositeString("admin"), true},
		{"exact mismatch", ExactKey("admin"), keys.CompositeString("admins"), false},
		{"exact does not match namespaced", ExactKey("balance"), keys.CompositeString("balance", "juno1abc"), false},
		{"prefix match", KeyUnder("balance"), keys.CompositeString("balance", "juno1abc"), true},
		{"prefix mismatch", KeyUnder("balance"), keys.CompositeString("balances", "juno1abc"), false},
		{"prefix never matches bare item", KeyUnder("balance"), keys.CompositeString("balance"), false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.filter.Match(tc.key); got != tc.want {
				t.Fatalf("Match(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestApply_BuiltinRules(t *testing.T) {
	t.Parallel()

	tr := Default()

	batch := []*models.WasmEvent{
		{
			BlockHeight:     100,
			ContractAddress: "juno1dao",
			Key:             keys.CompositeString("contract_info"),
			Value:           `{"contract":"crates.io:cw20-base","version":"1.1.0"}`,
			ValueJSON:       json.RawMessage(`{"contract":"crates.io:cw20-base","version":"1.1.0"}`),
			BlockTimeUnixMs: 1700000000000,
		},
		{
			BlockHeight:     100,
			ContractAddress: "juno1dao",
			Key:             keys.CompositeString("balance", "juno1holder"),
			Value:           `"250"`,
			ValueJSON:       json.RawMessage(`"250"`),
			BlockTimeUnixMs: 1700000000000,
		},
		{
			BlockHeight:     101,
			ContractAddress: "juno1gov",
			Key:             keys.Composite([]byte("proposals"), keys.Uint64Segment(42)),
			Value:           `{"status":"open"}`,
			ValueJSON:       json.RawMessage(`{"status":"open"}`),
			BlockTimeUnixMs: 1700000005000,
		},
		{
			// No rule matches arbitrary keys.
			BlockHeight:     101,
			ContractAddress: "juno1gov",
			Key:             keys.CompositeString("unrelated"),
			Value:           "x",
		},
	}

	rows := tr.Apply(batch)
	if len(rows) != 3 {
		t.Fatalf("got %d rows want 3: %+v", len(rows), rows)
	}

	byName := map[string]models.WasmEventTransformation{}
	for _, r := range rows {
		byName[r.Name] = r
	}

	if r, ok := byName["contract_info"]; !ok || r.ContractAddress != "juno1dao" {
		t.Fatalf("missing contract_info row: %+v", rows)
	}
	if r, ok := byName["balance/juno1holder"]; !ok || string(r.Value) != `"250"` {
		t.Fatalf("missing balance row: %+v", rows)
	}
	if r, ok := byName["proposal/42"]; !ok || r.BlockHeight != 101 {
		t.Fatalf("missing proposal row: %+v", rows)
	}
}

func TestApply_DeletePolicy(t *testing.T) {
	t.Parallel()

	tr := Default()

	batch := []*models.WasmEvent{
		{
			BlockHeight:     200,
			ContractAddress: "juno1dao",
			Key:             keys.CompositeString("admin"),
			Deleted:         true,
		},
		{
			// contract_info deletes are dropped, not propagated.
			BlockHeight:     200,
			ContractAddress: "juno1dao",
			Key:             keys.CompositeString("contract_info"),
			Deleted:         true,
		},
	}

	rows := tr.Apply(batch)
	if len(rows) != 1 {
		t.Fatalf("got %d rows want 1: %+v", len(rows), rows)
	}
	if rows[0].Name != "admin" || string(rows[0].Value) != "null" {
		t.Fatalf("admin delete should store null, got %+v", rows[0])
	}
}

func TestApply_CollapsesPerName(t *testing.T) {
	t.Parallel()

	// A rule with a fixed name over a namespace collapses several keys of
	// the same block to the last projected row.
	rule := Rule{
		ID:      "count",
		Keys:    KeyUnder("items"),
		NameFor: fixedName("items_touched"),
		Project: func(e *models.WasmEvent) (json.RawMessage, bool) {
			return json.RawMessage(`"` + e.Value + `"`), true
		},
	}
	tr := New(rule)

	batch := []*models.WasmEvent{
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: keys.CompositeString("items", "a"), Value: "first"},
		{BlockHeight: 100, ContractAddress: "juno1abc", Key: keys.CompositeString("items", "b"), Value: "second"},
		{BlockHeight: 101, ContractAddress: "juno1abc", Key: keys.CompositeString("items", "a"), Value: "third"},
	}

	rows := tr.Apply(batch)
	if len(rows) != 2 {
		t.Fatalf("got %d rows want 2: %+v", len(rows), rows)
	}
	if string(rows[0].Value) != `"second"` {
		t.Fatalf("block 100 should keep the last write, got %s", rows[0].Value)
	}
	if rows[1].BlockHeight != 101 || string(rows[1].Value) != `"third"` {
		t.Fatalf("block 101 row wrong: %+v", rows[1])
	}
}

func TestApply_ContractFilterAndSkip(t *testing.T) {
	t.Parallel()

	rule := Rule{
		ID:        "scoped",
		Contracts: []string{"juno1only"},
		Keys:      ExactKey("admin"),
		NameFor:   fixedName("scoped_admin"),
		Project: func(e *models.WasmEvent) (json.RawMessage, bool) {
			if e.Value == "skip-me" {
				return nil, false
			}
			return json.RawMessage(`"ok"`), true
		},
	}
	tr := New(rule)

	batch := []*models.WasmEvent{
		{BlockHeight: 1, ContractAddress: "juno1other", Key: keys.CompositeString("admin"), Value: "x"},
		{BlockHeight: 2, ContractAddress: "juno1only", Key: keys.CompositeString("admin"), Value: "skip-me"},
		{BlockHeight: 3, ContractAddress: "juno1only", Key: keys.CompositeString("admin"), Value: "x"},
	}

	rows := tr.Apply(batch)
	if len(rows) != 1 {
		t.Fatalf("got %d rows want 1: %+v", len(rows), rows)
	}
	if rows[0].BlockHeight != 3 {
		t.Fatalf("got block %d want 3", rows[0].BlockHeight)
	}
}

func TestProposalRule_RejectsBadSegments(t *testing.T) {
	t.Parallel()

	tr := Default()

	batch := []*models.WasmEvent{
		{
			// Trailing segment is not 8 bytes, so no proposal id exists.
			BlockHeight:     100,
			ContractAddress: "juno1gov",
			Key:             keys.CompositeString("proposals", "abc"),
			Value:           "{}",
			ValueJSON:       json.RawMessage("{}"),
		},
	}

	if rows := tr.Apply(batch); len(rows) != 0 {
		t.Fatalf("got %d rows want 0: %+v", len(rows), rows)
	}
}
