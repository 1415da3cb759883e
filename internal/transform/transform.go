// Package transform projects raw wasm events into named per-contract rows.
// Each rule recognizes one storage layout (an Item key or a Map namespace)
// and emits a stable name so formulas and webhooks can address the value
// without re-deriving key encodings.
package transform

import (
	"encoding/json"
	"strings"

	"wasmscan/internal/keys"
	"wasmscan/internal/models"
)

// KeyFilter matches canonical event keys either exactly or under a
// length-prefixed namespace.
type KeyFilter struct {
	canon  string
	prefix bool
}

// ExactKey matches the composite key built from segments.
func ExactKey(segments ...string) KeyFilter {
	return KeyFilter{canon: keys.CompositeString(segments...)}
}

// KeyUnder matches every key stored below the namespace segments.
func KeyUnder(segments ...string) KeyFilter {
	return KeyFilter{canon: keys.PrefixString(segments...), prefix: true}
}

// Match reports whether a canonical key satisfies the filter.
func (f KeyFilter) Match(canonical string) bool {
	if f.prefix {
		return strings.HasPrefix(canonical, f.canon)
	}
	return canonical == f.canon
}

// Canonical exposes the filter's canonical form, used by name templates that
// embed the trailing map key.
func (f KeyFilter) Canonical() string {
	return f.canon
}

// Rule is one projection from events to transformation rows.
//
// NameFor derives the stored name (false skips the event). Project shapes
// the stored value for non-delete events (false skips). Delete events bypass
// Project: rules with PropagateDeletes store JSON null, others drop the
// event.
type Rule struct {
	ID               string
	Contracts        []string
	Keys             KeyFilter
	PropagateDeletes bool
	NameFor          func(e *models.WasmEvent) (string, bool)
	Project          func(e *models.WasmEvent) (json.RawMessage, bool)
}

func (r *Rule) matches(e *models.WasmEvent) bool {
	if len(r.Contracts) > 0 {
		found := false
		for _, c := range r.Contracts {
			if c == e.ContractAddress {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Keys.Match(e.Key)
}

// Transformer applies an ordered rule set to event batches.
type Transformer struct {
	rules []Rule
}

// New creates a Transformer over the given rules.
func New(rules ...Rule) *Transformer {
	return &Transformer{rules: rules}
}

// Default returns a Transformer with the built-in rule set registered.
func Default() *Transformer {
	return New(BuiltinRules()...)
}

// Apply computes the transformation rows for a deduplicated batch. Rows are
// collapsed last-write-wins per (block, contract, name) so the result can go
// straight into the bulk upsert.
func (t *Transformer) Apply(batch []*models.WasmEvent) []models.WasmEventTransformation {
	type rowKey struct {
		block    uint64
		contract string
		name     string
	}

	index := make(map[rowKey]int)
	var rows []models.WasmEventTransformation

	for _, e := range batch {
		for i := range t.rules {
			r := &t.rules[i]
			if !r.matches(e) {
				continue
			}
			name, ok := r.NameFor(e)
			if !ok {
				continue
			}

			var value json.RawMessage
			if e.Deleted {
				if !r.PropagateDeletes {
					continue
				}
				value = json.RawMessage("null")
			} else {
				v, keep := r.Project(e)
				if !keep {
					continue
				}
				value = v
			}

			row := models.WasmEventTransformation{
				BlockHeight:     e.BlockHeight,
				ContractAddress: e.ContractAddress,
				Name:            name,
				Value:           value,
				BlockTimeUnixMs: e.BlockTimeUnixMs,
			}
			k := rowKey{e.BlockHeight, e.ContractAddress, name}
			if j, seen := index[k]; seen {
				rows[j] = row
			} else {
				index[k] = len(rows)
				rows = append(rows, row)
			}
		}
	}
	return rows
}
