package transform

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"wasmscan/internal/keys"
	"wasmscan/internal/models"
)

// BuiltinRules covers the common cw-storage layouts: the contract_info Item
// every instantiated contract writes, cw20 balance and staking state, and
// cw3/cw-gov proposal maps.
func BuiltinRules() []Rule {
	return []Rule{
		contractInfoRule(),
		adminRule(),
		stakedTotalRule(),
		balanceRule(),
		proposalRule(),
	}
}

// jsonValue prefers the parsed JSON document and falls back to quoting the
// raw string for contracts that store bare values.
func jsonValue(e *models.WasmEvent) (json.RawMessage, bool) {
	if len(e.ValueJSON) > 0 {
		return e.ValueJSON, true
	}
	b, err := json.Marshal(e.Value)
	if err != nil {
		return nil, false
	}
	return b, true
}

func fixedName(name string) func(*models.WasmEvent) (string, bool) {
	return func(*models.WasmEvent) (string, bool) { return name, true }
}

// contractInfoRule mirrors the {contract, version} Item written by
// cw2::set_contract_version on instantiate and migrate.
func contractInfoRule() Rule {
	return Rule{
		ID:      "contract_info",
		Keys:    ExactKey("contract_info"),
		NameFor: fixedName("contract_info"),
		Project: jsonValue,
	}
}

// adminRule tracks the cw_controllers admin Item. Clearing the admin is a
// real state change, so deletes propagate as null.
func adminRule() Rule {
	return Rule{
		ID:               "admin",
		Keys:             ExactKey("admin"),
		PropagateDeletes: true,
		NameFor:          fixedName("admin"),
		Project:          jsonValue,
	}
}

// stakedTotalRule tracks the total_staked Item of cw20-stake contracts.
func stakedTotalRule() Rule {
	return Rule{
		ID:      "staked_total",
		Keys:    ExactKey("total_staked"),
		NameFor: fixedName("staked_total"),
		Project: jsonValue,
	}
}

// balanceRule fans the cw20 balance Map out into one row per holder. The
// map key is the bech32 holder address, so it embeds into the name as-is.
func balanceRule() Rule {
	filter := KeyUnder("balance")
	return Rule{
		ID:               "balance",
		Keys:             filter,
		PropagateDeletes: true,
		NameFor: func(e *models.WasmEvent) (string, bool) {
			seg, ok := keys.TrailingSegment(e.Key, filter.Canonical())
			if !ok || len(seg) == 0 || !utf8.Valid(seg) {
				return "", false
			}
			return "balance/" + string(seg), true
		},
		Project: jsonValue,
	}
}

// proposalRule fans the proposals Map out per numeric id. cw3 stores the id
// as an 8-byte big-endian segment.
func proposalRule() Rule {
	filter := KeyUnder("proposals")
	return Rule{
		ID:               "proposal",
		Keys:             filter,
		PropagateDeletes: true,
		NameFor: func(e *models.WasmEvent) (string, bool) {
			seg, ok := keys.TrailingSegment(e.Key, filter.Canonical())
			if !ok {
				return "", false
			}
			id, ok := keys.SegmentUint64(seg)
			if !ok {
				return "", false
			}
			return fmt.Sprintf("proposal/%d", id), true
		},
		Project: jsonValue,
	}
}
