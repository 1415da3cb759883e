package formula

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"wasmscan/internal/keys"
)

// Canonical forms of the storage keys the built-in formulas read. Computed
// once; these are pure functions of constant segments.
var (
	keyContractInfo  = keys.CompositeString("contract_info")
	keyConfigV2      = keys.CompositeString("config_v2")
	keyConfig        = keys.CompositeString("config")
	keyTokenInfo     = keys.CompositeString("token_info")
	keyAdmin         = keys.CompositeString("admin")
	keyTotalStaked   = keys.CompositeString("total_staked")
	keyGroupTotal    = keys.CompositeString("total")
	keyProposalCount = keys.CompositeString("proposal_count")

	prefixBalance        = keys.PrefixString("balance")
	prefixStakedBalances = keys.PrefixString("staked_balances")
	prefixMembers        = keys.PrefixString("members")
	prefixProposals      = keys.PrefixString("proposals")
)

// builtins is the formula set shipped with the registry.
func builtins() []Formula {
	return []Formula{
		{Name: "contract_info", Fn: contractInfoFormula},
		{Name: "config", Fn: configFormula},
		{Name: "item", Fn: itemFormula},
		{Name: "admin", Fn: adminFormula},
		{Name: "token_info", Fn: tokenInfoFormula},
		{Name: "total_supply", Fn: totalSupplyFormula},
		{Name: "balance", Fn: balanceFormula},
		{Name: "all_balances", Fn: allBalancesFormula},
		{Name: "proposal", Fn: proposalFormula},
		{Name: "proposal_count", Fn: proposalCountFormula},
		{Name: "created_at", Fn: createdAtFormula},
		{Name: "voting_power", Fn: votingPowerFormula},
		{Name: "total_power", Fn: totalPowerFormula},
	}
}

// jsonOrNil converts a gjson read into a formula output value.
func jsonOrNil(v gjson.Result, found bool) interface{} {
	if !found {
		return nil
	}
	return v.Value()
}

// contractInfoFormula returns the cw2 contract_info document.
func contractInfoFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	v, found, err := env.Get(ctx, env.Target(), keyContractInfo)
	if err != nil {
		return nil, err
	}
	return jsonOrNil(v, found), nil
}

// configFormula reads the contract config with version fallback: newer
// contracts store config_v2, older ones config.
func configFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	v, found, err := env.GetFirst(ctx, env.Target(), keyConfigV2, keyConfig)
	if err != nil {
		return nil, err
	}
	return jsonOrNil(v, found), nil
}

// itemFormula reads an arbitrary single-segment Item named by the key arg.
func itemFormula(ctx context.Context, env *Env, args Args) (interface{}, error) {
	name, err := args.Require("key")
	if err != nil {
		return nil, err
	}
	v, found, err := env.Get(ctx, env.Target(), keys.CompositeString(name))
	if err != nil {
		return nil, err
	}
	return jsonOrNil(v, found), nil
}

func adminFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	v, found, err := env.Get(ctx, env.Target(), keyAdmin)
	if err != nil {
		return nil, err
	}
	return jsonOrNil(v, found), nil
}

func tokenInfoFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	v, found, err := env.Get(ctx, env.Target(), keyTokenInfo)
	if err != nil {
		return nil, err
	}
	return jsonOrNil(v, found), nil
}

// totalSupplyFormula projects total_supply out of the cw20 token_info Item.
func totalSupplyFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	v, found, err := env.Get(ctx, env.Target(), keyTokenInfo)
	if err != nil {
		return nil, err
	}
	if !found {
		return "0", nil
	}
	supply := v.Get("total_supply")
	if !supply.Exists() {
		return "0", nil
	}
	return supply.String(), nil
}

// balanceFormula reads one holder's cw20 balance. Missing entries are "0";
// cw20 removes rows it decrements to zero.
func balanceFormula(ctx context.Context, env *Env, args Args) (interface{}, error) {
	addr, err := args.Require("address")
	if err != nil {
		return nil, err
	}
	v, found, err := env.Get(ctx, env.Target(), keys.CompositeString("balance", addr))
	if err != nil {
		return nil, err
	}
	if !found {
		return "0", nil
	}
	return v.String(), nil
}

// allBalancesFormula maps every cw20 holder to its balance.
func allBalancesFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	entries, err := env.GetMap(ctx, env.Target(), prefixBalance)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for holder, v := range entries {
		out[holder] = v.String()
	}
	return out, nil
}

// proposalFormula reads one cw3 proposal by numeric id. The map key is the
// id as eight big-endian bytes.
func proposalFormula(ctx context.Context, env *Env, args Args) (interface{}, error) {
	idStr, err := args.Require("id")
	if err != nil {
		return nil, err
	}
	var id uint64
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		return nil, fmt.Errorf("invalid proposal id %q", idStr)
	}
	v, found, err := env.Get(ctx, env.Target(), keys.Composite([]byte("proposals"), keys.Uint64Segment(id)))
	if err != nil {
		return nil, err
	}
	return jsonOrNil(v, found), nil
}

func proposalCountFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	v, found, err := env.Get(ctx, env.Target(), keyProposalCount)
	if err != nil {
		return nil, err
	}
	if !found {
		return uint64(0), nil
	}
	return v.Uint(), nil
}

// createdAtFormula returns the first-set time of the contract_info Item,
// i.e. the instantiation time as observed on the stream.
func createdAtFormula(ctx context.Context, env *Env, _ Args) (interface{}, error) {
	t, err := env.GetCreatedAt(ctx, env.Target(), keyContractInfo)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	return t.Format("2006-01-02T15:04:05.000Z"), nil
}

// powerVariant implements voting_power/total_power for one contract kind.
type powerVariant struct {
	voting func(ctx context.Context, env *Env, args Args) (interface{}, error)
	total  func(ctx context.Context, env *Env, args Args) (interface{}, error)
}

// powerVariants dispatches on the canonical crate name a contract records in
// its cw2 contract_info.
var powerVariants = map[string]powerVariant{
	"crates.io:cw20-stake": {
		voting: func(ctx context.Context, env *Env, args Args) (interface{}, error) {
			addr, err := args.Require("address")
			if err != nil {
				return nil, err
			}
			v, found, err := env.Get(ctx, env.Target(), keys.CompositeString("staked_balances", addr))
			if err != nil {
				return nil, err
			}
			if !found {
				return "0", nil
			}
			return v.String(), nil
		},
		total: func(ctx context.Context, env *Env, _ Args) (interface{}, error) {
			v, found, err := env.Get(ctx, env.Target(), keyTotalStaked)
			if err != nil {
				return nil, err
			}
			if !found {
				return "0", nil
			}
			return v.String(), nil
		},
	},
	"crates.io:cw4-group": {
		voting: func(ctx context.Context, env *Env, args Args) (interface{}, error) {
			addr, err := args.Require("address")
			if err != nil {
				return nil, err
			}
			v, found, err := env.Get(ctx, env.Target(), keys.CompositeString("members", addr))
			if err != nil {
				return nil, err
			}
			if !found {
				return "0", nil
			}
			return v.String(), nil
		},
		total: func(ctx context.Context, env *Env, _ Args) (interface{}, error) {
			v, found, err := env.Get(ctx, env.Target(), keyGroupTotal)
			if err != nil {
				return nil, err
			}
			if !found {
				return "0", nil
			}
			return v.String(), nil
		},
	},
}

// resolvePowerVariant reads the target's contract_info to pick the staking
// model. The read records a dependency, so a chain migration to a different
// crate invalidates cached power computations.
func resolvePowerVariant(ctx context.Context, env *Env) (powerVariant, error) {
	info, found, err := env.Get(ctx, env.Target(), keyContractInfo)
	if err != nil {
		return powerVariant{}, err
	}
	if !found {
		return powerVariant{}, fmt.Errorf("contract %s has no contract_info", env.Target())
	}
	name := info.Get("contract").String()
	variant, ok := powerVariants[name]
	if !ok {
		return powerVariant{}, fmt.Errorf("no voting power implementation for contract %q", name)
	}
	return variant, nil
}

func votingPowerFormula(ctx context.Context, env *Env, args Args) (interface{}, error) {
	variant, err := resolvePowerVariant(ctx, env)
	if err != nil {
		return nil, err
	}
	return variant.voting(ctx, env, args)
}

func totalPowerFormula(ctx context.Context, env *Env, args Args) (interface{}, error) {
	variant, err := resolvePowerVariant(ctx, env)
	if err != nil {
		return nil, err
	}
	return variant.total(ctx, env, args)
}
