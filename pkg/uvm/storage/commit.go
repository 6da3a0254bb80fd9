package storage

import (
	"fmt"
	"math"
	"sort"
)

// CommitContext carries what Commit needs from the VM and the host.
type CommitContext struct {
	// HostException is set when the host reported an error during the run.
	HostException bool

	// InInit is set when the starting api is the contract's init.
	InInit bool

	// StartingContract is the contract whose api started the run.
	StartingContract string

	// Properties returns the storage manifest of a contract.
	Properties func(contract string) (map[string]Type, error)

	// Live returns the current contents of the live VM table cached for an
	// aggregate slot, or false when none is cached.
	Live func(key Key) (Value, bool)

	// Apply receives the merged changes. It is the host commit.
	Apply func([]ContractChanges) error
}

func rejectCommit(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCommitRejected, fmt.Sprintf(format, args...))
}

// Commit merges the recorded changes, validates them against the contract
// manifests, computes aggregate diffs and hands the result to ctx.Apply.
// The tracker lists are cleared whatever the outcome.
func (t *Tracker) Commit(ctx CommitContext) ([]ContractChanges, error) {
	defer t.Reset()

	if ctx.HostException {
		return nil, ErrHostException
	}
	if t.violation != nil {
		return nil, t.violation
	}

	list := t.changes
	if t.opts.ModChangeList && len(list) > 0 && list[0].Before.IsNull() && list[0].After.IsNull() {
		list = list[1:]
	}

	// Aggregates may have been mutated in place after they were read, so
	// their live contents are folded in as changes.
	for _, r := range t.reads {
		if ctx.Live == nil {
			break
		}
		live, ok := ctx.Live(r.Key)
		if !ok {
			continue
		}
		item := Change{Key: r.Key, Before: r.Before, After: live}
		if !item.Before.Equal(item.After) {
			list = append(list, item)
		}
	}

	merged := make(map[string]map[string]*Change)
	nullKeys := make(map[string]bool)
	for _, c := range list {
		full := c.Key.FullKey()
		if !t.opts.ModChangeList && t.opts.UseFastMapSetNil && c.Key.FastMap && nullKeys[full] {
			continue
		}
		byKey, ok := merged[c.Key.Contract]
		if !ok {
			byKey = make(map[string]*Change)
			merged[c.Key.Contract] = byKey
		}
		if prev, ok := byKey[full]; ok {
			prev.After = c.After.Clone()
		} else {
			item := Change{Key: c.Key, Before: c.Before.Clone(), After: c.After.Clone()}
			byKey[full] = &item
		}
		if !t.opts.ModChangeList && c.After.IsNull() {
			nullKeys[full] = true
		}
	}

	if ctx.InInit && len(merged) == 0 && ctx.Properties != nil {
		props, err := ctx.Properties(ctx.StartingContract)
		if err == nil && len(props) > 0 {
			return nil, rejectCommit("some storage of this contract not init")
		}
	}

	contracts := make([]string, 0, len(merged))
	for c := range merged {
		contracts = append(contracts, c)
	}
	sort.Strings(contracts)

	out := make([]ContractChanges, 0, len(contracts))
	for _, contract := range contracts {
		byKey := merged[contract]
		var props map[string]Type
		if ctx.Properties != nil {
			p, err := ctx.Properties(contract)
			if err != nil {
				return nil, rejectCommit("Can't get contract info by contract address %s", contract)
			}
			props = p
		}
		starting := ctx.InInit && contract == ctx.StartingContract

		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		cc := ContractChanges{Contract: contract}
		for _, full := range keys {
			c := byKey[full]
			if starting && !c.Key.FastMap {
				declared, ok := props[c.Key.Name]
				if !ok {
					return nil, rejectCommit("Can't find storage %s", c.Key.Name)
				}
				if err := matchManifest(c, declared); err != nil {
					return nil, err
				}
			}

			if c.After.IsAggregate() {
				if c.Before.Type.IsArray() && c.After.Len() == 0 {
					c.After.Type = c.Before.Type
				} else if c.Before.IsAggregate() && c.Before.Len() > 0 {
					c.After.Type = c.Before.Type
				}
			}

			if !starting && !c.Before.IsNull() {
				if declared, ok := props[full]; ok {
					if err := matchManifest(c, declared); err != nil {
						return nil, err
					}
				}
			}

			if c.After.IsAggregate() {
				if err := checkHomogeneous(c.After); err != nil {
					return nil, err
				}
				if c.Before.IsAggregate() {
					d, err := ComputeDiff(c.Before, c.After)
					if err != nil {
						return nil, rejectCommit("diff storage %s: %v", full, err)
					}
					if d != nil {
						enc, err := EncodeDiff(d, t.opts.UseCBORDiff)
						if err != nil {
							return nil, rejectCommit("diff storage %s: %v", full, err)
						}
						c.Diff = enc
					}
				}
			}

			if isNoop(c) {
				continue
			}
			cc.Changes = append(cc.Changes, *c)
		}
		if len(cc.Changes) > 0 {
			out = append(out, cc)
		}
	}

	if ctx.Apply != nil {
		if err := ctx.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// matchManifest checks a change against its declared type and applies the
// int and number coercions. Non-empty and unknown aggregates take the
// declared type.
func matchManifest(c *Change, declared Type) error {
	switch {
	case c.After.IsAggregate():
		if !declared.IsAggregate() {
			return rejectCommit("storage %s type not matched in chain", c.Key.Name)
		}
		if base := declared.ItemType(); base != TypeNull && c.After.Len() > 0 {
			for k, it := range c.After.Items {
				it.TryParseType(base)
				c.After.Items[k] = it
			}
			if c.After.Items[c.After.sortedKeys()[0]].Type != base {
				return rejectCommit("storage %s type not matched in chain", c.Key.Name)
			}
			c.After.Type = declared
		}
		if c.After.Type == TypeUnknownTable || c.After.Type == TypeUnknownArray {
			c.After.Type = declared
		}
	case c.After.Type == TypeNumber && declared == TypeInt:
		c.After.TryParseType(TypeInt)
	case c.After.Type == TypeInt && declared == TypeNumber:
		c.After.TryParseType(TypeNumber)
	}
	return nil
}

// checkHomogeneous requires every element of an aggregate to share a base
// type.
func checkHomogeneous(v Value) error {
	first := true
	var itemType Type
	for _, k := range v.sortedKeys() {
		it := v.Items[k]
		if first {
			itemType, first = it.Type, false
			continue
		}
		if !sameBaseType(it.Type, itemType) {
			return rejectCommit("array/map's value type must be same in contract storage")
		}
	}
	return nil
}

func (v Value) sortedKeys() []string {
	keys := make([]string, 0, len(v.Items))
	for k := range v.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isNoop(c *Change) bool {
	a, b := c.After, c.Before
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeNumber:
		return math.Abs(a.Num-b.Num) < FloatEpsilon
	case TypeNull, TypeBool, TypeInt, TypeString, TypeStream:
		return a.Equal(b)
	}
	return a.IsAggregate() && a.Len() == 0 && b.Len() == 0
}
