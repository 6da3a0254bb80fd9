package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Diff markers.
const (
	DiffOld     = "__old"
	DiffNew     = "__new"
	DiffAdded   = "__added"
	DiffDeleted = "__deleted"

	OpAdd    = "+"
	OpDelete = "-"
	OpModify = "~"
)

// ErrBadDiff is returned when a diff does not apply to its base value.
var ErrBadDiff = errors.New("invalid storage diff")

// ComputeDiff returns the structural diff taking before to after, in plain
// Go form, or nil when the two are equal.
//
// Tables diff to {"k__deleted": old, "k__added": new, "k": subdiff},
// arrays to [["-", i, old], ["~", i, subdiff], ["+", i, new]] with 0-based
// positions, and anything else to {"__old": old, "__new": new}.
func ComputeDiff(before, after Value) (interface{}, error) {
	if before.Equal(after) {
		return nil, nil
	}
	switch {
	case before.Type.IsTable() && after.Type.IsTable():
		out := make(map[string]interface{})
		for k, old := range before.Items {
			nv, ok := after.Items[k]
			if !ok {
				r, err := old.Raw()
				if err != nil {
					return nil, err
				}
				out[k+DiffDeleted] = r
				continue
			}
			sub, err := ComputeDiff(old, nv)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				out[k] = sub
			}
		}
		for k, nv := range after.Items {
			if _, ok := before.Items[k]; ok {
				continue
			}
			r, err := nv.Raw()
			if err != nil {
				return nil, err
			}
			out[k+DiffAdded] = r
		}
		if len(out) == 0 {
			// Same contents under a different element type.
			return scalarDiff(before, after)
		}
		return out, nil

	case before.Type.IsArray() && after.Type.IsArray():
		olds, news := before.Elements(), after.Elements()
		var ops []interface{}
		n := len(olds)
		if len(news) < n {
			n = len(news)
		}
		for i := 0; i < n; i++ {
			sub, err := ComputeDiff(olds[i], news[i])
			if err != nil {
				return nil, err
			}
			if sub != nil {
				ops = append(ops, []interface{}{OpModify, int64(i), sub})
			}
		}
		for i := len(olds) - 1; i >= n; i-- {
			r, err := olds[i].Raw()
			if err != nil {
				return nil, err
			}
			ops = append(ops, []interface{}{OpDelete, int64(i), r})
		}
		for i := n; i < len(news); i++ {
			r, err := news[i].Raw()
			if err != nil {
				return nil, err
			}
			ops = append(ops, []interface{}{OpAdd, int64(i), r})
		}
		if len(ops) == 0 {
			return scalarDiff(before, after)
		}
		return ops, nil
	}
	return scalarDiff(before, after)
}

func scalarDiff(before, after Value) (interface{}, error) {
	o, err := before.Raw()
	if err != nil {
		return nil, err
	}
	n, err := after.Raw()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{DiffOld: o, DiffNew: n}, nil
}

// EncodeDiff encodes a diff as canonical CBOR or as JSON.
func EncodeDiff(d interface{}, useCBOR bool) ([]byte, error) {
	if useCBOR {
		return encMode.Marshal(d)
	}
	return json.Marshal(d)
}

// DecodeDiff decodes the output of EncodeDiff.
func DecodeDiff(data []byte, useCBOR bool) (interface{}, error) {
	if useCBOR {
		var d interface{}
		if err := decMode.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDiff, err)
		}
		return d, nil
	}
	d, err := decodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDiff, err)
	}
	return d, nil
}

// ApplyDiff patches before forward by d, as produced by ComputeDiff or
// DecodeDiff.
func ApplyDiff(before Value, d interface{}) (Value, error) {
	if d == nil {
		return before.Clone(), nil
	}
	switch x := d.(type) {
	case map[string]interface{}:
		if nv, ok := x[DiffNew]; ok {
			if _, hasOld := x[DiffOld]; hasOld || len(x) == 1 {
				return FromRaw(nv)
			}
		}
		if !before.Type.IsTable() {
			return Value{}, fmt.Errorf("%w: table diff applied to %s", ErrBadDiff, before.Type)
		}
		out := before.Clone()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub := x[k]
			switch {
			case strings.HasSuffix(k, DiffDeleted):
				delete(out.Items, strings.TrimSuffix(k, DiffDeleted))
			case strings.HasSuffix(k, DiffAdded):
				v, err := FromRaw(sub)
				if err != nil {
					return Value{}, err
				}
				out.Items[strings.TrimSuffix(k, DiffAdded)] = v
			default:
				cur, ok := out.Items[k]
				if !ok {
					return Value{}, fmt.Errorf("%w: key %q not in base", ErrBadDiff, k)
				}
				v, err := ApplyDiff(cur, sub)
				if err != nil {
					return Value{}, err
				}
				out.Items[k] = v
			}
		}
		return retype(before, out), nil

	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: key %v", ErrBadDiff, k)
			}
			m[ks] = v
		}
		return ApplyDiff(before, m)

	case []interface{}:
		if !before.Type.IsArray() {
			return Value{}, fmt.Errorf("%w: array diff applied to %s", ErrBadDiff, before.Type)
		}
		elems := before.Elements()
		var adds, deletes [][]interface{}
		for _, raw := range x {
			op, ok := raw.([]interface{})
			if !ok || len(op) != 3 {
				return Value{}, fmt.Errorf("%w: malformed array op %v", ErrBadDiff, raw)
			}
			name, _ := op[0].(string)
			idx, err := toIndex(op[1])
			if err != nil {
				return Value{}, err
			}
			switch name {
			case OpModify:
				if idx >= len(elems) {
					return Value{}, fmt.Errorf("%w: index %d out of range", ErrBadDiff, idx)
				}
				v, err := ApplyDiff(elems[idx], op[2])
				if err != nil {
					return Value{}, err
				}
				elems[idx] = v
			case OpDelete:
				deletes = append(deletes, op)
			case OpAdd:
				adds = append(adds, op)
			default:
				return Value{}, fmt.Errorf("%w: unknown array op %q", ErrBadDiff, name)
			}
		}
		sort.Slice(deletes, func(i, j int) bool {
			a, _ := toIndex(deletes[i][1])
			b, _ := toIndex(deletes[j][1])
			return a > b
		})
		for _, op := range deletes {
			idx, _ := toIndex(op[1])
			if idx >= len(elems) {
				return Value{}, fmt.Errorf("%w: index %d out of range", ErrBadDiff, idx)
			}
			elems = append(elems[:idx], elems[idx+1:]...)
		}
		sort.Slice(adds, func(i, j int) bool {
			a, _ := toIndex(adds[i][1])
			b, _ := toIndex(adds[j][1])
			return a < b
		})
		for _, op := range adds {
			idx, _ := toIndex(op[1])
			if idx > len(elems) {
				return Value{}, fmt.Errorf("%w: index %d out of range", ErrBadDiff, idx)
			}
			v, err := FromRaw(op[2])
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, Value{})
			copy(elems[idx+1:], elems[idx:])
			elems[idx] = v
		}
		out := Array(elems...)
		return retype(before, out), nil
	}
	return Value{}, fmt.Errorf("%w: unexpected %T", ErrBadDiff, d)
}

// retype keeps the declared element type of before when the patched value
// still fits it.
func retype(before, out Value) Value {
	item := before.Type.ItemType()
	if item == TypeNull || out.Len() == 0 {
		if out.Len() == 0 {
			out.Type = before.Type
		}
		return out
	}
	for k, it := range out.Items {
		it.TryParseType(item)
		out.Items[k] = it
	}
	if before.Type.IsArray() {
		out.Type = ArrayOf(out.firstItemType())
	} else {
		out.Type = TableOf(out.firstItemType())
	}
	return out
}

func toIndex(r interface{}) (int, error) {
	switch x := r.(type) {
	case int:
		return x, nil
	case int64:
		if x >= 0 && x <= MaxArraySize {
			return int(x), nil
		}
	case uint64:
		if x <= MaxArraySize {
			return int(x), nil
		}
	case float64:
		if x >= 0 && x <= MaxArraySize && x == math.Trunc(x) {
			return int(x), nil
		}
	case json.Number:
		i, err := strconv.Atoi(string(x))
		if err == nil && i >= 0 && i <= MaxArraySize {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: bad index %v", ErrBadDiff, r)
}
