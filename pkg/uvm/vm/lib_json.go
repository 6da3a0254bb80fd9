package vm

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// maxJSONDepth bounds the nesting of encoded and decoded values.
const maxJSONDepth = 32

func (L *State) openJSON() error {
	_, err := L.newLib("json", []libFunc{
		{"dumps", jsonDumps},
		{"loads", jsonLoads},
	})
	return err
}

func jsonDumps(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	s, err := L.ToJSON(v)
	if err != nil {
		return 0, L.argError(1, err.Error())
	}
	return 1, L.PushString(s)
}

func jsonLoads(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	v, err := L.FromJSON(s)
	if err != nil {
		return 0, L.argError(1, err.Error())
	}
	L.Push(v)
	return 1, nil
}

type jsonError string

func (e jsonError) Error() string { return string(e) }

// ToJSON encodes v. Tables with the keys 1..n become arrays, other tables
// objects with sorted keys. Functions and userdata cannot be encoded.
func (L *State) ToJSON(v Value) (string, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v, 0); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeJSON(buf *bytes.Buffer, v Value, depth int) error {
	if depth > maxJSONDepth {
		return jsonError("cannot serialise, excessive nesting")
	}
	switch v.kind {
	case KindNil:
		buf.WriteString("null")
	case KindBool, KindInt:
		buf.WriteString(v.String())
	case KindNumber:
		f, _ := v.AsNumber()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return jsonError("cannot serialise number " + v.String())
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', 14, 64))
	case KindString:
		b, _ := json.Marshal(v.obj.(*String).s)
		buf.Write(b)
	case KindTable:
		return writeJSONTable(buf, v.obj.(*Table), depth)
	default:
		return jsonError("cannot serialise " + v.TypeName())
	}
	return nil
}

func writeJSONTable(buf *bytes.Buffer, t *Table, depth int) error {
	if n := t.Length(); n > 0 && n == t.Count() {
		buf.WriteByte('[')
		for i := 0; i < n; i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, t.arr[i], depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	type entry struct {
		k string
		v Value
	}
	var entries []entry
	var ferr error
	t.ForEach(func(k, v Value) bool {
		ks, ok := toStringCoerce(k)
		if !ok {
			ferr = jsonError("cannot serialise table key of type " + k.TypeName())
			return false
		}
		entries = append(entries, entry{ks, v})
		return true
	})
	if ferr != nil {
		return ferr
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, _ := json.Marshal(e.k)
		buf.Write(b)
		buf.WriteByte(':')
		if err := writeJSON(buf, e.v, depth+1); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// FromJSON decodes a JSON document into VM values. Integral numbers
// become integers.
func (L *State) FromJSON(s string) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Nil, jsonError("invalid json: " + err.Error())
	}
	if dec.More() {
		return Nil, jsonError("invalid json: trailing data")
	}
	return L.fromRawJSON(raw, 0)
}

func (L *State) fromRawJSON(raw interface{}, depth int) (Value, error) {
	if depth > maxJSONDepth {
		return Nil, jsonError("cannot deserialise, excessive nesting")
	}
	switch x := raw.(type) {
	case nil:
		return Nil, nil
	case bool:
		return Bool(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Nil, jsonError("invalid number " + x.String())
		}
		return Number(f), nil
	case string:
		return L.NewString(x)
	case []interface{}:
		t, err := L.NewTable(len(x), 0)
		if err != nil {
			return Nil, err
		}
		for i, it := range x {
			v, err := L.fromRawJSON(it, depth+1)
			if err != nil {
				return Nil, err
			}
			if err := t.RawSetInt(int64(i)+1, v); err != nil {
				return Nil, err
			}
		}
		return tableValue(t), nil
	case map[string]interface{}:
		t, err := L.NewTable(0, len(x))
		if err != nil {
			return Nil, err
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := L.fromRawJSON(x[k], depth+1)
			if err != nil {
				return Nil, err
			}
			if err := t.RawSetString(L, k, v); err != nil {
				return Nil, err
			}
		}
		return tableValue(t), nil
	}
	return Nil, jsonError("unsupported json value")
}
