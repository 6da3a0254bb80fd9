package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// MaxArraySize bounds the number of elements read back into an array.
const MaxArraySize = 10000000

// FloatEpsilon is the tolerance under which two stored numbers are equal.
const FloatEpsilon = 0.0000001

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// ErrUnsupportedValue is returned when converting a value that has no
// storage representation.
var ErrUnsupportedValue = errors.New("not supported storage value type")

// Value is a storage value. Aggregates keep their elements in Items keyed by
// string; arrays use the keys "1".."n".
type Value struct {
	Type   Type
	Bool   bool
	Int    int64
	Num    float64
	Str    string
	Stream []byte
	Items  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{Type: TypeNull} }

// Bool returns a bool value.
func Bool(b bool) Value { return Value{Type: TypeBool, Bool: b} }

// Int returns an int value.
func Int(i int64) Value { return Value{Type: TypeInt, Int: i} }

// Number returns a number value.
func Number(f float64) Value { return Value{Type: TypeNumber, Num: f} }

// String returns a string value.
func String(s string) Value { return Value{Type: TypeString, Str: s} }

// Stream returns a byte stream value.
func Stream(b []byte) Value {
	return Value{Type: TypeStream, Stream: append([]byte(nil), b...)}
}

// Table returns a map aggregate whose type is inferred from its elements.
func Table(items map[string]Value) Value {
	v := Value{Items: make(map[string]Value, len(items))}
	for k, it := range items {
		v.Items[k] = it
	}
	v.Type = TableOf(v.firstItemType())
	return v
}

// Array returns an array aggregate whose type is inferred from its first
// element.
func Array(items ...Value) Value {
	v := Value{Items: make(map[string]Value, len(items))}
	for i, it := range items {
		v.Items[strconv.Itoa(i+1)] = it
	}
	v.Type = ArrayOf(v.firstItemType())
	return v
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.Type == TypeNull }

// IsAggregate reports whether v is a table or an array.
func (v Value) IsAggregate() bool { return v.Type.IsAggregate() }

// Len returns the number of elements of an aggregate.
func (v Value) Len() int { return len(v.Items) }

// Keys returns the element keys of an aggregate in iteration order: numeric
// order for arrays, lexical order for tables.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.Items))
	if v.Type.IsArray() {
		for i := 1; i <= MaxArraySize; i++ {
			k := strconv.Itoa(i)
			if _, ok := v.Items[k]; !ok {
				break
			}
			keys = append(keys, k)
		}
		return keys
	}
	for k := range v.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Elements returns the array elements in order.
func (v Value) Elements() []Value {
	keys := v.Keys()
	out := make([]Value, len(keys))
	for i, k := range keys {
		out[i] = v.Items[k]
	}
	return out
}

func (v Value) firstItemType() Type {
	if len(v.Items) == 0 {
		return TypeNull
	}
	if first, ok := v.Items["1"]; ok {
		return first.Type
	}
	keys := make([]string, 0, len(v.Items))
	for k := range v.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return v.Items[keys[0]].Type
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	out := v
	if v.Stream != nil {
		out.Stream = append([]byte(nil), v.Stream...)
	}
	if v.Items != nil {
		out.Items = make(map[string]Value, len(v.Items))
		for k, it := range v.Items {
			out.Items[k] = it.Clone()
		}
	}
	return out
}

// Equal reports whether v and o have the same type and contents.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeBool:
		return v.Bool == o.Bool
	case TypeInt:
		return v.Int == o.Int
	case TypeNumber:
		return v.Num == o.Num
	case TypeString:
		return v.Str == o.Str
	case TypeStream:
		return bytes.Equal(v.Stream, o.Stream)
	}
	if len(v.Items) != len(o.Items) {
		return false
	}
	for k, it := range v.Items {
		other, ok := o.Items[k]
		if !ok || !it.Equal(other) {
			return false
		}
	}
	return true
}

// TryParseType coerces an int to a number or a number to an int when base
// asks for the other numeric type. Other values are left unchanged.
func (v *Value) TryParseType(base Type) {
	switch {
	case v.Type == TypeInt && base == TypeNumber:
		v.Type, v.Num, v.Int = TypeNumber, float64(v.Int), 0
	case v.Type == TypeNumber && base == TypeInt:
		v.Type, v.Int, v.Num = TypeInt, int64(v.Num), 0
	}
}

// String renders the value as JSON.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.Type)
	}
	return string(b)
}

// Raw returns the plain Go form of v: nil, bool, int64, float64, string,
// []byte, []interface{} or map[string]interface{}.
func (v Value) Raw() (interface{}, error) {
	switch v.Type {
	case TypeNull:
		return nil, nil
	case TypeBool:
		return v.Bool, nil
	case TypeInt:
		return v.Int, nil
	case TypeNumber:
		return v.Num, nil
	case TypeString:
		return v.Str, nil
	case TypeStream:
		return append([]byte(nil), v.Stream...), nil
	}
	if v.Type.IsArray() {
		elems := v.Elements()
		out := make([]interface{}, len(elems))
		for i, e := range elems {
			r, err := e.Raw()
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	if v.Type.IsTable() {
		out := make(map[string]interface{}, len(v.Items))
		for k, e := range v.Items {
			r, err := e.Raw()
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, v.Type)
}

// FromRaw converts a plain Go value into a storage value. Aggregate types are
// inferred from the first element; empty aggregates are unknown_*.
func FromRaw(r interface{}) (Value, error) {
	switch x := r.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: integer %d overflows", ErrUnsupportedValue, x)
		}
		return Int(int64(x)), nil
	case float32:
		return Number(float64(x)), nil
	case float64:
		return Number(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case []byte:
		return Stream(x), nil
	case []interface{}:
		items := make([]Value, len(x))
		for i, e := range x {
			v, err := FromRaw(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]interface{}:
		items := make(map[string]Value, len(x))
		for k, e := range x {
			v, err := FromRaw(e)
			if err != nil {
				return Value{}, err
			}
			items[k] = v
		}
		return Table(items), nil
	case map[interface{}]interface{}:
		items := make(map[string]Value, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: map key %v", ErrUnsupportedValue, k)
			}
			v, err := FromRaw(e)
			if err != nil {
				return Value{}, err
			}
			items[ks] = v
		}
		return Table(items), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, r)
}

// MarshalCBOR encodes the value contents in canonical CBOR. The element
// type of an aggregate is not preserved; use EncodeValue for that.
func (v Value) MarshalCBOR() ([]byte, error) {
	r, err := v.Raw()
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(r)
}

// UnmarshalCBOR decodes CBOR contents, inferring types.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var r interface{}
	if err := decMode.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("storage: unmarshal value: %w", err)
	}
	out, err := FromRaw(r)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// MarshalJSON encodes the value as JSON. Numbers with an integral value
// keep a fractional part so they read back as numbers, and streams are
// written as hex strings.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.Type {
	case TypeNull:
		buf.WriteString("null")
	case TypeBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case TypeInt:
		buf.WriteString(strconv.FormatInt(v.Int, 10))
	case TypeNumber:
		if math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, v.Num)
		}
		s := strconv.FormatFloat(v.Num, 'g', -1, 64)
		if !bytes.ContainsAny([]byte(s), ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case TypeString:
		b, _ := json.Marshal(v.Str)
		buf.Write(b)
	case TypeStream:
		b, _ := json.Marshal(hex.EncodeToString(v.Stream))
		buf.Write(b)
	default:
		if v.Type.IsArray() {
			buf.WriteByte('[')
			for i, e := range v.Elements() {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := e.writeJSON(buf); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			return nil
		}
		if !v.Type.IsTable() {
			return fmt.Errorf("%w: %s", ErrUnsupportedValue, v.Type)
		}
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.Items[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON decodes JSON, reading integral literals as ints and
// everything else numeric as numbers.
func (v *Value) UnmarshalJSON(data []byte) error {
	r, err := decodeJSON(data)
	if err != nil {
		return err
	}
	out, err := FromRaw(r)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func decodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r interface{}
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("storage: unmarshal json: %w", err)
	}
	return r, nil
}

// typedValue is the persisted form of a value: its type tag plus contents.
type typedValue struct {
	_     struct{} `cbor:",toarray"`
	Type  Type
	Value cbor.RawMessage
}

// EncodeValue encodes v with its type tag so that aggregate element types
// and unknown aggregates survive a round trip.
func EncodeValue(v Value) ([]byte, error) {
	body, err := v.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(typedValue{Type: v.Type, Value: body})
}

// DecodeValue decodes the output of EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	var tv typedValue
	if err := decMode.Unmarshal(data, &tv); err != nil {
		return Value{}, fmt.Errorf("storage: decode value: %w", err)
	}
	var v Value
	if err := v.UnmarshalCBOR(tv.Value); err != nil {
		return Value{}, err
	}
	if tv.Type.IsAggregate() {
		if v.Type.IsTable() && tv.Type.IsArray() {
			v.Type = ArrayOf(v.firstItemType())
		}
		if v.Type.IsAggregate() {
			v.Type = tv.Type
		}
	} else if tv.Type == TypeNumber && v.Type == TypeInt {
		v.TryParseType(TypeNumber)
	}
	return v, nil
}
