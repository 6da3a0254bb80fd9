package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInferAggregateType tests that aggregate types follow the first element.
func TestInferAggregateType(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want Type
	}{
		{"empty array", Array(), TypeUnknownArray},
		{"int array", Array(Int(1), Int(2)), TypeIntArray},
		{"string array", Array(String("a")), TypeStringArray},
		{"empty table", Table(nil), TypeUnknownTable},
		{"number table", Table(map[string]Value{"x": Number(1.5)}), TypeNumberTable},
		{"bool table", Table(map[string]Value{"b": Bool(true), "a": Bool(false)}), TypeBoolTable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.Type, tt.name)
	}
}

// TestEncodeValueKeepsType tests that the typed encoding preserves types the
// plain contents cannot express.
func TestEncodeValueKeepsType(t *testing.T) {
	tests := []Value{
		Null(),
		Int(-42),
		Number(3),
		String("hello"),
		Bool(true),
		Stream([]byte{1, 2, 3}),
		Array(),
		Table(nil),
		Array(Int(1), Int(2), Int(3)),
		Table(map[string]Value{"alice": Int(10), "bob": Int(20)}),
	}
	for _, v := range tests {
		data, err := EncodeValue(v)
		require.NoError(t, err)
		got, err := DecodeValue(data)
		require.NoError(t, err)
		assert.True(t, v.Equal(got), "want %s (%s), got %s (%s)", v, v.Type, got, got.Type)
	}
}

// TestValueJSON tests JSON rendering of numbers and aggregates.
func TestValueJSON(t *testing.T) {
	b, err := Number(3).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "3.0", string(b))

	b, err = Array(Int(1), Int(2), Int(10)).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[1,2,10]", string(b))

	b, err = Table(map[string]Value{"b": String("y"), "a": String("x")}).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":"y"}`, string(b))

	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte(`{"n":1.5,"i":7}`)))
	assert.Equal(t, TypeNumber, v.Items["n"].Type)
	assert.Equal(t, TypeInt, v.Items["i"].Type)

	require.NoError(t, v.UnmarshalJSON([]byte(`3.0`)))
	assert.Equal(t, Number(3), v)
}

// TestArrayKeysNumericOrder tests that arrays iterate 1..n, not lexically.
func TestArrayKeysNumericOrder(t *testing.T) {
	items := make([]Value, 12)
	for i := range items {
		items[i] = Int(int64(i + 1))
	}
	v := Array(items...)
	raw, err := v.Raw()
	require.NoError(t, err)
	list := raw.([]interface{})
	require.Len(t, list, 12)
	assert.Equal(t, int64(10), list[9])
	assert.Equal(t, int64(12), list[11])
}

// TestTryParseType tests numeric coercion.
func TestTryParseType(t *testing.T) {
	v := Number(4.9)
	v.TryParseType(TypeInt)
	assert.Equal(t, Int(4), v)

	v = Int(2)
	v.TryParseType(TypeNumber)
	assert.Equal(t, Number(2), v)

	v = String("x")
	v.TryParseType(TypeInt)
	assert.Equal(t, String("x"), v)
}

// TestParseType tests manifest type names.
func TestParseType(t *testing.T) {
	for tp, name := range typeNames {
		got, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, tp, got)
	}
	_, err := ParseType("float")
	assert.Error(t, err)
}
