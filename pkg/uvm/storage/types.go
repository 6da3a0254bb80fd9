// Package storage implements contract storage: storage values, the
// per-execution change tracker, commit-time merging and validation, and
// the structural diff used to persist aggregate changes.
package storage

import "fmt"

// Type is a storage value type.
type Type uint8

// Storage value types. Aggregates carry their element type.
const (
	TypeNull   Type = 0
	TypeInt    Type = 1
	TypeNumber Type = 2
	TypeBool   Type = 3
	TypeString Type = 4
	TypeStream Type = 5

	TypeUnknownTable Type = 50
	TypeIntTable     Type = 51
	TypeNumberTable  Type = 52
	TypeBoolTable    Type = 53
	TypeStringTable  Type = 54

	TypeUnknownArray Type = 100
	TypeIntArray     Type = 101
	TypeNumberArray  Type = 102
	TypeBoolArray    Type = 103
	TypeStringArray  Type = 104
)

var typeNames = map[Type]string{
	TypeNull:         "null",
	TypeInt:          "int",
	TypeNumber:       "number",
	TypeBool:         "bool",
	TypeString:       "string",
	TypeStream:       "stream",
	TypeUnknownTable: "unknown_table",
	TypeIntTable:     "int_table",
	TypeNumberTable:  "number_table",
	TypeBoolTable:    "bool_table",
	TypeStringTable:  "string_table",
	TypeUnknownArray: "unknown_array",
	TypeIntArray:     "int_array",
	TypeNumberArray:  "number_array",
	TypeBoolArray:    "bool_array",
	TypeStringArray:  "string_array",
}

// String returns the manifest name of the type.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType parses a manifest type name such as "int" or "string_array".
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeNull, fmt.Errorf("unknown storage type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// IsTable reports whether t is a map aggregate.
func (t Type) IsTable() bool {
	return t >= TypeUnknownTable && t <= TypeStringTable
}

// IsArray reports whether t is an array aggregate.
func (t Type) IsArray() bool {
	return t >= TypeUnknownArray && t <= TypeStringArray
}

// IsAggregate reports whether t is a table or an array.
func (t Type) IsAggregate() bool {
	return t.IsTable() || t.IsArray()
}

// IsNumeric reports whether t is int or number.
func (t Type) IsNumeric() bool {
	return t == TypeInt || t == TypeNumber
}

// ItemType returns the element type of an aggregate, TypeNull for unknown
// aggregates, and t itself for scalars.
func (t Type) ItemType() Type {
	switch t {
	case TypeIntTable, TypeIntArray:
		return TypeInt
	case TypeNumberTable, TypeNumberArray:
		return TypeNumber
	case TypeBoolTable, TypeBoolArray:
		return TypeBool
	case TypeStringTable, TypeStringArray:
		return TypeString
	case TypeUnknownTable, TypeUnknownArray:
		return TypeNull
	}
	return t
}

// TableOf returns the table type with elements of type item.
func TableOf(item Type) Type {
	switch item {
	case TypeInt:
		return TypeIntTable
	case TypeNumber:
		return TypeNumberTable
	case TypeBool:
		return TypeBoolTable
	case TypeString:
		return TypeStringTable
	}
	return TypeUnknownTable
}

// ArrayOf returns the array type with elements of type item.
func ArrayOf(item Type) Type {
	switch item {
	case TypeInt:
		return TypeIntArray
	case TypeNumber:
		return TypeNumberArray
	case TypeBool:
		return TypeBoolArray
	case TypeString:
		return TypeStringArray
	}
	return TypeUnknownArray
}

// sameBaseType reports whether two element types may share an aggregate.
// Integers and floats count as the same base type.
func sameBaseType(a, b Type) bool {
	return a == b || (a.IsNumeric() && b.IsNumeric())
}
