// Package types defines the address and hash types shared by the UVM host chain.
//
// Addresses are text: a fixed prefix followed by the base58 encoding of a
// 20-byte BLAKE3 digest. Contract addresses use the "CON" prefix and account
// addresses the "SPL" prefix.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	HashSize        = 32
	AddressBodySize = 20
)

// ErrInvalidHash is returned when a hash has invalid length.
var ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")

// Hash represents a 32-byte BLAKE3 hash.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// ComputeHash computes the BLAKE3 hash of the concatenated parts.
func ComputeHash(parts ...[]byte) Hash {
	hasher := blake3.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
