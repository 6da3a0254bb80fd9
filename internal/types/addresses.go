package types

import (
	"encoding/binary"
	"strings"

	"github.com/mr-tron/base58"
)

// Address prefixes.
const (
	ContractAddressPrefix = "CON"
	AccountAddressPrefix  = "SPL"
)

// Core asset of the simplechain.
const (
	CoreAssetSymbol    = "COIN"
	CoreAssetPrecision = 5
)

// NewContractAddress derives a contract address from the deploying account
// and its deploy nonce.
func NewContractAddress(creator string, nonce uint64) string {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	h := ComputeHash([]byte("contract"), []byte(creator), n[:])
	return ContractAddressPrefix + base58.Encode(h[:AddressBodySize])
}

// NewAccountAddress derives an account address from a public key.
func NewAccountAddress(pubkey []byte) string {
	h := ComputeHash([]byte("account"), pubkey)
	return AccountAddressPrefix + base58.Encode(h[:AddressBodySize])
}

// IsValidAddress reports whether s is a well-formed account or contract address.
func IsValidAddress(s string) bool {
	return IsValidContractAddress(s) || validBody(s, AccountAddressPrefix)
}

// IsValidContractAddress reports whether s is a well-formed contract address.
func IsValidContractAddress(s string) bool {
	return validBody(s, ContractAddressPrefix)
}

func validBody(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) || len(s) <= len(prefix) {
		return false
	}
	body, err := base58.Decode(s[len(prefix):])
	return err == nil && len(body) == AddressBodySize
}
