package journal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// Kind is the kind of a journaled transaction.
type Kind uint8

const (
	// KindDeploy registers a contract and runs its init.
	KindDeploy Kind = iota + 1

	// KindInvoke calls a contract api.
	KindInvoke

	// KindTransfer moves a balance between addresses.
	KindTransfer
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDeploy:
		return "deploy"
	case KindInvoke:
		return "invoke"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{KindDeploy, KindInvoke, KindTransfer} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown transaction kind %q", b)
}

// Block is a sealed block of transactions.
type Block struct {
	// Height is the block number. The first block is 1.
	Height uint64 `cbor:"1,keyasint" json:"height"`

	// Time is the block timestamp in seconds.
	Time int64 `cbor:"2,keyasint" json:"time"`

	// Parent is the hash of the previous block.
	Parent types.Hash `cbor:"3,keyasint" json:"parent"`

	// Hash commits to the height, time, parent and transaction ids.
	Hash types.Hash `cbor:"4,keyasint" json:"hash"`

	// Transactions lists the ids of the block's receipts, in order.
	Transactions []string `cbor:"5,keyasint,omitempty" json:"transactions"`
}

// ComputeHash returns the hash a block with these fields must carry.
func (b *Block) ComputeHash() types.Hash {
	parts := make([][]byte, 0, 3+len(b.Transactions))
	parts = append(parts, EncodeHeightKey(b.Height), EncodeHeightKey(uint64(b.Time)), b.Parent[:])
	for _, id := range b.Transactions {
		parts = append(parts, []byte(id))
	}
	return types.ComputeHash(parts...)
}

// Receipt records the outcome of one transaction.
type Receipt struct {
	// ID is the transaction id.
	ID string `cbor:"1,keyasint" json:"id"`

	// Height is the block that includes the transaction.
	Height uint64 `cbor:"2,keyasint" json:"height"`

	// Index is the position in the block.
	Index int `cbor:"3,keyasint" json:"index"`

	Kind     Kind   `cbor:"4,keyasint" json:"kind"`
	Caller   string `cbor:"5,keyasint" json:"caller"`
	Contract string `cbor:"6,keyasint,omitempty" json:"contract,omitempty"`
	API      string `cbor:"7,keyasint,omitempty" json:"api,omitempty"`
	Args     string `cbor:"8,keyasint,omitempty" json:"args,omitempty"`

	// Result is the JSON encoded api result.
	Result string `cbor:"9,keyasint,omitempty" json:"result,omitempty"`

	// Err is the fault message of a failed transaction.
	Err string `cbor:"10,keyasint,omitempty" json:"error,omitempty"`

	InstructionsUsed uint64 `cbor:"11,keyasint" json:"instructions_used"`
	Fee              int64  `cbor:"12,keyasint" json:"fee"`

	Events  []host.Event              `cbor:"13,keyasint,omitempty" json:"events,omitempty"`
	Changes []storage.ContractChanges `cbor:"14,keyasint,omitempty" json:"changes,omitempty"`
}

// Success reports whether the transaction completed without a fault.
func (r *Receipt) Success() bool { return r.Err == "" }

// Contracts returns the contracts a receipt touches: the called contract
// and every contract with committed changes or events.
func (r *Receipt) Contracts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	add(r.Contract)
	for _, cc := range r.Changes {
		add(cc.Contract)
	}
	for _, ev := range r.Events {
		add(ev.Contract)
	}
	return out
}

// Stats contains journal statistics.
type Stats struct {
	LatestHeight     uint64 `json:"latest_height"`
	OldestHeight     uint64 `json:"oldest_height"`
	BlockCount       uint64 `json:"block_count"`
	TransactionCount uint64 `json:"transaction_count"`
	DatabaseSize     int64  `json:"database_size"`
}

// EncodeHeightKey encodes a height as a big-endian 8-byte key.
func EncodeHeightKey(h uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, h)
	return key
}

// DecodeHeightKey decodes a big-endian 8-byte key.
func DecodeHeightKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// encodeContractKey builds an index key: contract, 0, height, index.
func encodeContractKey(contract string, height uint64, index int) []byte {
	key := make([]byte, 0, len(contract)+1+12)
	key = append(key, contract...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, height)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

// DefaultPruneInterval is how often a journal with a retention window
// prunes old blocks.
const DefaultPruneInterval = 10 * time.Minute
