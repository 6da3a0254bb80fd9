// Package chainstore holds the persistent state of a UVM chain: deployed
// contracts, contract storage slots and asset balances.
//
// Storage slots are addressed the way the VM addresses them, by contract,
// slot name and fast-map key. Plain slots use an empty fast-map key. A slot
// written to null is deleted, so reads of a deleted slot and of a slot that
// was never written both return null.
//
// Two implementations are provided:
//   - MemoryDB keeps everything in maps, for tests and dry runs
//   - BadgerDB stores state in BadgerDB with a fastcache read cache in
//     front of the storage slots
package chainstore

import (
	"errors"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var (
	// ErrNotFound is returned when a contract or name doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrNameTaken is returned when a contract name is already registered
	// to another address.
	ErrNameTaken = errors.New("contract name already registered")

	// ErrCorrupted is returned when a stored record can't be decoded.
	ErrCorrupted = errors.New("data corrupted")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrNegativeBalance is returned when a balance would drop below zero.
	ErrNegativeBalance = errors.New("negative balance")
)

// Contract is a deployed contract.
type Contract struct {
	// Address is the contract address.
	Address string `cbor:"address" json:"address"`

	// Name is the registered name, or empty.
	Name string `cbor:"name,omitempty" json:"name,omitempty"`

	// Owner is the address that deployed the contract.
	Owner string `cbor:"owner" json:"owner"`

	// Code is the encoded bytecode module.
	Code []byte `cbor:"code" json:"-"`

	// Height is the block the contract was deployed in.
	Height uint64 `cbor:"height" json:"height"`
}

// Clone returns a deep copy of the contract.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	out.Code = append([]byte(nil), c.Code...)
	return &out
}

// Serialize encodes the contract for storage.
func (c *Contract) Serialize() ([]byte, error) {
	return cbor.Marshal(c)
}

// DeserializeContract decodes a contract record.
func DeserializeContract(data []byte) (*Contract, error) {
	var c Contract
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, ErrCorrupted
	}
	if c.Address == "" {
		return nil, ErrCorrupted
	}
	return &c, nil
}

// DB is the chain state database interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// GetContract returns a deployed contract.
	// Returns ErrNotFound if no contract lives at addr.
	GetContract(addr string) (*Contract, error)

	// PutContract stores a contract and registers its name.
	PutContract(c *Contract) error

	// ContractAddress resolves a registered contract name.
	ContractAddress(name string) (string, error)

	// Contracts returns the addresses of every deployed contract, sorted.
	Contracts() ([]string, error)

	// GetStorage returns the value of a storage slot, or null.
	GetStorage(contract, name, fastKey string) (storage.Value, error)

	// ApplyChanges atomically writes the after values of a change set.
	ApplyChanges(changes []storage.ContractChanges) error

	// Balance returns the balance of symbol held by owner.
	Balance(owner, symbol string) (int64, error)

	// AddBalance adds delta to a balance. The balance may not go negative.
	AddBalance(owner, symbol string, delta int64) error

	// Height returns the current block height.
	Height() uint64

	// SetHeight updates the current block height.
	SetHeight(h uint64) error

	// Commit persists pending metadata.
	Commit() error

	// Close closes the database.
	Close() error
}

// slotKey joins the address of a storage slot.
func slotKey(contract, name, fastKey string) string {
	return contract + "\x00" + name + "\x00" + fastKey
}

func balanceKey(owner, symbol string) string {
	return owner + "\x00" + symbol
}

// MemoryDB is an in-memory implementation of DB.
type MemoryDB struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
	names     map[string]string
	slots     map[string]storage.Value
	balances  map[string]int64
	height    uint64
	closed    bool
}

// NewMemoryDB creates a new in-memory chain database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		contracts: make(map[string]*Contract),
		names:     make(map[string]string),
		slots:     make(map[string]storage.Value),
		balances:  make(map[string]int64),
	}
}

// GetContract returns a deployed contract.
func (m *MemoryDB) GetContract(addr string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.contracts[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// PutContract stores a contract.
func (m *MemoryDB) PutContract(c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if c.Name != "" {
		if owner, ok := m.names[c.Name]; ok && owner != c.Address {
			return ErrNameTaken
		}
		m.names[c.Name] = c.Address
	}
	m.contracts[c.Address] = c.Clone()
	return nil
}

// ContractAddress resolves a registered name.
func (m *MemoryDB) ContractAddress(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	addr, ok := m.names[name]
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

// Contracts returns every deployed address.
func (m *MemoryDB) Contracts() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.contracts))
	for addr := range m.contracts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// GetStorage returns a slot value.
func (m *MemoryDB) GetStorage(contract, name, fastKey string) (storage.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return storage.Null(), ErrClosed
	}
	if v, ok := m.slots[slotKey(contract, name, fastKey)]; ok {
		return v.Clone(), nil
	}
	return storage.Null(), nil
}

// ApplyChanges writes a change set.
func (m *MemoryDB) ApplyChanges(changes []storage.ContractChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, cc := range changes {
		for _, ch := range cc.Changes {
			k := slotKey(cc.Contract, ch.Key.Name, ch.Key.FastKey)
			if ch.After.IsNull() {
				delete(m.slots, k)
				continue
			}
			m.slots[k] = ch.After.Clone()
		}
	}
	return nil
}

// Balance returns a balance.
func (m *MemoryDB) Balance(owner, symbol string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.balances[balanceKey(owner, symbol)], nil
}

// AddBalance adjusts a balance.
func (m *MemoryDB) AddBalance(owner, symbol string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	k := balanceKey(owner, symbol)
	next := m.balances[k] + delta
	if next < 0 {
		return ErrNegativeBalance
	}
	if next == 0 {
		delete(m.balances, k)
	} else {
		m.balances[k] = next
	}
	return nil
}

// Height returns the block height.
func (m *MemoryDB) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// SetHeight updates the block height.
func (m *MemoryDB) SetHeight(h uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.height = h
	return nil
}

// Commit is a no-op for MemoryDB.
func (m *MemoryDB) Commit() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.contracts = nil
	m.slots = nil
	return nil
}

var _ DB = (*MemoryDB)(nil)
