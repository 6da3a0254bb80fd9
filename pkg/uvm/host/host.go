// Package host defines the capabilities the UVM consumes from the chain it
// runs on.
//
// The VM never embeds a concrete chain. Everything outside the interpreter
// (committed storage, contract code, balances, block context and events) is
// reached through the Chain interface, which the executor injects.
package host

import (
	"errors"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// Host errors.
var (
	ErrContractNotFound  = errors.New("contract not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAddress    = errors.New("invalid address")
)

// ForkModChangeList names the fork after which the change list records
// every cold read and merges fast-map nils as ordinary writes.
const ForkModChangeList = "MOD_CHANGE_LIST"

// Chain is the host chain interface.
//
// Methods report failures by returning errors. The VM records the last
// host error it saw and refuses to commit storage while one is pending.
type Chain interface {
	// GetStorage returns the committed value of a storage slot, or null.
	GetStorage(contract, name, fastKey string, fastMap bool) (storage.Value, error)

	// CommitStorageChanges atomically applies a merged change set.
	CommitStorageChanges(changes []storage.ContractChanges) error

	// ContractExists reports whether addr names a deployed contract.
	ContractExists(addr string) bool

	// LoadContract returns the module deployed at addr.
	LoadContract(addr string) (*bytecode.Module, error)

	// ContractAddressByName resolves a registered contract name.
	ContractAddressByName(name string) (string, bool)

	// TransferFromContract moves amount of symbol from a contract to an
	// account or contract.
	TransferFromContract(from, to, symbol string, amount int64) error

	// ContractBalance returns the balance of symbol held by a contract.
	ContractBalance(addr, symbol string) (int64, error)

	// Savepoint marks the balance moves made so far in the transaction.
	Savepoint() int

	// RevertTo undoes the balance moves made after savepoint sp.
	RevertTo(sp int)

	// Now returns the block timestamp in seconds.
	Now() int64

	// BlockNumber returns the head block number.
	BlockNumber() uint64

	// Random returns a deterministic per-transaction random value.
	Random() int64

	// TransactionID returns the id of the running transaction.
	TransactionID() string

	// TransactionFee returns the fee paid by the running transaction.
	TransactionFee() int64

	// Emit records a contract event.
	Emit(contract, name, arg string)

	// CheckCallLimit reports whether a call at the given frame depth and
	// instruction count may proceed.
	CheckCallLimit(depth int, count uint64) bool

	// ForkHeight returns the activation height of a named fork, or -1 when
	// the fork is not scheduled.
	ForkHeight(name string) int64

	// ValidAddress reports whether s is a valid account or contract address.
	ValidAddress(s string) bool

	// ValidContractAddress reports whether s is a valid contract address.
	ValidContractAddress(s string) bool

	// SystemAsset returns the chain's core asset symbol and precision.
	SystemAsset() (symbol string, precision int64)
}

// Event is a contract event emitted during a call.
type Event struct {
	Contract string `json:"contract"`
	Name     string `json:"event_name"`
	Arg      string `json:"event_arg"`
}

// ForkActive reports whether the named fork is active at the chain's head.
func ForkActive(c Chain, name string) bool {
	h := c.ForkHeight(name)
	return h >= 0 && uint64(h) <= c.BlockNumber()
}

// StorageProperties returns the storage manifest of the contract at addr.
func StorageProperties(c Chain, addr string) (map[string]storage.Type, error) {
	m, err := c.LoadContract(addr)
	if err != nil {
		return nil, err
	}
	return m.StorageProperties, nil
}
