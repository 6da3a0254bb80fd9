package simplechain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/chainstore"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var (
	errInvalidAddress = host.ErrInvalidAddress
	errInvalidAmount  = host.ErrInvalidAmount
)

type balanceKey struct {
	owner  string
	symbol string
}

// txContext is the state of the running transaction.
type txContext struct {
	id     string
	caller string
	random int64
	fee    int64

	// staged is the contract being deployed, visible to its own init
	staged       *chainstore.Contract
	stagedModule *bytecode.Module

	// deltas are balance moves applied when the transaction succeeds
	deltas map[balanceKey]int64
	moves  []balanceMove
}

type balanceMove struct {
	from, to balanceKey
	amount   int64
}

// balance returns the committed balance plus pending moves.
func (tx *txContext) balance(db chainstore.DB, owner, symbol string) (int64, error) {
	bal, err := db.Balance(owner, symbol)
	if err != nil {
		return 0, err
	}
	return bal + tx.deltas[balanceKey{owner, symbol}], nil
}

func (tx *txContext) move(db chainstore.DB, from, to, symbol string, amount int64) error {
	if amount <= 0 {
		return errInvalidAmount
	}
	bal, err := tx.balance(db, from, symbol)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s holds %d %s", host.ErrInsufficientFunds, from, bal, symbol)
	}
	if tx.deltas == nil {
		tx.deltas = make(map[balanceKey]int64)
	}
	tx.deltas[balanceKey{from, symbol}] -= amount
	tx.deltas[balanceKey{to, symbol}] += amount
	tx.moves = append(tx.moves, balanceMove{balanceKey{from, symbol}, balanceKey{to, symbol}, amount})
	return nil
}

// revert undoes the moves after the first n, newest first.
func (tx *txContext) revert(n int) {
	for i := len(tx.moves) - 1; i >= n; i-- {
		m := tx.moves[i]
		tx.deltas[m.from] += m.amount
		tx.deltas[m.to] -= m.amount
	}
	if n < len(tx.moves) {
		tx.moves = tx.moves[:n]
	}
}

// apply commits the pending moves, debits first.
func (tx *txContext) apply(db chainstore.DB) error {
	keys := make([]balanceKey, 0, len(tx.deltas))
	for k, d := range tx.deltas {
		if d != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := tx.deltas[keys[i]], tx.deltas[keys[j]]
		if (di < 0) != (dj < 0) {
			return di < 0
		}
		if keys[i].owner != keys[j].owner {
			return keys[i].owner < keys[j].owner
		}
		return keys[i].symbol < keys[j].symbol
	})
	for _, k := range keys {
		if err := db.AddBalance(k.owner, k.symbol, tx.deltas[k]); err != nil {
			return err
		}
	}
	return nil
}

// The methods below implement host.Chain for the executor.

var _ host.Chain = (*Chain)(nil)

func (c *Chain) GetStorage(contract, name, fastKey string, fastMap bool) (storage.Value, error) {
	return c.db.GetStorage(contract, name, fastKey)
}

func (c *Chain) CommitStorageChanges(changes []storage.ContractChanges) error {
	return c.db.ApplyChanges(changes)
}

func (c *Chain) ContractExists(addr string) bool {
	if c.tx != nil && c.tx.staged != nil && c.tx.staged.Address == addr {
		return true
	}
	_, err := c.db.GetContract(addr)
	return err == nil
}

func (c *Chain) LoadContract(addr string) (*bytecode.Module, error) {
	if c.tx != nil && c.tx.staged != nil && c.tx.staged.Address == addr {
		return newContractInfo(c.tx.staged, c.tx.stagedModule).module, nil
	}
	info, err := c.info(addr)
	if errors.Is(err, chainstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", host.ErrContractNotFound, addr)
	}
	if err != nil {
		return nil, err
	}
	return info.module, nil
}

func (c *Chain) ContractAddressByName(name string) (string, bool) {
	if c.tx != nil && c.tx.staged != nil && c.tx.staged.Name != "" && c.tx.staged.Name == name {
		return c.tx.staged.Address, true
	}
	addr, err := c.db.ContractAddress(name)
	return addr, err == nil
}

func (c *Chain) TransferFromContract(from, to, symbol string, amount int64) error {
	if c.tx == nil {
		return errors.New("transfer outside a transaction")
	}
	if !types.IsValidAddress(to) {
		return fmt.Errorf("%w: %q", errInvalidAddress, to)
	}
	return c.tx.move(c.db, from, to, symbol, amount)
}

func (c *Chain) Savepoint() int {
	if c.tx == nil {
		return 0
	}
	return len(c.tx.moves)
}

func (c *Chain) RevertTo(sp int) {
	if c.tx != nil && sp >= 0 {
		c.tx.revert(sp)
	}
}

func (c *Chain) ContractBalance(addr, symbol string) (int64, error) {
	if c.tx == nil {
		return c.db.Balance(addr, symbol)
	}
	return c.tx.balance(c.db, addr, symbol)
}

func (c *Chain) Now() int64 {
	return c.currentBlockTime().Unix()
}

// BlockNumber returns the number of the block being built.
func (c *Chain) BlockNumber() uint64 {
	return c.db.Height() + 1
}

func (c *Chain) Random() int64 {
	if c.tx == nil {
		return 0
	}
	return c.tx.random
}

func (c *Chain) TransactionID() string {
	if c.tx == nil {
		return ""
	}
	return c.tx.id
}

func (c *Chain) TransactionFee() int64 {
	if c.tx == nil {
		return 0
	}
	return c.tx.fee
}

// Emit logs an event. Events reach receipts through the call result.
func (c *Chain) Emit(contract, name, arg string) {
	log.Debug("event", "contract", contract, "name", name, "arg", arg)
}

func (c *Chain) CheckCallLimit(depth int, count uint64) bool {
	return depth <= c.config.MaxCallDepth
}

func (c *Chain) ForkHeight(name string) int64 {
	if h, ok := c.config.Forks[name]; ok {
		return h
	}
	return -1
}

func (c *Chain) ValidAddress(s string) bool { return types.IsValidAddress(s) }

func (c *Chain) ValidContractAddress(s string) bool { return types.IsValidContractAddress(s) }

func (c *Chain) SystemAsset() (string, int64) {
	return c.config.AssetSymbol, c.config.AssetPrecision
}
