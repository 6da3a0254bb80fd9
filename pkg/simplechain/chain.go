// Package simplechain is an in-process UVM chain.
//
// A Chain keeps contract state in a chainstore.DB, journals sealed blocks
// and receipts, and runs contract calls through an executor.Executor. It
// implements host.Chain for the VM.
//
// Transactions are executed one at a time. Each runs inside the block
// being built, which is sealed explicitly with SealBlock or after every
// transaction when AutoSeal is set.
package simplechain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/chainstore"
	"github.com/fortiblox/X1-UVM/pkg/journal"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/executor"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var log = commonlog.GetLogger("simplechain")

// Chain errors.
var (
	ErrInvalidCaller    = errors.New("invalid caller address")
	ErrContractNotFound = errors.New("contract not found")
	ErrNameTaken        = errors.New("contract name already registered")
	ErrInvalidName      = errors.New("invalid contract name")
	ErrNoJournal        = errors.New("chain has no journal")
	ErrClosed           = errors.New("chain closed")
)

// Config configures a Chain.
type Config struct {
	// DataDir holds the state database and the journal. Empty keeps state
	// in memory without a journal.
	DataDir string

	// Executor configures contract execution.
	Executor executor.Config

	// AssetSymbol and AssetPrecision describe the core asset.
	AssetSymbol    string
	AssetPrecision int64

	// TransactionFee is charged to the caller of every transaction.
	TransactionFee int64

	// MaxCallDepth bounds the call frames of one transaction.
	MaxCallDepth int

	// Forks maps fork names to activation heights.
	Forks map[string]int64

	// AutoSeal seals a block after every transaction.
	AutoSeal bool

	// CompressModules stores deployed modules zstd compressed.
	CompressModules bool

	// InfoCacheSize is the number of contract infos kept in memory.
	InfoCacheSize int

	// StateCacheBytes sizes the storage slot read cache.
	StateCacheBytes int

	// RetainBlocks prunes journal blocks beyond this window. Zero keeps all.
	RetainBlocks uint64

	// Clock returns the time of a new block. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Executor:        executor.DefaultConfig(),
		AssetSymbol:     types.CoreAssetSymbol,
		AssetPrecision:  types.CoreAssetPrecision,
		MaxCallDepth:    200,
		Forks:           map[string]int64{},
		AutoSeal:        true,
		CompressModules: true,
		InfoCacheSize:   512,
		StateCacheBytes: 32 << 20,
	}
}

// ContractInfo describes a deployed contract.
type ContractInfo struct {
	Address           string                  `json:"address"`
	Name              string                  `json:"name,omitempty"`
	Owner             string                  `json:"owner"`
	Height            uint64                  `json:"height"`
	CodeHash          types.Hash              `json:"code_hash"`
	APIs              []string                `json:"apis"`
	OfflineAPIs       []string                `json:"offline_apis,omitempty"`
	Events            []string                `json:"events,omitempty"`
	StorageProperties map[string]storage.Type `json:"storage_properties,omitempty"`

	module *bytecode.Module
}

// Chain is an in-process UVM chain.
type Chain struct {
	config  Config
	db      chainstore.DB
	journal *journal.Journal
	exec    *executor.Executor
	infos   *lru.Cache

	// mu serializes transactions and block sealing
	mu sync.Mutex

	tx        *txContext
	pending   []*journal.Receipt
	blockTime time.Time
	nonce     uint64

	closed bool
}

// New creates a chain over an open state database and an optional journal.
func New(db chainstore.DB, j *journal.Journal, config Config) (*Chain, error) {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.AssetSymbol == "" {
		config.AssetSymbol = types.CoreAssetSymbol
		config.AssetPrecision = types.CoreAssetPrecision
	}
	if config.MaxCallDepth <= 0 {
		config.MaxCallDepth = DefaultConfig().MaxCallDepth
	}
	if config.InfoCacheSize <= 0 {
		config.InfoCacheSize = DefaultConfig().InfoCacheSize
	}
	infos, err := lru.New(config.InfoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("info cache: %w", err)
	}

	c := &Chain{
		config:  config,
		db:      db,
		journal: j,
		infos:   infos,
	}
	if j != nil && j.LatestHeight() > db.Height() {
		return nil, fmt.Errorf("journal height %d is ahead of state height %d", j.LatestHeight(), db.Height())
	}
	c.exec, err = executor.New(c, config.Executor)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens the state database and journal under config.DataDir, or an
// in-memory chain when DataDir is empty.
func Open(config Config) (*Chain, error) {
	if config.DataDir == "" {
		return New(chainstore.NewMemoryDB(), nil, config)
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbConfig := chainstore.DefaultBadgerConfig(filepath.Join(config.DataDir, "state"))
	if config.StateCacheBytes > 0 {
		dbConfig.CacheBytes = config.StateCacheBytes
	}
	db, err := chainstore.NewBadgerDB(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	jConfig := journal.DefaultConfig(filepath.Join(config.DataDir, "journal", "journal.db"))
	jConfig.RetainBlocks = config.RetainBlocks
	j, err := journal.Open(jConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	c, err := New(db, j, config)
	if err != nil {
		j.Close()
		db.Close()
		return nil, err
	}
	log.Info("chain opened", "dir", config.DataDir, "height", db.Height())
	return c, nil
}

// Close seals pending transactions and closes storage.
func (c *Chain) Close() error {
	if len(c.pending) > 0 {
		if _, err := c.SealBlock(); err != nil {
			log.Error("seal on close failed", "error", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.journal != nil {
		errs = append(errs, c.journal.Close())
	}
	errs = append(errs, c.db.Close())
	return errors.Join(errs...)
}

// Executor returns the executor running the chain's contract calls.
func (c *Chain) Executor() *executor.Executor { return c.exec }

// Journal returns the journal, or nil.
func (c *Chain) Journal() *journal.Journal { return c.journal }

// Height returns the height of the last sealed block.
func (c *Chain) Height() uint64 { return c.db.Height() }

// Pending returns the number of transactions waiting for the next block.
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Deploy registers a contract module deployed by caller and runs its init
// with args. The contract is stored only when init succeeds. name may be
// empty.
func (c *Chain) Deploy(ctx context.Context, caller string, m *bytecode.Module, name, args string) (*journal.Receipt, error) {
	if !types.IsValidAddress(caller) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCaller, caller)
	}
	if name != "" && !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	code, err := m.Encode(c.config.CompressModules)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if name != "" {
		if _, err := c.db.ContractAddress(name); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
	}

	c.nonce++
	addr := types.NewContractAddress(caller, c.db.Height()<<20|c.nonce)
	record := &chainstore.Contract{
		Address: addr,
		Name:    name,
		Owner:   caller,
		Code:    code,
		Height:  c.db.Height() + 1,
	}

	r := c.begin(journal.KindDeploy, caller, addr, "init", args)
	c.tx.staged = record
	c.tx.stagedModule = m
	res, err := c.exec.ExecuteContractInit(ctx, addr, args)
	if err != nil || !res.Success() {
		c.exec.Invalidate(addr)
	}
	return c.end(r, res, err, func() error { return c.db.PutContract(record) })
}

// Invoke calls api on a contract, addressed by address or registered name.
func (c *Chain) Invoke(ctx context.Context, caller, contract, api, args string) (*journal.Receipt, error) {
	if !types.IsValidAddress(caller) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCaller, caller)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	addr, err := c.resolve(contract)
	if err != nil {
		return nil, err
	}
	r := c.begin(journal.KindInvoke, caller, addr, api, args)
	res, err := c.exec.ExecuteContractAPI(ctx, addr, api, args)
	return c.end(r, res, err, nil)
}

// Call runs an offline api. Nothing is journaled or committed.
func (c *Chain) Call(ctx context.Context, contract, api, args string) (*executor.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	addr, err := c.resolve(contract)
	if err != nil {
		return nil, err
	}
	c.tx = &txContext{id: "offline", caller: ""}
	defer func() { c.tx = nil }()
	return c.exec.ExecuteOfflineAPI(ctx, addr, api, args)
}

// Transfer moves amount of symbol between two addresses and journals it.
func (c *Chain) Transfer(from, to, symbol string, amount int64) (*journal.Receipt, error) {
	if !types.IsValidAddress(from) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCaller, from)
	}
	if !types.IsValidAddress(to) {
		return nil, fmt.Errorf("%w: %q", errInvalidAddress, to)
	}
	if amount <= 0 {
		return nil, errInvalidAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	r := c.begin(journal.KindTransfer, from, "", "", fmt.Sprintf("%s %d %s", to, amount, symbol))
	if err := c.tx.move(c.db, from, to, symbol, amount); err != nil {
		c.tx = nil
		return nil, err
	}
	return c.end(r, &executor.Result{ResultJSON: "null"}, nil, nil)
}

// Credit adds amount of symbol to an address outside any transaction. It
// funds genesis accounts and tests.
func (c *Chain) Credit(addr, symbol string, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.db.AddBalance(addr, symbol, amount)
}

// Balance returns the balance of symbol held by addr.
func (c *Chain) Balance(addr, symbol string) (int64, error) {
	return c.db.Balance(addr, symbol)
}

// Storage returns the committed value of a storage slot.
func (c *Chain) Storage(contract, name, fastKey string) (storage.Value, error) {
	addr, err := c.resolve(contract)
	if err != nil {
		return storage.Null(), err
	}
	return c.db.GetStorage(addr, name, fastKey)
}

// ContractInfo returns the description of a deployed contract.
func (c *Chain) ContractInfo(contract string) (*ContractInfo, error) {
	addr, err := c.resolve(contract)
	if err != nil {
		return nil, err
	}
	return c.info(addr)
}

// Module returns the decoded module of a deployed contract.
func (c *Chain) Module(contract string) (*bytecode.Module, error) {
	info, err := c.ContractInfo(contract)
	if err != nil {
		return nil, err
	}
	return info.module, nil
}

// Contracts returns every deployed contract address.
func (c *Chain) Contracts() ([]string, error) {
	return c.db.Contracts()
}

// Receipt returns a journaled transaction.
func (c *Chain) Receipt(id string) (*journal.Receipt, error) {
	if c.journal == nil {
		return nil, ErrNoJournal
	}
	return c.journal.GetReceipt(id)
}

// Block returns a sealed block.
func (c *Chain) Block(height uint64) (*journal.Block, error) {
	if c.journal == nil {
		return nil, ErrNoJournal
	}
	return c.journal.GetBlock(height)
}

// SealBlock closes the block being built. Without a journal the receipts
// are dropped and only the height advances.
func (c *Chain) SealBlock() (*journal.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealLocked()
}

func (c *Chain) sealLocked() (*journal.Block, error) {
	if c.closed {
		return nil, ErrClosed
	}
	now := c.currentBlockTime()
	b := &journal.Block{Height: c.db.Height() + 1, Time: now.Unix()}
	if c.journal != nil {
		if latest := c.journal.Latest(); latest != nil {
			b.Parent = latest.Hash
		}
		if err := c.journal.PutBlock(b, c.pending); err != nil {
			return nil, fmt.Errorf("journal block %d: %w", b.Height, err)
		}
	}
	if err := c.db.SetHeight(b.Height); err != nil {
		return nil, err
	}
	if err := c.db.Commit(); err != nil {
		return nil, err
	}
	log.Debug("block sealed", "height", b.Height, "transactions", len(c.pending))
	c.pending = nil
	c.blockTime = time.Time{}
	c.nonce = 0
	return b, nil
}

func (c *Chain) currentBlockTime() time.Time {
	if c.blockTime.IsZero() {
		c.blockTime = c.config.Clock()
	}
	return c.blockTime
}

// resolve maps a contract address or registered name to an address.
func (c *Chain) resolve(contract string) (string, error) {
	if types.IsValidContractAddress(contract) {
		if _, err := c.db.GetContract(contract); err == nil {
			return contract, nil
		}
	} else if addr, err := c.db.ContractAddress(contract); err == nil {
		return addr, nil
	}
	return "", fmt.Errorf("%w: %s", ErrContractNotFound, contract)
}

// info loads a contract description through the cache.
func (c *Chain) info(addr string) (*ContractInfo, error) {
	if v, ok := c.infos.Get(addr); ok {
		return v.(*ContractInfo), nil
	}
	record, err := c.db.GetContract(addr)
	if err != nil {
		return nil, err
	}
	m, err := bytecode.DecodeModule(record.Code)
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", addr, err)
	}
	info := newContractInfo(record, m)
	c.infos.Add(addr, info)
	return info, nil
}

func newContractInfo(record *chainstore.Contract, m *bytecode.Module) *ContractInfo {
	m.Name = record.Name
	if m.Name == "" {
		m.Name = record.Address
	}
	return &ContractInfo{
		Address:           record.Address,
		Name:              record.Name,
		Owner:             record.Owner,
		Height:            record.Height,
		CodeHash:          m.CodeHash(),
		APIs:              m.APIs,
		OfflineAPIs:       m.OfflineAPIs,
		Events:            m.Events,
		StorageProperties: m.StorageProperties,
		module:            m,
	}
}

// begin opens the transaction context of the next receipt.
func (c *Chain) begin(kind journal.Kind, caller, contract, api, args string) *journal.Receipt {
	height := c.db.Height() + 1
	index := len(c.pending)
	var hb [12]byte
	binary.BigEndian.PutUint64(hb[:8], height)
	binary.BigEndian.PutUint32(hb[8:], uint32(index))
	id := types.ComputeHash(hb[:], []byte(kind.String()), []byte(caller), []byte(contract), []byte(api), []byte(args))

	c.currentBlockTime()
	c.tx = &txContext{
		id:     id.String(),
		caller: caller,
		random: int64(binary.LittleEndian.Uint64(id[:8]) >> 1),
		fee:    c.config.TransactionFee,
	}
	return &journal.Receipt{
		ID:       c.tx.id,
		Height:   height,
		Index:    index,
		Kind:     kind,
		Caller:   caller,
		Contract: contract,
		API:      api,
		Args:     args,
		Fee:      c.config.TransactionFee,
	}
}

// end completes a transaction. On success the pending balance moves and
// onSuccess are applied; a failed transaction is still journaled.
func (c *Chain) end(r *journal.Receipt, res *executor.Result, err error, onSuccess func() error) (*journal.Receipt, error) {
	tx := c.tx
	c.tx = nil
	if err != nil {
		return nil, err
	}

	r.Result = res.ResultJSON
	r.InstructionsUsed = res.InstructionsUsed
	r.Err = res.Err
	if res.Success() {
		r.Changes = res.Changes
		r.Events = res.Events
		if onSuccess != nil {
			if err := onSuccess(); err != nil {
				return nil, err
			}
		}
		if err := tx.apply(c.db); err != nil {
			return nil, fmt.Errorf("apply balances: %w", err)
		}
	}
	if r.Fee > 0 {
		if err := c.db.AddBalance(r.Caller, c.config.AssetSymbol, -r.Fee); err != nil {
			log.Debug("fee not charged", "caller", r.Caller, "error", err)
		}
	}

	c.pending = append(c.pending, r)
	log.Debug("transaction executed", "id", r.ID, "kind", r.Kind.String(), "contract", r.Contract, "api", r.API, "ok", r.Success())
	if c.config.AutoSeal {
		if _, err := c.sealLocked(); err != nil {
			return r, err
		}
	}
	return r, nil
}

// validName accepts names of letters, digits and underscores that do not
// look like an address.
func validName(name string) bool {
	if len(name) == 0 || len(name) > 64 || types.IsValidAddress(name) {
		return false
	}
	for i, ch := range name {
		switch {
		case ch == '_', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
