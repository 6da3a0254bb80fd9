package chainstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixContract + address -> serialized Contract
	prefixContract = []byte{0x01}

	// prefixName + name -> address
	prefixName = []byte{0x02}

	// prefixSlot + contract 0 name 0 fastKey -> encoded storage value
	prefixSlot = []byte{0x03}

	// prefixBalance + owner 0 symbol -> int64
	prefixBalance = []byte{0x04}

	prefixMeta = []byte{0x05}
	metaHeight = append(append([]byte(nil), prefixMeta...), []byte("height")...)
)

// BadgerConfig contains configuration for BadgerDB.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// CacheBytes sizes the storage slot read cache. Zero disables it.
	CacheBytes int

	// Logger is an optional badger logger.
	Logger badger.Logger
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20,
		CacheBytes:       32 << 20,
	}
}

// BadgerDB is a BadgerDB-backed implementation of DB.
//
// Storage slot reads are served from a fastcache cache filled on first
// read and kept current by ApplyChanges. Missing slots are cached as empty
// entries.
type BadgerDB struct {
	db    *badger.DB
	cache *fastcache.Cache

	height atomic.Uint64

	// mu serializes name registration and balance updates
	mu sync.Mutex

	closed atomic.Bool
}

// NewBadgerDB opens a BadgerDB-backed chain database.
func NewBadgerDB(cfg BadgerConfig) (*BadgerDB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.NumMemtables > 0 {
		opts = opts.WithNumMemtables(cfg.NumMemtables)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &BadgerDB{db: db}
	if cfg.CacheBytes > 0 {
		b.cache = fastcache.New(cfg.CacheBytes)
	}
	if err := b.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return b, nil
}

func (b *BadgerDB) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaHeight)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				b.height.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

func key(prefix []byte, parts string) []byte {
	k := make([]byte, 0, len(prefix)+len(parts))
	k = append(k, prefix...)
	return append(k, parts...)
}

// get reads a key, returning nil and no error when it is missing.
func (b *BadgerDB) get(k []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// GetContract returns a deployed contract.
func (b *BadgerDB) GetContract(addr string) (*Contract, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	data, err := b.get(key(prefixContract, addr))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return DeserializeContract(data)
}

// PutContract stores a contract and registers its name.
func (b *BadgerDB) PutContract(c *Contract) error {
	if b.closed.Load() {
		return ErrClosed
	}
	data, err := c.Serialize()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		if c.Name != "" {
			nk := key(prefixName, c.Name)
			item, err := txn.Get(nk)
			switch {
			case err == nil:
				owner, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if string(owner) != c.Address {
					return ErrNameTaken
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if err := txn.Set(nk, []byte(c.Address)); err != nil {
				return err
			}
		}
		return txn.Set(key(prefixContract, c.Address), data)
	})
}

// ContractAddress resolves a registered name.
func (b *BadgerDB) ContractAddress(name string) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	addr, err := b.get(key(prefixName, name))
	if err != nil {
		return "", err
	}
	if addr == nil {
		return "", ErrNotFound
	}
	return string(addr), nil
}

// Contracts returns every deployed address in key order.
func (b *BadgerDB) Contracts() ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixContract
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefixContract):]))
		}
		return nil
	})
	return out, err
}

// GetStorage returns a slot value.
func (b *BadgerDB) GetStorage(contract, name, fastKey string) (storage.Value, error) {
	if b.closed.Load() {
		return storage.Null(), ErrClosed
	}
	k := key(prefixSlot, slotKey(contract, name, fastKey))
	if b.cache != nil {
		if data, ok := b.cache.HasGet(nil, k); ok {
			return decodeSlot(data)
		}
	}
	data, err := b.get(k)
	if err != nil {
		return storage.Null(), err
	}
	if b.cache != nil {
		b.cache.Set(k, data)
	}
	return decodeSlot(data)
}

func decodeSlot(data []byte) (storage.Value, error) {
	if len(data) == 0 {
		return storage.Null(), nil
	}
	v, err := storage.DecodeValue(data)
	if err != nil {
		return storage.Null(), fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return v, nil
}

// ApplyChanges writes a change set in one transaction. The read cache is
// updated only after the transaction commits.
func (b *BadgerDB) ApplyChanges(changes []storage.ContractChanges) error {
	if b.closed.Load() {
		return ErrClosed
	}
	type write struct {
		k, v []byte
	}
	var writes []write
	for _, cc := range changes {
		for _, ch := range cc.Changes {
			w := write{k: key(prefixSlot, slotKey(cc.Contract, ch.Key.Name, ch.Key.FastKey))}
			if !ch.After.IsNull() {
				data, err := storage.EncodeValue(ch.After)
				if err != nil {
					return fmt.Errorf("encode %s: %w", ch.Key.FullKey(), err)
				}
				w.v = data
			}
			writes = append(writes, w)
		}
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			var err error
			if w.v == nil {
				err = txn.Delete(w.k)
			} else {
				err = txn.Set(w.k, w.v)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if b.cache != nil {
			for _, w := range writes {
				b.cache.Del(w.k)
			}
		}
		return err
	}
	if b.cache != nil {
		for _, w := range writes {
			b.cache.Set(w.k, w.v)
		}
	}
	return nil
}

// Balance returns a balance.
func (b *BadgerDB) Balance(owner, symbol string) (int64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	data, err := b.get(key(prefixBalance, balanceKey(owner, symbol)))
	if err != nil || len(data) < 8 {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// AddBalance adjusts a balance.
func (b *BadgerDB) AddBalance(owner, symbol string, delta int64) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(prefixBalance, balanceKey(owner, symbol))
	return b.db.Update(func(txn *badger.Txn) error {
		var cur int64
		item, err := txn.Get(k)
		switch {
		case err == nil:
			err = item.Value(func(val []byte) error {
				if len(val) >= 8 {
					cur = int64(binary.LittleEndian.Uint64(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		next := cur + delta
		if next < 0 {
			return ErrNegativeBalance
		}
		if next == 0 {
			return txn.Delete(k)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(next))
		return txn.Set(k, buf)
	})
}

// Height returns the block height.
func (b *BadgerDB) Height() uint64 {
	return b.height.Load()
}

// SetHeight updates the block height. It is persisted on Commit.
func (b *BadgerDB) SetHeight(h uint64) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.height.Store(h)
	return nil
}

// Commit persists the block height.
func (b *BadgerDB) Commit() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.height.Load())
		return txn.Set(metaHeight, buf)
	})
}

// Close commits and closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.Commit()
	b.closed.Store(true)
	if b.cache != nil {
		b.cache.Reset()
	}
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// CacheStats returns the slot cache hit and miss counts.
func (b *BadgerDB) CacheStats() (hits, misses uint64) {
	if b.cache == nil {
		return 0, 0
	}
	var s fastcache.Stats
	b.cache.UpdateStats(&s)
	return s.GetCalls - s.Misses, s.Misses
}

// RunGC runs garbage collection on the value log.
func (b *BadgerDB) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the LSM and value log sizes in bytes.
func (b *BadgerDB) Size() (lsm, vlog int64) {
	return b.db.Size()
}

// HasStorage reports whether a contract has any storage slot.
func (b *BadgerDB) HasStorage(contract string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	var found bool
	prefix := key(prefixSlot, contract+"\x00")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		found = it.Valid() && bytes.HasPrefix(it.Item().Key(), prefix)
		return nil
	})
	return found, err
}

var _ DB = (*BadgerDB)(nil)
