// Package journal provides persistent storage for sealed blocks and the
// receipts of their transactions.
//
// Receipts carry the committed change sets and events of each call, so the
// journal is the audit log of the chain state held in chainstore. Payloads
// are CBOR, optionally zstd compressed.
package journal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"
)

var log = commonlog.GetLogger("journal")

var (
	// ErrBlockNotFound is returned when a block doesn't exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrReceiptNotFound is returned when a transaction doesn't exist.
	ErrReceiptNotFound = errors.New("transaction not found")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")

	// ErrBadHeight is returned when a block doesn't extend the latest one.
	ErrBadHeight = errors.New("block height does not extend the journal")

	// ErrBadParent is returned when a block's parent hash doesn't match.
	ErrBadParent = errors.New("block parent does not match the latest block")
)

// Bucket names.
var (
	bucketBlocks      = []byte("blocks")
	bucketReceipts    = []byte("receipts")
	bucketContractTxs = []byte("contract_txs")
	bucketMetadata    = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestHeight     = []byte("latest_height")
	keyOldestHeight     = []byte("oldest_height")
	keyBlockCount       = []byte("block_count")
	keyTransactionCount = []byte("transaction_count")
)

// compressedMagic prefixes zstd compressed payloads.
const compressedMagic = "JZS1"

// Config holds journal configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// Compress zstd-compresses receipt payloads.
	Compress bool

	// RetainBlocks prunes blocks older than the latest RetainBlocks in the
	// background. Zero keeps everything.
	RetainBlocks uint64

	// PruneInterval is how often pruning runs.
	PruneInterval time.Duration

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		Compress:      true,
		PruneInterval: DefaultPruneInterval,
	}
}

// Journal is a bbolt-backed block journal.
type Journal struct {
	db     *bolt.DB
	config Config

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu               sync.RWMutex
	latest           *Block
	oldestHeight     uint64
	blockCount       uint64
	transactionCount uint64

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup

	closed bool
}

// Open creates or opens a journal.
func Open(config Config) (*Journal, error) {
	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &Journal{
		db:        db,
		config:    config,
		pruneStop: make(chan struct{}),
	}
	if j.enc, err = zstd.NewWriter(nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if j.dec, err = zstd.NewReader(nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd: %w", err)
	}

	if !config.ReadOnly {
		if err := j.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := j.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	if config.RetainBlocks > 0 && !config.ReadOnly {
		j.startPruning()
	}
	return j, nil
}

func (j *Journal) initBuckets() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketReceipts, bucketContractTxs, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (j *Journal) loadCachedValues() error {
	return j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		j.oldestHeight = DecodeHeightKey(meta.Get(keyOldestHeight))
		j.blockCount = DecodeHeightKey(meta.Get(keyBlockCount))
		j.transactionCount = DecodeHeightKey(meta.Get(keyTransactionCount))
		if v := meta.Get(keyLatestHeight); v != nil {
			var b Block
			if err := j.decode(tx.Bucket(bucketBlocks).Get(v), &b); err != nil {
				return err
			}
			j.latest = &b
		}
		return nil
	})
}

func (j *Journal) startPruning() {
	interval := j.config.PruneInterval
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	j.pruneWG.Add(1)
	go func() {
		defer j.pruneWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := j.Prune(j.config.RetainBlocks); err != nil {
					log.Error("prune failed", "error", err)
				} else if n > 0 {
					log.Info("pruned blocks", "count", n)
				}
			case <-j.pruneStop:
				return
			}
		}
	}()
}

func (j *Journal) encode(v interface{}) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !j.config.Compress {
		return data, nil
	}
	return append([]byte(compressedMagic), j.enc.EncodeAll(data, nil)...), nil
}

func (j *Journal) decode(data []byte, v interface{}) error {
	if data == nil {
		return ErrBlockNotFound
	}
	if bytes.HasPrefix(data, []byte(compressedMagic)) {
		raw, err := j.dec.DecodeAll(data[len(compressedMagic):], nil)
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		data = raw
	}
	return cbor.Unmarshal(data, v)
}

func (j *Journal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return nil
}

// Latest returns the latest block, or nil for an empty journal.
func (j *Journal) Latest() *Block {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.latest == nil {
		return nil
	}
	b := *j.latest
	return &b
}

// LatestHeight returns the latest block height, zero when empty.
func (j *Journal) LatestHeight() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.latest == nil {
		return 0
	}
	return j.latest.Height
}

// PutBlock appends a block with its receipts. The block must extend the
// latest block; its transaction list and hash are filled from receipts.
func (j *Journal) PutBlock(block *Block, receipts []*Receipt) error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var parent Block
	if j.latest != nil {
		parent = *j.latest
	}
	if block.Height != parent.Height+1 {
		return fmt.Errorf("%w: got %d, latest %d", ErrBadHeight, block.Height, parent.Height)
	}
	if j.latest != nil && block.Parent != parent.Hash {
		return ErrBadParent
	}

	block.Transactions = block.Transactions[:0]
	for i, r := range receipts {
		r.Height, r.Index = block.Height, i
		block.Transactions = append(block.Transactions, r.ID)
	}
	block.Hash = block.ComputeHash()

	blockData, err := j.encode(block)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	receiptData := make([][]byte, len(receipts))
	for i, r := range receipts {
		if receiptData[i], err = j.encode(r); err != nil {
			return fmt.Errorf("encode receipt %s: %w", r.ID, err)
		}
	}

	heightKey := EncodeHeightKey(block.Height)
	err = j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(heightKey, blockData); err != nil {
			return err
		}
		rb := tx.Bucket(bucketReceipts)
		idx := tx.Bucket(bucketContractTxs)
		for i, r := range receipts {
			if err := rb.Put([]byte(r.ID), receiptData[i]); err != nil {
				return err
			}
			for _, c := range r.Contracts() {
				if err := idx.Put(encodeContractKey(c, block.Height, i), []byte(r.ID)); err != nil {
					return err
				}
			}
		}
		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyLatestHeight, heightKey); err != nil {
			return err
		}
		if j.oldestHeight == 0 {
			if err := meta.Put(keyOldestHeight, heightKey); err != nil {
				return err
			}
		}
		if err := meta.Put(keyBlockCount, EncodeHeightKey(j.blockCount+1)); err != nil {
			return err
		}
		return meta.Put(keyTransactionCount, EncodeHeightKey(j.transactionCount+uint64(len(receipts))))
	})
	if err != nil {
		return err
	}

	stored := *block
	stored.Transactions = append([]string(nil), block.Transactions...)
	j.latest = &stored
	if j.oldestHeight == 0 {
		j.oldestHeight = block.Height
	}
	j.blockCount++
	j.transactionCount += uint64(len(receipts))
	return nil
}

// GetBlock retrieves a block by height.
func (j *Journal) GetBlock(height uint64) (*Block, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	var b Block
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(EncodeHeightKey(height))
		if data == nil {
			return ErrBlockNotFound
		}
		return j.decode(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetReceipt retrieves a transaction receipt by id.
func (j *Journal) GetReceipt(id string) (*Receipt, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	var r Receipt
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReceipts).Get([]byte(id))
		if data == nil {
			return ErrReceiptNotFound
		}
		return j.decode(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// BlockReceipts returns the receipts of a block in order.
func (j *Journal) BlockReceipts(height uint64) ([]*Receipt, error) {
	b, err := j.GetBlock(height)
	if err != nil {
		return nil, err
	}
	out := make([]*Receipt, 0, len(b.Transactions))
	for _, id := range b.Transactions {
		r, err := j.GetReceipt(id)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ContractTransactions returns the ids of the transactions touching a
// contract, newest first. A limit of zero returns all of them.
func (j *Journal) ContractTransactions(contract string, limit int) ([]string, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	prefix := append([]byte(contract), 0)
	var ids []string
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContractTxs).Cursor()

		// Seek past the prefix and walk backwards.
		end := append(append([]byte(nil), contract...), 1)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			ids = append(ids, string(v))
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	return ids, err
}

// Prune removes blocks older than the latest keep blocks along with their
// receipts and index entries. It returns the number of blocks removed.
func (j *Journal) Prune(keep uint64) (uint64, error) {
	if err := j.checkOpen(); err != nil {
		return 0, err
	}
	latest := j.LatestHeight()
	if keep == 0 || latest <= keep {
		return 0, nil
	}
	before := latest - keep + 1

	j.mu.Lock()
	defer j.mu.Unlock()

	var pruned, txs uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		receipts := tx.Bucket(bucketReceipts)
		idx := tx.Bucket(bucketContractTxs)

		var heights [][]byte
		c := blocks.Cursor()
		maxKey := EncodeHeightKey(before)
		for k, _ := c.First(); k != nil && bytes.Compare(k, maxKey) < 0; k, _ = c.Next() {
			heights = append(heights, append([]byte(nil), k...))
		}
		for _, hk := range heights {
			var b Block
			if err := j.decode(blocks.Get(hk), &b); err != nil {
				return err
			}
			for i, id := range b.Transactions {
				var r Receipt
				if err := j.decode(receipts.Get([]byte(id)), &r); err == nil {
					for _, contract := range r.Contracts() {
						if err := idx.Delete(encodeContractKey(contract, b.Height, i)); err != nil {
							return err
						}
					}
				}
				if err := receipts.Delete([]byte(id)); err != nil {
					return err
				}
				txs++
			}
			if err := blocks.Delete(hk); err != nil {
				return err
			}
			pruned++
		}
		if pruned == 0 {
			return nil
		}
		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyOldestHeight, maxKey); err != nil {
			return err
		}
		if err := meta.Put(keyBlockCount, EncodeHeightKey(j.blockCount-pruned)); err != nil {
			return err
		}
		return meta.Put(keyTransactionCount, EncodeHeightKey(j.transactionCount-txs))
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		j.oldestHeight = before
		j.blockCount -= pruned
		j.transactionCount -= txs
	}
	return pruned, nil
}

// GetStats returns journal statistics.
func (j *Journal) GetStats() (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	s := &Stats{
		OldestHeight:     j.oldestHeight,
		BlockCount:       j.blockCount,
		TransactionCount: j.transactionCount,
	}
	if j.latest != nil {
		s.LatestHeight = j.latest.Height
	}
	if info, err := os.Stat(j.config.Path); err == nil {
		s.DatabaseSize = info.Size()
	}
	return s, nil
}

// Sync forces a sync of the database to disk.
func (j *Journal) Sync() error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	return j.db.Sync()
}

// Close shuts down the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.pruneStop)
	j.pruneWG.Wait()
	j.enc.Close()
	j.dec.Close()
	return j.db.Close()
}
