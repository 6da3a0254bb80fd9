package storage

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrStoragePolicy is the class of errors raised by storage writes that
	// break the storage rules. A tracker that recorded one refuses to commit.
	ErrStoragePolicy = errors.New("storage policy violation")

	// ErrCommitRejected is returned when commit-time validation fails.
	ErrCommitRejected = errors.New("storage commit rejected")

	// ErrHostException is returned by Commit when the host reported an error
	// during execution. The change list is dropped.
	ErrHostException = errors.New("storage commit skipped after host exception")
)

// Key identifies one storage slot. Fast-map slots are addressed by a map
// name plus a key inside it.
type Key struct {
	Contract string
	Name     string
	FastKey  string
	FastMap  bool
}

// FullKey returns the slot key within its contract.
func (k Key) FullKey() string {
	if k.FastMap {
		return k.Name + "." + k.FastKey
	}
	return k.Name
}

// GlobalKey returns the key under which the VM caches the live table of an
// aggregate slot.
func (k Key) GlobalKey() string {
	return "gk_" + k.Contract + "__" + k.Name + "__" + k.FastKey + "__" + strconv.Itoa(btoi(k.FastMap))
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (k Key) normalize() Key {
	if !k.FastMap {
		k.FastKey = ""
	}
	return k
}

// Change is one slot change. Diff carries the encoded structural diff of
// aggregate changes after commit.
type Change struct {
	Key    Key
	Before Value
	After  Value
	Diff   []byte
}

// ContractChanges holds the merged changes of one contract, sorted by full
// key.
type ContractChanges struct {
	Contract string
	Changes  []Change
}

// Fetcher reads committed storage. The host chain implements it.
type Fetcher interface {
	GetStorage(contract, name, fastKey string, fastMap bool) (Value, error)
}

// Options select chain-version dependent storage behavior.
type Options struct {
	// ModChangeList enables the corrected change-list handling: the leading
	// null read is dropped on commit and nulled fast-map keys may be written
	// again.
	ModChangeList bool

	// UseFastMapSetNil skips later changes to a fast-map key that was set to
	// nil, when ModChangeList is off.
	UseFastMapSetNil bool

	// UseCBORDiff selects CBOR diffs instead of JSON diffs.
	UseCBORDiff bool
}

// SetContext describes the caller of a storage write.
type SetContext struct {
	InInit bool // the running api is the starting contract's init
	Static bool // the running frame is a static call
}

// PolicyError is a storage rule violation.
type PolicyError struct {
	Key Key
	Msg string
}

func (e *PolicyError) Error() string { return e.Msg }

// Is makes PolicyError match ErrStoragePolicy.
func (e *PolicyError) Is(target error) bool { return target == ErrStoragePolicy }

// Mark is a tracker position taken by Snapshot.
type Mark struct {
	changes int
	reads   int
}

// Tracker records the storage reads and writes of one execution.
type Tracker struct {
	fetch Fetcher
	opts  Options

	changes   []Change
	reads     []Change
	violation error
}

// NewTracker creates a tracker reading through fetch.
func NewTracker(fetch Fetcher, opts Options) *Tracker {
	return &Tracker{fetch: fetch, opts: opts}
}

// Options returns the tracker options.
func (t *Tracker) Options() Options { return t.opts }

// Changes returns the raw change list.
func (t *Tracker) Changes() []Change { return t.changes }

// Reads returns the aggregate read list.
func (t *Tracker) Reads() []Change { return t.reads }

// Violation returns the first recorded policy violation.
func (t *Tracker) Violation() error { return t.violation }

// Get returns the current value of a slot: the latest write in this
// execution, or the committed value.
func (t *Tracker) Get(key Key) (Value, error) {
	return t.last(key.normalize())
}

// Peek returns the current value of a slot without recording anything.
func (t *Tracker) Peek(key Key) (Value, error) {
	key = key.normalize()
	for i := len(t.changes) - 1; i >= 0; i-- {
		if t.changes[i].Key == key {
			return t.changes[i].After, nil
		}
	}
	return t.fetch.GetStorage(key.Contract, key.Name, key.FastKey, key.FastMap)
}

func (t *Tracker) last(key Key) (Value, error) {
	for i := len(t.changes) - 1; i >= 0; i-- {
		if t.changes[i].Key == key {
			return t.changes[i].After, nil
		}
	}
	v, err := t.fetch.GetStorage(key.Contract, key.Name, key.FastKey, key.FastMap)
	if err != nil {
		return Value{}, err
	}
	if v.IsAggregate() {
		t.registerRead(key, v)
	}
	// Only the very first read is recorded as a change item. Later cold reads
	// go back to the fetcher.
	if len(t.changes) == 0 {
		t.changes = append(t.changes, Change{Key: key, Before: v, After: v})
	}
	return v, nil
}

func (t *Tracker) registerRead(key Key, v Value) {
	for _, r := range t.reads {
		if r.Key == key {
			return
		}
	}
	t.reads = append(t.reads, Change{Key: key, Before: v.Clone(), After: v.Clone()})
}

func (t *Tracker) reject(key Key, msg string) error {
	err := &PolicyError{Key: key, Msg: msg}
	if t.violation == nil {
		t.violation = err
	}
	return err
}

// Reject records a rule violation found before the write reached Set.
func (t *Tracker) Reject(key Key, msg string) error {
	return t.reject(key.normalize(), msg)
}

// Set records a write. Rule violations are returned and recorded, and a
// tracker holding one refuses to commit.
func (t *Tracker) Set(key Key, after Value, ctx SetContext) error {
	key = key.normalize()
	if ctx.Static {
		return t.reject(key, "static call can not modify contract storage")
	}
	if key.Name == "" {
		return t.reject(key, "storage name can't be empty")
	}
	if after.IsAggregate() {
		t.registerRead(key, after)
	}
	before, err := t.last(key)
	if err != nil {
		return err
	}
	if !key.FastMap && after.IsNull() {
		return t.reject(key, key.Name+" storage can't change to nil")
	}
	if !key.FastMap && !before.IsNull() && before.Type != after.Type && !before.IsAggregate() {
		return t.reject(key, key.Name+" storage can't change type")
	}
	if !ctx.InInit && before.IsNull() && !key.FastMap {
		return t.reject(key, key.Name+" storage can't register storage after inited")
	}
	if after.IsAggregate() {
		for _, it := range after.Items {
			if it.IsAggregate() {
				return t.reject(key, "storage not support nested map")
			}
		}
		if err := t.checkItemTypes(key, before, after); err != nil {
			return err
		}
	}
	t.changes = append(t.changes, Change{Key: key, Before: before.Clone(), After: after.Clone()})
	return nil
}

// checkItemTypes requires every non-null element of before and after to
// share one type. When before holds no elements the type is checked against
// earlier writes to the same slot.
func (t *Tracker) checkItemTypes(key Key, before, after Value) error {
	itemType := TypeNull
	seen := false
	check := func(v Value) bool {
		for _, it := range v.Items {
			if it.IsNull() {
				continue
			}
			if !seen {
				itemType, seen = it.Type, true
			} else if it.Type != itemType {
				return false
			}
		}
		return true
	}
	if before.IsAggregate() && !check(before) {
		return t.reject(key, "storage table type must be same")
	}
	if !check(after) {
		return t.reject(key, "storage table type must be same")
	}
	if (!before.IsAggregate() || before.Len() == 0) && after.Len() > 0 {
		for _, c := range t.changes {
			if c.Key != key || !c.After.IsAggregate() {
				continue
			}
			for _, it := range c.After.Items {
				if !it.IsNull() && it.Type != itemType {
					return t.reject(key, "storage table type must be same")
				}
			}
		}
	}
	return nil
}

// Snapshot returns the current tracker position.
func (t *Tracker) Snapshot() Mark {
	return Mark{changes: len(t.changes), reads: len(t.reads)}
}

// Restore rolls the tracker back to m, dropping every change and read
// recorded after it. A recorded violation is kept.
func (t *Tracker) Restore(m Mark) {
	if m.changes < len(t.changes) {
		clear(t.changes[m.changes:])
		t.changes = t.changes[:m.changes]
	}
	if m.reads < len(t.reads) {
		clear(t.reads[m.reads:])
		t.reads = t.reads[:m.reads]
	}
}

// Reset drops every recorded change and read.
func (t *Tracker) Reset() {
	t.changes = nil
	t.reads = nil
	t.violation = nil
}

func (t *Tracker) String() string {
	return fmt.Sprintf("tracker(%d changes, %d reads)", len(t.changes), len(t.reads))
}
