package vm

import (
	"errors"
	"sort"
	"strconv"

	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// storageProxy is the payload of the userdata behind contract.storage.
// Reads and writes go to the storage of the running identity.
type storageProxy struct {
	contract string
}

func proxyOf(v Value) (*storageProxy, bool) {
	u, ok := v.obj.(*Userdata)
	if !ok {
		return nil, false
	}
	p, ok := u.payload.(*storageProxy)
	return p, ok
}

// liveTable is a VM table materialized from an aggregate storage slot.
// Scripts may mutate it in place; its contents are folded into the commit.
type liveTable struct {
	key storage.Key
	t   *Table
}

func (L *State) storageKey(name, fastKey string, fastMap bool) (storage.Key, error) {
	id := L.currentIdentity()
	if id == nil || id.storage == "" {
		return storage.Key{}, L.runtimeError("contract storage is not available here")
	}
	return storage.Key{Contract: id.storage, Name: name, FastKey: fastKey, FastMap: fastMap}, nil
}

func (L *State) proxyGet(p *storageProxy, k Value) (Value, error) {
	name, ok := k.AsString()
	if !ok {
		return Nil, L.runtimeError("only string can be storage key")
	}
	return L.getStorage(name, "", false)
}

func (L *State) proxySet(p *storageProxy, k, v Value) error {
	name, ok := k.AsString()
	if !ok {
		return L.runtimeError("only string can be storage key")
	}
	return L.setStorage(name, "", false, v)
}

// getStorage reads a slot of the current storage identity. Aggregates come
// back as live tables, one per slot.
func (L *State) getStorage(name, fastKey string, fastMap bool) (Value, error) {
	key, err := L.storageKey(name, fastKey, fastMap)
	if err != nil {
		return Nil, err
	}
	gk := key.GlobalKey()
	if lt, ok := L.live[gk]; ok {
		return tableValue(lt.t), nil
	}
	sv, err := L.tracker.Get(key)
	if err != nil {
		return Nil, L.runtimeError("get storage %s failed: %s", key.FullKey(), err.Error())
	}
	v, err := L.FromStorage(sv)
	if err != nil {
		return Nil, err
	}
	if t, ok := v.AsTable(); ok {
		L.live[gk] = liveTable{key: key, t: t}
	}
	return v, nil
}

// setStorage writes a slot of the current storage identity.
func (L *State) setStorage(name, fastKey string, fastMap bool, v Value) error {
	key, err := L.storageKey(name, fastKey, fastMap)
	if err != nil {
		return err
	}
	sv, err := L.ToStorage(v)
	var perr *storage.PolicyError
	if errors.As(err, &perr) {
		err = L.tracker.Reject(key, perr.Msg)
		return &Error{Kind: KindStoragePolicy, Msg: L.where(1) + err.Error(), Err: err}
	}
	if err != nil {
		return L.runtimeError("%s", err.Error())
	}
	if err := L.tracker.Set(key, sv, storage.SetContext{InInit: L.inInit(), Static: L.isStatic()}); err != nil {
		return &Error{Kind: KindStoragePolicy, Msg: L.where(1) + err.Error(), Err: err}
	}
	gk := key.GlobalKey()
	if t, ok := v.AsTable(); ok {
		L.live[gk] = liveTable{key: key, t: t}
	} else {
		delete(L.live, gk)
	}
	return nil
}

// ViewContractStorage returns the current value of a slot of the running
// contract without recording a read.
func (L *State) ViewContractStorage(name, fastKey string) (storage.Value, error) {
	key, err := L.storageKey(name, fastKey, fastKey != "")
	if err != nil {
		return storage.Null(), err
	}
	if lt, ok := L.live[key.GlobalKey()]; ok {
		return L.ToStorage(tableValue(lt.t))
	}
	return L.tracker.Peek(key)
}

// ToStorage converts a VM value to a storage value. Tables whose keys are
// exactly 1..n become arrays; other tables become maps keyed by string.
// Tables nested one level are converted too so the tracker can reject
// them; deeper nesting is a *storage.PolicyError.
func (L *State) ToStorage(v Value) (storage.Value, error) {
	return toStorage(v, 0)
}

func toStorage(v Value, depth int) (storage.Value, error) {
	switch v.kind {
	case KindNil:
		return storage.Null(), nil
	case KindBool:
		return storage.Bool(v.n != 0), nil
	case KindInt:
		return storage.Int(int64(v.n)), nil
	case KindNumber:
		f, _ := v.AsNumber()
		return storage.Number(f), nil
	case KindString:
		return storage.String(v.obj.(*String).s), nil
	case KindUserdata:
		if s, ok := v.obj.(*Userdata).payload.(*Stream); ok {
			return storage.Stream(s.buf), nil
		}
	case KindTable:
		if depth > 1 {
			return storage.Value{}, &storage.PolicyError{Msg: "storage not support nested map"}
		}
		return tableToStorage(v.obj.(*Table), depth)
	}
	return storage.Value{}, storage.ErrUnsupportedValue
}

func tableToStorage(t *Table, depth int) (storage.Value, error) {
	n := t.Length()
	if n > 0 && n == t.Count() {
		items := make([]storage.Value, n)
		for i := range items {
			it, err := toStorage(t.arr[i], depth+1)
			if err != nil {
				return storage.Value{}, err
			}
			items[i] = it
		}
		return storage.Array(items...), nil
	}
	items := make(map[string]storage.Value, t.Count())
	var ferr error
	t.ForEach(func(k, v Value) bool {
		ks, ok := toStringCoerce(k)
		if !ok {
			ferr = storage.ErrUnsupportedValue
			return false
		}
		it, err := toStorage(v, depth+1)
		if err != nil {
			ferr = err
			return false
		}
		items[ks] = it
		return true
	})
	if ferr != nil {
		return storage.Value{}, ferr
	}
	return storage.Table(items), nil
}

// FromStorage converts a storage value to a VM value.
func (L *State) FromStorage(sv storage.Value) (Value, error) {
	switch sv.Type {
	case storage.TypeNull:
		return Nil, nil
	case storage.TypeBool:
		return Bool(sv.Bool), nil
	case storage.TypeInt:
		return Int(sv.Int), nil
	case storage.TypeNumber:
		return Number(sv.Num), nil
	case storage.TypeString:
		return L.NewString(sv.Str)
	case storage.TypeStream:
		return L.newStream(sv.Stream)
	}
	if !sv.IsAggregate() {
		return Nil, storage.ErrUnsupportedValue
	}
	t, err := L.NewTable(0, 0)
	if err != nil {
		return Nil, err
	}
	if err := L.fillTable(t, sv); err != nil {
		return Nil, err
	}
	return tableValue(t), nil
}

// fillTable replaces the contents of t with the elements of an aggregate.
func (L *State) fillTable(t *Table, sv storage.Value) error {
	t.reset()
	if sv.Type.IsArray() {
		for i, it := range sv.Elements() {
			v, err := L.FromStorage(it)
			if err != nil {
				return err
			}
			if err := t.RawSetInt(int64(i)+1, v); err != nil {
				return err
			}
		}
		return nil
	}
	keys := make([]string, 0, len(sv.Items))
	for k := range sv.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := L.FromStorage(sv.Items[k])
		if err != nil {
			return err
		}
		var kv Value
		if i, err := strconv.ParseInt(k, 10, 64); err == nil && strconv.FormatInt(i, 10) == k {
			kv = Int(i)
		} else if kv, err = L.NewString(k); err != nil {
			return err
		}
		if err := t.RawSet(kv, v); err != nil {
			return err
		}
	}
	return nil
}

// liveSnapshot returns the current contents of every live table.
func (L *State) liveSnapshot() map[string]storage.Value {
	out := make(map[string]storage.Value, len(L.live))
	for gk, lt := range L.live {
		if v, err := L.ToStorage(tableValue(lt.t)); err == nil {
			out[gk] = v
		}
	}
	return out
}

// CommitStorage validates and applies the recorded storage changes through
// the host. The tracker is cleared whatever the outcome.
func (L *State) CommitStorage() ([]storage.ContractChanges, error) {
	lives := L.liveSnapshot()
	ctx := storage.CommitContext{
		HostException:    L.hostErr != nil,
		InInit:           L.startAPI == "init",
		StartingContract: L.startContract,
		Properties:       L.storageProperties,
		Live: func(k storage.Key) (storage.Value, bool) {
			v, ok := lives[k.GlobalKey()]
			return v, ok
		},
		Apply: func(changes []storage.ContractChanges) error {
			if L.chain == nil {
				return nil
			}
			return L.chain.CommitStorageChanges(changes)
		},
	}
	changes, err := L.tracker.Commit(ctx)
	clear(L.live)
	if err != nil {
		log.Debug("storage commit rejected", "error", err.Error())
		return nil, err
	}
	log.Debug("storage committed", "contracts", len(changes))
	return changes, nil
}

func (L *State) storageProperties(addr string) (map[string]storage.Type, error) {
	if c, ok := L.contracts[addr]; ok && c.module != nil {
		return c.module.StorageProperties, nil
	}
	if L.chain == nil {
		return nil, nil
	}
	return host.StorageProperties(L.chain, addr)
}
