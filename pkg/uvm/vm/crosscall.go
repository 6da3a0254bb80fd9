package vm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// maxContractCallArgs bounds the arguments of CCALL and CSTATICCALL.
const maxContractCallArgs = 10

// identity is one entry of the contract-identity stack.
type identity struct {
	contract string // contract whose code runs
	storage  string // contract whose storage and balance are in scope
	api      string
	static   bool
	self     *Table
}

// contract is an imported contract.
type contract struct {
	addr   string
	name   string
	module *bytecode.Module
	table  *Table
}

// snapshot is the state a failed contract call rolls back to.
type snapshot struct {
	ci     *callInfo
	top    int
	eval   []Value
	ids    int
	mark   storage.Mark
	live   map[string]tableEntries
	events int
	moves  int
}

// boundary marks the first frame of a contract call run inside the
// dispatch loop. A fault below it is absorbed by the call.
type boundary struct {
	snap     snapshot
	ra       int
	nresults int
	nny      int
	addr     string
	api      string
}

func (L *State) currentIdentity() *identity {
	if n := len(L.identities); n > 0 {
		return &L.identities[n-1]
	}
	return nil
}

func (L *State) inInit() bool {
	id := L.currentIdentity()
	return id != nil && id.api == "init" && len(L.identities) == 1
}

func (L *State) isStatic() bool {
	id := L.currentIdentity()
	return id != nil && id.static
}

// CurrentContract returns the contract whose storage is in scope, or "".
func (L *State) CurrentContract() string {
	if id := L.currentIdentity(); id != nil {
		return id.storage
	}
	return ""
}

func (L *State) pushIdentity(id identity) error {
	if len(L.identities) >= L.cfg.MaxContractDepth {
		return L.sentinelError(ErrCallDepth, "contract call depth exceeded")
	}
	if cur := L.currentIdentity(); cur != nil && cur.static {
		id.static = true
	}
	L.identities = append(L.identities, id)
	return nil
}

func (L *State) popIdentity(n int) {
	if n < len(L.identities) {
		clear(L.identities[n:])
		L.identities = L.identities[:n]
	}
}

func (L *State) takeSnapshot() snapshot {
	s := snapshot{
		ci:     L.ci,
		top:    L.top,
		eval:   append([]Value(nil), L.eval...),
		ids:    len(L.identities),
		mark:   L.tracker.Snapshot(),
		live:   make(map[string]tableEntries, len(L.live)),
		events: len(L.events),
	}
	for gk, lt := range L.live {
		s.live[gk] = lt.t.entries()
	}
	if L.chain != nil {
		s.moves = L.chain.Savepoint()
	}
	return s
}

// restoreSnapshot rolls the thread back to s. Frames, registers and open
// upvalues above level are discarded.
func (L *State) restoreSnapshot(s snapshot, level int) error {
	L.closeUpvals(level)
	L.ci = s.ci
	if s.top < L.top {
		clear(L.stack[s.top:L.top])
	}
	L.top = s.top
	clear(L.eval)
	L.eval = append(L.eval[:0], s.eval...)
	L.popIdentity(s.ids)
	L.tracker.Restore(s.mark)
	if L.chain != nil {
		L.chain.RevertTo(s.moves)
	}
	for gk, lt := range L.live {
		e, ok := s.live[gk]
		if !ok {
			delete(L.live, gk)
			continue
		}
		if err := lt.t.restoreEntries(e); err != nil {
			return err
		}
	}
	if s.events < len(L.events) {
		L.events = L.events[:s.events]
	}
	log.Debug("contract call rolled back")
	return nil
}

// importContract loads the contract at addr and runs its main chunk once.
// The returned table is shared by every later import and is read-only.
func (L *State) importContract(addr string) (*contract, error) {
	if c, ok := L.contracts[addr]; ok {
		return c, nil
	}
	if L.chain == nil || !L.chain.ContractExists(addr) {
		return nil, L.sentinelError(ErrContractNotFound, "contract %s not found", addr)
	}
	m, err := L.chain.LoadContract(addr)
	if err != nil {
		L.setHostError(err)
		return nil, L.sentinelError(ErrContractNotFound, "load contract %s: %s", addr, err.Error())
	}
	bp, err := m.Proto("@" + addr)
	if err != nil {
		return nil, L.runtimeError("load contract %s: %s", addr, err.Error())
	}
	p, err := L.loadProto(bp, addr)
	if err != nil {
		return nil, err
	}
	fn, err := L.mainClosure(p)
	if err != nil {
		return nil, err
	}

	// The main chunk runs without storage access and never hits a
	// breakpoint.
	saved, top := L.ci, L.top
	if err := L.pushIdentity(identity{contract: addr}); err != nil {
		return nil, err
	}
	L.nny++
	res, err := L.CallValue(fn, 1)
	L.nny--
	L.popIdentity(len(L.identities) - 1)
	if err != nil {
		L.closeUpvals(top)
		L.ci = saved
		if top < L.top {
			clear(L.stack[top:L.top])
		}
		L.top = top
		return nil, err
	}
	t, ok := res[0].AsTable()
	if !ok {
		return nil, L.runtimeError("import_contract_from_address not return a table")
	}
	c := &contract{addr: addr, name: m.Name, module: m, table: t}
	if c.name == "" {
		c.name = addr
	}
	if err := L.decorateContract(c); err != nil {
		return nil, err
	}
	L.contracts[addr] = c
	log.Debug("contract imported", "contract", addr, "name", c.name)
	return c, nil
}

// mainClosure wraps a main prototype with _ENV bound to the globals.
func (L *State) mainClosure(p *Proto) (Value, error) {
	c, err := L.newLClosure(p, len(p.p.Upvalues))
	if err != nil {
		return Nil, err
	}
	for i := range c.upvals {
		u, err := L.newUpval(0)
		if err != nil {
			return Nil, err
		}
		u.open = false
		u.refs = 1
		if i == 0 {
			u.value = tableValue(L.globals)
		}
		c.upvals[i] = u
	}
	return functionValue(c), nil
}

// Load wraps a standalone prototype as a callable closure.
func (L *State) Load(bp *bytecode.Proto) (Value, error) {
	p, err := L.loadProto(bp, "")
	if err != nil {
		return Nil, err
	}
	return L.mainClosure(p)
}

// decorateContract sets the id, name and storage fields and protects the
// contract table.
func (L *State) decorateContract(c *contract) error {
	proxy, err := L.NewUserdata(&storageProxy{contract: c.addr}, nil)
	if err != nil {
		return err
	}
	id, err := L.NewString(c.addr)
	if err != nil {
		return err
	}
	name, err := L.NewString(c.name)
	if err != nil {
		return err
	}
	for _, f := range []struct {
		k string
		v Value
	}{{"id", id}, {"name", name}, {"storage", proxy}} {
		if err := c.table.RawSetString(L, f.k, f.v); err != nil {
			return err
		}
	}
	L.protected[c.table] = true
	return nil
}

// contractAPI returns the api function of an imported contract.
func (L *State) contractAPI(c *contract, api string) (Value, error) {
	fn := c.table.RawGetString(api)
	if !isFunction(fn) && L.metaField(fn, "__call").IsNil() {
		return Nil, L.sentinelError(ErrAPINotFound, "get api is not function")
	}
	return fn, nil
}

// contractCall implements CCALL and CSTATICCALL. R(ra) holds the address,
// R(ra+1) the api name and the b-1 arguments follow. Script apis run in
// the current dispatch loop below a boundary frame.
func (L *State) contractCall(ra, b, nresults int, static bool) error {
	nargs := b - 1
	if nargs > maxContractCallArgs {
		return L.runtimeError("too many args")
	}
	if nargs < 0 || L.top-ra < 2+nargs {
		return L.runtimeError("exceed")
	}
	addr, ok1 := L.stack[ra].AsString()
	api, ok2 := L.stack[ra+1].AsString()
	if !ok1 || !ok2 {
		return L.runtimeError("args is not string")
	}
	if bytecode.IsSpecialAPI(api) {
		return L.runtimeError("can't call special api %s", api)
	}
	L.top = ra + 2 + nargs
	snap := L.takeSnapshot()
	snap.top = ra
	log.Debug("contract call", "contract", addr, "api", api, "static", static)

	c, err := L.importContract(addr)
	if err != nil {
		return L.failContractCall(snap, ra, nresults, err)
	}
	fn, err := L.contractAPI(c, api)
	if err != nil {
		return L.failContractCall(snap, ra, nresults, err)
	}
	if err := L.pushIdentity(identity{contract: addr, storage: addr, api: api, static: static, self: c.table}); err != nil {
		return err
	}
	L.stack[ra] = fn
	L.stack[ra+1] = tableValue(c.table)
	caller := L.ci
	isLua, err := L.precall(ra, nresults)
	if err != nil {
		return L.failContractCall(snap, ra, nresults, err)
	}
	if !isLua {
		L.popIdentity(snap.ids)
		if nresults >= 0 {
			L.top = caller.top
		}
		return nil
	}
	L.ci.bound = &boundary{snap: snap, ra: ra, nresults: nresults, nny: L.nny, addr: addr, api: api}
	return nil
}

// failContractCall rolls a failed contract call back and stores nil and the
// error message as its results. Resource faults are not absorbed.
func (L *State) failContractCall(snap snapshot, ra, nresults int, err error) error {
	if !catchable(err) {
		return err
	}
	msg := toError(err).Msg
	log.Debug("contract call failed", "error", msg)
	if rerr := L.restoreSnapshot(snap, ra); rerr != nil {
		return rerr
	}
	sv, serr := L.NewString(msg)
	if serr != nil {
		return serr
	}
	n := nresults
	if n == MultRet {
		n = 2
	}
	if err := L.ensureAt(ra + n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		L.stack[ra+i] = Nil
	}
	if n >= 2 {
		L.stack[ra+1] = sv
	}
	if nresults == MultRet {
		L.top = ra + n
	} else {
		L.top = L.ci.top
	}
	return nil
}

// leaveContract pops the identity of a contract call whose boundary frame
// returned.
func (L *State) leaveContract(b *boundary) {
	L.popIdentity(b.snap.ids)
	log.Debug("contract call returned", "contract", b.addr, "api", b.api)
}

// recoverBoundary looks for a contract call boundary of the current run
// below the faulting frame. When one is found the call is rolled back and
// recoverBoundary reports true.
func (L *State) recoverBoundary(err error) (bool, error) {
	if !catchable(err) {
		return false, err
	}
	for ci := L.ci; ci != nil; ci = ci.prev {
		b := ci.bound
		if b == nil || b.nny != L.nny {
			continue
		}
		if err := L.failContractCall(b.snap, b.ra, b.nresults, err); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, err
}

// DelegateCall runs api of the contract at addr under the storage identity
// of the caller. A failed call is rolled back and reported as nil plus the
// message.
func (L *State) DelegateCall(addr, api string, args ...Value) ([]Value, error) {
	if bytecode.IsSpecialAPI(api) {
		return nil, L.runtimeError("can't call special api %s", api)
	}
	cur := L.currentIdentity()
	if cur == nil {
		return nil, L.runtimeError("delegate_call outside a contract")
	}
	snap := L.takeSnapshot()
	level := L.top
	fail := func(err error) ([]Value, error) {
		if !catchable(err) {
			return nil, err
		}
		if rerr := L.restoreSnapshot(snap, level); rerr != nil {
			return nil, rerr
		}
		msg, serr := L.NewString(toError(err).Msg)
		if serr != nil {
			return nil, serr
		}
		return []Value{Nil, msg}, nil
	}
	c, err := L.importContract(addr)
	if err != nil {
		return fail(err)
	}
	fn, err := L.contractAPI(c, api)
	if err != nil {
		return fail(err)
	}
	id := identity{contract: addr, storage: cur.storage, api: api, self: cur.self}
	if err := L.pushIdentity(id); err != nil {
		return nil, err
	}
	self := tableValue(c.table)
	if cur.self != nil {
		self = tableValue(cur.self)
	}
	res, err := L.CallValue(fn, MultRet, append([]Value{self}, args...)...)
	if err != nil {
		return fail(err)
	}
	L.popIdentity(snap.ids)
	return res, nil
}

// InvokeAPI imports the contract at addr and calls api(self, args...) as a
// top-level run. The call may stop at a breakpoint; see Resume.
func (L *State) InvokeAPI(addr, api string, args ...Value) ([]Value, error) {
	if L.nny != 0 || L.status.Has(StateBreak) {
		return nil, errors.New("thread is already running")
	}
	L.startContract, L.startAPI = addr, api
	c, err := L.importContract(addr)
	if err != nil {
		L.status = StateFault
		return nil, err
	}
	fn := c.table.RawGetString(api)
	if !isFunction(fn) {
		L.status = StateFault
		return nil, fmt.Errorf("%w: %s", ErrAPINotFound, api)
	}
	if err := L.pushIdentity(identity{contract: addr, storage: addr, api: api, self: c.table}); err != nil {
		return nil, err
	}
	return L.Call(fn, append([]Value{tableValue(c.table)}, args...)...)
}

// Contract returns the table of an imported contract.
func (L *State) Contract(addr string) (*Table, bool) {
	c, ok := L.contracts[addr]
	if !ok {
		return nil, false
	}
	return c.table, true
}
