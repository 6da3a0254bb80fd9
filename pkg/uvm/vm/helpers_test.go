package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

type (
	ins   = bytecode.Instruction
	konst = bytecode.Constant
)

var (
	abc = bytecode.CreateABC
	abx = bytecode.CreateABx
	asb = bytecode.CreateAsBx
	rk  = bytecode.RK
	kI  = bytecode.IntConst
	kS  = bytecode.StringConst
	kF  = bytecode.NumberConst
)

// env is the upvalue list of a main chunk.
var env = []bytecode.UpvalDesc{{Name: "_ENV", InStack: true, Idx: 0}}

// chunk returns a vararg main function named source. Instruction pc sits on
// line pc+1.
func chunk(source string, maxStack uint8, consts []konst, code ...ins) *bytecode.Proto {
	return &bytecode.Proto{
		Source:       "@" + source,
		IsVararg:     true,
		MaxStackSize: maxStack,
		Code:         code,
		Constants:    consts,
		Upvalues:     env,
		LineInfo:     lines(len(code), 1),
	}
}

// function returns a nested prototype with params fixed parameters whose
// first instruction sits on line first.
func function(params, maxStack uint8, first int, consts []konst, upvals []bytecode.UpvalDesc, code ...ins) *bytecode.Proto {
	return &bytecode.Proto{
		LineDefined:  first,
		NumParams:    params,
		MaxStackSize: maxStack,
		Code:         code,
		Constants:    consts,
		Upvalues:     upvals,
		LineInfo:     lines(len(code), first),
	}
}

func lines(n, first int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(first + i)
	}
	return out
}

func newTestState(t *testing.T, chain host.Chain, cfg Config) *State {
	t.Helper()
	L, err := NewState(chain, cfg)
	require.NoError(t, err)
	require.NoError(t, L.OpenLibs())
	t.Cleanup(L.Close)
	return L
}

// exec loads p and calls it with args.
func exec(t *testing.T, L *State, p *bytecode.Proto, args ...Value) ([]Value, error) {
	t.Helper()
	require.NoError(t, p.Validate())
	fn, err := L.Load(p)
	require.NoError(t, err)
	return L.Call(fn, args...)
}

// callGlobal calls a function stored in the globals, or in a library table
// when name has the form lib.fn.
func callGlobal(t *testing.T, L *State, name string, args ...Value) []Value {
	t.Helper()
	fn := L.GetGlobal(name)
	if lib, f, ok := strings.Cut(name, "."); ok {
		tbl, isTable := L.GetGlobal(lib).AsTable()
		require.True(t, isTable, lib)
		fn = tbl.RawGetString(f)
	}
	require.True(t, isFunction(fn), name)
	res, err := L.Call(fn, args...)
	require.NoError(t, err, name)
	return res
}

func str(t *testing.T, L *State, s string) Value {
	t.Helper()
	v, err := L.NewString(s)
	require.NoError(t, err)
	return v
}

func asString(t *testing.T, v Value) string {
	t.Helper()
	s, ok := v.AsString()
	require.True(t, ok, "want string, got %s", v.TypeName())
	return s
}

// stubChain is an in-memory host.Chain.
type stubChain struct {
	modules   map[string]*bytecode.Module
	names     map[string]string
	storage   map[string]storage.Value
	balances  map[string]int64
	moves     []stubMove
	committed [][]storage.ContractChanges
	emitted   []host.Event
	forks     map[string]int64
	block     uint64
	maxDepth  int
}

func newStubChain() *stubChain {
	return &stubChain{
		modules:  make(map[string]*bytecode.Module),
		names:    make(map[string]string),
		storage:  make(map[string]storage.Value),
		balances: make(map[string]int64),
		forks:    make(map[string]int64),
		block:    10,
	}
}

func (c *stubChain) deploy(addr string, main *bytecode.Proto, apis []string, props map[string]storage.Type) {
	m := bytecode.NewModule(main, apis, nil, nil, props)
	m.Name = addr
	c.modules[addr] = m
	c.names[addr] = addr
}

func slot(contract, name, fastKey string) string {
	return contract + "/" + name + "/" + fastKey
}

func (c *stubChain) GetStorage(contract, name, fastKey string, fastMap bool) (storage.Value, error) {
	if !fastMap {
		fastKey = ""
	}
	if v, ok := c.storage[slot(contract, name, fastKey)]; ok {
		return v.Clone(), nil
	}
	return storage.Null(), nil
}

func (c *stubChain) CommitStorageChanges(changes []storage.ContractChanges) error {
	for _, cc := range changes {
		for _, ch := range cc.Changes {
			c.storage[slot(cc.Contract, ch.Key.Name, ch.Key.FastKey)] = ch.After.Clone()
		}
	}
	c.committed = append(c.committed, changes)
	return nil
}

func (c *stubChain) ContractExists(addr string) bool {
	_, ok := c.modules[addr]
	return ok
}

func (c *stubChain) LoadContract(addr string) (*bytecode.Module, error) {
	m, ok := c.modules[addr]
	if !ok {
		return nil, host.ErrContractNotFound
	}
	return m, nil
}

func (c *stubChain) ContractAddressByName(name string) (string, bool) {
	addr, ok := c.names[name]
	return addr, ok
}

func (c *stubChain) TransferFromContract(from, to, symbol string, amount int64) error {
	switch {
	case amount <= 0:
		return host.ErrInvalidAmount
	case !c.ValidAddress(to):
		return host.ErrInvalidAddress
	case c.balances[from+"/"+symbol] < amount:
		return host.ErrInsufficientFunds
	}
	c.balances[from+"/"+symbol] -= amount
	c.balances[to+"/"+symbol] += amount
	c.moves = append(c.moves, stubMove{from + "/" + symbol, to + "/" + symbol, amount})
	return nil
}

type stubMove struct {
	from, to string
	amount   int64
}

func (c *stubChain) Savepoint() int { return len(c.moves) }

func (c *stubChain) RevertTo(sp int) {
	for len(c.moves) > sp {
		m := c.moves[len(c.moves)-1]
		c.balances[m.from] += m.amount
		c.balances[m.to] -= m.amount
		c.moves = c.moves[:len(c.moves)-1]
	}
}

func (c *stubChain) ContractBalance(addr, symbol string) (int64, error) {
	if !c.ContractExists(addr) {
		return 0, errors.New("contract not found")
	}
	return c.balances[addr+"/"+symbol], nil
}

func (c *stubChain) Now() int64            { return 1700000000 }
func (c *stubChain) BlockNumber() uint64   { return c.block }
func (c *stubChain) Random() int64         { return 42 }
func (c *stubChain) TransactionID() string { return "tx1" }
func (c *stubChain) TransactionFee() int64 { return 100 }
func (c *stubChain) Emit(contract, name, arg string) {
	c.emitted = append(c.emitted, host.Event{Contract: contract, Name: name, Arg: arg})
}

func (c *stubChain) CheckCallLimit(depth int, count uint64) bool {
	return c.maxDepth == 0 || depth < c.maxDepth
}

func (c *stubChain) ForkHeight(name string) int64 {
	if h, ok := c.forks[name]; ok {
		return h
	}
	return -1
}

func (c *stubChain) ValidAddress(s string) bool         { return s != "" && !strings.ContainsAny(s, " /") }
func (c *stubChain) ValidContractAddress(s string) bool { return c.ContractExists(s) }
func (c *stubChain) SystemAsset() (string, int64)       { return "XUVM", 100000 }
