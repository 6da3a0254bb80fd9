package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
	"github.com/fortiblox/X1-UVM/pkg/uvm/vm"
)

var (
	abc = bytecode.CreateABC
	abx = bytecode.CreateABx
	asb = bytecode.CreateAsBx
	rk  = bytecode.RK
	kI  = bytecode.IntConst
	kS  = bytecode.StringConst
)

var outerEnv = []bytecode.UpvalDesc{{Name: "_ENV", InStack: false, Idx: 0}}

func proto(params, maxStack uint8, first int, consts []bytecode.Constant, upvals []bytecode.UpvalDesc, code ...bytecode.Instruction) *bytecode.Proto {
	lines := make([]int32, len(code))
	for i := range lines {
		lines[i] = int32(first + i)
	}
	return &bytecode.Proto{
		Source:       "@sample",
		LineDefined:  first,
		NumParams:    params,
		MaxStackSize: maxStack,
		Code:         code,
		Constants:    consts,
		Upvalues:     upvals,
		LineInfo:     lines,
	}
}

var sampleAPIs = []string{"init", "get_supply", "info", "boom", "spin", "echo"}

// sampleContract has the apis:
//
//	init(self, arg)  sets supply to 1000 and owner to addr1, emits Inited
//	get_supply(self) returns the supply
//	info(self)       offline; writes 5 to supply and returns it
//	boom(self)       writes 1 to supply and raises boom
//	spin(self)       never returns
//	echo(self, arg)  returns arg
func sampleContract() *bytecode.Module {
	fns := []*bytecode.Proto{
		proto(2, 6, 10,
			[]bytecode.Constant{kS("storage"), kS("supply"), kI(1000), kS("owner"), kS("addr1"), kS("emit"), kS("Inited")}, outerEnv,
			abc(bytecode.OpGetTable, 2, 0, rk(0)),
			abc(bytecode.OpSetTable, 2, rk(1), rk(2)),
			abc(bytecode.OpSetTable, 2, rk(3), rk(4)),
			abc(bytecode.OpGetTabUp, 3, 0, rk(5)),
			abx(bytecode.OpLoadK, 4, 6),
			abc(bytecode.OpMove, 5, 1, 0),
			abc(bytecode.OpCall, 3, 3, 1),
			abc(bytecode.OpReturn, 0, 1, 0)),
		proto(1, 3, 20, []bytecode.Constant{kS("storage"), kS("supply")}, nil,
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpGetTable, 2, 1, rk(1)),
			abc(bytecode.OpReturn, 2, 2, 0)),
		proto(1, 3, 30, []bytecode.Constant{kS("storage"), kS("supply"), kI(5)}, nil,
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpSetTable, 1, rk(1), rk(2)),
			abc(bytecode.OpGetTable, 2, 1, rk(1)),
			abc(bytecode.OpReturn, 2, 2, 0)),
		proto(1, 4, 40, []bytecode.Constant{kS("storage"), kS("supply"), kI(1), kS("error"), kS("boom")}, outerEnv,
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpSetTable, 1, rk(1), rk(2)),
			abc(bytecode.OpGetTabUp, 2, 0, rk(3)),
			abx(bytecode.OpLoadK, 3, 4),
			abc(bytecode.OpCall, 2, 2, 1),
			abc(bytecode.OpReturn, 0, 1, 0)),
		proto(1, 1, 50, nil, nil,
			asb(bytecode.OpJmp, 0, -1),
			abc(bytecode.OpReturn, 0, 1, 0)),
		proto(2, 2, 60, nil, nil,
			abc(bytecode.OpReturn, 1, 2, 0)),
	}

	consts := make([]bytecode.Constant, len(sampleAPIs))
	code := []bytecode.Instruction{abc(bytecode.OpNewTable, 0, 0, 0)}
	for i, name := range sampleAPIs {
		consts[i] = kS(name)
		code = append(code,
			abx(bytecode.OpClosure, 1, i),
			abc(bytecode.OpSetTable, 0, rk(i), 1))
	}
	code = append(code, abc(bytecode.OpReturn, 0, 2, 0))
	main := proto(0, 2, 1, consts, []bytecode.UpvalDesc{{Name: "_ENV", InStack: true, Idx: 0}}, code...)
	main.LineDefined = 0
	main.IsVararg = true
	main.Protos = fns

	return bytecode.NewModule(main, sampleAPIs[1:], []string{"info"}, []string{"Inited"},
		map[string]storage.Type{"supply": storage.TypeInt, "owner": storage.TypeString})
}

// memChain is a host.Chain over maps.
type memChain struct {
	modules map[string]*bytecode.Module
	storage map[string]storage.Value
	events  []host.Event
	loads   int
}

func newMemChain() *memChain {
	return &memChain{
		modules: map[string]*bytecode.Module{"sample": sampleContract()},
		storage: make(map[string]storage.Value),
	}
}

func memKey(contract, name, fastKey string) string {
	return contract + "/" + name + "/" + fastKey
}

func (c *memChain) GetStorage(contract, name, fastKey string, fastMap bool) (storage.Value, error) {
	if v, ok := c.storage[memKey(contract, name, fastKey)]; ok {
		return v.Clone(), nil
	}
	return storage.Null(), nil
}

func (c *memChain) CommitStorageChanges(changes []storage.ContractChanges) error {
	for _, cc := range changes {
		for _, ch := range cc.Changes {
			c.storage[memKey(cc.Contract, ch.Key.Name, ch.Key.FastKey)] = ch.After.Clone()
		}
	}
	return nil
}

func (c *memChain) ContractExists(addr string) bool {
	_, ok := c.modules[addr]
	return ok
}

func (c *memChain) LoadContract(addr string) (*bytecode.Module, error) {
	c.loads++
	m, ok := c.modules[addr]
	if !ok {
		return nil, host.ErrContractNotFound
	}
	return m, nil
}

func (c *memChain) ContractAddressByName(name string) (string, bool) {
	_, ok := c.modules[name]
	return name, ok
}

func (c *memChain) TransferFromContract(from, to, symbol string, amount int64) error {
	return host.ErrInsufficientFunds
}

func (c *memChain) ContractBalance(addr, symbol string) (int64, error) { return 0, nil }
func (c *memChain) Savepoint() int                                     { return 0 }
func (c *memChain) RevertTo(sp int)                                    {}
func (c *memChain) Now() int64                                         { return 1700000000 }
func (c *memChain) BlockNumber() uint64                                { return 1 }
func (c *memChain) Random() int64                                      { return 7 }
func (c *memChain) TransactionID() string                              { return "tx" }
func (c *memChain) TransactionFee() int64                              { return 0 }
func (c *memChain) Emit(contract, name, arg string) {
	c.events = append(c.events, host.Event{Contract: contract, Name: name, Arg: arg})
}
func (c *memChain) CheckCallLimit(depth int, count uint64) bool { return true }
func (c *memChain) ForkHeight(name string) int64                { return -1 }
func (c *memChain) ValidAddress(s string) bool                  { return s != "" }
func (c *memChain) ValidContractAddress(s string) bool          { return c.ContractExists(s) }
func (c *memChain) SystemAsset() (string, int64)                { return "XUVM", 100000 }

func newExecutor(t *testing.T) (*Executor, *memChain) {
	t.Helper()
	chain := newMemChain()
	e, err := New(chain, DefaultConfig())
	require.NoError(t, err)
	return e, chain
}

// initSample runs init and checks it succeeded.
func initSample(t *testing.T, e *Executor) *Result {
	t.Helper()
	r, err := e.ExecuteContractInit(context.Background(), "sample", "hello")
	require.NoError(t, err)
	require.True(t, r.Success(), r.Err)
	return r
}

// TestInitAndRead tests that init registers its storage and a read only
// call commits nothing.
func TestInitAndRead(t *testing.T) {
	e, chain := newExecutor(t)

	r := initSample(t, e)
	assert.Equal(t, "null", r.ResultJSON)
	require.Len(t, r.Changes, 1)
	cc := r.Changes[0]
	assert.Equal(t, "sample", cc.Contract)
	require.Len(t, cc.Changes, 2)
	for _, ch := range cc.Changes {
		assert.True(t, ch.Before.IsNull(), ch.Key.Name)
	}
	assert.True(t, storage.Int(1000).Equal(chain.storage[memKey("sample", "supply", "")]))
	assert.True(t, storage.String("addr1").Equal(chain.storage[memKey("sample", "owner", "")]))
	assert.Equal(t, []host.Event{{Contract: "sample", Name: "Inited", Arg: "hello"}}, chain.events)
	assert.Equal(t, chain.events, r.Events)
	assert.NotZero(t, r.InstructionsUsed)

	r, err := e.ExecuteContractAPI(context.Background(), "sample", "get_supply", "")
	require.NoError(t, err)
	require.True(t, r.Success(), r.Err)
	assert.Equal(t, "1000", r.ResultJSON)
	assert.Empty(t, r.Changes)

	r, err = e.ExecuteContractAPI(context.Background(), "sample", "echo", `a"b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\"b"`, r.ResultJSON)
}

// TestOfflineAPI tests that offline calls see their own writes but never
// commit them.
func TestOfflineAPI(t *testing.T) {
	e, chain := newExecutor(t)
	initSample(t, e)
	chain.events = nil

	r, err := e.ExecuteOfflineAPI(context.Background(), "sample", "info", "")
	require.NoError(t, err)
	require.True(t, r.Success(), r.Err)
	assert.Equal(t, "5", r.ResultJSON)
	assert.Empty(t, r.Changes)
	assert.True(t, storage.Int(1000).Equal(chain.storage[memKey("sample", "supply", "")]))

	_, err = e.ExecuteOfflineAPI(context.Background(), "sample", "get_supply", "")
	assert.ErrorIs(t, err, ErrNotOffline)
}

// TestRejectedCalls tests the checks made before a thread is created.
func TestRejectedCalls(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		contract string
		api      string
		args     string
		err      error
	}{
		{"special", "sample", "init", "", ErrSpecialAPI},
		{"on_destroy", "sample", "on_destroy", "", ErrSpecialAPI},
		{"undeclared", "sample", "nope", "", ErrAPINotFound},
		{"missing contract", "ghost", "get_supply", "", ErrContractNotFound},
		{"large args", "sample", "echo", strings.Repeat("x", MaxArgsSize+1), ErrArgsTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExecuteContractAPI(ctx, tt.contract, tt.api, tt.args)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := e.ExecuteContractAPI(cancelled, "sample", "get_supply", "")
	assert.ErrorIs(t, err, context.Canceled)
}

// TestFaultRollsBack tests that a failed call commits nothing.
func TestFaultRollsBack(t *testing.T) {
	e, chain := newExecutor(t)
	initSample(t, e)

	r, err := e.ExecuteContractAPI(context.Background(), "sample", "boom", "")
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Contains(t, r.Err, "boom")
	assert.Empty(t, r.Changes)
	assert.True(t, storage.Int(1000).Equal(chain.storage[memKey("sample", "supply", "")]))
}

// TestInstructionLimit tests that a runaway api is stopped by the meter.
func TestInstructionLimit(t *testing.T) {
	chain := newMemChain()
	cfg := DefaultConfig()
	cfg.VM.InstructionLimit = 5000
	e, err := New(chain, cfg)
	require.NoError(t, err)

	r, err := e.ExecuteContractAPI(context.Background(), "sample", "spin", "")
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Contains(t, r.Err, vm.ErrInstructionLimit.Error())
	assert.GreaterOrEqual(t, r.InstructionsUsed, uint64(5000))
}

// TestContextStopsExecution tests that a deadline stops a running call.
func TestContextStopsExecution(t *testing.T) {
	chain := newMemChain()
	cfg := DefaultConfig()
	cfg.VM.InstructionLimit = 0
	e, err := New(chain, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r, err := e.ExecuteContractAPI(ctx, "sample", "spin", "")
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Contains(t, r.Err, vm.ErrStopped.Error())
}

// TestModuleCache tests that decoded modules are served from the cache
// until invalidated.
func TestModuleCache(t *testing.T) {
	e, chain := newExecutor(t)
	initSample(t, e)
	for i := 0; i < 3; i++ {
		_, err := e.ExecuteContractAPI(context.Background(), "sample", "get_supply", "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CachedModules())
	loads := chain.loads

	e.Invalidate("sample")
	assert.Equal(t, 0, e.CachedModules())
	_, err := e.ExecuteContractAPI(context.Background(), "sample", "get_supply", "")
	require.NoError(t, err)
	assert.Greater(t, chain.loads, loads)
}

// TestDebugSession tests stepping through an api and committing when the
// run completes.
func TestDebugSession(t *testing.T) {
	e, chain := newExecutor(t)
	initSample(t, e)

	s, err := e.Debug("sample", "info", "", nil)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Stopped(), "no breakpoints")
	require.NotNil(t, s.Result())
	assert.Equal(t, "5", s.Result().ResultJSON)

	s, err = e.Debug("sample", "boom", "", []vm.Breakpoint{{Contract: "sample", Line: 41}})
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Stopped())
	source, line := s.Location()
	assert.Equal(t, "sample", source)
	assert.Equal(t, 41, line)

	v, err := s.Storage("supply", "")
	require.NoError(t, err)
	assert.True(t, storage.Int(1000).Equal(v))

	r, err := s.StepInstruction()
	require.NoError(t, err)
	assert.Nil(t, r)
	v, err = s.Storage("supply", "")
	require.NoError(t, err)
	assert.True(t, storage.Int(1).Equal(v), "pending write is visible")

	require.NotEmpty(t, s.CallStack())
	assert.Empty(t, s.Locals(), "boom declares no locals")

	s.ClearBreakpoint("sample", 41)
	assert.Empty(t, s.Breakpoints())
	r, err = s.Continue()
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.Success())
	assert.True(t, storage.Int(1000).Equal(chain.storage[memKey("sample", "supply", "")]))

	_, err = s.StepOver()
	assert.ErrorIs(t, err, ErrSessionDone)
}
