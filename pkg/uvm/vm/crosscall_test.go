package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var outerEnv = []bytecode.UpvalDesc{{Name: "_ENV", InStack: false, Idx: 0}}

// contractMain returns a main chunk that builds a table of the given apis,
// in order, and returns it.
func contractMain(name string, apis []string, fns ...*bytecode.Proto) *bytecode.Proto {
	consts := make([]konst, len(apis))
	code := []ins{abc(bytecode.OpNewTable, 0, 0, 0)}
	for i, api := range apis {
		consts[i] = kS(api)
		code = append(code,
			abx(bytecode.OpClosure, 1, i),
			abc(bytecode.OpSetTable, 0, rk(i), 1))
	}
	code = append(code, abc(bytecode.OpReturn, 0, 2, 0))
	return nest(chunk(name, 2, consts, code...), fns...)
}

// tokenContract has the apis:
//
//	mint(self, n)  adds n to storage.supply and returns the new supply
//	fail(self, n)  writes n to storage.supply, emits Failed and raises boom
//	spin(self)     never returns
//	depth(self)    returns the identity depth and the calling contract
//	pay(self)      sends 10 XUVM to bob and returns the transfer code
//	leak(self)     sends 10 XUVM to bob and raises boom
func tokenContract() *bytecode.Proto {
	mint := function(2, 5, 10, []konst{kS("storage"), kS("supply")}, nil,
		abc(bytecode.OpGetTable, 2, 0, rk(0)),
		abc(bytecode.OpGetTable, 3, 2, rk(1)),
		abc(bytecode.OpAdd, 3, 3, 1),
		abc(bytecode.OpSetTable, 2, rk(1), 3),
		abc(bytecode.OpReturn, 3, 2, 0))
	mint.LocVars = []bytecode.LocVar{{Name: "self", StartPC: 0, EndPC: 5}, {Name: "n", StartPC: 0, EndPC: 5}}

	fail := function(2, 5, 20,
		[]konst{kS("storage"), kS("supply"), kS("emit"), kS("Failed"), kS("error"), kS("boom")}, outerEnv,
		abc(bytecode.OpGetTable, 2, 0, rk(0)),
		abc(bytecode.OpSetTable, 2, rk(1), 1),
		abc(bytecode.OpGetTabUp, 3, 0, rk(2)),
		abx(bytecode.OpLoadK, 4, 3),
		abc(bytecode.OpCall, 3, 2, 1),
		abc(bytecode.OpGetTabUp, 3, 0, rk(4)),
		abx(bytecode.OpLoadK, 4, 5),
		abc(bytecode.OpCall, 3, 2, 1),
		abc(bytecode.OpReturn, 0, 1, 0))

	loop := function(1, 1, 30, nil, nil,
		asb(bytecode.OpJmp, 0, -1),
		abc(bytecode.OpReturn, 0, 1, 0))

	depth := function(1, 3, 40,
		[]konst{kS("get_contract_call_frame_stack_size"), kS("get_prev_call_frame_contract_address")}, outerEnv,
		abc(bytecode.OpGetTabUp, 1, 0, rk(0)),
		abc(bytecode.OpCall, 1, 1, 2),
		abc(bytecode.OpGetTabUp, 2, 0, rk(1)),
		abc(bytecode.OpCall, 2, 1, 2),
		abc(bytecode.OpReturn, 1, 3, 0))

	send := []konst{kS("transfer_from_contract_to_address"), kS("bob"), kS("XUVM"), kI(10), kS("error"), kS("boom")}
	pay := function(1, 5, 60, send, outerEnv,
		abc(bytecode.OpGetTabUp, 1, 0, rk(0)),
		abx(bytecode.OpLoadK, 2, 1),
		abx(bytecode.OpLoadK, 3, 2),
		abx(bytecode.OpLoadK, 4, 3),
		abc(bytecode.OpCall, 1, 4, 2),
		abc(bytecode.OpReturn, 1, 2, 0))
	leak := function(1, 5, 70, send, outerEnv,
		abc(bytecode.OpGetTabUp, 1, 0, rk(0)),
		abx(bytecode.OpLoadK, 2, 1),
		abx(bytecode.OpLoadK, 3, 2),
		abx(bytecode.OpLoadK, 4, 3),
		abc(bytecode.OpCall, 1, 4, 1),
		abc(bytecode.OpGetTabUp, 1, 0, rk(4)),
		abx(bytecode.OpLoadK, 2, 5),
		abc(bytecode.OpCall, 1, 2, 1),
		abc(bytecode.OpReturn, 0, 1, 0))

	return contractMain("token", tokenAPIs, mint, fail, loop, depth, pay, leak)
}

var (
	tokenAPIs  = []string{"mint", "fail", "spin", "depth", "pay", "leak"}
	callerAPIs = []string{"run", "spin", "special", "static", "depth", "missing", "pay", "leak"}
)

// callerContract has the apis:
//
//	run(self)      mints 5, calls fail, emits Ran and returns every result
//	spin(self)     calls token.spin
//	special(self)  calls token.init
//	static(self)   mints through a static call
//	depth(self)    returns token.depth()
//	missing(self)  calls an unknown contract
//	pay(self)      returns token.pay()
//	leak(self)     returns token.leak()
func callerContract() *bytecode.Proto {
	run := function(1, 6, 10,
		[]konst{kS("token"), kS("mint"), kI(5), kS("fail"), kI(99), kS("emit"), kS("Ran")}, outerEnv,
		abx(bytecode.OpLoadK, 1, 0),
		abx(bytecode.OpLoadK, 2, 1),
		abx(bytecode.OpLoadK, 3, 2),
		abc(bytecode.OpCCall, 1, 2, 2),
		abx(bytecode.OpLoadK, 2, 0),
		abx(bytecode.OpLoadK, 3, 3),
		abx(bytecode.OpLoadK, 4, 4),
		abc(bytecode.OpCCall, 2, 2, 3),
		abc(bytecode.OpGetTabUp, 4, 0, rk(5)),
		abx(bytecode.OpLoadK, 5, 6),
		abc(bytecode.OpCall, 4, 2, 1),
		abc(bytecode.OpReturn, 1, 4, 0))

	// callAPI calls token.api with the optional argument and returns two
	// results.
	callAPI := func(op bytecode.OpCode, addr, api string, arg ...konst) *bytecode.Proto {
		consts := append([]konst{kS(addr), kS(api)}, arg...)
		code := []ins{
			abx(bytecode.OpLoadK, 1, 0),
			abx(bytecode.OpLoadK, 2, 1),
		}
		if len(arg) > 0 {
			code = append(code, abx(bytecode.OpLoadK, 3, 2))
		}
		code = append(code,
			abc(op, 1, 1+len(arg), 3),
			abc(bytecode.OpReturn, 1, 3, 0))
		return function(1, 4, 50, consts, nil, code...)
	}

	return contractMain("caller", callerAPIs,
		run,
		callAPI(bytecode.OpCCall, "token", "spin"),
		callAPI(bytecode.OpCCall, "token", "init"),
		callAPI(bytecode.OpCStaticCall, "token", "mint", kI(5)),
		callAPI(bytecode.OpCCall, "token", "depth"),
		callAPI(bytecode.OpCCall, "nowhere", "mint"),
		callAPI(bytecode.OpCCall, "token", "pay"),
		callAPI(bytecode.OpCCall, "token", "leak"))
}

// deployContracts deploys the token and caller contracts with a supply
// of 100. The token holds 100 XUVM.
func deployContracts() *stubChain {
	c := newStubChain()
	c.deploy("token", tokenContract(), tokenAPIs, map[string]storage.Type{"supply": storage.TypeInt})
	c.deploy("caller", callerContract(), callerAPIs, nil)
	c.storage[slot("token", "supply", "")] = storage.Int(100)
	c.balances["token/XUVM"] = 100
	return c
}

// TestContractCallRollback tests that a failed contract call rolls back its
// storage writes and events while the successful call before it stays.
func TestContractCallRollback(t *testing.T) {
	chain := deployContracts()
	L := newTestState(t, chain, DefaultConfig())

	res, err := L.InvokeAPI("caller", "run")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.True(t, RawEquals(Int(105), res[0]), "got %s", res[0])
	assert.True(t, res[1].IsNil())
	assert.Contains(t, asString(t, res[2]), "boom")
	assert.Equal(t, []host.Event{{Contract: "caller", Name: "Ran"}}, L.Events())

	v, err := L.ViewContractStorage("supply", "")
	assert.Error(t, err, "no storage identity after the run")
	assert.True(t, v.IsNull())

	changes, err := L.CommitStorage()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "token", changes[0].Contract)
	require.Len(t, changes[0].Changes, 1)
	assert.True(t, changes[0].Changes[0].After.Equal(storage.Int(105)))
	assert.True(t, chain.storage[slot("token", "supply", "")].Equal(storage.Int(105)))
}

// TestContractCallTransferRollback tests that balance moves made by a failed
// contract call are undone and those of a successful one are kept.
func TestContractCallTransferRollback(t *testing.T) {
	tests := []struct {
		api       string
		wantErr   string
		wantToken int64
		wantBob   int64
	}{
		{api: "pay", wantToken: 90, wantBob: 10},
		{api: "leak", wantErr: "boom", wantToken: 100, wantBob: 0},
	}
	for _, tt := range tests {
		t.Run(tt.api, func(t *testing.T) {
			chain := deployContracts()
			L := newTestState(t, chain, DefaultConfig())

			res, err := L.InvokeAPI("caller", tt.api)
			require.NoError(t, err)
			require.Len(t, res, 2)
			if tt.wantErr == "" {
				assert.True(t, RawEquals(Int(TransferOK), res[0]), "got %s", res[0])
				assert.True(t, res[1].IsNil())
			} else {
				assert.True(t, res[0].IsNil())
				assert.Contains(t, asString(t, res[1]), tt.wantErr)
			}
			assert.Equal(t, tt.wantToken, chain.balances["token/XUVM"])
			assert.Equal(t, tt.wantBob, chain.balances["bob/XUVM"])

			_, err = L.CommitStorage()
			assert.NoError(t, err)
		})
	}
}

// TestContractCallErrors tests which contract call failures the caller
// receives as results and which abort the run.
func TestContractCallErrors(t *testing.T) {
	t.Run("special api", func(t *testing.T) {
		L := newTestState(t, deployContracts(), DefaultConfig())
		_, err := L.InvokeAPI("caller", "special")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can't call special api init")
	})

	t.Run("missing contract", func(t *testing.T) {
		L := newTestState(t, deployContracts(), DefaultConfig())
		res, err := L.InvokeAPI("caller", "missing")
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.True(t, res[0].IsNil())
		assert.Contains(t, asString(t, res[1]), "contract nowhere not found")
	})

	t.Run("resource fault", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InstructionLimit = 1000
		L := newTestState(t, deployContracts(), cfg)
		_, err := L.InvokeAPI("caller", "spin")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInstructionLimit))
		assert.Equal(t, StateFault, L.Status())
	})

	t.Run("static call", func(t *testing.T) {
		L := newTestState(t, deployContracts(), DefaultConfig())
		res, err := L.InvokeAPI("caller", "static")
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.True(t, res[0].IsNil())
		assert.Contains(t, asString(t, res[1]), "static call can not modify contract storage")

		_, err = L.CommitStorage()
		assert.True(t, errors.Is(err, storage.ErrStoragePolicy))
	})

	t.Run("call limit", func(t *testing.T) {
		chain := deployContracts()
		chain.maxDepth = 1
		L := newTestState(t, chain, DefaultConfig())
		_, err := L.InvokeAPI("caller", "run")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCallLimit))
		assert.True(t, IsResource(err))
	})

	t.Run("unknown api", func(t *testing.T) {
		L := newTestState(t, deployContracts(), DefaultConfig())
		_, err := L.InvokeAPI("caller", "nothing")
		assert.True(t, errors.Is(err, ErrAPINotFound))
	})
}

// TestIdentityStack tests the identity natives inside a nested call.
func TestIdentityStack(t *testing.T) {
	L := newTestState(t, deployContracts(), DefaultConfig())
	res, err := L.InvokeAPI("caller", "depth")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, RawEquals(Int(2), res[0]), "got %s", res[0])
	assert.Equal(t, "caller", asString(t, res[1]))
	assert.Empty(t, L.CurrentContract())
}

// TestContractTable tests the fields of an imported contract and that the
// table cannot be modified.
func TestContractTable(t *testing.T) {
	L := newTestState(t, deployContracts(), DefaultConfig())
	_, err := L.InvokeAPI("token", "mint", Int(1))
	require.NoError(t, err)

	tbl, ok := L.Contract("token")
	require.True(t, ok)
	assert.Equal(t, "token", asString(t, tbl.RawGetString("id")))
	assert.Equal(t, "token", asString(t, tbl.RawGetString("name")))
	_, isProxy := proxyOf(tbl.RawGetString("storage"))
	assert.True(t, isProxy)
	assert.ErrorIs(t, L.checkMutable(tbl), ErrIllegalMutation)

	_, ok = L.Contract("caller")
	assert.False(t, ok)
}

// TestDelegateCall tests that a delegate call runs under the caller's
// storage identity and that a failing one is rolled back.
func TestDelegateCall(t *testing.T) {
	chain := deployContracts()
	chain.storage[slot("caller", "supply", "")] = storage.Int(7)
	L := newTestState(t, chain, DefaultConfig())

	_, err := L.DelegateCall("token", "mint", Int(1))
	require.Error(t, err, "no identity outside a run")

	require.NoError(t, L.pushIdentity(identity{contract: "caller", storage: "caller", api: "run"}))
	t.Cleanup(func() { L.popIdentity(0) })

	res, err := L.DelegateCall("token", "mint", Int(3))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, RawEquals(Int(10), res[0]), "got %s", res[0])
	assert.Equal(t, "caller", L.CurrentContract())

	sv, err := L.ViewContractStorage("supply", "")
	require.NoError(t, err)
	assert.True(t, sv.Equal(storage.Int(10)))

	res, err = L.DelegateCall("token", "fail", Int(1))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Contains(t, asString(t, res[1]), "boom")
	sv, err = L.ViewContractStorage("supply", "")
	require.NoError(t, err)
	assert.True(t, sv.Equal(storage.Int(10)), "rolled back, got %s", sv)
	assert.Empty(t, L.Events())

	_, err = L.DelegateCall("token", "on_destroy")
	assert.Error(t, err)
}

// TestStorageConversion tests the conversion of tables to storage values
// and back.
func TestStorageConversion(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())

	arr, err := L.NewTable(2, 0)
	require.NoError(t, err)
	require.NoError(t, arr.RawSetInt(1, Int(1)))
	require.NoError(t, arr.RawSetInt(2, Int(2)))
	sv, err := L.ToStorage(tableValue(arr))
	require.NoError(t, err)
	assert.True(t, sv.Type.IsArray())
	assert.Equal(t, 2, sv.Len())

	m, err := L.NewTable(0, 2)
	require.NoError(t, err)
	require.NoError(t, m.RawSetString(L, "a", str(t, L, "x")))
	require.NoError(t, m.RawSet(Int(5), Bool(true)))
	sv, err = L.ToStorage(tableValue(m))
	require.NoError(t, err)
	assert.True(t, sv.Type.IsTable())
	assert.ElementsMatch(t, []string{"5", "a"}, sv.Keys())

	back, err := L.FromStorage(sv)
	require.NoError(t, err)
	bt, ok := back.AsTable()
	require.True(t, ok)
	assert.Equal(t, "x", asString(t, bt.RawGetString("a")))
	assert.True(t, RawEquals(True, bt.RawGetInt(5)), "numeric keys come back as integers")

	nested, err := L.NewTable(0, 1)
	require.NoError(t, err)
	require.NoError(t, nested.RawSetString(L, "inner", tableValue(m)))
	_, err = L.ToStorage(tableValue(nested))
	assert.NoError(t, err, "nesting is rejected by the tracker, not the conversion")

	deep, err := L.NewTable(0, 1)
	require.NoError(t, err)
	require.NoError(t, deep.RawSetString(L, "outer", tableValue(nested)))
	_, err = L.ToStorage(tableValue(deep))
	assert.True(t, errors.Is(err, storage.ErrStoragePolicy), "got %v", err)

	fn, err := L.NewFunction("f", func(L *State) (int, error) { return 0, nil })
	require.NoError(t, err)
	_, err = L.ToStorage(fn)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, storage.ErrStoragePolicy))
}

// TestNestedStorageWrite tests that writing a nested table at any depth is
// a storage policy fault that blocks the commit.
func TestNestedStorageWrite(t *testing.T) {
	tests := []struct {
		name   string
		levels int
	}{
		{"one level", 1},
		{"two levels", 2},
		{"three levels", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newTestState(t, deployContracts(), DefaultConfig())
			require.NoError(t, L.pushIdentity(identity{contract: "token", storage: "token", api: "init"}))

			v, err := L.NewTable(0, 1)
			require.NoError(t, err)
			require.NoError(t, v.RawSetString(L, "a", Int(1)))
			for i := 0; i < tt.levels; i++ {
				outer, err := L.NewTable(0, 1)
				require.NoError(t, err)
				require.NoError(t, outer.RawSetString(L, "inner", tableValue(v)))
				v = outer
			}

			err = L.setStorage("extra", "", false, tableValue(v))
			var vmErr *Error
			require.True(t, errors.As(err, &vmErr), "got %v", err)
			assert.Equal(t, KindStoragePolicy, vmErr.Kind)
			assert.Contains(t, vmErr.Msg, "storage not support nested map")
			assert.True(t, errors.Is(err, storage.ErrStoragePolicy))

			L.popIdentity(0)
			_, err = L.CommitStorage()
			assert.True(t, errors.Is(err, storage.ErrStoragePolicy))
		})
	}
}
