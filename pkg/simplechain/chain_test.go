package simplechain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/chainstore"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var (
	abc = bytecode.CreateABC
	abx = bytecode.CreateABx
	rk  = bytecode.RK
	kI  = bytecode.IntConst
	kS  = bytecode.StringConst
)

var outerEnv = []bytecode.UpvalDesc{{Name: "_ENV", InStack: false, Idx: 0}}

var (
	alice = types.NewAccountAddress([]byte("alice"))
	bob   = types.NewAccountAddress([]byte("bob"))
)

func proto(params, maxStack uint8, first int, consts []bytecode.Constant, upvals []bytecode.UpvalDesc, code ...bytecode.Instruction) *bytecode.Proto {
	lines := make([]int32, len(code))
	for i := range lines {
		lines[i] = int32(first + i)
	}
	return &bytecode.Proto{
		Source:       "@token",
		LineDefined:  first,
		NumParams:    params,
		MaxStackSize: maxStack,
		Code:         code,
		Constants:    consts,
		Upvalues:     upvals,
		LineInfo:     lines,
	}
}

var tokenAPIs = []string{"init", "get_supply", "pay", "pay_fail", "info"}

// tokenContract has the apis:
//
//	init(self)         sets supply to 1000
//	get_supply(self)   returns the supply
//	pay(self, to)      transfers 10 COIN to to and returns the transfer code
//	pay_fail(self, to) transfers 10 COIN to to, then raises nope
//	info(self)         offline; writes 5 to supply and returns it
func tokenContract() *bytecode.Module {
	payConsts := []bytecode.Constant{kS("transfer_from_contract_to_address"), kS(types.CoreAssetSymbol), kI(10), kS("error"), kS("nope")}
	pay := []bytecode.Instruction{
		abc(bytecode.OpGetTabUp, 2, 0, rk(0)),
		abc(bytecode.OpMove, 3, 1, 0),
		abx(bytecode.OpLoadK, 4, 1),
		abx(bytecode.OpLoadK, 5, 2),
		abc(bytecode.OpCall, 2, 4, 2),
	}
	fns := []*bytecode.Proto{
		proto(1, 3, 10, []bytecode.Constant{kS("storage"), kS("supply"), kI(1000)}, nil,
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpSetTable, 1, rk(1), rk(2)),
			abc(bytecode.OpReturn, 0, 1, 0)),
		proto(1, 3, 20, []bytecode.Constant{kS("storage"), kS("supply")}, nil,
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpGetTable, 2, 1, rk(1)),
			abc(bytecode.OpReturn, 2, 2, 0)),
		proto(2, 6, 30, payConsts, outerEnv,
			append(append([]bytecode.Instruction(nil), pay...),
				abc(bytecode.OpReturn, 2, 2, 0))...),
		proto(2, 6, 40, payConsts, outerEnv,
			append(append([]bytecode.Instruction(nil), pay...),
				abc(bytecode.OpGetTabUp, 3, 0, rk(3)),
				abx(bytecode.OpLoadK, 4, 4),
				abc(bytecode.OpCall, 3, 2, 1),
				abc(bytecode.OpReturn, 0, 1, 0))...),
		proto(1, 3, 50, []bytecode.Constant{kS("storage"), kS("supply"), kI(5)}, nil,
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpSetTable, 1, rk(1), rk(2)),
			abc(bytecode.OpGetTable, 2, 1, rk(1)),
			abc(bytecode.OpReturn, 2, 2, 0)),
	}

	consts := make([]bytecode.Constant, len(tokenAPIs))
	code := []bytecode.Instruction{abc(bytecode.OpNewTable, 0, 0, 0)}
	for i, name := range tokenAPIs {
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

	return bytecode.NewModule(main, tokenAPIs[1:], []string{"info"}, nil,
		map[string]storage.Type{"supply": storage.TypeInt})
}

func testConfig() Config {
	cfg := DefaultConfig()
	now := time.Unix(1700000000, 0)
	cfg.Clock = func() time.Time { return now }
	return cfg
}

func deployToken(t *testing.T, c *Chain) string {
	t.Helper()
	r, err := c.Deploy(context.Background(), alice, tokenContract(), "token", "")
	require.NoError(t, err)
	require.True(t, r.Success(), r.Err)
	return r.Contract
}

// TestDeployAndInvoke tests deploying a contract and calling its apis.
func TestDeployAndInvoke(t *testing.T) {
	c, err := Open(testConfig())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	r, err := c.Deploy(ctx, alice, tokenContract(), "token", "")
	require.NoError(t, err)
	require.True(t, r.Success(), r.Err)
	assert.True(t, types.IsValidContractAddress(r.Contract))
	require.Len(t, r.Changes, 1)
	assert.Equal(t, uint64(1), c.Height(), "auto sealed")

	info, err := c.ContractInfo("token")
	require.NoError(t, err)
	assert.Equal(t, r.Contract, info.Address)
	assert.Equal(t, alice, info.Owner)
	assert.Equal(t, []string{"get_supply", "info", "pay", "pay_fail"}, info.APIs)
	assert.Equal(t, storage.TypeInt, info.StorageProperties["supply"])

	v, err := c.Storage("token", "supply", "")
	require.NoError(t, err)
	assert.True(t, storage.Int(1000).Equal(v))

	r, err = c.Invoke(ctx, bob, "token", "get_supply", "")
	require.NoError(t, err)
	assert.Equal(t, "1000", r.Result)
	assert.Empty(t, r.Changes)
	assert.Equal(t, uint64(2), c.Height())

	res, err := c.Call(ctx, r.Contract, "info", "")
	require.NoError(t, err)
	assert.Equal(t, "5", res.ResultJSON)
	v, _ = c.Storage("token", "supply", "")
	assert.True(t, storage.Int(1000).Equal(v), "offline calls never commit")

	_, err = c.Invoke(ctx, bob, "missing", "get_supply", "")
	assert.ErrorIs(t, err, ErrContractNotFound)

	list, err := c.Contracts()
	require.NoError(t, err)
	assert.Equal(t, []string{info.Address}, list)
}

// TestDeployRejected tests deploys refused before execution.
func TestDeployRejected(t *testing.T) {
	c, err := Open(testConfig())
	require.NoError(t, err)
	defer c.Close()
	deployToken(t, c)

	ctx := context.Background()
	tests := []struct {
		name   string
		caller string
		cname  string
		err    error
	}{
		{"bad caller", "alice", "", ErrInvalidCaller},
		{"bad name", alice, "9lives", ErrInvalidName},
		{"address as name", alice, alice, ErrInvalidName},
		{"taken name", bob, "token", ErrNameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Deploy(ctx, tt.caller, tokenContract(), tt.cname, "")
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

// TestTransfers tests that contract transfers apply only with a
// successful transaction.
func TestTransfers(t *testing.T) {
	c, err := Open(testConfig())
	require.NoError(t, err)
	defer c.Close()
	addr := deployToken(t, c)
	require.NoError(t, c.Credit(addr, types.CoreAssetSymbol, 15))

	ctx := context.Background()
	r, err := c.Invoke(ctx, alice, addr, "pay", bob)
	require.NoError(t, err)
	require.True(t, r.Success(), r.Err)
	assert.Equal(t, "0", r.Result)

	bal, _ := c.Balance(bob, types.CoreAssetSymbol)
	assert.Equal(t, int64(10), bal)
	bal, _ = c.Balance(addr, types.CoreAssetSymbol)
	assert.Equal(t, int64(5), bal)

	r, err = c.Invoke(ctx, alice, addr, "pay", bob)
	require.NoError(t, err)
	assert.Equal(t, "-2", r.Result, "insufficient funds")

	require.NoError(t, c.Credit(addr, types.CoreAssetSymbol, 100))
	r, err = c.Invoke(ctx, alice, addr, "pay_fail", bob)
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Contains(t, r.Err, "nope")
	bal, _ = c.Balance(bob, types.CoreAssetSymbol)
	assert.Equal(t, int64(10), bal, "failed transaction moves nothing")

	r, err = c.Invoke(ctx, alice, addr, "pay", "nobody")
	require.NoError(t, err)
	assert.Equal(t, "-3", r.Result)

	_, err = c.Transfer(bob, alice, types.CoreAssetSymbol, 4)
	require.NoError(t, err)
	bal, _ = c.Balance(alice, types.CoreAssetSymbol)
	assert.Equal(t, int64(4), bal)
	_, err = c.Transfer(bob, alice, types.CoreAssetSymbol, 7)
	assert.Error(t, err)
	_, err = c.Transfer(bob, alice, types.CoreAssetSymbol, 0)
	assert.Error(t, err)
}

// TestSavepoint tests undoing the balance moves of a nested call while
// the earlier moves of the transaction stay pending.
func TestSavepoint(t *testing.T) {
	c, err := Open(testConfig())
	require.NoError(t, err)
	defer c.Close()
	addr := deployToken(t, c)
	require.NoError(t, c.Credit(addr, types.CoreAssetSymbol, 100))
	sym := types.CoreAssetSymbol

	assert.Zero(t, c.Savepoint(), "no transaction")
	c.tx = &txContext{id: "t"}
	require.NoError(t, c.TransferFromContract(addr, bob, sym, 30))
	sp := c.Savepoint()
	assert.Equal(t, 1, sp)
	require.NoError(t, c.TransferFromContract(addr, bob, sym, 50))
	require.NoError(t, c.TransferFromContract(addr, alice, sym, 20))

	bal, err := c.ContractBalance(addr, sym)
	require.NoError(t, err)
	assert.Zero(t, bal)

	c.RevertTo(sp)
	assert.Equal(t, sp, c.Savepoint())
	bal, err = c.ContractBalance(addr, sym)
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)
	bal, err = c.ContractBalance(alice, sym)
	require.NoError(t, err)
	assert.Zero(t, bal)

	require.NoError(t, c.tx.apply(c.db))
	c.tx = nil
	bal, _ = c.Balance(bob, sym)
	assert.Equal(t, int64(30), bal)
}

// TestJournaledChain tests sealing blocks into the journal and reopening
// the chain from disk.
func TestJournaledChain(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	cfg.AutoSeal = false
	c, err := Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	addr := deployToken(t, c)
	r, err := c.Invoke(ctx, bob, addr, "get_supply", "")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Pending())
	assert.Zero(t, c.Height())

	b, err := c.SealBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Height)
	assert.Len(t, b.Transactions, 2)
	assert.Zero(t, c.Pending())

	got, err := c.Receipt(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", got.Result)
	assert.Equal(t, 1, got.Index)

	block, err := c.Block(1)
	require.NoError(t, err)
	assert.Equal(t, b.Hash, block.Hash)

	ids, err := c.Journal().ContractTransactions(addr, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	require.NoError(t, c.Close())

	c, err = Open(cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, uint64(1), c.Height())
	v, err := c.Storage("token", "supply", "")
	require.NoError(t, err)
	assert.True(t, storage.Int(1000).Equal(v))

	r, err = c.Invoke(ctx, bob, addr, "get_supply", "")
	require.NoError(t, err)
	assert.Equal(t, "1000", r.Result)
}

// TestHostContext tests the block and transaction context seen by contracts.
func TestHostContext(t *testing.T) {
	cfg := testConfig()
	cfg.Forks = map[string]int64{"F1": 3}
	c, err := New(chainstore.NewMemoryDB(), nil, cfg)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), c.BlockNumber())
	assert.Equal(t, int64(1700000000), c.Now())
	assert.Equal(t, int64(3), c.ForkHeight("F1"))
	assert.Equal(t, int64(-1), c.ForkHeight("F2"))
	assert.Empty(t, c.TransactionID())
	symbol, precision := c.SystemAsset()
	assert.Equal(t, types.CoreAssetSymbol, symbol)
	assert.Equal(t, int64(types.CoreAssetPrecision), precision)
	assert.True(t, c.CheckCallLimit(cfg.MaxCallDepth, 0))
	assert.False(t, c.CheckCallLimit(cfg.MaxCallDepth+1, 0))

	_, err = c.Receipt("x")
	assert.ErrorIs(t, err, ErrNoJournal)
	require.NoError(t, c.Close())
	_, err = c.Invoke(context.Background(), alice, "token", "get_supply", "")
	assert.ErrorIs(t, err, ErrClosed)
}
