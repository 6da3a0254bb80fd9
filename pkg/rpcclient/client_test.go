package rpcclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/rpc"
	"github.com/fortiblox/X1-UVM/pkg/simplechain"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var alice = types.NewAccountAddress([]byte("alice"))

func fn(params, maxStack uint8, first int, consts []bytecode.Constant, code ...bytecode.Instruction) *bytecode.Proto {
	lines := make([]int32, len(code))
	for i := range lines {
		lines[i] = int32(first + i)
	}
	return &bytecode.Proto{
		Source:       "@counter",
		LineDefined:  first,
		NumParams:    params,
		MaxStackSize: maxStack,
		Code:         code,
		Constants:    consts,
		LineInfo:     lines,
	}
}

// counterModule has init (supply = 1000), get_supply and the offline api
// peek, which returns 7.
func counterModule() *bytecode.Module {
	abc, abx, rk := bytecode.CreateABC, bytecode.CreateABx, bytecode.RK
	kS, kI := bytecode.StringConst, bytecode.IntConst
	apis := []string{"init", "get_supply", "peek"}
	fns := []*bytecode.Proto{
		fn(1, 3, 10, []bytecode.Constant{kS("storage"), kS("supply"), kI(1000)},
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpSetTable, 1, rk(1), rk(2)),
			abc(bytecode.OpReturn, 0, 1, 0)),
		fn(1, 3, 20, []bytecode.Constant{kS("storage"), kS("supply")},
			abc(bytecode.OpGetTable, 1, 0, rk(0)),
			abc(bytecode.OpGetTable, 2, 1, rk(1)),
			abc(bytecode.OpReturn, 2, 2, 0)),
		fn(1, 2, 30, []bytecode.Constant{kI(7)},
			abx(bytecode.OpLoadK, 1, 0),
			abc(bytecode.OpReturn, 1, 2, 0)),
	}
	consts := make([]bytecode.Constant, len(apis))
	code := []bytecode.Instruction{abc(bytecode.OpNewTable, 0, 0, 0)}
	for i, name := range apis {
		consts[i] = kS(name)
		code = append(code, abx(bytecode.OpClosure, 1, i), abc(bytecode.OpSetTable, 0, rk(i), 1))
	}
	code = append(code, abc(bytecode.OpReturn, 0, 2, 0))
	main := fn(0, 2, 1, consts, code...)
	main.LineDefined = 0
	main.IsVararg = true
	main.Upvalues = []bytecode.UpvalDesc{{Name: "_ENV", InStack: true, Idx: 0}}
	main.Protos = fns
	return bytecode.NewModule(main, apis[1:], []string{"peek"}, nil, map[string]storage.Type{"supply": storage.TypeInt})
}

func newNode(t *testing.T) *httptest.Server {
	t.Helper()
	chain, err := simplechain.Open(simplechain.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	ts := httptest.NewServer(rpc.New(rpc.DefaultConfig(), chain).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// TestClientMethods tests the typed methods against a node.
func TestClientMethods(t *testing.T) {
	node := newNode(t)
	client := New(NewPool([]string{node.URL}), 5*time.Second)
	ctx := context.Background()

	data, err := counterModule().Encode(false)
	require.NoError(t, err)
	tx, err := client.Deploy(ctx, alice, data, rpc.DeployConfig{Name: "counter"})
	require.NoError(t, err)
	require.Empty(t, tx.Err)
	assert.True(t, types.IsValidContractAddress(tx.Contract))

	tx, err = client.Invoke(ctx, alice, "counter", "get_supply", "")
	require.NoError(t, err)
	assert.JSONEq(t, "1000", string(tx.Result))

	res, err := client.CallOffline(ctx, "counter", "peek", "")
	require.NoError(t, err)
	assert.JSONEq(t, "7", string(res.Result))

	v, err := client.Storage(ctx, "counter", "supply", "")
	require.NoError(t, err)
	assert.JSONEq(t, "1000", string(v))

	h, err := client.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h)

	bal, err := client.Balance(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, types.CoreAssetSymbol, bal.Symbol)
	assert.Zero(t, bal.Amount)
}

// TestClientErrors tests that node errors are returned without failover.
func TestClientErrors(t *testing.T) {
	node := newNode(t)
	pool := NewPool([]string{node.URL})
	client := New(pool, 5*time.Second)

	_, err := client.Invoke(context.Background(), alice, "nope", "get_supply", "")
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, rpc.ContractNotFound, rpcErr.Code)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1, pool.HealthyCount())

	_, err = New(NewPool(nil), time.Second).Height(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

// TestFailover tests moving past an unreachable endpoint.
func TestFailover(t *testing.T) {
	node := newNode(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	pool := NewPool([]string{down.URL, node.URL})
	client := New(pool, 5*time.Second)

	h, err := client.Height(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h)

	eps := pool.Endpoints()
	assert.False(t, eps[0].Healthy)
	assert.Error(t, eps[0].LastError)
	assert.True(t, eps[1].Healthy)
	assert.Equal(t, 1, pool.HealthyCount())
}

// TestRefresh tests height-based health checks.
func TestRefresh(t *testing.T) {
	heights := map[string]uint64{"a": 100, "b": 95, "c": 40}
	pool := NewPool([]string{"a", "b", "c", "d"})
	pool.MaxLag = 10

	pool.Refresh(context.Background(), func(ctx context.Context, url string) (uint64, error) {
		h, ok := heights[url]
		if !ok {
			return 0, errors.New("unreachable")
		}
		return h, nil
	})

	eps := pool.Endpoints()
	assert.True(t, eps[0].Healthy)
	assert.True(t, eps[1].Healthy)
	assert.Equal(t, uint64(95), eps[1].Height)
	assert.False(t, eps[2].Healthy)
	assert.ErrorIs(t, eps[2].LastError, ErrLagging)
	assert.False(t, eps[3].Healthy)
	assert.Equal(t, 2, pool.HealthyCount())

	ep, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, ep.URL)
}
