// Package executor runs contract apis on the UVM.
//
// An Executor owns no VM state between calls. Each call gets a fresh
// thread:
//   - the contract module is loaded through an LRU cache in front of the host
//   - the standard natives are opened and the contract is imported
//   - api(self, args) runs under the instruction limit and the context deadline
//   - the first result is encoded as JSON
//   - storage changes are committed and events forwarded to the host
package executor

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
	"github.com/fortiblox/X1-UVM/pkg/uvm/vm"
)

var log = commonlog.GetLogger("uvm.executor")

// Executor errors.
var (
	ErrContractNotFound = errors.New("contract not found")
	ErrAPINotFound      = errors.New("contract api not found")
	ErrNotOffline       = errors.New("api is not an offline api")
	ErrSpecialAPI       = errors.New("special api can only be called by the chain")
	ErrArgsTooLarge     = errors.New("api arguments too large")
)

// MaxArgsSize bounds the argument string of one call.
const MaxArgsSize = 1 << 20

// Config configures an Executor.
type Config struct {
	// VM is the configuration of every thread.
	VM vm.Config

	// CacheSize is the number of decoded modules kept in memory.
	CacheSize int
}

// DefaultConfig returns the default VM limits and a 256 module cache.
func DefaultConfig() Config {
	return Config{
		VM:        vm.DefaultConfig(),
		CacheSize: 256,
	}
}

// Result is the outcome of one contract call.
type Result struct {
	// ResultJSON is the first api result encoded as JSON.
	ResultJSON string `json:"result"`

	// InstructionsUsed is the metered instruction count.
	InstructionsUsed uint64 `json:"instructions_used"`

	// Changes is the committed change set.
	Changes []storage.ContractChanges `json:"changes,omitempty"`

	// Events are the events emitted by the call.
	Events []host.Event `json:"events,omitempty"`

	// Err is the fault message of a failed call.
	Err string `json:"error,omitempty"`
}

// Success reports whether the call completed without a fault.
func (r *Result) Success() bool { return r.Err == "" }

type callMode uint8

const (
	modeAPI callMode = iota
	modeInit
	modeOffline
)

func (m callMode) String() string {
	switch m {
	case modeInit:
		return "init"
	case modeOffline:
		return "offline"
	}
	return "api"
}

// Executor executes contract apis against a host chain.
type Executor struct {
	chain *cachedChain
	cfg   Config
}

// New creates an executor over chain.
func New(chain host.Chain, cfg Config) (*Executor, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("module cache: %w", err)
	}
	return &Executor{
		chain: &cachedChain{Chain: chain, modules: cache},
		cfg:   cfg,
	}, nil
}

// Invalidate drops the cached module of a contract, after an upgrade.
func (e *Executor) Invalidate(contractID string) {
	e.chain.modules.Remove(contractID)
}

// CachedModules returns the number of modules in the cache.
func (e *Executor) CachedModules() int {
	return e.chain.modules.Len()
}

// ExecuteContractAPI calls api(self, args) on a deployed contract and
// commits its storage changes when it succeeds.
func (e *Executor) ExecuteContractAPI(ctx context.Context, contractID, api, args string) (*Result, error) {
	return e.execute(ctx, contractID, api, args, modeAPI)
}

// ExecuteContractInit runs the init api of a freshly deployed contract.
// Storage slots may only be registered here.
func (e *Executor) ExecuteContractInit(ctx context.Context, contractID, args string) (*Result, error) {
	return e.execute(ctx, contractID, "init", args, modeInit)
}

// ExecuteOfflineAPI calls an api declared offline. Nothing is committed and
// no events are forwarded.
func (e *Executor) ExecuteOfflineAPI(ctx context.Context, contractID, api, args string) (*Result, error) {
	return e.execute(ctx, contractID, api, args, modeOffline)
}

func (e *Executor) execute(ctx context.Context, contractID, api, args string, mode callMode) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	L, err := e.prepare(contractID, api, args, mode, e.cfg.VM)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	stop := watch(ctx, L)
	defer stop()

	argv, err := L.NewString(args)
	if err != nil {
		return nil, err
	}
	res, callErr := L.InvokeAPI(contractID, api, argv)
	return e.finish(L, contractID, api, mode, res, callErr), nil
}

// prepare checks the call against the contract manifest and returns a
// thread with the standard natives open.
func (e *Executor) prepare(contractID, api, args string, mode callMode, cfg vm.Config) (*vm.State, error) {
	if len(args) > MaxArgsSize {
		return nil, ErrArgsTooLarge
	}
	m, err := e.chain.LoadContract(contractID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContractNotFound, contractID, err)
	}
	switch mode {
	case modeOffline:
		if !m.IsOffline(api) {
			return nil, fmt.Errorf("%w: %s", ErrNotOffline, api)
		}
	case modeAPI:
		if bytecode.IsSpecialAPI(api) {
			return nil, fmt.Errorf("%w: %s", ErrSpecialAPI, api)
		}
		if !m.HasAPI(api) {
			return nil, fmt.Errorf("%w: %s", ErrAPINotFound, api)
		}
	}

	cfg.Storage.ModChangeList = host.ForkActive(e.chain, host.ForkModChangeList)
	L, err := vm.NewState(e.chain, cfg)
	if err != nil {
		return nil, err
	}
	if err := L.OpenLibs(); err != nil {
		L.Close()
		return nil, err
	}
	return L, nil
}

// finish builds the result of a completed run, committing storage and
// forwarding events unless the call is offline.
func (e *Executor) finish(L *vm.State, contractID, api string, mode callMode, res []vm.Value, callErr error) *Result {
	r := &Result{InstructionsUsed: L.Meter().Count()}
	fail := func(err error) *Result {
		r.Err = err.Error()
		log.Infof("contract %s api %s (%s) failed: %s", contractID, api, mode, r.Err)
		return r
	}
	if callErr != nil {
		return fail(callErr)
	}
	r.ResultJSON = "null"
	if len(res) > 0 {
		s, err := L.ToJSON(res[0])
		if err != nil {
			return fail(fmt.Errorf("encode result: %w", err))
		}
		r.ResultJSON = s
	}
	if mode == modeOffline {
		return r
	}
	changes, err := L.CommitStorage()
	if err != nil {
		return fail(err)
	}
	r.Changes = changes
	r.Events = append([]host.Event(nil), L.Events()...)
	for _, ev := range r.Events {
		e.chain.Emit(ev.Contract, ev.Name, ev.Arg)
	}
	log.Debugf("contract %s api %s: %d instructions, %d changed contracts", contractID, api, r.InstructionsUsed, len(changes))
	return r
}

// watch requests a stop of L when ctx is done. The returned function ends
// the watch.
func watch(ctx context.Context, L *vm.State) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			L.RequestStop()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// cachedChain serves LoadContract from an LRU cache of decoded modules.
type cachedChain struct {
	host.Chain
	modules *lru.Cache
}

func (c *cachedChain) LoadContract(addr string) (*bytecode.Module, error) {
	if m, ok := c.modules.Get(addr); ok {
		return m.(*bytecode.Module), nil
	}
	m, err := c.Chain.LoadContract(addr)
	if err != nil {
		return nil, err
	}
	c.modules.Add(addr, m)
	return m, nil
}
