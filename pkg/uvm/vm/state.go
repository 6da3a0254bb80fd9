package vm

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/X1-UVM/pkg/uvm/arena"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

var log = commonlog.GetLogger("uvm.vm")

// MultRet requests every result of a call.
const MultRet = -1

// Stack limits.
const (
	DefaultMaxStackSize = 1000000
	basicStackSize      = 40
	minStack            = 20
	maxNestedCalls      = 200
)

// MaxTagLoop bounds __index and __newindex chains.
const MaxTagLoop = 2000

// VMState is a set of thread state flags.
type VMState uint8

// Thread states. The zero state is a thread that is ready or running.
const (
	StateNone  VMState = 0
	StateHalt  VMState = 1 << 0
	StateFault VMState = 1 << 1
	StateBreak VMState = 1 << 2
	// StateSuspend marks a thread suspended by the host between calls.
	StateSuspend VMState = 1 << 3
)

// Has reports whether every flag in f is set.
func (s VMState) Has(f VMState) bool { return s&f == f && f != 0 }

func (s VMState) String() string {
	switch {
	case s == StateNone:
		return "none"
	case s.Has(StateFault):
		return "fault"
	case s.Has(StateBreak):
		return "break"
	case s.Has(StateSuspend):
		return "suspend"
	case s.Has(StateHalt):
		return "halt"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Config holds the limits of one thread.
type Config struct {
	// InstructionLimit caps metered instructions. Zero means unlimited.
	InstructionLimit uint64

	// MaxCallDepth caps the number of active call frames.
	MaxCallDepth int

	// MaxContractDepth caps nested contract calls.
	MaxContractDepth int

	// EvalStackSize is the capacity of the PUSH/POP eval stack.
	EvalStackSize int

	// MaxStackSize caps the register stack, in slots.
	MaxStackSize int

	// Arena configures the thread heap.
	Arena arena.Config

	// Storage selects chain-version dependent storage behavior.
	Storage storage.Options

	// Output receives print output. Nil discards it.
	Output io.Writer

	// AllowDebug enables breakpoints and stepping.
	AllowDebug bool
}

// DefaultConfig returns unlimited metering and the default depth limits.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:     200,
		MaxContractDepth: 16,
		EvalStackSize:    100,
		MaxStackSize:     DefaultMaxStackSize,
		Arena:            arena.DefaultConfig(),
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = d.MaxCallDepth
	}
	if c.MaxContractDepth <= 0 {
		c.MaxContractDepth = d.MaxContractDepth
	}
	if c.EvalStackSize <= 0 {
		c.EvalStackSize = d.EvalStackSize
	}
	if c.MaxStackSize <= 0 {
		c.MaxStackSize = d.MaxStackSize
	}
	if c.Output == nil {
		c.Output = io.Discard
	}
}

// callInfo is one activation record. Records form a doubly linked list and
// are reused through next.
type callInfo struct {
	fn       int // stack index of the function
	base     int // first register, or first argument of a native
	top      int
	nresults int

	cl     *LClosure
	native *NClosure
	pc     int

	fresh bool // the frame ends a nested run when it returns
	tail  bool
	bound *boundary

	prev, next *callInfo
	depth      int
}

func (ci *callInfo) isLua() bool { return ci.cl != nil }

// State is one VM thread. It is not safe for concurrent use, except for
// RequestStop.
type State struct {
	h     arena.Handle
	cfg   Config
	arena *arena.Arena
	chain host.Chain

	heap    []object
	strings map[arena.Handle]*String

	stack    []Value
	stackH   arena.Handle
	stackCap int
	top      int

	ci      *callInfo
	baseCI  callInfo
	nny     int
	entry   int
	openupv *UpVal

	eval []Value

	globals    *Table
	stringMeta *Table
	streamMeta *Table
	protected  map[*Table]bool

	meter  Meter
	stop   atomic.Bool
	status VMState

	identities    []identity
	contracts     map[string]*contract
	startContract string
	startAPI      string

	tracker *storage.Tracker
	live    map[string]liveTable

	events       []host.Event
	hostErr      error
	lastArgError string

	debug debugger
}

// Handle implements object.
func (L *State) Handle() arena.Handle { return L.h }

func (L *State) clear() {}

type hostFetcher struct{ L *State }

func (f hostFetcher) GetStorage(contract, name, fastKey string, fastMap bool) (storage.Value, error) {
	if f.L.chain == nil {
		return storage.Null(), nil
	}
	v, err := f.L.chain.GetStorage(contract, name, fastKey, fastMap)
	if err != nil {
		f.L.setHostError(err)
	}
	return v, err
}

// NewState creates a thread. The chain may be nil for scripts that use no
// host capabilities.
func NewState(chain host.Chain, cfg Config) (*State, error) {
	cfg.setDefaults()
	L := &State{
		cfg:       cfg,
		arena:     arena.New(cfg.Arena),
		chain:     chain,
		strings:   make(map[arena.Handle]*String),
		protected: make(map[*Table]bool),
		contracts: make(map[string]*contract),
		live:      make(map[string]liveTable),
	}
	L.meter.SetLimit(cfg.InstructionLimit)
	L.tracker = storage.NewTracker(hostFetcher{L}, cfg.Storage)
	L.debug.init()

	var err error
	if L.h, err = L.alloc(sizeState); err != nil {
		return nil, err
	}
	if err := L.ensureAt(basicStackSize); err != nil {
		return nil, err
	}
	L.baseCI = callInfo{fn: 0, base: 1, top: 1 + minStack}
	L.ci = &L.baseCI
	L.top = 1
	if L.globals, err = L.NewTable(0, 32); err != nil {
		return nil, err
	}
	if L.stringMeta, err = L.NewTable(0, 1); err != nil {
		return nil, err
	}
	return L, nil
}

// Close releases every object and the thread heap.
func (L *State) Close() {
	L.closeUpvals(0)
	for _, o := range L.heap {
		if c, ok := o.(*LClosure); ok {
			for _, u := range c.upvals {
				if u != nil && u.h != arena.Nil {
					L.decref(u)
				}
			}
		}
	}
	for _, o := range L.heap {
		o.clear()
	}
	for _, s := range L.strings {
		s.clear()
	}
	L.heap, L.strings = nil, nil
	L.stack, L.eval = nil, nil
	L.arena.Release()
	log.Debug("thread closed", "instructions", L.meter.Count())
}

// Config returns the thread configuration.
func (L *State) Config() Config { return L.cfg }

// Chain returns the host chain, or nil.
func (L *State) Chain() host.Chain { return L.chain }

// Arena returns the thread heap.
func (L *State) Arena() *arena.Arena { return L.arena }

// Meter returns the instruction meter.
func (L *State) Meter() *Meter { return &L.meter }

// Status returns the thread state flags.
func (L *State) Status() VMState { return L.status }

// RequestStop asks the running thread to halt before its next
// instruction. It may be called from any goroutine.
func (L *State) RequestStop() { L.stop.Store(true) }

// Globals returns the global table.
func (L *State) Globals() *Table { return L.globals }

// Output returns the print writer.
func (L *State) Output() io.Writer { return L.cfg.Output }

// Events returns the events emitted so far.
func (L *State) Events() []host.Event { return L.events }

// HostError returns the last error reported by the host, if any.
func (L *State) HostError() error { return L.hostErr }

func (L *State) setHostError(err error) {
	L.hostErr = err
	log.Debug("host exception", "error", err.Error())
}

// LastArgError returns the message of the last rejected native call.
func (L *State) LastArgError() string { return L.lastArgError }

// Tracker returns the storage change tracker.
func (L *State) Tracker() *storage.Tracker { return L.tracker }

// SetGlobal assigns a global variable.
func (L *State) SetGlobal(name string, v Value) error {
	return L.globals.RawSetString(L, name, v)
}

// GetGlobal returns a global variable.
func (L *State) GetGlobal(name string) Value {
	return L.globals.RawGetString(name)
}

// Register binds a native function to a global name.
func (L *State) Register(name string, fn GoFunction) error {
	f, err := L.NewFunction(name, fn)
	if err != nil {
		return err
	}
	return L.SetGlobal(name, f)
}

// ensureAt grows the stack to hold at least n slots.
func (L *State) ensureAt(n int) error {
	if n <= len(L.stack) {
		return nil
	}
	if n > L.cfg.MaxStackSize {
		return L.sentinelError(ErrCallDepth, "stack overflow")
	}
	for L.stackCap < n {
		h, c, err := L.arena.GrowVector(L.stackH, L.stackCap, sizeSlot, L.cfg.MaxStackSize)
		if err != nil {
			return resourceError(err)
		}
		L.stackH, L.stackCap = h, c
	}
	stack := make([]Value, L.stackCap)
	copy(stack, L.stack)
	L.stack = stack
	return nil
}

// ensure makes room for n more slots above the top.
func (L *State) ensure(n int) error { return L.ensureAt(L.top + n) }

// Push appends v to the stack. Natives have minStack free slots; past that
// the stack grows, and a failed growth unwinds the run.
func (L *State) Push(v Value) {
	if L.top >= len(L.stack) {
		if err := L.ensure(1); err != nil {
			panic(err)
		}
	}
	L.stack[L.top] = v
	L.top++
}

// PushString pushes a new string.
func (L *State) PushString(s string) error {
	v, err := L.NewString(s)
	if err != nil {
		return err
	}
	L.Push(v)
	return nil
}

// GetTop returns the number of arguments of the running native.
func (L *State) GetTop() int { return L.top - L.ci.base }

// SetTop truncates or nil-extends the native frame to n values.
func (L *State) SetTop(n int) {
	want := L.ci.base + n
	for L.top < want {
		L.Push(Nil)
	}
	clear(L.stack[want:L.top])
	L.top = want
}

// Arg returns the n-th (1-based) argument of the running native.
func (L *State) Arg(n int) Value {
	i := L.ci.base + n - 1
	if n < 1 || i >= L.top {
		return Nil
	}
	return L.stack[i]
}

// Upvalue returns the n-th (1-based) upvalue of the running native.
func (L *State) Upvalue(n int) Value {
	if c := L.ci.native; c != nil && n >= 1 && n <= len(c.upvals) {
		return c.upvals[n-1]
	}
	return Nil
}

// CheckAny fails when argument n is absent.
func (L *State) CheckAny(n int) (Value, error) {
	if n > L.GetTop() {
		return Nil, L.argError(n, "value expected")
	}
	return L.Arg(n), nil
}

// CheckString returns argument n as a string. Numbers are converted.
func (L *State) CheckString(n int) (string, error) {
	v := L.Arg(n)
	if s, ok := toStringCoerce(v); ok {
		return s, nil
	}
	return "", L.argError(n, "string expected, got "+typeNameArg(v, n > L.GetTop()))
}

// OptString returns argument n as a string, or def when absent.
func (L *State) OptString(n int, def string) (string, error) {
	if L.Arg(n).IsNil() {
		return def, nil
	}
	return L.CheckString(n)
}

// CheckInt returns argument n as an integer.
func (L *State) CheckInt(n int) (int64, error) {
	v := L.Arg(n)
	if i, ok := toIntegerCoerce(v); ok {
		return i, nil
	}
	if _, ok := toNumberCoerce(v); ok {
		return 0, L.argError(n, "number has no integer representation")
	}
	return 0, L.argError(n, "number expected, got "+typeNameArg(v, n > L.GetTop()))
}

// OptInt returns argument n as an integer, or def when absent.
func (L *State) OptInt(n int, def int64) (int64, error) {
	if L.Arg(n).IsNil() {
		return def, nil
	}
	return L.CheckInt(n)
}

// CheckNumber returns argument n as a number value.
func (L *State) CheckNumber(n int) (Value, error) {
	v := L.Arg(n)
	if num, ok := toNumberCoerce(v); ok {
		return num, nil
	}
	return Nil, L.argError(n, "number expected, got "+typeNameArg(v, n > L.GetTop()))
}

// CheckTable returns argument n as a table.
func (L *State) CheckTable(n int) (*Table, error) {
	if t, ok := L.Arg(n).AsTable(); ok {
		return t, nil
	}
	return nil, L.argError(n, "table expected, got "+typeNameArg(L.Arg(n), n > L.GetTop()))
}

func typeNameArg(v Value, absent bool) string {
	if absent {
		return "no value"
	}
	return v.TypeName()
}

// where returns the "source:line: " prefix of a script frame. Level 1 is
// the innermost script function, skipping the running native.
func (L *State) where(level int) string {
	ci := L.ci
	if ci != nil && ci.native != nil {
		ci = ci.prev
	}
	for ; level > 1 && ci != nil; level-- {
		ci = ci.prev
	}
	if ci == nil || !ci.isLua() {
		return ""
	}
	line := ci.cl.p.p.Line(ci.pc - 1)
	return fmt.Sprintf("%s:%d: ", ci.cl.p.source, line)
}

// Call invokes fn with args and returns every result. It is the entry
// point of a top-level run: when a breakpoint hits, Call returns with the
// thread in StateBreak and Resume continues it.
func (L *State) Call(fn Value, args ...Value) ([]Value, error) {
	if L.nny != 0 || L.status.Has(StateBreak) {
		return nil, errors.New("thread is already running")
	}
	L.status = StateNone
	if err := L.ensure(len(args) + 1); err != nil {
		return nil, err
	}
	L.entry = L.top
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	return L.finish(L.call(L.entry, MultRet))
}

// Resume continues a thread stopped at a breakpoint.
func (L *State) Resume() ([]Value, error) {
	if !L.status.Has(StateBreak) {
		return nil, ErrNotDebuggable
	}
	L.status = StateNone
	L.debug.resumed(L)
	L.nny++
	err := L.guardedRun()
	L.nny--
	return L.finish(err)
}

func (L *State) finish(err error) ([]Value, error) {
	if errors.Is(err, errBreak) {
		L.status = StateBreak
		return nil, nil
	}
	if err != nil {
		L.unwind(L.entry)
		if errors.Is(err, ErrStopped) {
			L.status = StateHalt
		} else {
			L.status = StateFault
		}
		return nil, err
	}
	results := append([]Value(nil), L.stack[L.entry:L.top]...)
	clear(L.stack[L.entry:L.top])
	L.top = L.entry
	L.popIdentity(0)
	L.status = StateHalt
	return results, nil
}

// unwind drops every frame and register above level.
func (L *State) unwind(level int) {
	L.closeUpvals(level)
	L.ci = &L.baseCI
	L.nny = 0
	if level < L.top {
		clear(L.stack[level:L.top])
	}
	L.top = level
	L.identities = L.identities[:0]
}
