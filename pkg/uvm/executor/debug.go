package executor

import (
	"errors"

	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
	"github.com/fortiblox/X1-UVM/pkg/uvm/vm"
)

// ErrSessionDone is returned by a debug session whose run has completed.
var ErrSessionDone = errors.New("debug session has finished")

// Variable is a local or upvalue as shown by a debugger.
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DebugSession is a contract call running with breakpoints. The run starts
// stopped at its first breakpoint or completes; each step either stops
// again or completes it. A completed run is committed like
// ExecuteContractAPI, or not at all for offline apis.
type DebugSession struct {
	e        *Executor
	L        *vm.State
	contract string
	api      string
	mode     callMode
	result   *Result
}

// Debug starts api(self, args) with the given breakpoints. Init cannot be
// debugged.
func (e *Executor) Debug(contractID, api, args string, breakpoints []vm.Breakpoint) (*DebugSession, error) {
	mode := modeAPI
	if m, err := e.chain.LoadContract(contractID); err == nil && m.IsOffline(api) {
		mode = modeOffline
	}
	cfg := e.cfg.VM
	cfg.AllowDebug = true
	L, err := e.prepare(contractID, api, args, mode, cfg)
	if err != nil {
		return nil, err
	}
	for _, bp := range breakpoints {
		L.SetBreakpoint(bp.Contract, bp.Line)
	}
	s := &DebugSession{e: e, L: L, contract: contractID, api: api, mode: mode}
	argv, err := L.NewString(args)
	if err != nil {
		L.Close()
		return nil, err
	}
	s.settle(L.InvokeAPI(contractID, api, argv))
	return s, nil
}

// settle records the result when the run completed.
func (s *DebugSession) settle(res []vm.Value, err error) {
	if err == nil && s.L.Status().Has(vm.StateBreak) {
		return
	}
	s.result = s.e.finish(s.L, s.contract, s.api, s.mode, res, err)
}

// Stopped reports whether the run is paused at a break.
func (s *DebugSession) Stopped() bool { return s.result == nil }

// Result returns the outcome of a completed run, or nil.
func (s *DebugSession) Result() *Result { return s.result }

func (s *DebugSession) advance(step func() ([]vm.Value, error)) (*Result, error) {
	if s.result != nil {
		return nil, ErrSessionDone
	}
	s.settle(step())
	return s.result, nil
}

// Continue resumes until the next breakpoint or the end of the run.
func (s *DebugSession) Continue() (*Result, error) { return s.advance(s.L.Resume) }

// StepInto resumes until the next line at any depth.
func (s *DebugSession) StepInto() (*Result, error) { return s.advance(s.L.StepInto) }

// StepOver resumes until the next line of the current function.
func (s *DebugSession) StepOver() (*Result, error) { return s.advance(s.L.StepOver) }

// StepOut resumes until the current function returns.
func (s *DebugSession) StepOut() (*Result, error) { return s.advance(s.L.StepOut) }

// StepInstruction executes a single instruction.
func (s *DebugSession) StepInstruction() (*Result, error) {
	return s.advance(s.L.StepInstruction)
}

// SetBreakpoint adds a breakpoint.
func (s *DebugSession) SetBreakpoint(contract string, line int) { s.L.SetBreakpoint(contract, line) }

// ClearBreakpoint removes a breakpoint.
func (s *DebugSession) ClearBreakpoint(contract string, line int) {
	s.L.ClearBreakpoint(contract, line)
}

// Breakpoints returns the breakpoints.
func (s *DebugSession) Breakpoints() []vm.Breakpoint { return s.L.Breakpoints() }

// Location returns the source and line the run is stopped at.
func (s *DebugSession) Location() (string, int) { return s.L.CurrentLine() }

// CallStack returns the active frames, innermost first.
func (s *DebugSession) CallStack() []string { return s.L.ViewCallStack() }

// Locals returns the active locals of the innermost script frame.
func (s *DebugSession) Locals() []Variable { return variables(s.L.ViewLocals()) }

// Upvalues returns the upvalues of the innermost script function.
func (s *DebugSession) Upvalues() []Variable { return variables(s.L.ViewUpvalues()) }

// Storage returns the current value of a storage slot of the running
// contract, pending writes included.
func (s *DebugSession) Storage(name, fastKey string) (storage.Value, error) {
	return s.L.ViewContractStorage(name, fastKey)
}

// Close releases the thread. A run still stopped is abandoned without a
// commit.
func (s *DebugSession) Close() {
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}

func variables(vs []vm.Variable) []Variable {
	out := make([]Variable, len(vs))
	for i, v := range vs {
		out[i] = Variable{Name: v.Name, Type: v.Value.TypeName(), Value: v.Value.String()}
	}
	return out
}
