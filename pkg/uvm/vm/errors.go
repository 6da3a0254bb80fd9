package vm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-UVM/pkg/uvm/arena"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// Errors.
var (
	ErrInstructionLimit = errors.New("over instructions limit")
	ErrOutOfMemory      = arena.ErrOutOfMemory
	ErrCallDepth        = errors.New("stack overflow")
	ErrCallLimit        = errors.New("contract call limit exceeded")
	ErrStopped          = errors.New("execution stopped")
	ErrIllegalMutation  = errors.New("illegal mutation")
	ErrMetaChainTooLong = errors.New("metamethod chain too long; possible loop")
	ErrEvalStack        = errors.New("evalstack exceed")
	ErrStoragePolicy    = storage.ErrStoragePolicy
	ErrNotDebuggable    = errors.New("state is not stopped at a breakpoint")
	ErrContractNotFound = errors.New("contract not found")
	ErrAPINotFound      = errors.New("contract api not found")
)

// errBreak unwinds the top-level run when a breakpoint or step hits.
var errBreak = errors.New("break")

// ErrorKind classifies VM errors.
type ErrorKind uint8

// Error kinds.
const (
	// KindRuntime faults unwind to the nearest protected call.
	KindRuntime ErrorKind = iota

	// KindIllegalArgument is a native rejecting its arguments. The native
	// returns nil plus the message and execution continues.
	KindIllegalArgument

	// KindResource faults (instruction limit, memory, depth, stop) are
	// never caught by pcall or absorbed by a contract call.
	KindResource

	// KindStoragePolicy faults come from storage rule violations. They
	// abort the pending commit.
	KindStoragePolicy
)

func (k ErrorKind) String() string {
	switch k {
	case KindRuntime:
		return "runtime"
	case KindIllegalArgument:
		return "illegal argument"
	case KindResource:
		return "resource"
	case KindStoragePolicy:
		return "storage policy"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a VM fault. Value is the error object thrown by the script, if
// any.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Value Value
	Err   error
}

func (e *Error) Error() string { return e.Msg }

// Unwrap returns the underlying sentinel.
func (e *Error) Unwrap() error { return e.Err }

func resourceError(err error) *Error {
	return &Error{Kind: KindResource, Msg: err.Error(), Err: err}
}

// toError classifies an arbitrary error returned inside the VM.
func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrInstructionLimit), errors.Is(err, ErrOutOfMemory),
		errors.Is(err, ErrCallDepth), errors.Is(err, ErrCallLimit),
		errors.Is(err, ErrStopped), errors.Is(err, arena.ErrVectorLimit):
		return resourceError(err)
	case errors.Is(err, ErrStoragePolicy):
		return &Error{Kind: KindStoragePolicy, Msg: err.Error(), Err: err}
	}
	return &Error{Kind: KindRuntime, Msg: err.Error(), Err: err}
}

// catchable reports whether a protected call may absorb err.
func catchable(err error) bool {
	return toError(err).Kind != KindResource
}

// IsResource reports whether err is a resource fault.
func IsResource(err error) bool {
	return err != nil && !catchable(err)
}

// runtimeError returns a runtime fault whose message carries the current
// source position.
func (L *State) runtimeError(format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: KindRuntime, Msg: L.where(1) + msg}
}

// sentinelError is runtimeError for faults that match a sentinel. The
// kind follows the sentinel, so depth and call limits stay resource faults.
func (L *State) sentinelError(sentinel error, format string, args ...interface{}) *Error {
	e := L.runtimeError(format, args...)
	e.Err = sentinel
	e.Kind = toError(sentinel).Kind
	return e
}

// argError reports a bad argument to the running native.
func (L *State) argError(n int, msg string) *Error {
	name := "?"
	if ci := L.ci; ci != nil && ci.native != nil {
		name = ci.native.name
	}
	return &Error{Kind: KindIllegalArgument, Msg: fmt.Sprintf("bad argument #%d to '%s' (%s)", n, name, msg)}
}

// typeError reports an operation on a value of the wrong type.
func (L *State) typeError(v Value, op string) *Error {
	return L.runtimeError("attempt to %s a %s value", op, v.TypeName())
}
