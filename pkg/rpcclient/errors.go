package rpcclient

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-UVM/pkg/rpc"
)

var (
	// ErrNoEndpoints is returned by a client without endpoints.
	ErrNoEndpoints = errors.New("no uvm endpoints configured")

	// ErrLagging marks an endpoint too far behind the other nodes.
	ErrLagging = errors.New("endpoint is lagging behind")
)

// Error is a JSON-RPC error returned by a node.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err says a contract, receipt or block does not
// exist.
func IsNotFound(err error) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpc.ContractNotFound, rpc.ReceiptNotFound, rpc.BlockNotAvailable:
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is likely transient. Errors answered by a
// node are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *Error
	return !errors.As(err, &rpcErr) || rpcErr.Code == rpc.NodeUnhealthy
}
