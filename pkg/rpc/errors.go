package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Chain error codes.
const (
	// ContractNotFound indicates the contract is not deployed.
	ContractNotFound = -32001

	// TransactionRejected indicates the chain refused a transaction before
	// executing it.
	TransactionRejected = -32002

	// ReceiptNotFound indicates the transaction is not journaled.
	ReceiptNotFound = -32003

	// BlockNotAvailable indicates the block is not available.
	BlockNotAvailable = -32004

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// HistoryNotAvailable indicates the node keeps no journal.
	HistoryNotAvailable = -32011
)

// Common error messages.
var (
	ErrParseError          = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest      = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound      = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams       = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError       = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy       = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrHistoryNotAvailable = NewRPCError(HistoryNotAvailable, "Transaction history not available on this node")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ContractNotFoundError creates an error for a missing contract.
func ContractNotFoundError(contract string) *RPCError {
	return NewRPCErrorWithData(ContractNotFound,
		fmt.Sprintf("Contract %s not found", contract),
		map[string]string{"contract": contract})
}

// ReceiptNotFoundError creates an error for a missing receipt.
func ReceiptNotFoundError(id string) *RPCError {
	return NewRPCErrorWithData(ReceiptNotFound,
		fmt.Sprintf("Transaction %s not found", id),
		map[string]string{"id": id})
}

// BlockNotFoundError creates an error for a missing block.
func BlockNotFoundError(height uint64) *RPCError {
	return NewRPCErrorWithData(BlockNotAvailable,
		fmt.Sprintf("Block not available for height %d", height),
		map[string]uint64{"height": height})
}

// TransactionRejectedError creates an error for a refused transaction.
func TransactionRejectedError(err error) *RPCError {
	return NewRPCError(TransactionRejected, err.Error())
}
