package rpc

import (
	"encoding/json"

	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context provides chain context for RPC responses.
type Context struct {
	Height     uint64 `json:"height"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for contract code.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// DeployConfig configures deployContract requests.
type DeployConfig struct {
	Name     string   `json:"name,omitempty"`
	Args     string   `json:"args,omitempty"`
	Encoding Encoding `json:"encoding,omitempty"`
}

// CodeConfig configures getContractCode requests.
type CodeConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// TransactionsConfig configures getContractTransactions requests.
type TransactionsConfig struct {
	Limit int `json:"limit,omitempty"`
}

// StorageConfig configures getStorage requests.
type StorageConfig struct {
	// FastKey selects an entry of a fast-map slot.
	FastKey string `json:"fastKey,omitempty"`
}

// TransactionResult is the outcome of a submitted transaction.
type TransactionResult struct {
	ID               string                    `json:"id"`
	Height           uint64                    `json:"height"`
	Contract         string                    `json:"contract,omitempty"`
	Result           json.RawMessage           `json:"result,omitempty"`
	Err              string                    `json:"err,omitempty"`
	InstructionsUsed uint64                    `json:"instructionsUsed"`
	Events           []host.Event              `json:"events,omitempty"`
	Changes          []storage.ContractChanges `json:"changes,omitempty"`
}

// CallResult is the outcome of an offline call.
type CallResult struct {
	Result           json.RawMessage `json:"result,omitempty"`
	Err              string          `json:"err,omitempty"`
	InstructionsUsed uint64          `json:"instructionsUsed"`
}

// BalanceResult is an address balance.
type BalanceResult struct {
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"`
}

// VersionResult identifies the node software.
type VersionResult struct {
	Version   string `json:"version"`
	VMVersion string `json:"vmVersion"`
}
