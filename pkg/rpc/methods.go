package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/X1-UVM/pkg/chainstore"
	"github.com/fortiblox/X1-UVM/pkg/journal"
	"github.com/fortiblox/X1-UVM/pkg/simplechain"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/executor"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
)

// Version information.
const (
	NodeVersion = "uvm-1.0.0"
	VMVersion   = "Lua 5.3"
)

// parseArgs decodes positional params and checks that at least min are
// present.
func parseArgs(params json.RawMessage, min int, names ...string) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < min {
		name := "parameter"
		if len(args) < len(names) {
			name = names[len(args)]
		}
		return nil, InvalidParamsErrorf("missing %s parameter", name)
	}
	return args, nil
}

func stringArg(args []json.RawMessage, i int, name string) (string, *RPCError) {
	if i >= len(args) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", InvalidParamsErrorf("invalid %s", name)
	}
	return s, nil
}

func configArg(args []json.RawMessage, i int, v interface{}) *RPCError {
	if i >= len(args) || string(args[i]) == "null" {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

// chainError maps chain errors to RPC errors.
func chainError(err error, subject string) *RPCError {
	switch {
	case errors.Is(err, simplechain.ErrContractNotFound),
		errors.Is(err, executor.ErrContractNotFound),
		errors.Is(err, chainstore.ErrNotFound):
		return ContractNotFoundError(subject)
	case errors.Is(err, simplechain.ErrNoJournal):
		return ErrHistoryNotAvailable
	case errors.Is(err, journal.ErrReceiptNotFound):
		return ReceiptNotFoundError(subject)
	case errors.Is(err, simplechain.ErrInvalidCaller),
		errors.Is(err, simplechain.ErrInvalidName),
		errors.Is(err, simplechain.ErrNameTaken),
		errors.Is(err, executor.ErrAPINotFound),
		errors.Is(err, executor.ErrNotOffline),
		errors.Is(err, executor.ErrSpecialAPI),
		errors.Is(err, executor.ErrArgsTooLarge),
		errors.Is(err, host.ErrInsufficientFunds),
		errors.Is(err, host.ErrInvalidAmount),
		errors.Is(err, host.ErrInvalidAddress),
		errors.Is(err, chainstore.ErrNegativeBalance),
		errors.Is(err, bytecode.ErrBadModule),
		errors.Is(err, context.DeadlineExceeded):
		return TransactionRejectedError(err)
	}
	return InternalServerErrorf("%v", err)
}

func rawResult(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func transactionResult(r *journal.Receipt) *TransactionResult {
	return &TransactionResult{
		ID:               r.ID,
		Height:           r.Height,
		Contract:         r.Contract,
		Result:           rawResult(r.Result),
		Err:              r.Err,
		InstructionsUsed: r.InstructionsUsed,
		Events:           r.Events,
		Changes:          r.Changes,
	}
}

func (s *Server) withContext(v interface{}) ResponseWithContext {
	return ResponseWithContext{
		Context: Context{Height: s.chain.Height()},
		Value:   v,
	}
}

// Transaction Methods

// deployContract deploys a module: [caller, code, config?].
func (s *Server) deployContract(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2, "caller", "code")
	if rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := stringArg(args, 0, "caller")
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, rpcErr := stringArg(args, 1, "code")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config DeployConfig
	if rpcErr := configArg(args, 2, &config); rpcErr != nil {
		return nil, rpcErr
	}

	code, err := DecodeCode(encoded, config.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid code encoding: %v", err)
	}
	if len(code) > maxCodeSize {
		return nil, InvalidParamsError("code too large")
	}
	m, err := bytecode.DecodeModule(code)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid module: %v", err)
	}

	r, err := s.chain.Deploy(ctx, caller, m, config.Name, config.Args)
	if err != nil {
		return nil, chainError(err, config.Name)
	}
	return transactionResult(r), nil
}

// invokeContract calls a contract api: [caller, contract, api, args?].
func (s *Server) invokeContract(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 3, "caller", "contract", "api")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var fields [4]string
	for i, name := range []string{"caller", "contract", "api", "args"} {
		if fields[i], rpcErr = stringArg(args, i, name); rpcErr != nil {
			return nil, rpcErr
		}
	}

	r, err := s.chain.Invoke(ctx, fields[0], fields[1], fields[2], fields[3])
	if err != nil {
		return nil, chainError(err, fields[1])
	}
	return transactionResult(r), nil
}

// transfer moves a balance: [from, to, amount, symbol?].
func (s *Server) transfer(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 3, "from", "to", "amount")
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := stringArg(args, 0, "from")
	if rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := stringArg(args, 1, "to")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var amount int64
	if err := json.Unmarshal(args[2], &amount); err != nil {
		return nil, InvalidParamsError("invalid amount")
	}
	symbol, rpcErr := stringArg(args, 3, "symbol")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if symbol == "" {
		symbol, _ = s.chain.SystemAsset()
	}

	r, err := s.chain.Transfer(from, to, symbol, amount)
	if err != nil {
		return nil, chainError(err, from)
	}
	return transactionResult(r), nil
}

// sealBlock closes the block being built.
func (s *Server) sealBlock(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	b, err := s.chain.SealBlock()
	if err != nil {
		return nil, InternalServerErrorf("failed to seal block: %v", err)
	}
	return b, nil
}

// Call Methods

// callOffline runs an offline api: [contract, api, args?].
func (s *Server) callOffline(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2, "contract", "api")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var fields [3]string
	for i, name := range []string{"contract", "api", "args"} {
		if fields[i], rpcErr = stringArg(args, i, name); rpcErr != nil {
			return nil, rpcErr
		}
	}

	res, err := s.chain.Call(ctx, fields[0], fields[1], fields[2])
	if err != nil {
		return nil, chainError(err, fields[0])
	}
	return s.withContext(CallResult{
		Result:           rawResult(res.ResultJSON),
		Err:              res.Err,
		InstructionsUsed: res.InstructionsUsed,
	}), nil
}

// Contract Methods

// getContractInfo describes a contract: [contract].
func (s *Server) getContractInfo(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}
	contract, rpcErr := stringArg(args, 0, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}

	info, err := s.chain.ContractInfo(contract)
	if errors.Is(err, simplechain.ErrContractNotFound) {
		return s.withContext(nil), nil
	}
	if err != nil {
		return nil, chainError(err, contract)
	}
	return s.withContext(info), nil
}

// getContractCode returns the encoded module of a contract: [contract, config?].
func (s *Server) getContractCode(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}
	contract, rpcErr := stringArg(args, 0, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config CodeConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	m, err := s.chain.Module(contract)
	if err != nil {
		return nil, chainError(err, contract)
	}
	data, err := m.Encode(false)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode module: %v", err)
	}
	code, err := EncodeCode(data, config.Encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode code: %v", err)
	}
	return s.withContext(code), nil
}

// getContracts lists deployed contract addresses.
func (s *Server) getContracts(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	list, err := s.chain.Contracts()
	if err != nil {
		return nil, InternalServerErrorf("failed to list contracts: %v", err)
	}
	if list == nil {
		list = []string{}
	}
	return s.withContext(list), nil
}

// getStorage reads a committed storage slot: [contract, name, config?].
func (s *Server) getStorage(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2, "contract", "name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	contract, rpcErr := stringArg(args, 0, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := stringArg(args, 1, "name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config StorageConfig
	if rpcErr := configArg(args, 2, &config); rpcErr != nil {
		return nil, rpcErr
	}

	v, err := s.chain.Storage(contract, name, config.FastKey)
	if err != nil {
		return nil, chainError(err, contract)
	}
	return s.withContext(v), nil
}

// getBalance returns an address balance: [address, symbol?].
func (s *Server) getBalance(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "address")
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := stringArg(args, 0, "address")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !s.chain.ValidAddress(addr) {
		return nil, InvalidParamsError("invalid address")
	}
	symbol, rpcErr := stringArg(args, 1, "symbol")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if symbol == "" {
		symbol, _ = s.chain.SystemAsset()
	}

	amount, err := s.chain.Balance(addr, symbol)
	if err != nil {
		return nil, InternalServerErrorf("failed to get balance: %v", err)
	}
	return s.withContext(BalanceResult{Symbol: symbol, Amount: amount}), nil
}

// History Methods

// getReceipt returns a journaled transaction: [id].
func (s *Server) getReceipt(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := stringArg(args, 0, "id")
	if rpcErr != nil {
		return nil, rpcErr
	}

	r, err := s.chain.Receipt(id)
	if err != nil {
		return nil, chainError(err, id)
	}
	return r, nil
}

// getBlock returns a sealed block: [height].
func (s *Server) getBlock(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "height")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var height uint64
	if err := json.Unmarshal(args[0], &height); err != nil {
		return nil, InvalidParamsError("invalid height")
	}

	b, err := s.chain.Block(height)
	if errors.Is(err, journal.ErrBlockNotFound) {
		return nil, BlockNotFoundError(height)
	}
	if err != nil {
		return nil, chainError(err, "")
	}
	return b, nil
}

// getContractTransactions lists transaction ids touching a contract,
// newest first: [contract, config?].
func (s *Server) getContractTransactions(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}
	contract, rpcErr := stringArg(args, 0, "contract")
	if rpcErr != nil {
		return nil, rpcErr
	}
	config := TransactionsConfig{Limit: 100}
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if config.Limit <= 0 || config.Limit > 1000 {
		return nil, InvalidParamsError("limit must be between 1 and 1000")
	}

	j := s.chain.Journal()
	if j == nil {
		return nil, ErrHistoryNotAvailable
	}
	info, err := s.chain.ContractInfo(contract)
	if err != nil {
		return nil, chainError(err, contract)
	}
	ids, err := j.ContractTransactions(info.Address, config.Limit)
	if err != nil {
		return nil, InternalServerErrorf("failed to list transactions: %v", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// getJournalStats returns journal statistics.
func (s *Server) getJournalStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	j := s.chain.Journal()
	if j == nil {
		return nil, ErrHistoryNotAvailable
	}
	stats, err := j.GetStats()
	if err != nil {
		return nil, InternalServerErrorf("failed to get stats: %v", err)
	}
	return stats, nil
}

// Node Methods

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionResult{Version: NodeVersion, VMVersion: VMVersion}, nil
}

// getHeight returns the height of the last sealed block.
func (s *Server) getHeight(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.chain.Height(), nil
}
