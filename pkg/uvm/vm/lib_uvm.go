package vm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
)

// Transfer result codes returned by transfer_from_contract_to_address.
const (
	TransferOK                = 0
	TransferInvalidAmount     = -1
	TransferInsufficientFunds = -2
	TransferInvalidAddress    = -3
	TransferFailed            = -4
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		MaxNestedLevels: maxJSONDepth,
		DefaultMapType:  reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func (L *State) openUVM() error {
	for _, f := range []libFunc{
		{"get_chain_now", uvmChainNow},
		{"get_header_block_num", uvmBlockNum},
		{"get_chain_random", uvmChainRandom},
		{"get_transaction_id", uvmTransactionID},
		{"get_transaction_fee", uvmTransactionFee},
		{"get_current_contract_address", uvmCurrentContract},
		{"get_prev_call_frame_contract_address", uvmPrevContract},
		{"get_prev_call_frame_api_name", uvmPrevAPI},
		{"get_contract_call_frame_stack_size", uvmFrameStackSize},
		{"transfer_from_contract_to_address", uvmTransfer},
		{"get_contract_balance_amount", uvmContractBalance},
		{"emit", uvmEmit},
		{"is_valid_address", uvmValidAddress},
		{"is_valid_contract_address", uvmValidContractAddress},
		{"get_system_asset_symbol", uvmSystemAssetSymbol},
		{"get_system_asset_precision", uvmSystemAssetPrecision},
		{"import_contract_from_address", uvmImportFromAddress},
		{"import_contract", uvmImportByName},
		{"delegate_call", uvmDelegateCall},
		{"fast_map_get", uvmFastMapGet},
		{"fast_map_set", uvmFastMapSet},
		{"sha256_hex", uvmSHA256},
		{"sha3_hex", uvmSHA3},
		{"blake3_hex", uvmBLAKE3},
		{"hex_to_bytes", uvmHexToBytes},
		{"bytes_to_hex", uvmBytesToHex},
		{"cbor_encode", uvmCBOREncode},
		{"cbor_decode", uvmCBORDecode},
		{"debugger", uvmDebugger},
		{"exit_debugger", uvmExitDebugger},
	} {
		if err := L.Register(f.name, f.fn); err != nil {
			return err
		}
	}
	return L.openStream()
}

func (L *State) requireChain() (host.Chain, error) {
	if L.chain == nil {
		return nil, L.runtimeError("chain api is not available")
	}
	return L.chain, nil
}

func uvmChainNow(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	L.Push(Int(c.Now()))
	return 1, nil
}

func uvmBlockNum(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	L.Push(Int(int64(c.BlockNumber())))
	return 1, nil
}

func uvmChainRandom(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	L.Push(Int(c.Random()))
	return 1, nil
}

func uvmTransactionID(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	return 1, L.PushString(c.TransactionID())
}

func uvmTransactionFee(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	L.Push(Int(c.TransactionFee()))
	return 1, nil
}

func uvmCurrentContract(L *State) (int, error) {
	addr := L.CurrentContract()
	if addr == "" {
		return 0, L.runtimeError("can't get current contract address")
	}
	return 1, L.PushString(addr)
}

func (L *State) prevIdentity() *identity {
	if n := len(L.identities); n >= 2 {
		return &L.identities[n-2]
	}
	return nil
}

func uvmPrevContract(L *State) (int, error) {
	if id := L.prevIdentity(); id != nil {
		return 1, L.PushString(id.contract)
	}
	return 1, L.PushString("")
}

func uvmPrevAPI(L *State) (int, error) {
	if id := L.prevIdentity(); id != nil {
		return 1, L.PushString(id.api)
	}
	return 1, L.PushString("")
}

func uvmFrameStackSize(L *State) (int, error) {
	L.Push(Int(int64(len(L.identities))))
	return 1, nil
}

func uvmTransfer(L *State) (int, error) {
	if L.GetTop() < 3 {
		return 0, L.runtimeError("transfer_from_contract_to_address need 3 arguments")
	}
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	from := L.CurrentContract()
	if from == "" {
		return 0, L.runtimeError("contract transfer must be called in contract api")
	}
	if L.isStatic() {
		return 0, L.runtimeError("static call can not transfer")
	}
	to, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	symbol, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	amount, err := L.CheckInt(3)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, L.runtimeError("amount must be positive")
	}
	code := TransferOK
	if err := c.TransferFromContract(from, to, symbol, amount); err != nil {
		switch {
		case errors.Is(err, host.ErrInvalidAmount):
			code = TransferInvalidAmount
		case errors.Is(err, host.ErrInsufficientFunds):
			code = TransferInsufficientFunds
		case errors.Is(err, host.ErrInvalidAddress):
			code = TransferInvalidAddress
		default:
			code = TransferFailed
			L.setHostError(err)
		}
	}
	L.Push(Int(int64(code)))
	return 1, nil
}

func uvmContractBalance(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	addr, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	symbol, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	bal, err := c.ContractBalance(addr, symbol)
	if err != nil {
		return 0, L.argError(1, err.Error())
	}
	L.Push(Int(bal))
	return 1, nil
}

// uvmEmit buffers an event. Events of a failed contract call are dropped
// with its rollback; the executor hands the rest to the host.
func uvmEmit(L *State) (int, error) {
	addr := L.CurrentContract()
	if addr == "" {
		return 0, L.runtimeError("emit must be called in contract api")
	}
	name, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	arg, err := L.OptString(2, "")
	if err != nil {
		return 0, err
	}
	if name == "" {
		return 0, L.argError(1, "event name can't be empty")
	}
	L.events = append(L.events, host.Event{Contract: addr, Name: name, Arg: arg})
	return 0, nil
}

func uvmValidAddress(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	L.Push(Bool(L.chain != nil && L.chain.ValidAddress(s)))
	return 1, nil
}

func uvmValidContractAddress(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	L.Push(Bool(L.chain != nil && L.chain.ValidContractAddress(s)))
	return 1, nil
}

func uvmSystemAssetSymbol(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	sym, _ := c.SystemAsset()
	return 1, L.PushString(sym)
}

func uvmSystemAssetPrecision(L *State) (int, error) {
	c, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	_, prec := c.SystemAsset()
	L.Push(Int(prec))
	return 1, nil
}

func uvmImportFromAddress(L *State) (int, error) {
	addr, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	c, err := L.importContract(addr)
	if err != nil {
		return 0, err
	}
	L.Push(tableValue(c.table))
	return 1, nil
}

func uvmImportByName(L *State) (int, error) {
	name, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	ch, err := L.requireChain()
	if err != nil {
		return 0, err
	}
	addr, ok := ch.ContractAddressByName(name)
	if !ok {
		return 0, L.sentinelError(ErrContractNotFound, "contract %s not found", name)
	}
	c, err := L.importContract(addr)
	if err != nil {
		return 0, err
	}
	L.Push(tableValue(c.table))
	return 1, nil
}

func uvmDelegateCall(L *State) (int, error) {
	addr, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	api, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	n := L.GetTop()
	if n-2 > maxContractCallArgs {
		return 0, L.runtimeError("too many args")
	}
	args := make([]Value, 0, n-2)
	for i := 3; i <= n; i++ {
		args = append(args, L.Arg(i))
	}
	res, err := L.DelegateCall(addr, api, args...)
	if err != nil {
		return 0, err
	}
	if err := L.ensure(len(res)); err != nil {
		return 0, err
	}
	for _, r := range res {
		L.Push(r)
	}
	return len(res), nil
}

func uvmFastMapGet(L *State) (int, error) {
	name, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	key, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	if err := L.meter.Charge(FastMapGetCost); err != nil {
		return 0, resourceError(err)
	}
	v, err := L.getStorage(name, key, true)
	if err != nil {
		return 0, err
	}
	L.Push(v)
	return 1, nil
}

func uvmFastMapSet(L *State) (int, error) {
	name, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	key, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	if err := L.meter.Charge(FastMapSetCost); err != nil {
		return 0, resourceError(err)
	}
	if err := L.setStorage(name, key, true, L.Arg(3)); err != nil {
		return 0, err
	}
	return 0, nil
}

// checkBytes returns argument n as raw bytes. Strings and Streams are
// accepted.
func (L *State) checkBytes(n int) ([]byte, error) {
	if u, ok := L.Arg(n).AsUserdata(); ok {
		if s, ok := u.payload.(*Stream); ok {
			return s.buf, nil
		}
	}
	s, err := L.CheckString(n)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func uvmSHA256(L *State) (int, error) {
	b, err := L.checkBytes(1)
	if err != nil {
		return 0, err
	}
	sum := sha256.Sum256(b)
	return 1, L.PushString(hex.EncodeToString(sum[:]))
}

func uvmSHA3(L *State) (int, error) {
	b, err := L.checkBytes(1)
	if err != nil {
		return 0, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return 1, L.PushString(hex.EncodeToString(h.Sum(nil)))
}

func uvmBLAKE3(L *State) (int, error) {
	b, err := L.checkBytes(1)
	if err != nil {
		return 0, err
	}
	sum := blake3.Sum256(b)
	return 1, L.PushString(hex.EncodeToString(sum[:]))
}

func uvmHexToBytes(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, L.argError(1, "invalid hex string")
	}
	return 1, L.PushString(string(b))
}

func uvmBytesToHex(L *State) (int, error) {
	b, err := L.checkBytes(1)
	if err != nil {
		return 0, err
	}
	return 1, L.PushString(hex.EncodeToString(b))
}

func uvmCBOREncode(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	raw, err := toRaw(v, 0)
	if err != nil {
		return 0, L.argError(1, err.Error())
	}
	b, err := cborEnc.Marshal(raw)
	if err != nil {
		return 0, L.argError(1, err.Error())
	}
	return 1, L.PushString(string(b))
}

func uvmCBORDecode(L *State) (int, error) {
	b, err := L.checkBytes(1)
	if err != nil {
		return 0, err
	}
	var raw interface{}
	if err := cborDec.Unmarshal(b, &raw); err != nil {
		return 0, L.argError(1, "invalid cbor: "+err.Error())
	}
	v, err := L.fromRaw(raw, 0)
	if err != nil {
		return 0, L.argError(1, err.Error())
	}
	L.Push(v)
	return 1, nil
}

// toRaw converts a VM value to plain Go data for encoding.
func toRaw(v Value, depth int) (interface{}, error) {
	if depth > maxJSONDepth {
		return nil, jsonError("cannot serialise, excessive nesting")
	}
	switch v.kind {
	case KindNil:
		return nil, nil
	case KindBool:
		return v.n != 0, nil
	case KindInt:
		return int64(v.n), nil
	case KindNumber:
		f, _ := v.AsNumber()
		return f, nil
	case KindString:
		return v.obj.(*String).s, nil
	case KindUserdata:
		if s, ok := v.obj.(*Userdata).payload.(*Stream); ok {
			return append([]byte(nil), s.buf...), nil
		}
	case KindTable:
		t := v.obj.(*Table)
		if n := t.Length(); n > 0 && n == t.Count() {
			out := make([]interface{}, n)
			for i := range out {
				r, err := toRaw(t.arr[i], depth+1)
				if err != nil {
					return nil, err
				}
				out[i] = r
			}
			return out, nil
		}
		out := make(map[string]interface{}, t.Count())
		var ferr error
		t.ForEach(func(k, v Value) bool {
			ks, ok := toStringCoerce(k)
			if !ok {
				ferr = jsonError("cannot serialise table key of type " + k.TypeName())
				return false
			}
			r, err := toRaw(v, depth+1)
			if err != nil {
				ferr = err
				return false
			}
			out[ks] = r
			return true
		})
		return out, ferr
	}
	return nil, jsonError("cannot serialise " + v.TypeName())
}

// fromRaw converts decoded Go data into VM values.
func (L *State) fromRaw(raw interface{}, depth int) (Value, error) {
	switch x := raw.(type) {
	case uint64:
		if x > 1<<63-1 {
			return Number(float64(x)), nil
		}
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case []byte:
		return L.newStream(x)
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t, err := L.NewTable(0, len(x))
		if err != nil {
			return Nil, err
		}
		for _, k := range keys {
			v, err := L.fromRaw(x[k], depth+1)
			if err != nil {
				return Nil, err
			}
			if err := t.RawSetString(L, k, v); err != nil {
				return Nil, err
			}
		}
		return tableValue(t), nil
	case []interface{}:
		t, err := L.NewTable(len(x), 0)
		if err != nil {
			return Nil, err
		}
		for i, it := range x {
			v, err := L.fromRaw(it, depth+1)
			if err != nil {
				return Nil, err
			}
			if err := t.RawSetInt(int64(i)+1, v); err != nil {
				return Nil, err
			}
		}
		return tableValue(t), nil
	}
	return L.fromRawJSON(raw, depth)
}

func uvmDebugger(L *State) (int, error) {
	if L.cfg.AllowDebug {
		L.requestBreak()
	}
	return 0, nil
}

func uvmExitDebugger(L *State) (int, error) {
	L.exitDebugger()
	return 0, nil
}
