// Package rpcclient is a JSON-RPC client for uvm nodes.
//
// Requests go to a healthy endpoint of a Pool; transport failures mark the
// endpoint unhealthy and the request moves on to the next one.
//
//	client := rpcclient.New(rpcclient.NewPool([]string{"http://localhost:8960"}), 10*time.Second)
//	height, err := client.Height(ctx)
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/X1-UVM/pkg/rpc"
	"github.com/fortiblox/X1-UVM/pkg/uvm/host"
)

var log = commonlog.GetLogger("rpcclient")

// Client sends requests to uvm nodes.
type Client struct {
	httpClient *http.Client
	pool       *Pool
}

// New creates a client over pool.
func New(pool *Pool, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		pool:       pool,
	}
}

// Pool returns the client's endpoint pool.
func (c *Client) Pool() *Pool { return c.pool }

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.RPCError   `json:"error,omitempty"`
}

// Call invokes method with positional params and decodes the result into
// result, which may be nil. Each endpoint is tried at most once.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	attempts := len(c.pool.Endpoints())
	if attempts == 0 {
		return ErrNoEndpoints
	}
	var err error
	for i := 0; i < attempts; i++ {
		var ep *Endpoint
		if ep, err = c.pool.Get(ctx); err != nil {
			return err
		}
		err = c.callEndpoint(ctx, ep.URL, method, params, result)
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		log.Debugf("%s on %s failed: %v", method, ep.URL, err)
	}
	return err
}

func (c *Client) callEndpoint(ctx context.Context, url, method string, params []interface{}, result interface{}) error {
	start := time.Now()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	body, err := json.Marshal(rpc.Request{JSONRPC: rpc.JSONRPCVersion, ID: 1, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.pool.MarkUnhealthy(url, err)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.pool.MarkUnhealthy(url, err)
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
		c.pool.MarkUnhealthy(url, err)
		return err
	}

	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.pool.MarkUnhealthy(url, err)
		return fmt.Errorf("unmarshal response: %w", err)
	}
	c.pool.MarkHealthy(url, time.Since(start))
	if rpcResp.Error != nil {
		return &Error{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// Transaction is the outcome of a transaction method. Changes are kept
// in their JSON form.
type Transaction struct {
	ID               string          `json:"id"`
	Height           uint64          `json:"height"`
	Contract         string          `json:"contract,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Err              string          `json:"err,omitempty"`
	InstructionsUsed uint64          `json:"instructionsUsed"`
	Events           []host.Event    `json:"events,omitempty"`
	Changes          json.RawMessage `json:"changes,omitempty"`
}

// Height returns the node's chain height.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	var h uint64
	err := c.Call(ctx, "getHeight", nil, &h)
	return h, err
}

// Deploy deploys an encoded module.
func (c *Client) Deploy(ctx context.Context, caller string, module []byte, config rpc.DeployConfig) (*Transaction, error) {
	if config.Encoding == "" {
		config.Encoding = rpc.EncodingBase64Zstd
	}
	code, err := rpc.EncodeCode(module, config.Encoding)
	if err != nil {
		return nil, err
	}
	var tx Transaction
	if err := c.Call(ctx, "deployContract", []interface{}{caller, code[0], config}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Invoke calls a contract api in a transaction.
func (c *Client) Invoke(ctx context.Context, caller, contract, api, args string) (*Transaction, error) {
	var tx Transaction
	if err := c.Call(ctx, "invokeContract", []interface{}{caller, contract, api, args}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CallOffline runs an offline api.
func (c *Client) CallOffline(ctx context.Context, contract, api, args string) (*rpc.CallResult, error) {
	var out struct {
		Context rpc.Context    `json:"context"`
		Value   rpc.CallResult `json:"value"`
	}
	if err := c.Call(ctx, "callOffline", []interface{}{contract, api, args}, &out); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// Storage returns the JSON form of a committed storage slot.
func (c *Client) Storage(ctx context.Context, contract, name, fastKey string) (json.RawMessage, error) {
	var out struct {
		Context rpc.Context     `json:"context"`
		Value   json.RawMessage `json:"value"`
	}
	err := c.Call(ctx, "getStorage", []interface{}{contract, name, rpc.StorageConfig{FastKey: fastKey}}, &out)
	return out.Value, err
}

// Balance returns an address balance in symbol, or the system asset when
// symbol is empty.
func (c *Client) Balance(ctx context.Context, addr, symbol string) (*rpc.BalanceResult, error) {
	var out struct {
		Context rpc.Context       `json:"context"`
		Value   rpc.BalanceResult `json:"value"`
	}
	if err := c.Call(ctx, "getBalance", []interface{}{addr, symbol}, &out); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// Refresh updates endpoint health from each node's height.
func (c *Client) Refresh(ctx context.Context) {
	c.pool.Refresh(ctx, func(ctx context.Context, url string) (uint64, error) {
		var h uint64
		err := c.callEndpoint(ctx, url, "getHeight", nil, &h)
		return h, err
	})
}
