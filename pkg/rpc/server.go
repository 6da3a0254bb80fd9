// Package rpc implements the JSON-RPC 2.0 server of a UVM node.
//
// The server submits transactions to a simplechain.Chain and answers
// queries about contracts, storage, blocks and receipts.
//
// Supported methods:
//   - Transactions: deployContract, invokeContract, transfer, sealBlock
//   - Calls: callOffline
//   - Contracts: getContractInfo, getContractCode, getContracts, getStorage, getBalance
//   - History: getReceipt, getBlock, getContractTransactions, getJournalStats
//   - Node: getHealth, getVersion, getHeight
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/X1-UVM/pkg/simplechain"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
)

var log = commonlog.GetLogger("rpc")

// maxCodeSize bounds decoded contract code.
const maxCodeSize = bytecode.MaxModuleSize

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// CallTimeout bounds the execution of one contract call.
	CallTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8960",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		CallTimeout:    10 * time.Second,
		MaxRequestSize: 4 << 20, // deploys carry code
		EnableCORS:     true,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config
	chain  *simplechain.Chain

	healthy  bool
	healthMu sync.RWMutex

	server   *http.Server
	handlers map[string]handlerFunc

	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server.
func New(config Config, chain *simplechain.Chain) *Server {
	s := &Server{
		config:   config,
		chain:    chain,
		healthy:  true,
		handlers: make(map[string]handlerFunc),
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Transactions
	s.handlers["deployContract"] = s.deployContract
	s.handlers["invokeContract"] = s.invokeContract
	s.handlers["transfer"] = s.transfer
	s.handlers["sealBlock"] = s.sealBlock

	// Calls
	s.handlers["callOffline"] = s.callOffline

	// Contracts
	s.handlers["getContractInfo"] = s.getContractInfo
	s.handlers["getContractCode"] = s.getContractCode
	s.handlers["getContracts"] = s.getContracts
	s.handlers["getStorage"] = s.getStorage
	s.handlers["getBalance"] = s.getBalance

	// History
	s.handlers["getReceipt"] = s.getReceipt
	s.handlers["getBlock"] = s.getBlock
	s.handlers["getContractTransactions"] = s.getContractTransactions
	s.handlers["getJournalStats"] = s.getJournalStats

	// Node
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["getHeight"] = s.getHeight
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return s.corsMiddleware(mux)
}

// Start starts the RPC server and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("rpc server starting", "addr", s.config.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetHealthy sets the server health status.
func (s *Server) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}
	s.writeResponse(w, s.serve(r.Context(), req))
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	if len(requests) == 0 {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		responses[i] = s.serve(ctx, req)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// serve validates and dispatches one request.
func (s *Server) serve(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}
	if req.JSONRPC != JSONRPCVersion {
		resp.Error = ErrInvalidRequest
		return resp
	}
	if s.config.LogRequests {
		log.Infof("%s id=%v", req.Method, req.ID)
	}
	resp.Result, resp.Error = s.dispatch(ctx, req.Method, req.Params)
	if resp.Error != nil {
		log.Debug("rpc error", "method", req.Method, "code", resp.Error.Code, "message", resp.Error.Message)
	}
	return resp
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}
	if s.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
	}
	return handler(ctx, params)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
