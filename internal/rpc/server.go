// Package rpc exposes the coordinator over JSON-RPC 2.0 on HTTP, with a
// WebSocket feed of engine events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/coordinator"
	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/internal/signer"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// Engine is the coordinator surface served over RPC.
// *coordinator.Coordinator implements it.
type Engine interface {
	AddAccount(ctx context.Context, n chain.Network, address string) (chain.TrackedAccount, error)
	RemoveAccount(ctx context.Context, a chain.TrackedAccount) error
	Accounts(ctx context.Context) ([]chain.TrackedAccount, error)
	ActivateAccount(ctx context.Context, a chain.TrackedAccount) error
	RefreshBalances(ctx context.Context) ([]ledger.Balance, error)
	PopulateTransaction(ctx context.Context, req *chain.TxRequest) (*chain.TxRequest, error)
	SendTransaction(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*ledger.Transaction, error)
	GetTransaction(ctx context.Context, n chain.Network, hash string) (*ledger.Transaction, error)
	TransactionState(ctx context.Context, n chain.Network, hash string) (coordinator.TxState, error)
	TrackTransaction(ctx context.Context, n chain.Network, hash string, targetHeight int64) error
	GetBlock(ctx context.Context, n chain.Network, height int64) (*ledger.Block, error)
}

// Networks resolves the configured networks. *backend.Registry implements
// it.
type Networks interface {
	Networks() []chain.Network
	Lookup(key string) (chain.Network, bool)
}

// Config wires the server. Bridge and Bus are optional.
type Config struct {
	Engine   Engine
	Networks Networks
	Bridge   *signer.Bridge
	Bus      *events.Bus
	Log      *logging.Logger
}

// Server is the JSON-RPC server.
type Server struct {
	engine   Engine
	networks Networks
	bridge   *signer.Bridge
	bus      *events.Bus
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener
	consumer *events.Consumer
	done     chan struct{}
	wg       sync.WaitGroup

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error. Handlers may return one to choose the code.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes
const (
	BroadcastRejected = -32001
	SigningRejected   = -32002
	SigningFailed     = -32003
	NotFound          = -32004
)

// NewServer creates an RPC server.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.GetDefault().Component("rpc")
	}
	s := &Server{
		engine:   cfg.Engine,
		networks: cfg.Networks,
		bridge:   cfg.Bridge,
		bus:      cfg.Bus,
		log:      cfg.Log,
		wsHub:    NewWSHub(cfg.Log.Component("ws")),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["node_status"] = s.nodeStatus
	s.handlers["networks_list"] = s.networksList

	s.handlers["accounts_add"] = s.accountsAdd
	s.handlers["accounts_remove"] = s.accountsRemove
	s.handlers["accounts_list"] = s.accountsList
	s.handlers["accounts_activate"] = s.accountsActivate
	s.handlers["balances_refresh"] = s.balancesRefresh

	s.handlers["tx_populate"] = s.txPopulate
	s.handlers["tx_send"] = s.txSend
	s.handlers["tx_get"] = s.txGet
	s.handlers["tx_state"] = s.txState
	s.handlers["tx_track"] = s.txTrack
	s.handlers["block_get"] = s.blockGet

	if s.bridge != nil {
		s.handlers["signer_pending"] = s.signerPending
		s.handlers["signer_approve"] = s.signerApprove
		s.handlers["signer_reject"] = s.signerReject
	}
}

// Handler returns the HTTP handler serving RPC, WebSocket and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", metrics.Handler())
	return corsMiddleware(mux)
}

// Start starts the WebSocket hub, the event forwarders and the HTTP
// listener.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.StartEvents()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// StartEvents runs the hub and forwards bus events and signing requests to
// WebSocket clients. Start calls it; tests serving Handler() call it
// directly.
func (s *Server) StartEvents() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run(s.done)
	}()

	if s.bus != nil {
		s.consumer = s.bus.Subscribe("websocket", 0)
		s.wg.Add(1)
		go s.forwardEvents(s.consumer)
	}
	if s.bridge != nil {
		s.wg.Add(1)
		go s.forwardSigningRequests()
	}
}

func (s *Server) forwardEvents(c *events.Consumer) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			s.wsHub.Broadcast(EventType(ev.Type), ev.Network.Key(), ev.Data)
		}
	}
}

func (s *Server) forwardSigningRequests() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req, ok := <-s.bridge.Requests():
			if !ok {
				return
			}
			s.wsHub.Broadcast(EventSigningRequested, req.Tx.Network.Key(), req)
		}
	}
}

// Stop stops the HTTP server and the event forwarders.
func (s *Server) Stop() error {
	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.consumer != nil {
		s.bus.Unsubscribe(s.consumer)
	}
	s.wg.Wait()
	return err
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	resp := s.dispatch(r.Context(), r.Body)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("Failed to write response", "error", err)
	}
}

// dispatch decodes one request and runs its handler. It always returns a
// response; failures are carried in Response.Error.
func (s *Server) dispatch(ctx context.Context, body io.Reader) *Response {
	resp := &Response{JSONRPC: "2.0"}

	var req Request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		resp.Error = &Error{Code: ParseError, Message: "Parse error"}
		return resp
	}
	resp.ID = req.ID
	if req.JSONRPC != "2.0" {
		resp.Error = &Error{Code: InvalidRequest, Message: "Invalid Request"}
		return resp
	}

	s.mu.RLock()
	handler := s.handlers[req.Method]
	s.mu.RUnlock()
	if handler == nil {
		resp.Error = &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method}
		return resp
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = result
	return resp
}

// toRPCError maps engine errors to JSON-RPC errors.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, coordinator.ErrBroadcastRejected):
		return &Error{Code: BroadcastRejected, Message: err.Error()}
	case errors.Is(err, signer.ErrSigningRejected):
		return &Error{Code: SigningRejected, Message: err.Error()}
	case errors.Is(err, signer.ErrSigningUnavailable):
		return &Error{Code: SigningFailed, Message: err.Error()}
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, backend.ErrTxNotFound), errors.Is(err, backend.ErrBlockNotFound):
		return &Error{Code: NotFound, Message: err.Error()}
	default:
		return &Error{Code: InternalError, Message: err.Error()}
	}
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// corsMiddleware adds CORS headers and answers preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
