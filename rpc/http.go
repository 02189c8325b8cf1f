package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"embercoin/observability"
)

// handlerFunc executes one command after the dispatcher has validated the
// argument count and authorization. A nil result renders as JSON null.
type handlerFunc func(r *http.Request, req *RPCRequest) (any, *RPCError)

// command is one static dispatch-table entry. minParams/maxParams bound the
// accepted positional argument count; outside that range the usage text is
// returned as the call's result.
type command struct {
	handler      handlerFunc
	minParams    int
	maxParams    int
	requiresAuth bool
}

// ServerConfig carries the RPC-facing settings.
type ServerConfig struct {
	ListenAddress string
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	// MaxBodyBytes caps request bodies; zero applies the default.
	MaxBodyBytes int64
	// TrustProxyHeaders admits X-Real-IP/X-Forwarded-For when identifying
	// clients. Leave off unless a trusted proxy fronts the listener.
	TrustProxyHeaders bool
	NowFunc           func() time.Time
	Logger            *slog.Logger
}

// Server exposes the network command surface over JSON-RPC 2.0 plus the
// event stream, metrics and health endpoints.
type Server struct {
	backend    NetBackend
	commands   map[string]command
	auth       *Authenticator
	limiter    *ClientLimiter
	maxBody    int64
	trustProxy bool
	nowFunc    func() time.Time
	logger     *slog.Logger
	httpSrv    *http.Server
	listen     string
}

// NewServer wires the command table against the given backend.
func NewServer(backend NetBackend, cfg ServerConfig) (*Server, error) {
	if backend.Registry == nil {
		return nil, fmt.Errorf("rpc: backend requires a peer registry")
	}
	if backend.Bans == nil {
		return nil, fmt.Errorf("rpc: backend requires a ban list")
	}
	s := &Server{
		backend:    backend,
		auth:       NewAuthenticator(cfg.Auth, cfg.Logger),
		limiter:    NewClientLimiter(cfg.RateLimit),
		maxBody:    cfg.MaxBodyBytes,
		trustProxy: cfg.TrustProxyHeaders,
		nowFunc:    cfg.NowFunc,
		logger:     cfg.Logger,
		listen:     cfg.ListenAddress,
	}
	if s.maxBody <= 0 {
		s.maxBody = maxRequestBytes
	}
	if s.nowFunc == nil {
		s.nowFunc = time.Now
	}
	s.registerCommands()
	return s, nil
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) now() time.Time {
	return s.nowFunc()
}

// registerCommands builds the static dispatch table. Mutating operations
// require authorization when auth is configured.
func (s *Server) registerCommands() {
	s.commands = map[string]command{
		"getconnectioncount": {handler: s.handleGetConnectionCount, minParams: 0, maxParams: 0},
		"ping":               {handler: s.handlePing, minParams: 0, maxParams: 0},
		"destination":        {handler: s.handleDestination, minParams: 0, maxParams: 2},
		"getpeerinfo":        {handler: s.handleGetPeerInfo, minParams: 0, maxParams: 0},
		"addnode":            {handler: s.handleAddNode, minParams: 2, maxParams: 2, requiresAuth: true},
		"disconnectnode":     {handler: s.handleDisconnectNode, minParams: 1, maxParams: 1, requiresAuth: true},
		"getaddednodeinfo":   {handler: s.handleGetAddedNodeInfo, minParams: 1, maxParams: 2},
		"getnettotals":       {handler: s.handleGetNetTotals, minParams: 0, maxParams: 0},
		"switchnetwork":      {handler: s.handleSwitchNetwork, minParams: 0, maxParams: 0, requiresAuth: true},
		"getnetworkinfo":     {handler: s.handleGetNetworkInfo, minParams: 0, maxParams: 0},
		"setban":             {handler: s.handleSetBan, minParams: 2, maxParams: 4, requiresAuth: true},
		"listbanned":         {handler: s.handleListBanned, minParams: 0, maxParams: 0},
		"clearbanned":        {handler: s.handleClearBanned, minParams: 0, maxParams: 0, requiresAuth: true},
		"help":               {handler: s.handleHelp, minParams: 0, maxParams: 1},
	}
}

// Handler assembles the HTTP surface: the JSON-RPC endpoint, the event
// stream, prometheus metrics and a health probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/rpc", s.handleRPC)
	r.Get("/ws", s.handleEventsWS)
	r.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(r, "rpc")
}

// Start serves until Shutdown is called. It returns nil on a clean stop.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log().Info("rpc server up", "address", s.listen)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rpc: serve on %s: %w", s.listen, err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.Allow(clientID(r, s.trustProxy), s.now()) {
		observability.Commands().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "too many requests", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, s.maxBody)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxBody)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r, req)
	if rpcErr != nil {
		observability.Commands().Observe(req.Method, rpcErr.Code, time.Since(started))
		writeError(w, httpStatusFor(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	observability.Commands().Observe(req.Method, 0, time.Since(started))
	writeResult(w, req.ID, result)
}

// dispatch validates the request against the command table and runs the
// handler. An out-of-range argument count resolves to the command's usage
// text rather than an error.
func (s *Server) dispatch(r *http.Request, req *RPCRequest) (any, *RPCError) {
	cmd, ok := s.commands[req.Method]
	if !ok {
		return nil, rpcError(codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
	if cmd.requiresAuth {
		if rpcErr := s.auth.Authorize(r); rpcErr != nil {
			return nil, rpcErr
		}
	}
	if len(req.Params) < cmd.minParams || len(req.Params) > cmd.maxParams {
		return usageFor(req.Method), nil
	}
	return cmd.handler(r, req)
}
