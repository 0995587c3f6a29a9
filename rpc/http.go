package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"peerguard/observability"
	"peerguard/observability/logging"
	"peerguard/scoring"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 64 << 10 // 64 KiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ReputationService is the part of scoring.Manager exposed to administrators.
type ReputationService interface {
	BanAddressContext(ctx context.Context, text string) error
	UnbanAddressContext(ctx context.Context, text string) error
	BannedAddresses() []string
	PeersInformation() []scoring.PeerInfo
	Summary() scoring.BadReputationSummary
	HasGoodNodeReputation(id scoring.NodeID) bool
	HasGoodAddressReputation(addr netip.Addr) bool
}

// ServerConfig controls authentication and throttling.
type ServerConfig struct {
	// AuthToken guards every method when set. Ban list changes are refused
	// when it is empty.
	AuthToken         string
	RequestsPerMinute float64
	Burst             int
	Logger            *slog.Logger
}

type Server struct {
	service   ReputationService
	authToken string
	limiter   *RateLimiter
	logger    *slog.Logger
	router    http.Handler
}

func NewServer(service ReputationService, cfg ServerConfig) (*Server, error) {
	if service == nil {
		return nil, errors.New("rpc: reputation service required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "rpc"))
	s := &Server{
		service:   service,
		authToken: strings.TrimSpace(cfg.AuthToken),
		limiter:   NewRateLimiter(RateLimit{RequestsPerMinute: cfg.RequestsPerMinute, Burst: cfg.Burst}),
		logger:    logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the instrumented HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.limiter.Middleware).Post("/", s.handle)

	return otelhttp.NewHandler(r, "scoring-rpc")
}

// Serve runs the HTTP server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("json-rpc server listening",
		slog.String("addr", ln.Addr().String()),
		logging.MaskField("authToken", s.authToken))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func responseID(id json.RawMessage) interface{} {
	if len(id) == 0 {
		return nil
	}
	return id
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Error   *RPCError   `json:"error"`
	}{JSONRPC: jsonRPCVersion, ID: responseID(id), Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: responseID(id), Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

var knownMethods = map[string]struct{}{
	"sco_banAddress":        {},
	"sco_unbanAddress":      {},
	"sco_bannedAddresses":   {},
	"sco_peerList":          {},
	"sco_reputationSummary": {},
	"sco_hasGoodReputation": {},
}

// handle records request metrics around dispatch.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	method := s.dispatch(ww, r)
	if _, ok := knownMethods[method]; !ok {
		method = "unknown"
	}
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	observability.RPCMetrics().Observe(method, status, time.Since(start))
}

// dispatch routes the request to its handler and returns the method name once
// the envelope has been decoded.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
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
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return ""
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return ""
	}

	switch req.Method {
	case "sco_banAddress":
		if !s.authorize(w, r, req, true) {
			return req.Method
		}
		s.handleBanAddress(w, r, req)
	case "sco_unbanAddress":
		if !s.authorize(w, r, req, true) {
			return req.Method
		}
		s.handleUnbanAddress(w, r, req)
	case "sco_bannedAddresses":
		if !s.authorize(w, r, req, false) {
			return req.Method
		}
		s.handleBannedAddresses(w, r, req)
	case "sco_peerList":
		if !s.authorize(w, r, req, false) {
			return req.Method
		}
		s.handlePeerList(w, r, req)
	case "sco_reputationSummary":
		if !s.authorize(w, r, req, false) {
			return req.Method
		}
		s.handleReputationSummary(w, r, req)
	case "sco_hasGoodReputation":
		if !s.authorize(w, r, req, false) {
			return req.Method
		}
		s.handleHasGoodReputation(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
	return req.Method
}

// authorize enforces the bearer token. Reads are open while no token is
// configured; writes always need one.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, req *RPCRequest, write bool) bool {
	if s.authToken == "" && !write {
		return true
	}
	if authErr := s.requireAuth(r); authErr != nil {
		s.logger.Warn("rejected unauthorized call", logging.MaskField("method", req.Method))
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
