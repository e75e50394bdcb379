package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"swapsettle/core/events"
	"swapsettle/native/settlement"
	"swapsettle/native/token"
	"swapsettle/observability"
	"swapsettle/state"
	"swapsettle/storage"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
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

// Options configures the RPC surface. AuthToken gates the mutating public
// methods; AdminJWTSecret gates policy administration.
type Options struct {
	AuthToken       string
	AdminJWTSecret  []byte
	RateLimitPerMin int
	Logger          *slog.Logger
}

type Server struct {
	engine *settlement.Engine
	ledger *token.Ledger
	st     *state.Manager
	db     storage.Database
	feed   *events.MemoryEmitter
	log    *slog.Logger

	authToken      string
	adminJWTSecret []byte

	// mutateMu serializes each engine mutation with its storage commit, so a
	// concurrent settlement can never open a snapshot between another
	// settlement's discard and flush.
	mutateMu sync.Mutex

	limitPerMin int
	limiterMu   sync.Mutex
	limiters    map[string]*rate.Limiter
}

func NewServer(engine *settlement.Engine, ledger *token.Ledger, st *state.Manager, db storage.Database, feed *events.MemoryEmitter, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.RateLimitPerMin
	if limit <= 0 {
		limit = 600
	}
	return &Server{
		engine:         engine,
		ledger:         ledger,
		st:             st,
		db:             db,
		feed:           feed,
		log:            logger,
		authToken:      opts.AuthToken,
		adminJWTSecret: opts.AdminJWTSecret,
		limitPerMin:    limit,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Router assembles the HTTP surface: the JSON-RPC endpoint plus health and
// metrics side channels.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "rpc"))
	return r
}

func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allowSource(source string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		burst := s.limitPerMin / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(s.limitPerMin)/60.0), burst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

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
	defer func() {
		observability.ModuleMetrics().RecordRequest(req.Method, time.Since(started))
	}()

	switch req.Method {
	case "settlement_executeOrder":
		if authErr := s.requireAuth(r); authErr != nil {
			observability.ModuleMetrics().RecordError(req.Method, strconv.Itoa(authErr.Code))
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		source := requestSource(r)
		if !s.allowSource(source) {
			observability.ModuleMetrics().RecordError(req.Method, strconv.Itoa(codeRateLimited))
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "settlement rate limit exceeded", source)
			return
		}
		s.handleExecuteOrder(w, r, req)
	case "settlement_invalidateNonce":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleInvalidateNonce(w, r, req)
	case "settlement_hashPlan":
		s.handleHashPlan(w, r, req)
	case "settlement_domainSeparator":
		s.handleDomainSeparator(w, r, req)
	case "settlement_isNonceUsed":
		s.handleIsNonceUsed(w, r, req)
	case "settlement_getPolicy":
		s.handleGetPolicy(w, r, req)
	case "settlement_listEvents":
		s.handleListEvents(w, r, req)
	case "settlement_setRelayerRestriction",
		"settlement_setRelayerTrust",
		"settlement_setTargetRestriction",
		"settlement_setTargetAllowed",
		"settlement_setFeePolicy":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleAdmin(w, r, req)
	case "token_getBalance":
		s.handleTokenBalance(w, r, req)
	case "token_getAllowance":
		s.handleTokenAllowance(w, r, req)
	case "token_getNativeBalance":
		s.handleNativeBalance(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

// commit flushes settled state to disk. Called after every successful
// mutating method; read methods never touch storage.
func (s *Server) commit() error {
	if s.st == nil || s.db == nil {
		return nil
	}
	return s.st.Commit(s.db)
}
