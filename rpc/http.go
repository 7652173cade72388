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
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"liquidationqueue/core"
	"liquidationqueue/core/events"
	"liquidationqueue/observability"
	telemetry "liquidationqueue/observability/otel"
	"liquidationqueue/services/liquidationd/outbox"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	moduleLabel     = "liquidation"
	requestIDHeader = "X-Request-ID"
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id,omitempty"`
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

func (e *RPCError) Error() string { return e.Message }

// OutboxStore is the read and acknowledgement surface of the outbox.
type OutboxStore interface {
	ListOutbound(ctx context.Context, filter outbox.OutboundFilter) ([]outbox.OutboundMessage, error)
	MarkDelivered(ctx context.Context, ids []uuid.UUID) (int, error)
	ListEvents(ctx context.Context, filter outbox.EventFilter) ([]outbox.EventRecord, error)
}

// Config wires the optional collaborators of the server.
type Config struct {
	ServiceName    string
	Auth           *Authenticator
	RateLimit      RateLimit
	Outbox         OutboxStore
	Feed           *events.Feed
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes the liquidation queue over JSON-RPC.
type Server struct {
	host    *core.Host
	auth    *Authenticator
	limiter *RateLimiter
	outbox  OutboxStore
	feed    *events.Feed
	origins []string
	name    string
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewServer(host *core.Host, cfg Config) (*Server, error) {
	if host == nil {
		return nil, errors.New("rpc: host required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "liquidationd"
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		host:    host,
		auth:    cfg.Auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		outbox:  cfg.Outbox,
		feed:    cfg.Feed,
		origins: origins,
		name:    name,
		logger:  logger,
		tracer:  telemetry.Tracer("liquidationqueue/rpc"),
	}, nil
}

// Handler returns the HTTP surface: JSON-RPC on POST /, the event stream,
// health and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withRequestID)
	r.Post("/", s.handle)
	r.Get("/ws/events", s.handleEventsWS)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(r, s.name)
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	seq, err := s.host.Sequence()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "sequence": seq})
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

// handle is the JSON-RPC entry point.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
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
	entry, ok := methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	start := time.Now()
	ctx, span := s.tracer.Start(r.Context(), "rpc."+req.Method, trace.WithAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.request_id", requestID(r.Context())),
	))
	defer span.End()
	r = r.WithContext(ctx)

	status, result, rpcErr := s.dispatch(r, req, entry)
	observability.ModuleMetrics().Observe(moduleLabel, req.Method, status, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", status))
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "rpc request failed",
			slog.String("method", req.Method),
			slog.String("requestid", requestID(ctx)),
			slog.Int("status", status),
			slog.String("error", rpcErr.Message))
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest, entry methodEntry) (int, interface{}, *RPCError) {
	var caller *Principal
	if entry.auth {
		if s.auth == nil {
			return http.StatusUnauthorized, nil, &RPCError{Code: codeUnauthorized, Message: "authentication not configured"}
		}
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			return http.StatusUnauthorized, nil, &RPCError{Code: codeUnauthorized, Message: err.Error()}
		}
		if entry.scope != "" && !principal.HasScope(entry.scope) {
			return http.StatusForbidden, nil, &RPCError{Code: codeForbidden, Message: "insufficient scope", Data: entry.scope}
		}
		caller = principal
	}
	if entry.write {
		id := clientID(r)
		if caller != nil {
			id = caller.Address.String()
		}
		if !s.limiter.Allow(id) {
			observability.ModuleMetrics().RecordThrottle(moduleLabel, "rate_limit")
			return http.StatusTooManyRequests, nil, &RPCError{Code: codeRateLimited, Message: "rate limit exceeded"}
		}
	}
	result, err := entry.handler(s, r, caller, req)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			status := http.StatusBadRequest
			if rpcErr.Code == codeUnavailable {
				status = http.StatusServiceUnavailable
			}
			return status, nil, rpcErr
		}
		status, mapped := moduleError(err)
		return status, nil, mapped
	}
	return http.StatusOK, result, nil
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// decodeParams decodes the first positional parameter into dst.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) == 0 {
		return invalidParams("parameter object required")
	}
	if len(req.Params) > 1 {
		return invalidParams("expected a single parameter object")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams("invalid parameter object: %v", err)
	}
	return nil
}
