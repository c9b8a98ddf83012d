// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/control"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/storage"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// Pagination limits for run history.
const (
	defaultPageSize = 20
	maxPageSize     = 500
)

const maxMineBlocks = 10000

// HarnessAPI defines the interface for the fork controller that handlers need.
// control.Controller implements it.
type HarnessAPI interface {
	Status() control.Status
	Snapshot(ctx context.Context) (*control.SnapshotState, error)
	Revert(ctx context.Context, id string) (*control.SnapshotState, error)
	Unwind(ctx context.Context, id string) (*control.SnapshotState, error)
	Reset(ctx context.Context) (*control.SnapshotState, error)
	Snapshots() *control.SnapshotState
	Mine(ctx context.Context, blocks int) (*control.Mined, error)
	Impersonate(ctx context.Context, who string) (common.Address, error)
	StopImpersonating(ctx context.Context, who string) (common.Address, error)
	Balance(ctx context.Context, asset, of string) (*control.Balance, error)
	Transfer(ctx context.Context, req control.TransferRequest) (*control.Transfer, error)

	// Runs are started in the background; ctx must outlive the request.
	StartRun(ctx context.Context, pair types.Pair) (string, error)
	Runs(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	Run(ctx context.Context, id string) (*storage.RunDetail, error)
	DeleteRun(ctx context.Context, id string) error
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckNode(ctx context.Context) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	API    HarnessAPI
	Health HealthChecker // optional
	Logger *slog.Logger
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// CORSAllowedOrigins is a comma separated list; "" or "*" allows all.
	CORSAllowedOrigins string
}

// Server handles HTTP requests for the fork harness.
type Server struct {
	api       HarnessAPI
	health    HealthChecker
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	startTime time.Time
	wsServer  *WebSocketServer

	// runCtx outlives requests and is handed to background runs.
	runCtx context.Context

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server. Runs started through the API are
// governed by ctx.
func NewServer(ctx context.Context, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		api:       cfg.API,
		health:    cfg.Health,
		logger:    logger,
		gatherer:  gatherer,
		startTime: time.Now(),
		wsServer:  NewWebSocketServer(cfg.API, logger),
		runCtx:    ctx,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Start begins streaming status to WebSocket clients.
func (s *Server) Start() {
	s.wsServer.Start()
}

// Stop closes WebSocket clients.
func (s *Server) Stop() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/snapshots", s.corsMiddleware(s.handleSnapshots))
	mux.HandleFunc("/v1/snapshots/", s.corsMiddleware(s.handleSnapshotDetail))
	mux.HandleFunc("/v1/impersonations/", s.corsMiddleware(s.handleImpersonation))
	mux.HandleFunc("/v1/balances/", s.corsMiddleware(s.handleBalance))
	mux.HandleFunc("/v1/transfers", s.corsMiddleware(s.handleTransfer))
	mux.HandleFunc("/v1/mine", s.corsMiddleware(s.handleMine))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the active run, snapshot stack and last result.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleSnapshots lists (GET), takes (POST) or resets (DELETE) snapshots.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.api.Snapshots())
	case http.MethodPost:
		state, err := s.api.Snapshot(r.Context())
		if err != nil {
			s.writeAPIError(w, "Failed to take snapshot", err)
			return
		}
		s.writeJSON(w, http.StatusCreated, state)
	case http.MethodDelete:
		state, err := s.api.Reset(r.Context())
		if err != nil {
			s.writeAPIError(w, "Failed to reset snapshots", err)
			return
		}
		s.writeJSON(w, http.StatusOK, state)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSnapshotDetail restores a snapshot: DELETE /v1/snapshots/{id}. The
// snapshot must be the innermost one unless ?unwind=true, which also drops
// every snapshot above it.
func (s *Server) handleSnapshotDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/snapshots/")
	if id == "" {
		s.writeJSONError(w, "Missing snapshot ID", http.StatusBadRequest)
		return
	}
	unwind := false
	if v := r.URL.Query().Get("unwind"); v != "" {
		var err error
		if unwind, err = strconv.ParseBool(v); err != nil {
			s.writeJSONError(w, "Invalid unwind parameter", http.StatusBadRequest)
			return
		}
	}

	restore := s.api.Revert
	if unwind {
		restore = s.api.Unwind
	}
	state, err := restore(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, "Failed to restore snapshot", err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleImpersonation starts (POST) or stops (DELETE) impersonating
// /v1/impersonations/{address-or-user}.
func (s *Server) handleImpersonation(w http.ResponseWriter, r *http.Request) {
	who := strings.TrimPrefix(r.URL.Path, "/v1/impersonations/")
	if who == "" {
		s.writeJSONError(w, "Missing address", http.StatusBadRequest)
		return
	}

	var (
		addr   common.Address
		err    error
		active bool
	)
	switch r.Method {
	case http.MethodPost:
		addr, err = s.api.Impersonate(r.Context(), who)
		active = true
	case http.MethodDelete:
		addr, err = s.api.StopImpersonating(r.Context(), who)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		s.writeAPIError(w, "Failed to change impersonation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":       addr.Hex(),
		"impersonating": active,
	})
}

// handleBalance returns GET /v1/balances/{asset}?of={address-or-user}.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asset := strings.TrimPrefix(r.URL.Path, "/v1/balances/")
	of := r.URL.Query().Get("of")
	if asset == "" || of == "" {
		s.writeJSONError(w, "asset and of are required", http.StatusBadRequest)
		return
	}
	bal, err := s.api.Balance(r.Context(), asset, of)
	if err != nil {
		s.writeAPIError(w, "Failed to read balance", err)
		return
	}
	s.writeJSON(w, http.StatusOK, bal)
}

// handleTransfer funds an account from an impersonated holder.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req control.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Asset == "" || req.Amount == "" || req.To == "" {
		s.writeJSONError(w, "Validation error: asset, amount and to are required", http.StatusBadRequest)
		return
	}
	res, err := s.api.Transfer(r.Context(), req)
	if err != nil {
		s.writeAPIError(w, "Transfer failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// MineRequest mines empty blocks.
type MineRequest struct {
	Blocks int `json:"blocks"` // default 1
}

// handleMine mines blocks on the fork.
func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := MineRequest{Blocks: 1}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Blocks < 1 || req.Blocks > maxMineBlocks {
		s.writeJSONError(w, fmt.Sprintf("Validation error: blocks must be between 1 and %d", maxMineBlocks), http.StatusBadRequest)
		return
	}
	res, err := s.api.Mine(r.Context(), req.Blocks)
	if err != nil {
		s.writeAPIError(w, "Mine failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// StartRunRequest starts a credit delegation run.
type StartRunRequest struct {
	Pair string `json:"pair"` // DEPOSIT/LOAN:deposit:borrow:mode
}

// handleRuns lists run history (GET) or starts a run (POST).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, offset, err := parsePage(r)
		if err != nil {
			s.writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		page, err := s.api.Runs(r.Context(), limit, offset)
		if err != nil {
			s.writeAPIError(w, "Failed to get history", err)
			return
		}
		s.writeJSON(w, http.StatusOK, page)

	case http.MethodPost:
		var req StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		pair, err := types.ParsePair(req.Pair)
		if err != nil {
			s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
			return
		}
		id, err := s.api.StartRun(s.runCtx, pair)
		if err != nil {
			s.writeAPIError(w, "Failed to start run", err)
			return
		}
		s.logger.Info("run started via API", slog.String("run", id), slog.String("pair", pair.String()))
		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(types.RunRunning)})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunDetail returns (GET) or deletes (DELETE) /v1/runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if id == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.api.Run(r.Context(), id)
		if err != nil {
			s.writeAPIError(w, "Failed to get run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), id); err != nil {
			s.writeAPIError(w, "Failed to delete run", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func parsePage(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = min(limit, maxPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

// statusFor maps controller and harness errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrBusy), errors.Is(err, harness.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, harness.ErrSnapshotNotFound), errors.Is(err, control.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, control.ErrNoHistory):
		return http.StatusNotImplemented
	case errors.Is(err, control.ErrInsufficientBalance), errors.Is(err, control.ErrNotDeployed):
		return http.StatusUnprocessableEntity
	case harness.IsInfrastructure(err):
		return http.StatusBadGateway
	case errors.Is(err, addressbook.ErrUnknown):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeAPIError(w http.ResponseWriter, message string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(message, slog.String("error", err.Error()))
	}
	s.writeJSONError(w, message+": "+err.Error(), code)
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady reports whether the forked node answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		start := time.Now()
		err := s.health.CheckNode(r.Context())
		check := ReadinessCheck{
			Name:      "fork-rpc",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	code := http.StatusOK
	if !allHealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}
