// Package httpapi serves the console's HTTP surface: liveness and readiness
// probes, the component heartbeat, the audit journal and the MCP endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dwizi/maestro-console/internal/config"
	"github.com/dwizi/maestro-console/internal/heartbeat"
	"github.com/dwizi/maestro-console/internal/store"
)

type AuditJournal interface {
	Ping(ctx context.Context) error
	ListCommandAudits(ctx context.Context, input store.ListCommandAuditsInput) ([]store.CommandAudit, error)
}

type Dependencies struct {
	Config config.Config
	Health func() heartbeat.Snapshot
	// Audit is nil when the journal is disabled.
	Audit   AuditJournal
	MCP     http.Handler
	Version string
	Logger  *slog.Logger
}

type router struct {
	deps   Dependencies
	logger *slog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &router{deps: deps, logger: logger.With("component", "httpapi")}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	mux.HandleFunc("/api/v1/info", rt.handleInfo)
	mux.HandleFunc("/api/v1/heartbeat", rt.handleHeartbeat)
	mux.HandleFunc("/api/v1/audit", rt.handleAudit)
	if deps.MCP != nil {
		mux.Handle("/mcp", deps.MCP)
	}
	return mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("http server stopped")
		return nil
	}
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady fails while the audit journal is unreachable or any
// component is degraded or stale.
func (r *router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.deps.Audit != nil {
		if err := r.deps.Audit.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": err.Error()})
			return
		}
	}
	if r.deps.Health != nil {
		if degraded := r.deps.Health().Degraded(); len(degraded) > 0 {
			names := make([]string, 0, len(degraded))
			for _, item := range degraded {
				names = append(names, item.Name)
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not-ready",
				"error":  "degraded: " + strings.Join(names, ", "),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if r.deps.Health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "heartbeat is disabled",
		})
		return
	}
	writeJSON(w, http.StatusOK, r.deps.Health())
}

func (r *router) handleInfo(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "maestro-console",
		"version":     r.deps.Version,
		"environment": r.deps.Config.Environment,
		"org":         r.deps.Config.OrgName,
		"tenant":      r.deps.Config.TenantName,
		"audit":       r.deps.Audit != nil,
	})
}

func (r *router) handleAudit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if r.deps.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit journal is disabled"})
		return
	}
	query := req.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	records, err := r.deps.Audit.ListCommandAudits(req.Context(), store.ListCommandAuditsInput{
		InstanceID: query.Get("instance_id"),
		Outcome:    query.Get("outcome"),
		Limit:      limit,
	})
	if err != nil {
		r.logger.Error("list command audit failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list audit records"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
