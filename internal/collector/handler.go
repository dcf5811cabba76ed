package collector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/eidolon-platform/eidolon/internal/auth"
	"github.com/eidolon-platform/eidolon/internal/plan"
	"github.com/eidolon-platform/eidolon/internal/server"
	"github.com/eidolon-platform/eidolon/internal/task"
)

// Handler exposes the collector API: scan start/cancel, per-user scan
// configuration, and scan history.
type Handler struct {
	orch     *Orchestrator
	registry *task.Registry
	configs  *ConfigStore
	logger   *zap.Logger
}

// NewHandler creates the collector HTTP handler.
func NewHandler(orch *Orchestrator, registry *task.Registry, configs *ConfigStore, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, registry: registry, configs: configs, logger: logger}
}

// Register attaches the collector routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /collector/scan", h.startScan)
	mux.HandleFunc("POST /collector/scan/cancel", h.cancelScan)
	mux.HandleFunc("GET /collector/config", h.getConfig)
	mux.HandleFunc("PUT /collector/config", h.putConfig)
	mux.HandleFunc("GET /collector/scan/history", h.history)
	mux.HandleFunc("GET /collector/scan/{task_id}", h.getTask)
}

func (h *Handler) startScan(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	cfg, err := h.configs.GetConfig(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("loading scan config", zap.Error(err))
		server.InternalError(w, "failed to load scan configuration", r.URL.Path)
		return
	}

	snap, err := h.orch.StartScan(identity.UserID, cfg)
	if err != nil {
		var vErr *plan.ValidationError
		switch {
		case errors.As(err, &vErr):
			server.BadRequest(w, vErr.Error(), r.URL.Path)
		case errors.Is(err, task.ErrScanAlreadyRunning):
			server.Conflict(w, err.Error(), r.URL.Path)
		default:
			h.logger.Error("starting scan", zap.Error(err))
			server.InternalError(w, "failed to start scan", r.URL.Path)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": snap.ID,
		"status":  "running",
	})
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
}

func (h *Handler) cancelScan(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		server.BadRequest(w, "body must be a JSON object with a task_id", r.URL.Path)
		return
	}

	var status string
	code := http.StatusOK
	switch h.registry.Cancel(req.TaskID) {
	case task.CancelIssued:
		status = "cancelled"
	case task.CancelAlreadyTerminal:
		status = "already_terminal"
	case task.CancelNotFound:
		status = "not_found"
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.registry.Get(r.PathValue("task_id"))
	if !ok {
		server.NotFound(w, "unknown task", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	cfg, err := h.configs.GetConfig(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("loading scan config", zap.Error(err))
		server.InternalError(w, "failed to load scan configuration", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var cfg plan.ScanConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		server.BadRequest(w, "body must be a valid ScanConfig", r.URL.Path)
		return
	}

	// Reject configurations that could never start a scan.
	if _, err := plan.Build(cfg); err != nil {
		var vErr *plan.ValidationError
		if errors.As(err, &vErr) {
			server.BadRequest(w, vErr.Error(), r.URL.Path)
			return
		}
		server.InternalError(w, "failed to validate configuration", r.URL.Path)
		return
	}

	if err := h.configs.PutConfig(r.Context(), identity.UserID, cfg); err != nil {
		h.logger.Error("storing scan config", zap.Error(err))
		server.InternalError(w, "failed to store scan configuration", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			server.BadRequest(w, "limit must be an integer between 1 and 100", r.URL.Path)
			return
		}
		limit = parsed
	}

	records, err := h.configs.History(r.Context(), identity.UserID, limit)
	if err != nil {
		h.logger.Error("loading scan history", zap.Error(err))
		server.InternalError(w, "failed to load scan history", r.URL.Path)
		return
	}
	if records == nil {
		records = []HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": records})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
