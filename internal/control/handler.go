package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/malbeclabs/netpulse/internal/collector"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type ManualTestResponse struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	TickID    string  `json:"tick_id"`
}

type Handler struct {
	log *slog.Logger
	cfg Config
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

func NewHandler(log *slog.Logger, cfg Config) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation failed: %w", err)
	}
	return &Handler{log: log, cfg: cfg}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(HealthzPath, h.healthzHandler)
	mux.HandleFunc(ReadyzPath, h.readyzHandler)
	mux.HandleFunc(ManualTestPath, h.manualTestHandler)
}

func (h *Handler) manualTestHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", h.cfg.AllowOrigin)

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, err := h.cfg.Runner.Trigger()
	if err != nil {
		if errors.Is(err, collector.ErrTriggerPending) {
			h.writeJSONError(w, http.StatusConflict, "manual test already pending")
			return
		}
		h.log.Error("control: failed to trigger manual test", "error", err)
		h.writeJSONError(w, http.StatusInternalServerError, "failed to start manual test")
		return
	}

	now := h.cfg.Clock.Now()
	h.log.Info("control: manual test started", "tickID", id, "remote", r.RemoteAddr)
	h.writeJSON(w, http.StatusOK, ManualTestResponse{
		Status:    "success",
		Message:   "Manual test started",
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		TickID:    id.String(),
	})
}

func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
	})
}

// readyzHandler reports ready once the runner has completed a tick.
func (h *Handler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	last, ready := h.cfg.Runner.LastTick()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		retryAfter := max(int(h.cfg.ReadyRetryAfter.Seconds()), 1)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		w.WriteHeader(http.StatusServiceUnavailable)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "not_ready",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ready",
		"last_tick": last.UTC().Format(time.RFC3339),
	})
}
