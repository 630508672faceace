package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"montana-presence/apiclient"
	"montana-presence/engine"
	"montana-presence/logger"
)

// Handler contains the HTTP handlers the UI collaborator talks to
type Handler struct {
	Engine *engine.Engine
	Client *apiclient.Client
}

// NewHandler creates and returns a new Handler instance
func NewHandler(e *engine.Engine, c *apiclient.Client) *Handler {
	return &Handler{Engine: e, Client: c}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StartEngine handles POST requests to begin accruing presence
func (h *Handler) StartEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Start(); err != nil {
		if errors.Is(err, engine.ErrNotReady) {
			// Not a fault: the UI calls this speculatively at launch.
			writeJSON(w, http.StatusOK, map[string]any{
				"running": false,
				"reason":  "not_ready",
			})
			return
		}
		logger.Logger.Error("Failed to start engine", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

// StopEngine handles POST requests to stop accrual; a final flush attempt
// happens before the reply
func (h *Handler) StopEngine(w http.ResponseWriter, r *http.Request) {
	h.Engine.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

// GetStatus returns the full engine snapshot
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Status())
}

// GetBalance returns the displayed balance breakdown
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	st := h.Engine.Status()
	writeJSON(w, http.StatusOK, map[string]int64{
		"confirmed": st.Confirmed,
		"pending":   st.Pending,
		"display":   st.DisplayBalance,
	})
}

// ListSignals returns the registered liveness signals
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Status().Signals)
}

// ToggleSignal sets user intent for one signal
func (h *Handler) ToggleSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Logger.Error("Failed to decode toggle request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.Engine.ToggleSignal(id, body.Enabled); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// TriggerSync pulls the authoritative balance from the backend
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Engine.Sync(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrNotReady) {
			writeJSON(w, http.StatusOK, map[string]string{"reason": "not_ready"})
			return
		}
		logger.Logger.Warn("Balance sync failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// TriggerVerify runs the cross-node ledger check. A mismatch is advisory,
// so a verified=false answer is still a 200.
func (h *Handler) TriggerVerify(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.Verify(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrNotReady) {
			writeJSON(w, http.StatusOK, map[string]string{"reason": "not_ready"})
			return
		}
		logger.Logger.Warn("Ledger verification failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// NetworkStatus proxies the primary reachable node's status document
func (h *Handler) NetworkStatus(w http.ResponseWriter, r *http.Request) {
	raw, node, err := h.Client.NetworkStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": node, "status": raw})
}
