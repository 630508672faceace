package routers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"montana-presence/handlers"
)

// RegisterRoutes sets up the local HTTP surface the UI talks to
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Engine lifecycle
	r.HandleFunc("/engine/start", h.StartEngine).Methods("POST")
	r.HandleFunc("/engine/stop", h.StopEngine).Methods("POST")

	// Published state for wallet/countdown views
	r.HandleFunc("/engine/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/engine/balance", h.GetBalance).Methods("GET")

	// Liveness signal toggles
	r.HandleFunc("/signals", h.ListSignals).Methods("GET")
	r.HandleFunc("/signals/{id}/toggle", h.ToggleSignal).Methods("POST")

	// Manual reconciliation triggers
	r.HandleFunc("/reconcile/sync", h.TriggerSync).Methods("POST")
	r.HandleFunc("/reconcile/verify", h.TriggerVerify).Methods("POST")

	// Backend node status passthrough, display only
	r.HandleFunc("/network/status", h.NetworkStatus).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
