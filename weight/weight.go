package weight

import (
	"fmt"

	"go.uber.org/zap"

	"montana-presence/logger"
	"montana-presence/models"
)

// BaseRate is the constant presence contribution every running session earns.
const BaseRate = 1

// PermissionProbe answers whether the platform currently allows a signal to
// observe anything. Platform layers inject their own implementation; the
// engine only ever polls it.
type PermissionProbe interface {
	Granted(signalID string) bool
	// ReleaseAll stops any hardware the probe (or its signals) hold open,
	// e.g. the camera when the engine stops.
	ReleaseAll()
}

// TunnelProbe reports whether the privacy tunnel is up.
type TunnelProbe interface {
	Connected() bool
}

// SignalSet owns the liveness signals and computes the accrual weight.
// It is not safe for concurrent use; the accrual engine's owner goroutine
// is the only caller.
type SignalSet struct {
	order   []string
	signals map[string]*models.Signal
}

func NewSignalSet(signals []models.Signal) *SignalSet {
	set := &SignalSet{signals: make(map[string]*models.Signal, len(signals))}
	for i := range signals {
		s := signals[i]
		set.order = append(set.order, s.ID)
		set.signals[s.ID] = &s
	}
	return set
}

// Weight recomputes the current per-second rate. Never cached: a revoked
// permission must drop out on the very next call.
func (s *SignalSet) Weight(tunnel TunnelProbe) int {
	w := BaseRate
	for _, id := range s.order {
		sig := s.signals[id]
		if sig.Active() {
			w += sig.Rate
		}
	}
	if tunnel != nil && tunnel.Connected() {
		w++
	}
	return w
}

// Toggle sets user intent for a signal.
func (s *SignalSet) Toggle(id string, enabled bool) error {
	sig, ok := s.signals[id]
	if !ok {
		return fmt.Errorf("unknown signal %q", id)
	}
	sig.Enabled = enabled
	return nil
}

// RefreshPermissions polls the probe and applies the transition rules:
// a grant auto-enables, a revocation auto-disables. The first observation
// only records the fact, so nothing the user never permitted turns itself on.
func (s *SignalSet) RefreshPermissions(probe PermissionProbe) {
	if probe == nil {
		return
	}
	for _, id := range s.order {
		sig := s.signals[id]
		granted := probe.Granted(id)

		// First observation records the fact without touching user intent;
		// an enabled-but-unpermitted signal simply contributes nothing.
		if !sig.PermissionKnown {
			sig.PermissionGranted = granted
			sig.PermissionKnown = true
			continue
		}

		switch {
		case granted && !sig.PermissionGranted:
			sig.PermissionGranted = true
			sig.Enabled = true
			logger.Logger.Info("Signal permission granted", zap.String("signal", id))
		case !granted && sig.PermissionGranted:
			sig.PermissionGranted = false
			sig.Enabled = false
			logger.Logger.Info("Signal permission revoked", zap.String("signal", id))
		}
	}
}

// Snapshot returns a copy of all signals in registration order.
func (s *SignalSet) Snapshot() []models.Signal {
	out := make([]models.Signal, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.signals[id])
	}
	return out
}
