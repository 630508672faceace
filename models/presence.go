package models

// Signal is a togglable, permission-gated liveness source contributing to weight.
type Signal struct {
	ID                string `json:"id"`                 // stable identifier (camera, motion, ...)
	Name              string `json:"name"`               // display name
	Rate              int    `json:"rate"`               // per-second contribution when active
	Enabled           bool   `json:"enabled"`            // user intent
	PermissionGranted bool   `json:"permission_granted"` // observed capability fact
	PermissionKnown   bool   `json:"permission_known"`   // false until the first probe result
}

// Active reports whether the signal currently contributes to weight.
// Permission is the hard gate; enabled alone is not enough.
func (s *Signal) Active() bool {
	return s.Enabled && s.PermissionGranted
}

// EpochInfo describes the position inside the current presence window.
type EpochInfo struct {
	Index         int64 `json:"index"`
	WindowSeconds int64 `json:"window_seconds"`
	Elapsed       int64 `json:"elapsed"`
	Remaining     int64 `json:"remaining"`
}

// AccrualState is the persisted accounting record for one address.
// Confirmed is only ever set from an acknowledged backend response.
type AccrualState struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	UpdatedAt int64 `json:"updated_at"` // unix seconds
}

// LedgerVerification is the advisory cross-node balance check result.
type LedgerVerification struct {
	LedgerBalance int64 `json:"ledger_balance"`
	CachedBalance int64 `json:"cached_balance"`
	Verified      bool  `json:"verified"`
}
