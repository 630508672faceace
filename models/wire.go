package models

// Wire types for the Montana node HTTP protocol.

// PresenceRequest reports seconds of presence accumulated since the last flush.
type PresenceRequest struct {
	Seconds int64 `json:"seconds"`
}

// PresenceResponse carries the authoritative balance after crediting.
type PresenceResponse struct {
	Balance int64 `json:"balance"`
}

// BalanceResponse is the authoritative balance pull.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Symbol  string `json:"symbol,omitempty"`
}

// VerifyResponse is one node's view of an address against its event ledger.
type VerifyResponse struct {
	Address       string `json:"address"`
	LedgerBalance int64  `json:"ledger_balance"`
	CachedBalance int64  `json:"cached_balance"`
	Verified      bool   `json:"verified"`
}
