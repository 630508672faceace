package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"montana-presence/apiclient"
	"montana-presence/epoch"
	"montana-presence/logger"
	"montana-presence/models"
	"montana-presence/repository"
	"montana-presence/weight"
)

// ErrNotReady means the engine has no registered account address yet.
// Starting in that state is a no-op, not a fault, so the UI can call
// Start speculatively at launch.
var ErrNotReady = errors.New("engine not ready: no account address")

// Config holds the engine tunables, wired from config.yaml.
type Config struct {
	Address        string
	TickInterval   time.Duration
	FlushInterval  time.Duration
	PermissionPoll time.Duration
	PersistEvery   int
}

func (c *Config) fillDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.PermissionPoll <= 0 {
		c.PermissionPoll = 15 * time.Second
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = 10
	}
}

// Status is the read-only view published to the UI collaborator.
type Status struct {
	Running        bool                       `json:"running"`
	Online         bool                       `json:"online"`
	Weight         int                        `json:"weight"`
	Pending        int64                      `json:"pending"`
	PendingEpoch   int64                      `json:"pending_epoch"`
	Confirmed      int64                      `json:"confirmed"`
	DisplayBalance int64                      `json:"display_balance"`
	SessionSeconds int64                      `json:"session_seconds"`
	Epoch          models.EpochInfo           `json:"epoch"`
	Signals        []models.Signal            `json:"signals"`
	Verification   *models.LedgerVerification `json:"verification,omitempty"`
}

type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventTick    EventType = "tick"
	EventEpoch   EventType = "epoch_rollover"
	EventFlush   EventType = "flush"
	EventOnline  EventType = "online_changed"
)

// Event is broadcast to subscribers after a state transition.
type Event struct {
	Type   EventType `json:"type"`
	Online bool      `json:"online"`
	Epoch  int64     `json:"epoch"`
}

type flushResult struct {
	delta   int64
	balance int64
	err     error
}

// Engine is the accrual state machine. A single goroutine owns all mutable
// state; the exported methods marshal work onto it through the command
// channel, and network completions come back the same way. Ticks therefore
// never race a flush and no lock is needed.
type Engine struct {
	cfg    Config
	repo   repository.AccrualRepositoryInterface
	client *apiclient.Client
	clock  *epoch.Clock

	signals *weight.SignalSet
	perm    weight.PermissionProbe
	tunnel  weight.TunnelProbe

	cmds      chan func()
	flushDone chan flushResult
	quit      chan struct{}
	stopped   chan struct{}

	now func() time.Time

	// Everything below is touched only by the owner goroutine.
	tickC  <-chan time.Time
	flushC <-chan time.Time
	pollC  <-chan time.Time
	tickT  *time.Ticker
	flushT *time.Ticker
	pollT  *time.Ticker

	running           bool
	online            bool
	pending           int64
	pendingEpoch      int64
	confirmed         int64
	sessionSeconds    int64
	epochIndex        int64
	ticksSincePersist int
	flushInFlight     bool
	lastVerify        *models.LedgerVerification

	subscribers []chan Event
}

// New builds an engine and starts its owner goroutine. Previously persisted
// pending and confirmed amounts for the configured address are restored.
func New(cfg Config, repo repository.AccrualRepositoryInterface, client *apiclient.Client, clock *epoch.Clock, signals *weight.SignalSet, perm weight.PermissionProbe, tunnel weight.TunnelProbe) *Engine {
	cfg.fillDefaults()
	e := &Engine{
		cfg:       cfg,
		repo:      repo,
		client:    client,
		clock:     clock,
		signals:   signals,
		perm:      perm,
		tunnel:    tunnel,
		cmds:      make(chan func()),
		flushDone: make(chan flushResult),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}

	if e.ready() {
		state, err := repo.LoadState(cfg.Address)
		if err != nil {
			logger.Logger.Warn("Failed to load persisted accrual state, starting from zero",
				zap.String("address", cfg.Address), zap.Error(err))
		} else {
			e.pending = state.Pending
			e.confirmed = state.Confirmed
		}
	}

	go e.run()
	return e
}

func (e *Engine) ready() bool {
	return apiclient.ValidAddress(e.cfg.Address)
}

// run is the owner goroutine. Idle state keeps the ticker channels nil so
// the select blocks on commands and in-flight completions only.
func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.tickC:
			e.handleTick(e.now())
		case <-e.flushC:
			e.startFlush()
		case <-e.pollC:
			e.signals.RefreshPermissions(e.perm)
		case res := <-e.flushDone:
			e.applyFlush(res)
		case <-e.quit:
			if e.flushInFlight {
				e.applyFlush(<-e.flushDone)
			}
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
		<-done
	case <-e.stopped:
	}
}

// Start moves Idle -> Running. Without a registered address it reports
// ErrNotReady and changes nothing.
func (e *Engine) Start() error {
	var err error
	e.do(func() {
		if !e.ready() {
			err = ErrNotReady
			return
		}
		if e.running {
			return
		}
		e.running = true
		e.sessionSeconds = 0
		e.epochIndex = e.clock.At(e.now()).Index
		e.pendingEpoch = 0
		e.signals.RefreshPermissions(e.perm)

		e.tickT = time.NewTicker(e.cfg.TickInterval)
		e.flushT = time.NewTicker(e.cfg.FlushInterval)
		e.pollT = time.NewTicker(e.cfg.PermissionPoll)
		e.tickC, e.flushC, e.pollC = e.tickT.C, e.flushT.C, e.pollT.C

		logger.Logger.Info("Accrual engine started",
			zap.String("address", e.cfg.Address), zap.Int64("pending", e.pending))
		e.publish(Event{Type: EventStarted, Online: e.online, Epoch: e.epochIndex})
	})
	return err
}

// Stop moves Running -> Idle: tears down the timers, releases signal
// hardware, and forces one final flush attempt so unflushed accrual is not
// left hanging longer than necessary. An already in-flight flush is waited
// for and its result applied first, so a credit the backend acknowledged is
// recorded before the engine goes idle.
func (e *Engine) Stop() {
	e.do(func() {
		if !e.running {
			return
		}
		e.running = false
		e.tickT.Stop()
		e.flushT.Stop()
		e.pollT.Stop()
		e.tickC, e.flushC, e.pollC = nil, nil, nil

		if e.perm != nil {
			e.perm.ReleaseAll()
		}

		if e.flushInFlight {
			e.applyFlush(<-e.flushDone)
		}
		if e.pending > 0 {
			delta := e.pending
			balance, err := e.client.SubmitPresence(context.Background(), e.cfg.Address, delta)
			e.applyFlush(flushResult{delta: delta, balance: balance, err: err})
		} else {
			e.persist()
		}

		logger.Logger.Info("Accrual engine stopped",
			zap.String("address", e.cfg.Address), zap.Int64("pending", e.pending))
		e.publish(Event{Type: EventStopped, Online: e.online, Epoch: e.epochIndex})
	})
}

// Close shuts the owner goroutine down. A flush still in flight is waited
// for and applied before the goroutine exits. Stop the engine first.
func (e *Engine) Close() {
	close(e.quit)
	<-e.stopped
}

// handleTick advances one second of presence: recompute weight, add it to
// the pending counters, roll the window if the epoch index moved, and
// persist on the batching cadence.
func (e *Engine) handleTick(now time.Time) {
	if !e.running {
		return
	}
	w := e.signals.Weight(e.tunnel)
	e.pending += int64(w)
	e.pendingEpoch += int64(w)
	e.sessionSeconds++
	ticksTotal.Inc()
	weightGauge.Set(float64(w))
	pendingGauge.Set(float64(e.pending))

	info := e.clock.At(now)
	if info.Index != e.epochIndex {
		logger.Logger.Info("Epoch rollover",
			zap.Int64("from", e.epochIndex), zap.Int64("to", info.Index),
			zap.Int64("pending_epoch", e.pendingEpoch))
		e.epochIndex = info.Index
		e.pendingEpoch = 0
		e.publish(Event{Type: EventEpoch, Online: e.online, Epoch: e.epochIndex})
	}

	e.ticksSincePersist++
	if e.ticksSincePersist >= e.cfg.PersistEvery {
		e.persist()
	}
	e.publish(Event{Type: EventTick, Online: e.online, Epoch: e.epochIndex})
}

// startFlush hands the accumulated delta to the backend asynchronously.
// The tick loop keeps running; the result is applied back on the owner
// goroutine via flushDone.
func (e *Engine) startFlush() {
	if e.pending <= 0 || e.flushInFlight {
		return
	}
	e.flushInFlight = true
	delta := e.pending
	go func() {
		balance, err := e.client.SubmitPresence(context.Background(), e.cfg.Address, delta)
		// Always delivered: the owner goroutine drains this on Stop and
		// Close too, so an acknowledged credit is never discarded.
		e.flushDone <- flushResult{delta: delta, balance: balance, err: err}
	}()
}

// applyFlush commits a flush outcome. On success the backend balance is
// authoritative and exactly the submitted delta is cleared; ticks that
// landed while the request was in flight stay pending. On failure nothing
// changes except the offline flag.
func (e *Engine) applyFlush(res flushResult) {
	e.flushInFlight = false
	if res.err != nil {
		flushFailures.Inc()
		logger.Logger.Warn("Flush failed, keeping pending locally",
			zap.Int64("delta", res.delta), zap.Error(res.err))
		e.persist()
		e.setOnline(false)
		e.publish(Event{Type: EventFlush, Online: e.online, Epoch: e.epochIndex})
		return
	}
	flushSuccesses.Inc()
	e.pending -= res.delta
	if e.pending < 0 {
		e.pending = 0
	}
	e.confirmed = res.balance
	e.persist()
	e.setOnline(true)
	pendingGauge.Set(float64(e.pending))
	logger.Logger.Info("Flush confirmed",
		zap.Int64("delta", res.delta), zap.Int64("balance", res.balance))
	e.publish(Event{Type: EventFlush, Online: e.online, Epoch: e.epochIndex})
}

// persist writes the current state. Best-effort: a storage failure bounds
// crash loss to the batching window and is logged, never propagated.
func (e *Engine) persist() {
	e.ticksSincePersist = 0
	if !e.ready() {
		return
	}
	state := &models.AccrualState{Pending: e.pending, Confirmed: e.confirmed}
	if err := e.repo.SaveState(e.cfg.Address, state); err != nil {
		logger.Logger.Warn("Failed to persist accrual state", zap.Error(err))
	}
}

func (e *Engine) setOnline(online bool) {
	if e.online == online {
		return
	}
	e.online = online
	e.publish(Event{Type: EventOnline, Online: online, Epoch: e.epochIndex})
}

// Sync refreshes the confirmed balance from the backend without submitting
// a delta. On failure the cached balance is left untouched.
func (e *Engine) Sync(ctx context.Context) (int64, error) {
	if !e.ready() {
		return 0, ErrNotReady
	}
	balance, err := e.client.FetchBalance(ctx, e.cfg.Address)
	e.do(func() {
		if err != nil {
			e.setOnline(false)
			return
		}
		e.confirmed = balance
		e.persist()
		e.setOnline(true)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Verify cross-checks the address against every node's event ledger.
// The nodes agreeing is advisory only: a mismatch is displayed, never acted
// on, since replication lag between a small trusted node set is expected.
func (e *Engine) Verify(ctx context.Context) (*models.LedgerVerification, error) {
	if !e.ready() {
		return nil, ErrNotReady
	}
	results, err := e.client.VerifyLedger(ctx, e.cfg.Address)
	if err != nil {
		return nil, err
	}

	verification := summarizeVerification(results)
	if verification == nil {
		e.do(func() { e.setOnline(false) })
		return nil, errors.New("no node answered ledger verification")
	}
	e.do(func() {
		e.lastVerify = verification
		e.setOnline(true)
	})
	return verification, nil
}

// summarizeVerification folds per-node answers into one advisory record.
// The reported ledger balance comes from the highest-priority responder;
// verified holds only when every responder agrees with it and with itself.
func summarizeVerification(results []apiclient.NodeVerification) *models.LedgerVerification {
	var primary *models.VerifyResponse
	verified := true
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		r := results[i].Result
		if primary == nil {
			primary = &r
		}
		if !r.Verified || r.LedgerBalance != primary.LedgerBalance {
			verified = false
		}
	}
	if primary == nil {
		return nil
	}
	return &models.LedgerVerification{
		LedgerBalance: primary.LedgerBalance,
		CachedBalance: primary.CachedBalance,
		Verified:      verified,
	}
}

// ToggleSignal sets user intent for one liveness signal.
func (e *Engine) ToggleSignal(id string, enabled bool) error {
	var err error
	e.do(func() { err = e.signals.Toggle(id, enabled) })
	return err
}

// Status snapshots the full engine state for the UI.
func (e *Engine) Status() Status {
	var st Status
	e.do(func() {
		st = Status{
			Running:        e.running,
			Online:         e.online,
			Weight:         e.signals.Weight(e.tunnel),
			Pending:        e.pending,
			PendingEpoch:   e.pendingEpoch,
			Confirmed:      e.confirmed,
			DisplayBalance: e.confirmed + e.pending,
			SessionSeconds: e.sessionSeconds,
			Epoch:          e.clock.At(e.now()),
			Signals:        e.signals.Snapshot(),
			Verification:   e.lastVerify,
		}
	})
	return st
}

// DisplayBalance is confirmed + pending, what the wallet shows.
func (e *Engine) DisplayBalance() int64 {
	var v int64
	e.do(func() { v = e.confirmed + e.pending })
	return v
}

// Subscribe returns a channel of state-transition events. Slow consumers
// miss events rather than block the engine.
func (e *Engine) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	e.do(func() { e.subscribers = append(e.subscribers, ch) })
	return ch
}

func (e *Engine) publish(ev Event) {
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
