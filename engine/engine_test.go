package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"montana-presence/apiclient"
	"montana-presence/epoch"
	"montana-presence/logger"
	"montana-presence/models"
	"montana-presence/probe"
	"montana-presence/registry"
	"montana-presence/weight"
)

const testAddr = "mta46b633d258059b90db46adffc6c5ca08f0e8d6c"

var t0 = time.Date(2026, 1, 8, 21, 0, 0, 0, time.UTC)

func init() {
	logger.InitNop()
}

type memRepo struct {
	mu     sync.Mutex
	states map[string]models.AccrualState
}

func newMemRepo() *memRepo {
	return &memRepo{states: make(map[string]models.AccrualState)}
}

func (m *memRepo) LoadState(address string) (*models.AccrualState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[address]
	return &state, nil
}

func (m *memRepo) SaveState(address string, state *models.AccrualState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[address] = *state
	return nil
}

func (m *memRepo) saved(address string) models.AccrualState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[address]
}

// idleConfig keeps all real timers out of the way so tests drive ticks
// explicitly.
func idleConfig(address string) Config {
	return Config{
		Address:        address,
		TickInterval:   time.Hour,
		FlushInterval:  time.Hour,
		PermissionPoll: time.Hour,
		PersistEvery:   10,
	}
}

func newTestEngine(t *testing.T, repo *memRepo, signals *weight.SignalSet, perm weight.PermissionProbe, endpoints ...registry.Endpoint) *Engine {
	t.Helper()
	if signals == nil {
		signals = weight.NewSignalSet(nil)
	}
	if perm == nil {
		perm = probe.NewStatic(nil)
	}
	client := apiclient.New(registry.New(endpoints), 2*time.Second)
	clock := epoch.NewClock(t0, 600)
	e := New(idleConfig(testAddr), repo, client, clock, signals, perm, probe.StaticTunnel(false))
	// Pin the engine's clock source to genesis so ticks driven with
	// genesis-relative instants line up with the start-time epoch index.
	e.do(func() { e.now = func() time.Time { return t0 } })
	t.Cleanup(e.Close)
	return e
}

func tick(e *Engine, now time.Time) {
	e.do(func() { e.handleTick(now) })
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func balanceBackend(t *testing.T, balance int64, seconds *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seconds != nil && r.URL.Path == "/api/presence" {
			var body models.PresenceRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			*seconds = body.Seconds
		}
		json.NewEncoder(w).Encode(map[string]int64{"balance": balance})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartWithoutAddressIsNotReady(t *testing.T) {
	repo := newMemRepo()
	client := apiclient.New(registry.New(nil), time.Second)
	e := New(idleConfig(""), repo, client, epoch.NewClock(t0, 600), weight.NewSignalSet(nil), probe.NewStatic(nil), probe.StaticTunnel(false))
	t.Cleanup(e.Close)

	assert.ErrorIs(t, e.Start(), ErrNotReady)
	assert.False(t, e.Status().Running)
}

func TestTicksAccumulatePendingByWeight(t *testing.T) {
	e := newTestEngine(t, newMemRepo(), nil, nil)
	require.NoError(t, e.Start())

	for i := 0; i < 5; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}

	st := e.Status()
	assert.Equal(t, int64(5), st.Pending) // weight 1, five ticks
	assert.Equal(t, int64(5), st.SessionSeconds)
	assert.Equal(t, int64(5), st.DisplayBalance)
}

func TestTicksSumVaryingWeights(t *testing.T) {
	signals := weight.NewSignalSet([]models.Signal{{ID: "camera", Rate: 1, Enabled: true}})
	perm := probe.NewStatic(map[string]bool{"camera": true})
	e := newTestEngine(t, newMemRepo(), signals, perm)
	require.NoError(t, e.Start())

	tick(e, t0) // weight 2
	require.NoError(t, e.ToggleSignal("camera", false))
	tick(e, t0.Add(time.Second)) // weight 1

	assert.Equal(t, int64(3), e.Status().Pending)
}

func TestEpochRolloverResetsWindowCounter(t *testing.T) {
	e := newTestEngine(t, newMemRepo(), nil, nil)
	require.NoError(t, e.Start())
	ch := e.Subscribe()

	tick(e, t0.Add(598*time.Second))
	tick(e, t0.Add(599*time.Second))
	st := e.Status()
	require.Equal(t, int64(2), st.PendingEpoch)

	tick(e, t0.Add(600*time.Second))
	waitEvent(t, ch, EventEpoch)

	st = e.Status()
	assert.Equal(t, int64(0), st.PendingEpoch, "per-window counter resets on rollover")
	assert.Equal(t, int64(3), st.Pending, "total pending is untouched by rollover")
}

func TestFlushSuccessClearsPendingAndAdoptsBalance(t *testing.T) {
	repo := newMemRepo()
	var reported int64
	srv := balanceBackend(t, 500, &reported)
	e := newTestEngine(t, repo, nil, nil, registry.Endpoint{Name: "amsterdam", URL: srv.URL})
	require.NoError(t, e.Start())

	for i := 0; i < 5; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}
	before := e.Status()
	require.Equal(t, int64(5), before.Pending)

	ch := e.Subscribe()
	e.do(func() { e.startFlush() })
	waitEvent(t, ch, EventFlush)

	st := e.Status()
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(500), st.Confirmed)
	assert.True(t, st.Online)
	assert.Equal(t, int64(5), reported)

	saved := repo.saved(testAddr)
	assert.Equal(t, int64(0), saved.Pending)
	assert.Equal(t, int64(500), saved.Confirmed)
}

func TestFlushFailureLeavesStateUntouched(t *testing.T) {
	repo := newMemRepo()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(down.Close)
	e := newTestEngine(t, repo, nil, nil, registry.Endpoint{Name: "amsterdam", URL: down.URL})
	require.NoError(t, e.Start())

	for i := 0; i < 4; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}

	ch := e.Subscribe()
	e.do(func() { e.startFlush() })
	waitEvent(t, ch, EventFlush)

	st := e.Status()
	assert.Equal(t, int64(4), st.Pending)
	assert.Equal(t, int64(0), st.Confirmed)
	assert.False(t, st.Online)

	// Failed flush still persists, so a restart does not lose the buffer.
	assert.Equal(t, int64(4), repo.saved(testAddr).Pending)
}

func TestTicksDuringFlushInFlightArePreserved(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		json.NewEncoder(w).Encode(map[string]int64{"balance": 300})
	}))
	t.Cleanup(srv.Close)

	e := newTestEngine(t, newMemRepo(), nil, nil, registry.Endpoint{Name: "amsterdam", URL: srv.URL})
	require.NoError(t, e.Start())

	for i := 0; i < 3; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}

	ch := e.Subscribe()
	e.do(func() { e.startFlush() })
	<-started

	// Two more seconds land while the request is in flight.
	tick(e, t0.Add(3*time.Second))
	tick(e, t0.Add(4*time.Second))
	close(release)
	waitEvent(t, ch, EventFlush)

	st := e.Status()
	assert.Equal(t, int64(2), st.Pending, "in-flight seconds survive the flush")
	assert.Equal(t, int64(300), st.Confirmed)
}

func TestStopForcesFinalFlush(t *testing.T) {
	repo := newMemRepo()
	var reported int64
	srv := balanceBackend(t, 900, &reported)
	e := newTestEngine(t, repo, nil, nil, registry.Endpoint{Name: "amsterdam", URL: srv.URL})
	require.NoError(t, e.Start())

	for i := 0; i < 4; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}
	e.Stop()

	st := e.Status()
	assert.False(t, st.Running)
	assert.Equal(t, int64(4), reported)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(900), st.Confirmed)
	assert.Equal(t, int64(0), repo.saved(testAddr).Pending)
}

func TestStopAppliesInFlightFlush(t *testing.T) {
	repo := newMemRepo()
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		json.NewEncoder(w).Encode(map[string]int64{"balance": 800})
	}))
	t.Cleanup(srv.Close)

	e := newTestEngine(t, repo, nil, nil, registry.Endpoint{Name: "amsterdam", URL: srv.URL})
	require.NoError(t, e.Start())
	for i := 0; i < 5; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}

	e.do(func() { e.startFlush() })
	<-started

	stopDone := make(chan struct{})
	go func() { e.Stop(); close(stopDone) }()

	// Stop must wait for the acknowledged credit, not abandon it.
	select {
	case <-stopDone:
		t.Fatal("stop returned while the flush was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not finish after the backend answered")
	}

	st := e.Status()
	assert.False(t, st.Running)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(800), st.Confirmed)

	saved := repo.saved(testAddr)
	assert.Equal(t, int64(0), saved.Pending, "credited seconds must not be re-submitted on restart")
	assert.Equal(t, int64(800), saved.Confirmed)
}

func TestCloseAppliesInFlightFlush(t *testing.T) {
	repo := newMemRepo()
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		json.NewEncoder(w).Encode(map[string]int64{"balance": 600})
	}))
	t.Cleanup(srv.Close)

	client := apiclient.New(registry.New([]registry.Endpoint{{Name: "amsterdam", URL: srv.URL}}), 2*time.Second)
	e := New(idleConfig(testAddr), repo, client, epoch.NewClock(t0, 600), weight.NewSignalSet(nil), probe.NewStatic(nil), probe.StaticTunnel(false))
	e.do(func() { e.now = func() time.Time { return t0 } })
	require.NoError(t, e.Start())
	for i := 0; i < 3; i++ {
		tick(e, t0.Add(time.Duration(i)*time.Second))
	}

	e.do(func() { e.startFlush() })
	<-started

	closeDone := make(chan struct{})
	go func() { e.Close(); close(closeDone) }()
	close(release)
	select {
	case <-closeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not finish after the backend answered")
	}

	saved := repo.saved(testAddr)
	assert.Equal(t, int64(0), saved.Pending)
	assert.Equal(t, int64(600), saved.Confirmed)
}

func TestNewRestoresPersistedState(t *testing.T) {
	repo := newMemRepo()
	require.NoError(t, repo.SaveState(testAddr, &models.AccrualState{Pending: 7, Confirmed: 70}))

	e := newTestEngine(t, repo, nil, nil)
	st := e.Status()
	assert.Equal(t, int64(7), st.Pending)
	assert.Equal(t, int64(70), st.Confirmed)
	assert.Equal(t, int64(77), st.DisplayBalance)
}

func TestSyncUpdatesConfirmedOnly(t *testing.T) {
	srv := balanceBackend(t, 321, nil)
	e := newTestEngine(t, newMemRepo(), nil, nil, registry.Endpoint{Name: "amsterdam", URL: srv.URL})
	require.NoError(t, e.Start())
	tick(e, t0)

	balance, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(321), balance)

	st := e.Status()
	assert.Equal(t, int64(321), st.Confirmed)
	assert.Equal(t, int64(1), st.Pending, "sync never touches pending")
	assert.True(t, st.Online)
}

func TestSyncFailureKeepsCachedBalance(t *testing.T) {
	srv := balanceBackend(t, 555, nil)
	e := newTestEngine(t, newMemRepo(), nil, nil, registry.Endpoint{Name: "amsterdam", URL: srv.URL})
	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	srv.Close()

	_, err = e.Sync(context.Background())
	assert.Error(t, err)

	st := e.Status()
	assert.Equal(t, int64(555), st.Confirmed)
	assert.False(t, st.Online)
}

func TestSummarizeVerification(t *testing.T) {
	agree := []apiclient.NodeVerification{
		{Endpoint: "amsterdam", Result: models.VerifyResponse{LedgerBalance: 500, CachedBalance: 500, Verified: true}},
		{Endpoint: "moscow", Result: models.VerifyResponse{LedgerBalance: 500, CachedBalance: 500, Verified: true}},
	}
	v := summarizeVerification(agree)
	require.NotNil(t, v)
	assert.True(t, v.Verified)
	assert.Equal(t, int64(500), v.LedgerBalance)

	disagree := []apiclient.NodeVerification{
		{Endpoint: "amsterdam", Result: models.VerifyResponse{LedgerBalance: 500, CachedBalance: 500, Verified: true}},
		{Endpoint: "moscow", Result: models.VerifyResponse{LedgerBalance: 498, CachedBalance: 498, Verified: true}},
		{Endpoint: "almaty", Result: models.VerifyResponse{LedgerBalance: 500, CachedBalance: 500, Verified: true}},
	}
	v = summarizeVerification(disagree)
	require.NotNil(t, v)
	assert.False(t, v.Verified, "nodes disagree")
	assert.Equal(t, int64(500), v.LedgerBalance, "primary responder wins the display")

	primaryDown := []apiclient.NodeVerification{
		{Endpoint: "amsterdam", Err: context.DeadlineExceeded},
		{Endpoint: "moscow", Result: models.VerifyResponse{LedgerBalance: 498, CachedBalance: 498, Verified: true}},
	}
	v = summarizeVerification(primaryDown)
	require.NotNil(t, v)
	assert.True(t, v.Verified)
	assert.Equal(t, int64(498), v.LedgerBalance)

	assert.Nil(t, summarizeVerification([]apiclient.NodeVerification{{Endpoint: "amsterdam", Err: context.DeadlineExceeded}}))
}
