package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polytrader/internal/adapters/sharedstore"
	"github.com/alejandrodnm/polytrader/internal/application/detector"
	"github.com/alejandrodnm/polytrader/internal/application/gate"
	"github.com/alejandrodnm/polytrader/internal/application/ledger"
	"github.com/alejandrodnm/polytrader/internal/application/reconcile"
	"github.com/alejandrodnm/polytrader/internal/domain"
)

// --- fakes ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeFeed struct {
	mu    sync.Mutex
	snaps map[string]domain.MarketSnapshot
	err   error
	calls int
}

func (f *fakeFeed) set(s domain.MarketSnapshot) {
	f.mu.Lock()
	f.snaps[s.MarketID] = s
	f.mu.Unlock()
}

func (f *fakeFeed) FetchSnapshots(_ context.Context, ids []string) ([]domain.MarketSnapshot, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	var out []domain.MarketSnapshot
	var missing []string
	for _, id := range ids {
		if s, ok := f.snaps[id]; ok {
			out = append(out, s)
		} else {
			missing = append(missing, id)
		}
	}
	return out, missing, nil
}

// fakeValuer devuelve el valor justo de YES; NO es el complemento.
type fakeValuer struct {
	mu   sync.Mutex
	fair map[string]float64
}

func (v *fakeValuer) set(market string, fair float64) {
	v.mu.Lock()
	v.fair[market] = fair
	v.mu.Unlock()
}

func (v *fakeValuer) drop(market string) {
	v.mu.Lock()
	delete(v.fair, market)
	v.mu.Unlock()
}

func (v *fakeValuer) FairValue(s domain.MarketSnapshot, o domain.Outcome) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.fair[s.MarketID]
	if !ok {
		return 0, false
	}
	if o == domain.OutcomeNo {
		return 1 - f, true
	}
	return f, true
}

type fakeTrades struct {
	trades map[string][]domain.TradeSample
}

func (f *fakeTrades) FetchTradeSamples(_ context.Context, marketID string, since time.Time) ([]domain.TradeSample, error) {
	var out []domain.TradeSample
	for _, t := range f.trades[marketID] {
		if t.Timestamp.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	alerts    []domain.AnomalyAlert
	decisions []domain.Decision
	closes    []domain.Position
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, a domain.AnomalyAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) NotifyDecision(_ context.Context, d domain.Decision) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, d)
	return nil
}

func (n *recordingNotifier) NotifyClose(_ context.Context, p domain.Position) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closes = append(n.closes, p)
	return nil
}

func (n *recordingNotifier) decisionsFor(reason domain.RejectReason) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, d := range n.decisions {
		if d.Reason == reason {
			c++
		}
	}
	return c
}

type memStorage struct {
	mu     sync.Mutex
	ledger map[string]domain.LedgerSnapshot
	alerts []domain.AnomalyAlert
	saves  int
}

func newMemStorage() *memStorage {
	return &memStorage{ledger: make(map[string]domain.LedgerSnapshot)}
}

func (m *memStorage) SaveLedger(_ context.Context, s domain.LedgerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[s.State.InstanceID] = s
	m.saves++
	return nil
}

func (m *memStorage) LoadLedger(_ context.Context, id string) (domain.LedgerSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ledger[id]
	return s, ok, nil
}

func (m *memStorage) SaveAlert(_ context.Context, a domain.AnomalyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memStorage) RecentAlerts(_ context.Context, limit int) ([]domain.AnomalyAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AnomalyAlert(nil), m.alerts...), nil
}

func (m *memStorage) Close() error { return nil }

// --- harness ---

type harness struct {
	clk      *fakeClock
	feed     *fakeFeed
	valuer   *fakeValuer
	notifier *recordingNotifier
	storage  *memStorage
	ledger   *ledger.Ledger
	engine   *Engine
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clk:      clk,
		feed:     &fakeFeed{snaps: make(map[string]domain.MarketSnapshot)},
		valuer:   &fakeValuer{fair: make(map[string]float64)},
		notifier: &recordingNotifier{},
		storage:  newMemStorage(),
	}
	h.ledger = ledger.New(ledger.Config{
		InstanceID:     "inst-a",
		InitialCapital: 1000,
		FeeRate:        0.02,
		Breaker:        domain.BreakerPolicy{MaxDailyLoss: 500, MaxConsecutiveLosses: 1, Rearm: domain.RearmNewDay},
	}, clk.Now)

	cfg := Config{
		InstanceID:   "inst-a",
		Markets:      []string{"m1", "m2", "m3"},
		Blacklist:    []string{"m2"},
		Sizing:       domain.SizingParams{KellyMultiplier: 0.5, MaxFraction: 0.05, MinTradeSize: 5},
		Exits:        DefaultExitPolicy(),
		ScoreWorkers: 2,
	}
	deps := Deps{
		Feed:     h.feed,
		Valuer:   h.valuer,
		Gate:     gate.New(domain.NewBlacklist("m2"), nil, gate.Limits{MaxOpenTotal: 10}),
		Ledger:   h.ledger,
		Detector: detector.New(detector.Config{}),
		Storage:  h.storage,
		Notifier: h.notifier,
		Now:      clk.Now,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) snapshot(market string, yes float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		MarketID:  market,
		Question:  "Will " + market + " resolve YES?",
		YesPrice:  yes,
		NoPrice:   1 - yes,
		Volume24h: 50000,
		Liquidity: 20000,
		EndDate:   h.clk.Now().Add(10 * 24 * time.Hour),
		UpdatedAt: h.clk.Now(),
	}
}

// seed: m1 con ventaja, m2 con ventaja pero en blacklist, m3 sin valoración.
func (h *harness) seed() {
	h.feed.set(h.snapshot("m1", 0.20))
	h.feed.set(h.snapshot("m2", 0.20))
	h.feed.set(h.snapshot("m3", 0.50))
	h.valuer.set("m1", 0.60)
	h.valuer.set("m2", 0.60)
}

// --- tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTick_OpensApprovedCandidate(t *testing.T) {
	h := newHarness(t)
	h.seed()

	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Snapshots)
	require.Len(t, res.Opened, 1)
	pos := res.Opened[0]
	assert.Equal(t, "m1", pos.MarketID)
	assert.Equal(t, domain.OutcomeYes, pos.Outcome)
	// kelly 0.5×(2×0.6-0.4)/2 = 0.2, recortado a 5% del cash
	assert.InDelta(t, 50, pos.Stake, 1e-9)
	assert.InDelta(t, 950, h.ledger.State().Cash, 1e-9)

	require.Len(t, res.Rejections, 1)
	assert.Equal(t, "m2", res.Rejections[0].MarketID)
	assert.Equal(t, domain.RejectBlacklisted, res.Rejections[0].Reason)

	require.Len(t, h.notifier.decisions, 2)
	assert.True(t, h.notifier.decisions[0].Approved)
	assert.Equal(t, pos.TradeID, h.notifier.decisions[0].TradeID)

	saved, ok, err := h.storage.LoadLedger(context.Background(), "inst-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, saved.Positions, 1)
}

func TestTick_MissingMarketsReported(t *testing.T) {
	h := newHarness(t)
	h.feed.set(h.snapshot("m1", 0.5))

	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, res.Missing)
	assert.Empty(t, res.Opened)
}

func TestTick_StandingRejectionNotifiedOnce(t *testing.T) {
	h := newHarness(t)
	h.seed()

	_, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Opened)
	require.Len(t, res.Rejections, 2)
	assert.Equal(t, 1, h.notifier.decisionsFor(domain.RejectBlacklisted))
	assert.Equal(t, 1, h.notifier.decisionsFor(domain.RejectAlreadyHolding))

	// la lista de rechazos guarda todos, el más reciente primero
	rej := h.engine.Rejections(0)
	require.Len(t, rej, 3)
	assert.Equal(t, domain.RejectBlacklisted, rej[2].Reason)
}

func TestTick_TakeProfitClosesPosition(t *testing.T) {
	h := newHarness(t)
	h.seed()

	_, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	h.clk.Advance(time.Hour)
	h.valuer.drop("m1")
	h.feed.set(h.snapshot("m1", 0.25))

	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Closed, 1)
	closed := res.Closed[0]
	assert.Equal(t, domain.CloseTakeProfit, closed.CloseReason)
	// (0.25-0.20)/0.20 × 50 - 0.02 × 50
	assert.InDelta(t, 11.5, closed.RealizedPnL, 1e-9)
	assert.InDelta(t, 1011.5, h.ledger.State().Cash, 1e-9)
	assert.Empty(t, h.ledger.OpenPositions())
	require.Len(t, h.notifier.closes, 1)
	assert.False(t, res.Breaker)
}

func TestTick_ResolutionLossTripsBreaker(t *testing.T) {
	h := newHarness(t)
	h.seed()

	_, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	h.clk.Advance(time.Hour)
	h.feed.set(h.snapshot("m1", 0.01))

	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Closed, 1)
	assert.Equal(t, domain.CloseResolutionLoss, res.Closed[0].CloseReason)
	assert.InDelta(t, 0, res.Closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, -51, res.Closed[0].RealizedPnL, 1e-9)
	assert.True(t, res.Breaker)

	var tripped bool
	for _, d := range res.Rejections {
		if d.MarketID == "m1" && d.Reason == domain.RejectBreakerTripped {
			tripped = true
		}
	}
	assert.True(t, tripped, "new entries must be blocked while the breaker is tripped")
	assert.Empty(t, res.Opened)
}

func TestTick_FeedErrorLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.feed.err = errors.New("gamma down")

	_, err := h.engine.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gamma down")
	assert.InDelta(t, 1000, h.ledger.State().Cash, 1e-9)
	assert.Zero(t, h.storage.saves)
}

func TestTick_LargeTradeRaisesAlert(t *testing.T) {
	var trades *fakeTrades
	h := newHarness(t, func(_ *Config, d *Deps) {
		trades = &fakeTrades{trades: make(map[string][]domain.TradeSample)}
		d.Trades = trades
	})
	h.seed()
	trades.trades["m3"] = []domain.TradeSample{
		{ID: "t1", MarketID: "m3", Side: domain.SideBuy, Price: 0.5, Size: 50000, Timestamp: h.clk.Now().Add(-time.Minute)},
	}

	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Alerts, 1)
	a := res.Alerts[0]
	assert.Equal(t, "m3", a.MarketID)
	assert.Equal(t, domain.MetricTradeSize, a.Metric)
	// 25000 / piso 10000 = 2.5
	assert.Equal(t, domain.SeverityMedium, a.Severity)
	require.Len(t, h.notifier.alerts, 1)
	assert.Len(t, h.storage.alerts, 1)
	assert.Len(t, h.engine.Alerts(10), 1)

	// el mismo trade en el siguiente ciclo no vuelve a contar
	res, err = h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
}

func TestAcknowledgeAlert_PersistsAndTracksWallet(t *testing.T) {
	var trades *fakeTrades
	h := newHarness(t, func(_ *Config, d *Deps) {
		trades = &fakeTrades{trades: make(map[string][]domain.TradeSample)}
		d.Trades = trades
	})
	h.seed()
	trades.trades["m3"] = []domain.TradeSample{
		{ID: "t1", MarketID: "m3", Side: domain.SideBuy, Price: 0.5, Size: 50000, Timestamp: h.clk.Now().Add(-time.Minute), Wallet: "0xwhale"},
	}
	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "0xwhale", res.Alerts[0].Wallet)
	assert.Equal(t, 1, h.engine.Status().Unacked)

	acked, err := h.engine.AcknowledgeAlert(context.Background(), res.Alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	last := h.storage.alerts[len(h.storage.alerts)-1]
	assert.Equal(t, res.Alerts[0].ID, last.ID)
	assert.True(t, last.Acknowledged)
	assert.Equal(t, 0, h.engine.Status().Unacked)
	assert.Empty(t, h.engine.UnacknowledgedAlerts(10))
	assert.Zero(t, h.engine.AcknowledgeAll(context.Background()))

	_, err = h.engine.AcknowledgeAlert(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)

	p, ok := h.engine.TraderProfile("0xwhale")
	require.True(t, ok)
	assert.Equal(t, 1, p.LargeTrades)
	assert.Len(t, h.engine.SuspiciousTraders(1), 1)
	assert.Empty(t, h.engine.SuspiciousTraders(0))
}

func TestManualClose(t *testing.T) {
	h := newHarness(t)
	h.seed()
	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Opened, 1)
	id := res.Opened[0].TradeID

	// funciona con el bucle parado
	h.engine.Stop()
	pos, err := h.engine.ManualClose(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseManual, pos.CloseReason)
	assert.InDelta(t, 0.20, pos.ExitPrice, 1e-9)
	assert.InDelta(t, -1, pos.RealizedPnL, 1e-9)

	_, err = h.engine.ManualClose(context.Background(), id, nil)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	price := 0.3
	_, err = h.engine.ManualClose(context.Background(), "bot_unknown", &price)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestStopSkipsCycles(t *testing.T) {
	h := newHarness(t)
	h.seed()

	var seen []*CycleResult
	h.engine.cfg.OnCycle = func(res *CycleResult) { seen = append(seen, res) }

	h.engine.Stop()
	assert.False(t, h.engine.Running())
	h.engine.runCycle(context.Background())
	assert.Zero(t, h.feed.calls)
	assert.Empty(t, seen)

	h.engine.Start()
	h.engine.runCycle(context.Background())
	assert.Equal(t, 1, h.feed.calls)
	assert.True(t, h.engine.Status().Running)
	require.Len(t, seen, 1)
	assert.Len(t, seen[0].Opened, 1)
}

func TestRestore_ContinuesFromStoredLedger(t *testing.T) {
	h := newHarness(t)
	h.seed()
	_, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	// segunda "ejecución" sobre el mismo storage
	fresh := ledger.New(ledger.Config{InstanceID: "inst-a", InitialCapital: 1000, FeeRate: 0.02}, h.clk.Now)
	e2, err := New(Config{InstanceID: "inst-a", Markets: []string{"m4"}, Sizing: h.engine.cfg.Sizing, Exits: DefaultExitPolicy()}, Deps{
		Feed:     h.feed,
		Valuer:   h.valuer,
		Gate:     gate.New(nil, nil, gate.Limits{}),
		Ledger:   fresh,
		Detector: detector.New(detector.Config{}),
		Storage:  h.storage,
		Now:      h.clk.Now,
	})
	require.NoError(t, err)
	require.NoError(t, e2.Restore(context.Background()))

	require.Len(t, fresh.OpenPositions(), 1)
	assert.InDelta(t, 950, fresh.State().Cash, 1e-9)

	h.feed.set(h.snapshot("m4", 0.20))
	h.valuer.set("m4", 0.60)
	res, err := e2.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Opened, 1)
	assert.Equal(t, "bot_20260504120000_2", res.Opened[0].TradeID)
}

func TestShutdown_PublishesToPeers(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Reconciler = reconcile.New(store, reconcile.Config{InstanceID: "inst-a", Backoff: time.Millisecond}, d.Now)
	})
	h.seed()

	res, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.SyncError)
	require.NoError(t, h.engine.Shutdown(context.Background()))

	peer := reconcile.New(store, reconcile.Config{InstanceID: "inst-b", Backoff: time.Millisecond}, h.clk.Now)
	view, err := peer.Pull(context.Background())
	require.NoError(t, err)
	require.Contains(t, view.Instances, "inst-a")
	a := view.Instances["inst-a"]
	require.Len(t, a.Open, 1)
	assert.Equal(t, "m1", a.Open[0].MarketID)
	assert.Equal(t, []string{"m2"}, a.Blacklist)
	assert.InDelta(t, 950, a.State.Cash, 1e-9)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.seed()
	_, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	st := h.engine.Status()
	assert.Equal(t, "inst-a", st.InstanceID)
	assert.Len(t, st.Open, 1)
	assert.InDelta(t, 1000, st.Equity, 1e-9)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, 3, st.LastCycle.Snapshots)
	assert.Empty(t, st.Peers)
	assert.Empty(t, h.engine.Peers().Instances)
}
