// Package engine orquesta el ciclo de decisión de una instancia:
// feed → salidas y mark-to-market → scorer ∥ detector → gate → sizer →
// ledger → persistencia → reconciliación.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/polytrader/internal/application/detector"
	"github.com/alejandrodnm/polytrader/internal/application/gate"
	"github.com/alejandrodnm/polytrader/internal/application/ledger"
	"github.com/alejandrodnm/polytrader/internal/application/reconcile"
	"github.com/alejandrodnm/polytrader/internal/domain"
	"github.com/alejandrodnm/polytrader/internal/metrics"
	"github.com/alejandrodnm/polytrader/internal/ports"
)

const (
	defaultPollInterval  = 60 * time.Second
	defaultFeedTimeout   = 15 * time.Second
	defaultTradeLookback = time.Hour
	defaultMaxRejections = 200
	defaultLambda        = 2.0
)

// Config holds the decision-loop settings.
type Config struct {
	InstanceID    string
	PollInterval  time.Duration
	FeedTimeout   time.Duration
	Markets       []string // mercados vigilados
	Lambda        float64
	MinScore      float64
	Sizing        domain.SizingParams
	WinProb       domain.WinProbEstimator
	Exits         ExitPolicy
	ScoreWorkers  int
	TradeLookback time.Duration // ventana inicial de trades para el detector
	MaxRejections int
	Blacklist     []string // se publica en el store compartido

	// OnCycle se llama tras cada ciclo completado por Run (no por Tick directo).
	OnCycle func(res *CycleResult)
}

// Deps are the collaborators of the engine. Trades, Reconciler, Storage and
// Notifier are optional.
type Deps struct {
	Feed       ports.MarketFeed
	Trades     ports.TradeProvider
	Valuer     ports.Valuer
	Gate       *gate.Gate
	Ledger     *ledger.Ledger
	Detector   *detector.Detector
	Reconciler *reconcile.Reconciler
	Storage    ports.LedgerStorage
	Notifier   ports.Notifier
	Now        func() time.Time
}

// CycleResult summarizes one decision cycle.
type CycleResult struct {
	At         time.Time             `json:"at"`
	Duration   time.Duration         `json:"duration"`
	Snapshots  int                   `json:"snapshots"`
	Missing    []string              `json:"missing,omitempty"`
	Scored     int                   `json:"scored"`
	Opened     []domain.Position     `json:"opened,omitempty"`
	Closed     []domain.Position     `json:"closed,omitempty"`
	Rejections []domain.Decision     `json:"rejections,omitempty"`
	Alerts     []domain.AnomalyAlert `json:"alerts,omitempty"`
	Conflicts  []string              `json:"conflicts,omitempty"`
	SyncError  string                `json:"sync_error,omitempty"`
	Breaker    bool                  `json:"breaker_tripped"`
	Top        []domain.Opportunity  `json:"-"`
}

// Status is the read-only view exposed to the front-end and HTTP API.
type Status struct {
	InstanceID string                `json:"instance_id"`
	Running    bool                  `json:"running"`
	Portfolio  domain.PortfolioState `json:"portfolio"`
	Equity     float64               `json:"equity"`
	WinRate    float64               `json:"win_rate"`
	Open       []domain.Position     `json:"open_positions"`
	Closed     []domain.Position     `json:"closed_positions"`
	Risk       domain.RiskState      `json:"risk"`
	Alerts     []domain.AnomalyAlert `json:"alerts"`
	Unacked    int                   `json:"unacknowledged_alerts"`
	Rejections []domain.Decision     `json:"rejections"`
	Peers      []string              `json:"peers"`
	LastCycle  *CycleResult          `json:"last_cycle,omitempty"`
	LastSync   time.Time             `json:"last_sync"`
}

// Engine runs the decision loop of one instance.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	tickMu  sync.Mutex // serializa ticks y cierres manuales
	running atomic.Bool

	viewMu      sync.RWMutex
	rejections  []domain.Decision
	lastReject  map[string]domain.RejectReason
	categories  map[string]string
	tradeCursor map[string]time.Time
	lastCycle   *CycleResult
}

// New validates the dependencies and creates a running engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Feed == nil || deps.Valuer == nil || deps.Gate == nil || deps.Ledger == nil || deps.Detector == nil {
		return nil, fmt.Errorf("engine.New: %w: feed, valuer, gate, ledger and detector are required", domain.ErrInvalidInput)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = defaultFeedTimeout
	}
	if cfg.TradeLookback <= 0 {
		cfg.TradeLookback = defaultTradeLookback
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = defaultMaxRejections
	}
	if cfg.Lambda <= 0 {
		cfg.Lambda = defaultLambda
	}
	if cfg.WinProb == nil {
		cfg.WinProb = domain.FairValueWinProb
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		now:         now,
		lastReject:  make(map[string]domain.RejectReason),
		categories:  make(map[string]string),
		tradeCursor: make(map[string]time.Time),
	}
	e.running.Store(true)
	return e, nil
}

// Restore loads the last persisted ledger snapshot and recent alerts.
// A missing snapshot is not an error: the instance starts fresh.
func (e *Engine) Restore(ctx context.Context) error {
	if e.deps.Storage == nil {
		return nil
	}
	snap, found, err := e.deps.Storage.LoadLedger(ctx, e.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("engine.Restore: %w", err)
	}
	if found {
		if err := e.deps.Ledger.Restore(snap); err != nil {
			return fmt.Errorf("engine.Restore: %w", err)
		}
		e.viewMu.Lock()
		for _, p := range snap.Positions {
			if p.Category != "" {
				e.categories[p.MarketID] = p.Category
			}
		}
		e.viewMu.Unlock()
		st := snap.State
		slog.Info("engine: restored ledger",
			"instance", e.cfg.InstanceID,
			"cash", fmt.Sprintf("$%.2f", st.Cash),
			"open", len(e.deps.Ledger.OpenPositions()),
			"trades", st.TotalTrades,
		)
	}

	alerts, err := e.deps.Storage.RecentAlerts(ctx, 50)
	if err != nil {
		slog.Warn("engine: could not load recent alerts", "err", err)
		return nil
	}
	e.deps.Detector.Preload(alerts)
	return nil
}

// Run executes a cycle immediately and then every PollInterval until ctx is
// cancelled. Stopped engines skip cycles but keep serving reads and closes.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"instance", e.cfg.InstanceID,
		"interval", e.cfg.PollInterval,
		"markets", len(e.cfg.Markets),
	)

	e.runCycle(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopped")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	if !e.running.Load() {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		slog.Debug("engine: paused, skipping cycle")
		return
	}
	res, err := e.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("engine: cycle failed", "err", err)
		}
		return
	}
	if e.cfg.OnCycle != nil {
		e.cfg.OnCycle(res)
	}
}

// Start resumes the decision loop.
func (e *Engine) Start() {
	if !e.running.Swap(true) {
		slog.Info("engine: started")
	}
}

// Stop pauses the decision loop. Open positions are kept.
func (e *Engine) Stop() {
	if e.running.Swap(false) {
		slog.Info("engine: stopped by command")
	}
}

// Running reports whether cycles are executed.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Tick runs one full decision cycle. Only a feed failure aborts the cycle;
// every other fault is logged and reported in the result.
func (e *Engine) Tick(ctx context.Context) (*CycleResult, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := e.now().UTC()
	res := &CycleResult{At: start}
	defer func() {
		res.Duration = e.now().Sub(start)
		metrics.CycleDuration.Observe(res.Duration.Seconds())
	}()

	if e.deps.Ledger.RefreshRisk() {
		metrics.BreakerTripped.Set(0)
	}

	// 1. feed
	ids := e.watchList()
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
	snaps, missing, err := e.deps.Feed.FetchSnapshots(fetchCtx, ids)
	cancel()
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("feed_error").Inc()
		return res, fmt.Errorf("engine.Tick: fetch snapshots: %w", err)
	}
	res.Snapshots = len(snaps)
	res.Missing = missing
	if len(missing) > 0 {
		slog.Debug("engine: markets not found this cycle", "missing", missing)
	}

	// 2. detector en paralelo con salidas y scoring
	var alertsWG sync.WaitGroup
	var alertRes detector.Result
	alertsWG.Add(1)
	go func() {
		defer alertsWG.Done()
		alertRes = e.detect(ctx, snaps)
	}()

	// 3. salidas y mark-to-market
	bySnap := make(map[string]domain.MarketSnapshot, len(snaps))
	for _, s := range snaps {
		bySnap[s.MarketID] = s
	}
	e.processExits(ctx, bySnap, start, res)

	// 4. scoring
	opps := scoreMarketsConcurrent(ctx, e.deps.Valuer, snaps, e.cfg.Lambda, start, e.cfg.ScoreWorkers)
	if e.cfg.MinScore > 0 {
		kept := opps[:0]
		for _, o := range opps {
			if o.Score >= e.cfg.MinScore {
				kept = append(kept, o)
			}
		}
		opps = kept
	}
	res.Scored = len(opps)
	metrics.OpportunitiesScored.Add(float64(len(opps)))
	if len(opps) > 10 {
		res.Top = append([]domain.Opportunity(nil), opps[:10]...)
	} else {
		res.Top = append([]domain.Opportunity(nil), opps...)
	}

	// 5. gate → sizer → ledger
	e.processEntries(ctx, opps, start, res)

	alertsWG.Wait()
	e.handleAlerts(ctx, alertRes, res)

	// 6. persistencia local y sync
	e.persist(ctx)
	if e.deps.Reconciler != nil {
		if err := e.deps.Reconciler.Sync(ctx, e.instanceSnapshot()); err != nil {
			metrics.SyncErrors.Inc()
			res.SyncError = err.Error()
		}
	}

	res.Breaker = e.deps.Ledger.Risk().IsTripped()
	e.updateGauges()
	metrics.CyclesTotal.WithLabelValues("ok").Inc()

	e.viewMu.Lock()
	e.lastCycle = res
	e.viewMu.Unlock()

	slog.Info("engine: cycle complete",
		"snapshots", res.Snapshots,
		"scored", res.Scored,
		"opened", len(res.Opened),
		"closed", len(res.Closed),
		"rejected", len(res.Rejections),
		"alerts", len(res.Alerts),
		"breaker", res.Breaker,
	)
	return res, nil
}

// watchList is the configured markets plus markets with open positions.
func (e *Engine) watchList() []string {
	seen := make(map[string]bool, len(e.cfg.Markets))
	ids := make([]string, 0, len(e.cfg.Markets))
	for _, id := range e.cfg.Markets {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, p := range e.deps.Ledger.OpenPositions() {
		if !seen[p.MarketID] {
			seen[p.MarketID] = true
			ids = append(ids, p.MarketID)
		}
	}
	return ids
}

func (e *Engine) processExits(ctx context.Context, bySnap map[string]domain.MarketSnapshot, now time.Time, res *CycleResult) {
	for _, pos := range e.deps.Ledger.OpenPositions() {
		snap, ok := bySnap[pos.MarketID]
		if !ok {
			continue
		}
		price := snap.PriceFor(pos.Outcome)
		e.deps.Ledger.MarkToMarket(pos.MarketID, pos.Outcome, price)

		sig, ok := e.cfg.Exits.Evaluate(pos, price, snap, now)
		if !ok {
			continue
		}
		closed, err := e.close(ctx, sig.TradeID, sig.ExitPrice, sig.Reason)
		if err != nil {
			res.Conflicts = append(res.Conflicts, err.Error())
			continue
		}
		res.Closed = append(res.Closed, closed)
	}
}

func (e *Engine) processEntries(ctx context.Context, opps []domain.Opportunity, now time.Time, res *CycleResult) {
	book := gate.NewBook(e.deps.Ledger.OpenPositions(), e.deps.Ledger.Risk())
	seenMarket := make(map[string]bool, len(opps))

	for _, opp := range opps {
		// un solo outcome por mercado y ciclo: el mejor rankeado
		if seenMarket[opp.MarketID] {
			continue
		}
		seenMarket[opp.MarketID] = true

		d := e.deps.Gate.Check(opp, book, now)
		if !d.Approved {
			e.reject(ctx, d, res)
			continue
		}

		cash := e.deps.Ledger.State().Cash
		sized := domain.SizeStake(opp.ExpectedReturn, e.cfg.WinProb(opp), cash, e.cfg.Sizing)
		if sized.Skip {
			d.Reason = domain.RejectSizerSkip
			d.Detail = fmt.Sprintf("%s (kelly %.4f)", sized.Reason, sized.RawFraction)
			e.reject(ctx, d, res)
			continue
		}

		pos, err := e.deps.Ledger.Open(ledger.OpenRequest{Opportunity: opp, Stake: sized.Stake})
		if err != nil {
			if domain.IsConflict(err) {
				metrics.LedgerConflicts.WithLabelValues("open").Inc()
				res.Conflicts = append(res.Conflicts, err.Error())
			}
			slog.Warn("engine: open failed", "market", opp.MarketID, "err", err)
			d.Reason = domain.RejectLedgerConflict
			d.Detail = err.Error()
			e.reject(ctx, d, res)
			continue
		}

		book.Add(pos)
		e.rememberCategory(pos.MarketID, pos.Category)
		d.Approved, d.Stake, d.TradeID = true, pos.Stake, pos.TradeID
		res.Opened = append(res.Opened, pos)
		metrics.PositionsOpened.WithLabelValues(string(pos.Horizon)).Inc()
		e.clearReject(opp)

		slog.Info("engine: opened position",
			"trade", pos.TradeID,
			"market", pos.MarketID,
			"outcome", pos.Outcome,
			"horizon", pos.Horizon,
			"stake", fmt.Sprintf("$%.2f", pos.Stake),
			"price", fmt.Sprintf("%.3f", pos.EntryPrice),
			"g", fmt.Sprintf("%.5f", opp.Score),
		)
		e.notifyDecision(ctx, d)
	}
}

// reject records a rejection. Only changes of reason per market/outcome are
// delivered to the notifier so a standing rejection is not repeated every cycle.
func (e *Engine) reject(ctx context.Context, d domain.Decision, res *CycleResult) {
	res.Rejections = append(res.Rejections, d)
	metrics.GateRejections.WithLabelValues(string(d.Reason)).Inc()
	slog.Debug("engine: rejected", "market", d.MarketID, "outcome", d.Outcome, "reason", d.Reason, "detail", d.Detail)

	key := d.MarketID + "|" + string(d.Outcome)
	e.viewMu.Lock()
	e.rejections = append(e.rejections, d)
	if over := len(e.rejections) - e.cfg.MaxRejections; over > 0 {
		e.rejections = append([]domain.Decision(nil), e.rejections[over:]...)
	}
	changed := e.lastReject[key] != d.Reason
	e.lastReject[key] = d.Reason
	e.viewMu.Unlock()

	if changed {
		e.notifyDecision(ctx, d)
	}
}

func (e *Engine) clearReject(opp domain.Opportunity) {
	e.viewMu.Lock()
	delete(e.lastReject, opp.Key())
	e.viewMu.Unlock()
}

// close closes a position and reports it. Caller holds tickMu.
func (e *Engine) close(ctx context.Context, tradeID string, exit float64, reason domain.CloseReason) (domain.Position, error) {
	pos, tripped, err := e.deps.Ledger.Close(tradeID, exit, reason)
	if err != nil {
		if domain.IsConflict(err) {
			metrics.LedgerConflicts.WithLabelValues("close").Inc()
		}
		slog.Warn("engine: close failed", "trade", tradeID, "reason", reason, "err", err)
		return domain.Position{}, err
	}
	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	if tripped {
		metrics.BreakerTripped.Set(1)
	}
	slog.Info("engine: closed position",
		"trade", pos.TradeID,
		"market", pos.MarketID,
		"reason", reason,
		"exit", fmt.Sprintf("%.3f", pos.ExitPrice),
		"pnl", fmt.Sprintf("$%.2f", pos.RealizedPnL),
	)
	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.NotifyClose(ctx, pos); err != nil {
			slog.Warn("engine: notifier error", "err", err)
		}
	}
	return pos, nil
}

// ManualClose closes a position on operator command. With a nil exitPrice the
// last marked price is used.
func (e *Engine) ManualClose(ctx context.Context, tradeID string, exitPrice *float64) (domain.Position, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	exit := 0.0
	if exitPrice != nil {
		exit = *exitPrice
	} else {
		pos, ok := e.deps.Ledger.Position(tradeID)
		if !ok {
			metrics.LedgerConflicts.WithLabelValues("close").Inc()
			return domain.Position{}, &domain.ConflictError{Op: "close", TradeID: tradeID, Err: domain.ErrPositionNotFound}
		}
		exit = pos.CurrentPrice
	}

	pos, err := e.close(ctx, tradeID, exit, domain.CloseManual)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine.ManualClose: %w", err)
	}
	e.persist(ctx)
	e.updateGauges()
	return pos, nil
}

func (e *Engine) detect(ctx context.Context, snaps []domain.MarketSnapshot) detector.Result {
	var res detector.Result
	for _, s := range snaps {
		r := e.deps.Detector.ObserveSnapshot(s)
		res.Emitted = append(res.Emitted, r.Emitted...)
		res.Updated = append(res.Updated, r.Updated...)
	}
	if e.deps.Trades == nil {
		return res
	}

	for _, s := range snaps {
		if ctx.Err() != nil {
			break
		}
		since := e.cursor(s.MarketID)
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
		trades, err := e.deps.Trades.FetchTradeSamples(fetchCtx, s.MarketID, since)
		cancel()
		if err != nil {
			slog.Debug("engine: trade fetch failed", "market", s.MarketID, "err", err)
			continue
		}
		if len(trades) == 0 {
			continue
		}
		e.advanceCursor(s.MarketID, trades)
		r := e.deps.Detector.ObserveTrades(s.Question, trades)
		res.Emitted = append(res.Emitted, r.Emitted...)
		res.Updated = append(res.Updated, r.Updated...)
	}
	return res
}

func (e *Engine) cursor(marketID string) time.Time {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	if t, ok := e.tradeCursor[marketID]; ok {
		return t
	}
	return e.now().Add(-e.cfg.TradeLookback)
}

func (e *Engine) advanceCursor(marketID string, trades []domain.TradeSample) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	for _, t := range trades {
		if t.Timestamp.After(e.tradeCursor[marketID]) {
			e.tradeCursor[marketID] = t.Timestamp
		}
	}
}

func (e *Engine) handleAlerts(ctx context.Context, r detector.Result, res *CycleResult) {
	for _, a := range r.Emitted {
		res.Alerts = append(res.Alerts, a)
		metrics.AnomalyAlerts.WithLabelValues(string(a.Metric), string(a.Severity)).Inc()
		slog.Warn("engine: anomaly detected",
			"market", a.MarketID,
			"metric", a.Metric,
			"severity", a.Severity,
			"value", fmt.Sprintf("%.2f", a.Value),
		)
		if e.deps.Notifier != nil {
			if err := e.deps.Notifier.NotifyAlert(ctx, a); err != nil {
				slog.Warn("engine: notifier error", "err", err)
			}
		}
	}
	e.saveAlerts(ctx, r.Emitted...)
	e.saveAlerts(ctx, r.Updated...)
}

func (e *Engine) saveAlerts(ctx context.Context, alerts ...domain.AnomalyAlert) {
	if e.deps.Storage == nil {
		return
	}
	for _, a := range alerts {
		if err := e.deps.Storage.SaveAlert(ctx, a); err != nil {
			slog.Warn("engine: save alert failed", "market", a.MarketID, "err", err)
		}
	}
}

func (e *Engine) notifyDecision(ctx context.Context, d domain.Decision) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.NotifyDecision(ctx, d); err != nil {
		slog.Warn("engine: notifier error", "err", err)
	}
}

func (e *Engine) rememberCategory(marketID, category string) {
	if category == "" {
		return
	}
	e.viewMu.Lock()
	e.categories[marketID] = category
	e.viewMu.Unlock()
}

func (e *Engine) persist(ctx context.Context) {
	if e.deps.Storage == nil {
		return
	}
	if err := e.deps.Storage.SaveLedger(ctx, e.deps.Ledger.Snapshot()); err != nil {
		slog.Warn("engine: persist ledger failed", "err", err)
	}
}

func (e *Engine) updateGauges() {
	st := e.deps.Ledger.State()
	metrics.CashBalance.Set(st.Cash)
	metrics.Equity.Set(e.deps.Ledger.Equity())
	metrics.OpenPositions.Set(float64(len(e.deps.Ledger.OpenPositions())))
	if e.deps.Ledger.Risk().IsTripped() {
		metrics.BreakerTripped.Set(1)
	} else {
		metrics.BreakerTripped.Set(0)
	}
}

// instanceSnapshot is the local state published to the shared store.
func (e *Engine) instanceSnapshot() domain.InstanceSnapshot {
	e.viewMu.RLock()
	cats := make(map[string]string, len(e.categories))
	for k, v := range e.categories {
		cats[k] = v
	}
	e.viewMu.RUnlock()

	bl := append([]string(nil), e.cfg.Blacklist...)
	sort.Strings(bl)
	return domain.InstanceSnapshot{
		State:      e.deps.Ledger.State(),
		Open:       e.deps.Ledger.OpenPositions(),
		Closed:     e.deps.Ledger.ClosedPositions(),
		Activity:   e.deps.Ledger.Activity(),
		Categories: cats,
		Blacklist:  bl,
	}
}

// Status returns a read-only snapshot of the engine.
func (e *Engine) Status() Status {
	l := e.deps.Ledger
	st := l.State()
	s := Status{
		InstanceID: e.cfg.InstanceID,
		Running:    e.Running(),
		Portfolio:  st,
		Equity:     l.Equity(),
		WinRate:    st.WinRate(),
		Open:       l.OpenPositions(),
		Closed:     l.ClosedPositions(),
		Risk:       l.Risk(),
		Alerts:     e.deps.Detector.Alerts(50),
		Unacked:    e.deps.Detector.UnacknowledgedCount(),
		Rejections: e.Rejections(50),
		Peers:      []string{},
	}
	if e.deps.Reconciler != nil {
		s.Peers = e.deps.Reconciler.PeerIDs()
		s.LastSync, _ = e.deps.Reconciler.Status()
	}
	e.viewMu.RLock()
	if e.lastCycle != nil {
		c := *e.lastCycle
		s.LastCycle = &c
	}
	e.viewMu.RUnlock()
	return s
}

// Rejections returns up to limit recent rejections, newest first.
func (e *Engine) Rejections(limit int) []domain.Decision {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	n := len(e.rejections)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Decision, 0, n)
	for i := len(e.rejections) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.rejections[i])
	}
	return out
}

// Alerts returns up to limit recent anomaly alerts, newest first.
func (e *Engine) Alerts(limit int) []domain.AnomalyAlert {
	return e.deps.Detector.Alerts(limit)
}

// UnacknowledgedAlerts returns up to limit alerts nobody has acknowledged, newest first.
func (e *Engine) UnacknowledgedAlerts(limit int) []domain.AnomalyAlert {
	return e.deps.Detector.Unacknowledged(limit)
}

// AcknowledgeAlert marks an alert as seen and persists it.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id string) (domain.AnomalyAlert, error) {
	a, err := e.deps.Detector.Acknowledge(id)
	if err != nil {
		return domain.AnomalyAlert{}, fmt.Errorf("engine.AcknowledgeAlert: %w", err)
	}
	e.saveAlerts(ctx, a)
	slog.Info("engine: alert acknowledged", "id", id, "market", a.MarketID)
	return a, nil
}

// AcknowledgeAll marks every recent alert as seen. Returns how many changed.
func (e *Engine) AcknowledgeAll(ctx context.Context) int {
	changed := e.deps.Detector.AcknowledgeAll()
	e.saveAlerts(ctx, changed...)
	if len(changed) > 0 {
		slog.Info("engine: alerts acknowledged", "count", len(changed))
	}
	return len(changed)
}

// TraderProfile returns the activity profile of one wallet.
func (e *Engine) TraderProfile(address string) (domain.TraderProfile, bool) {
	return e.deps.Detector.TraderProfile(address)
}

// SuspiciousTraders lists wallets with at least minLarge large trades.
func (e *Engine) SuspiciousTraders(minLarge int) []domain.TraderProfile {
	return e.deps.Detector.SuspiciousTraders(minLarge)
}

// Positions returns positions by status ("" = all).
func (e *Engine) Positions(status domain.PositionStatus) []domain.Position {
	return e.deps.Ledger.Positions(status)
}

// Portfolio returns the portfolio aggregate.
func (e *Engine) Portfolio() domain.PortfolioState {
	return e.deps.Ledger.State()
}

// Peers returns the read-only view of the other instances.
func (e *Engine) Peers() domain.PeerView {
	if e.deps.Reconciler == nil {
		return domain.PeerView{Instances: map[string]domain.InstanceSnapshot{}}
	}
	return e.deps.Reconciler.Peers()
}

// Shutdown flushes the final state locally and to the shared store. It waits
// for an in-flight cycle to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	var errs []error
	if e.deps.Storage != nil {
		if err := e.deps.Storage.SaveLedger(ctx, e.deps.Ledger.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("engine.Shutdown: save ledger: %w", err))
		}
	}
	if e.deps.Reconciler != nil {
		if err := e.deps.Reconciler.Push(ctx, e.instanceSnapshot()); err != nil {
			errs = append(errs, fmt.Errorf("engine.Shutdown: push: %w", err))
		}
	}
	st := e.deps.Ledger.State()
	slog.Info("engine: final state flushed",
		"cash", fmt.Sprintf("$%.2f", st.Cash),
		"realized_pnl", fmt.Sprintf("$%.2f", st.RealizedPnL),
		"open", len(e.deps.Ledger.OpenPositions()),
	)
	return errors.Join(errs...)
}
