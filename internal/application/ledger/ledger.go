// Package ledger mantiene el portfolio simulado de una instancia: cash,
// posiciones OPEN→CLOSED, el estado de riesgo y el log de actividad.
//
// Todas las mutaciones son atómicas: una operación que falla deja el
// ledger exactamente como estaba.
package ledger

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

const (
	defaultActivityLimit = 100
	tradeIDTimeLayout    = "20060102150405"
	epsilon              = 1e-9
)

// Config holds the ledger settings of one instance.
type Config struct {
	InstanceID     string
	InitialCapital float64
	FeeRate        float64 // fracción del stake cobrada al cerrar
	Breaker        domain.BreakerPolicy
	ActivityLimit  int
}

// OpenRequest describes a new position to open from a sized opportunity.
type OpenRequest struct {
	Opportunity domain.Opportunity
	Stake       float64
	Side        domain.Side // vacío = BUY
}

// Ledger is the single-writer portfolio of one instance. Safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	cfg       Config
	state     domain.PortfolioState
	positions map[string]*domain.Position
	risk      domain.RiskState
	activity  []domain.ActivityEntry
	now       func() time.Time
}

// New creates an empty ledger funded with cfg.InitialCapital.
// now may be nil, in which case time.Now is used.
func New(cfg Config, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	if cfg.ActivityLimit <= 0 {
		cfg.ActivityLimit = defaultActivityLimit
	}
	t := now().UTC()
	state := domain.NewPortfolioState(cfg.InstanceID, cfg.InitialCapital)
	state.UpdatedAt = t
	return &Ledger{
		cfg:       cfg,
		state:     state,
		positions: make(map[string]*domain.Position),
		risk:      domain.NewRiskState(t),
		now:       now,
	}
}

// Open debits stake from cash and records a new OPEN position.
// A stake above the available cash is a ledger conflict.
func (l *Ledger) Open(req OpenRequest) (domain.Position, error) {
	opp := req.Opportunity
	if !(req.Stake > 0) || math.IsInf(req.Stake, 0) {
		return domain.Position{}, fmt.Errorf("ledger.Open: %w: stake %.4f", domain.ErrInvalidInput, req.Stake)
	}
	if !(opp.Price > 0 && opp.Price < 1) {
		return domain.Position{}, fmt.Errorf("ledger.Open: %w: entry price %.4f", domain.ErrInvalidInput, opp.Price)
	}
	side := req.Side
	if side == "" {
		side = domain.SideBuy
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Stake > l.state.Cash+epsilon {
		return domain.Position{}, &domain.ConflictError{
			Op:  "open",
			Err: fmt.Errorf("%w: stake %.2f > cash %.2f", domain.ErrInsufficientCash, req.Stake, l.state.Cash),
		}
	}

	now := l.now().UTC()
	l.risk.Refresh(now)
	l.state.TradeCounter++
	pos := domain.Position{
		TradeID:      fmt.Sprintf("bot_%s_%d", now.Format(tradeIDTimeLayout), l.state.TradeCounter),
		InstanceID:   l.cfg.InstanceID,
		MarketID:     opp.MarketID,
		Question:     opp.Question,
		Category:     opp.Category,
		Outcome:      opp.Outcome,
		Side:         side,
		Horizon:      opp.Horizon,
		EntryPrice:   opp.Price,
		Stake:        req.Stake,
		EntryTime:    now,
		EndDate:      opp.Snapshot.EndDate,
		Status:       domain.PositionOpen,
		CurrentPrice: opp.Price,
	}

	l.state.Cash -= req.Stake
	l.state.TotalTrades++
	l.state.UpdatedAt = now
	l.positions[pos.TradeID] = &pos
	l.risk.RecordOpen(pos.MarketID, pos.Stake)
	l.appendActivity(domain.ActivityEntry{
		Timestamp: now,
		Action:    string(domain.SideBuy),
		TradeID:   pos.TradeID,
		MarketID:  pos.MarketID,
		Question:  pos.Question,
		Amount:    pos.Stake,
		Price:     pos.EntryPrice,
	})

	slog.Debug("ledger: opened",
		"trade", pos.TradeID,
		"market", pos.MarketID,
		"outcome", pos.Outcome,
		"stake", fmt.Sprintf("$%.2f", pos.Stake),
		"price", fmt.Sprintf("%.3f", pos.EntryPrice),
	)
	return pos, nil
}

// Close realizes the position at exitPrice net of fees and returns stake + P&L
// to cash. Closing an unknown or already CLOSED trade is a ledger conflict.
// The second return value reports whether the circuit breaker tripped.
func (l *Ledger) Close(tradeID string, exitPrice float64, reason domain.CloseReason) (domain.Position, bool, error) {
	if math.IsNaN(exitPrice) || exitPrice < 0 || exitPrice > 1 {
		return domain.Position{}, false, fmt.Errorf("ledger.Close: %w: exit price %.4f", domain.ErrInvalidInput, exitPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[tradeID]
	if !ok {
		return domain.Position{}, false, &domain.ConflictError{Op: "close", TradeID: tradeID, Err: domain.ErrPositionNotFound}
	}
	if !pos.IsOpen() {
		return domain.Position{}, false, &domain.ConflictError{Op: "close", TradeID: tradeID, Err: domain.ErrPositionClosed}
	}

	now := l.now().UTC()
	pnl := domain.NetPnL(pos.EntryPrice, exitPrice, pos.Stake, pos.Side.Sign(), l.cfg.FeeRate)

	pos.Status = domain.PositionClosed
	pos.ExitPrice = exitPrice
	pos.CurrentPrice = exitPrice
	pos.ExitTime = &now
	pos.RealizedPnL = pnl
	pos.CloseReason = reason

	// sin clamp: una pérdida total con fee deja el cash por debajo de cero por
	// el importe del fee, y cash + stakes abiertos - realizado se conserva
	l.state.Cash += pos.Stake + pnl
	l.state.RealizedPnL += pnl
	result := "LOSS"
	if domain.IsLoss(pnl) {
		l.state.LosingTrades++
	} else {
		l.state.WinningTrades++
		result = "WIN"
	}
	l.state.UpdatedAt = now

	tripped := l.risk.RecordClose(pos.MarketID, pos.Stake, pnl, now, l.cfg.Breaker)
	l.appendActivity(domain.ActivityEntry{
		Timestamp: now,
		Action:    string(domain.SideSell),
		TradeID:   pos.TradeID,
		MarketID:  pos.MarketID,
		Question:  pos.Question,
		Amount:    pos.Stake + pnl,
		Price:     exitPrice,
		PnL:       &pnl,
		Result:    result,
	})

	if tripped {
		slog.Warn("ledger: circuit breaker tripped",
			"reason", l.risk.TrippedReason,
			"daily_loss", fmt.Sprintf("$%.2f", l.risk.DailyLoss()),
			"consecutive_losses", l.risk.ConsecutiveLosses,
			"rearm_at", l.risk.RearmAt.Format(time.RFC3339),
		)
	}
	return *pos, tripped, nil
}

// MarkToMarket updates the current price of every OPEN position on marketID
// for the given outcome. Returns the number of positions updated.
func (l *Ledger) MarkToMarket(marketID string, outcome domain.Outcome, price float64) int {
	if math.IsNaN(price) || price < 0 || price > 1 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.positions {
		if p.IsOpen() && p.MarketID == marketID && p.Outcome == outcome {
			p.CurrentPrice = price
			n++
		}
	}
	return n
}

// RefreshRisk rolls the daily window and re-arms the breaker if due.
// Returns true if the breaker re-armed.
func (l *Ledger) RefreshRisk() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rearmed := l.risk.Refresh(l.now().UTC())
	if rearmed {
		slog.Info("ledger: circuit breaker re-armed")
	}
	return rearmed
}

// Position returns a copy of the position with the given trade id.
func (l *Ledger) Position(tradeID string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[tradeID]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// OpenPositions returns copies of the OPEN positions ordered by entry time.
func (l *Ledger) OpenPositions() []domain.Position {
	return l.Positions(domain.PositionOpen)
}

// ClosedPositions returns copies of the CLOSED positions ordered by entry time.
func (l *Ledger) ClosedPositions() []domain.Position {
	return l.Positions(domain.PositionClosed)
}

// Positions returns copies of the positions with the given status,
// or all of them if status is empty.
func (l *Ledger) Positions(status domain.PositionStatus) []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if status == "" || p.Status == status {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// State returns a copy of the portfolio aggregate.
func (l *Ledger) State() domain.PortfolioState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Risk returns a deep copy of the risk state.
func (l *Ledger) Risk() domain.RiskState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyRisk(l.risk)
}

// Activity returns the activity log, newest last.
func (l *Ledger) Activity() []domain.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ActivityEntry(nil), l.activity...)
}

// Equity is cash plus the mark-to-market value of OPEN positions.
func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	eq := l.state.Cash
	for _, p := range l.positions {
		if p.IsOpen() {
			eq += p.Stake + p.UnrealizedPnL(p.CurrentPrice)
		}
	}
	return eq
}

// Snapshot returns a deep copy of the whole ledger for persistence.
func (l *Ledger) Snapshot() domain.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	positions := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, *p)
	}
	sortPositions(positions)
	return domain.LedgerSnapshot{
		State:     l.state,
		Positions: positions,
		Risk:      copyRisk(l.risk),
		Activity:  append([]domain.ActivityEntry(nil), l.activity...),
		TakenAt:   l.now().UTC(),
	}
}

// Restore replaces the ledger content with snap. Exposure counters are
// rebuilt from the OPEN positions so they always agree with them.
func (l *Ledger) Restore(snap domain.LedgerSnapshot) error {
	if snap.State.InstanceID != "" && snap.State.InstanceID != l.cfg.InstanceID {
		return fmt.Errorf("ledger.Restore: %w: snapshot belongs to instance %q", domain.ErrInvalidInput, snap.State.InstanceID)
	}

	positions := make(map[string]*domain.Position, len(snap.Positions))
	risk := copyRisk(snap.Risk)
	risk.ExposureByMarket = make(map[string]float64)
	risk.OpenByMarket = make(map[string]int)
	for i := range snap.Positions {
		p := snap.Positions[i]
		if p.TradeID == "" {
			return fmt.Errorf("ledger.Restore: %w: position without trade id", domain.ErrInvalidInput)
		}
		if _, dup := positions[p.TradeID]; dup {
			return fmt.Errorf("ledger.Restore: %w: duplicate trade id %s", domain.ErrInvalidInput, p.TradeID)
		}
		positions[p.TradeID] = &p
		if p.IsOpen() {
			risk.RecordOpen(p.MarketID, p.Stake)
		}
	}
	if risk.Day == "" {
		risk.Day = l.now().UTC().Format("2006-01-02")
	}

	state := snap.State
	state.InstanceID = l.cfg.InstanceID
	activity := snap.Activity
	if len(activity) > l.cfg.ActivityLimit {
		activity = activity[len(activity)-l.cfg.ActivityLimit:]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	l.positions = positions
	l.risk = risk
	l.activity = append([]domain.ActivityEntry(nil), activity...)
	return nil
}

// appendActivity adds an entry and keeps only the newest ActivityLimit. Caller holds mu.
func (l *Ledger) appendActivity(e domain.ActivityEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	l.activity = append(l.activity, e)
	if over := len(l.activity) - l.cfg.ActivityLimit; over > 0 {
		l.activity = append([]domain.ActivityEntry(nil), l.activity[over:]...)
	}
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].EntryTime.Equal(ps[j].EntryTime) {
			return ps[i].EntryTime.Before(ps[j].EntryTime)
		}
		return ps[i].TradeID < ps[j].TradeID
	})
}

func copyRisk(r domain.RiskState) domain.RiskState {
	out := r
	out.ExposureByMarket = make(map[string]float64, len(r.ExposureByMarket))
	for k, v := range r.ExposureByMarket {
		out.ExposureByMarket[k] = v
	}
	out.OpenByMarket = make(map[string]int, len(r.OpenByMarket))
	for k, v := range r.OpenByMarket {
		out.OpenByMarket[k] = v
	}
	return out
}
