package domain

import "time"

// PortfolioState is the per-instance aggregate.
// Invariant: Cash + Σ open stakes only moves by realized P&L at close.
type PortfolioState struct {
	InstanceID     string    `json:"instance_id"`
	InitialCapital float64   `json:"initial_capital"`
	Cash           float64   `json:"cash_balance"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	RealizedPnL    float64   `json:"total_pnl"`
	TradeCounter   int64     `json:"trade_counter"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewPortfolioState creates a fresh portfolio funded with capital.
func NewPortfolioState(instanceID string, capital float64) PortfolioState {
	return PortfolioState{
		InstanceID:     instanceID,
		InitialCapital: capital,
		Cash:           capital,
	}
}

// WinRate returns winning / closed trades, 0 when nothing closed yet.
func (p PortfolioState) WinRate() float64 {
	closed := p.WinningTrades + p.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(p.WinningTrades) / float64(closed)
}

// LedgerSnapshot is the full persisted state of one instance's ledger.
type LedgerSnapshot struct {
	State     PortfolioState  `json:"state"`
	Positions []Position      `json:"positions"` // open and closed
	Risk      RiskState       `json:"risk"`
	Activity  []ActivityEntry `json:"activity"`
	TakenAt   time.Time       `json:"taken_at"`
}
