package domain

import "time"

// Outcome is the token held by a position.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Side is the direction of a position relative to the held token price.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// PositionStatus is the lifecycle state of a position. CLOSED is terminal.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// CloseReason records what triggered a close.
type CloseReason string

const (
	CloseManual         CloseReason = "manual"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseTakeProfit     CloseReason = "take_profit"
	CloseResolutionWin  CloseReason = "resolution_win"
	CloseResolutionLoss CloseReason = "resolution_loss"
	CloseResolution     CloseReason = "resolution"
)

// Position is a simulated position owned by one instance.
type Position struct {
	TradeID      string         `json:"trade_id"`
	InstanceID   string         `json:"instance_id"`
	MarketID     string         `json:"market_id"`
	Question     string         `json:"question"`
	Category     string         `json:"category"`
	Outcome      Outcome        `json:"outcome"`
	Side         Side           `json:"side"`
	Horizon      Horizon        `json:"horizon"`
	EntryPrice   float64        `json:"entry_price"`
	Stake        float64        `json:"stake"` // USDC committed
	EntryTime    time.Time      `json:"entry_time"`
	EndDate      time.Time      `json:"end_date"`
	Status       PositionStatus `json:"status"`
	CurrentPrice float64        `json:"current_price"`
	ExitPrice    float64        `json:"exit_price,omitempty"`
	ExitTime     *time.Time     `json:"exit_time,omitempty"`
	RealizedPnL  float64        `json:"realized_pnl,omitempty"`
	CloseReason  CloseReason    `json:"close_reason,omitempty"`
}

// IsOpen reports whether the position is still OPEN.
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// ReturnPct is the signed price return relative to entry, before fees.
func (p Position) ReturnPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * p.Side.Sign()
}

// UnrealizedPnL projects P&L at price. Fees are only charged at close.
func (p Position) UnrealizedPnL(price float64) float64 {
	return p.ReturnPct(price) * p.Stake
}

// NetPnL is the realized P&L of a round trip net of the fixed fee rate.
//
//	net = (exit - entry) / entry × stake × sign - fee × stake
func NetPnL(entry, exit, stake, sign, feeRate float64) float64 {
	if entry <= 0 {
		return -feeRate * stake
	}
	return (exit-entry)/entry*stake*sign - feeRate*stake
}

// IsLoss clasifica un cierre: solo un P&L neto negativo cuenta como pérdida.
// Un cierre en break-even suma como ganador y corta la racha de pérdidas.
func IsLoss(pnl float64) bool {
	return pnl < 0
}
