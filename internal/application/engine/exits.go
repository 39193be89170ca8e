package engine

import (
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// ExitPolicy decide cuándo se cierra una posición abierta.
// Los umbrales son retornos relativos al precio de entrada; 0 desactiva.
type ExitPolicy struct {
	SwingTakeProfit   float64
	SwingStopLoss     float64
	LongTakeProfit    float64
	LongStopLoss      float64
	ResolvedWinPrice  float64 // precio ≥ → resuelto a favor, sale a 1.0
	ResolvedLossPrice float64 // precio ≤ → resuelto en contra, sale a 0.0
	CloseAtEndDate    bool    // cerrar al precio actual si la fecha de resolución pasó
}

// DefaultExitPolicy: swing TP 15% / SL 10%, long TP 50% / SL 30%.
func DefaultExitPolicy() ExitPolicy {
	return ExitPolicy{
		SwingTakeProfit:   0.15,
		SwingStopLoss:     0.10,
		LongTakeProfit:    0.50,
		LongStopLoss:      0.30,
		ResolvedWinPrice:  0.98,
		ResolvedLossPrice: 0.02,
		CloseAtEndDate:    true,
	}
}

// ExitSignal is a close decided by the policy.
type ExitSignal struct {
	TradeID   string
	ExitPrice float64
	Reason    domain.CloseReason
}

// Evaluate returns the exit for pos at the current token price, if any.
// Resolution is checked before take-profit and stop-loss.
func (p ExitPolicy) Evaluate(pos domain.Position, price float64, snap domain.MarketSnapshot, now time.Time) (ExitSignal, bool) {
	if !pos.IsOpen() || price < 0 || price > 1 {
		return ExitSignal{}, false
	}
	sig := ExitSignal{TradeID: pos.TradeID, ExitPrice: price}

	switch {
	case p.ResolvedWinPrice > 0 && price >= p.ResolvedWinPrice:
		sig.ExitPrice, sig.Reason = 1.0, resolutionReason(pos.Side, true)
		return sig, true
	case p.ResolvedLossPrice > 0 && price <= p.ResolvedLossPrice:
		sig.ExitPrice, sig.Reason = 0.0, resolutionReason(pos.Side, false)
		return sig, true
	case p.CloseAtEndDate && snap.IsPastResolution(now):
		sig.Reason = domain.CloseResolution
		return sig, true
	}

	tp, sl := p.SwingTakeProfit, p.SwingStopLoss
	if pos.Horizon == domain.HorizonLong {
		tp, sl = p.LongTakeProfit, p.LongStopLoss
	}
	ret := pos.ReturnPct(price)
	switch {
	case tp > 0 && ret >= tp:
		sig.Reason = domain.CloseTakeProfit
		return sig, true
	case sl > 0 && ret <= -sl:
		sig.Reason = domain.CloseStopLoss
		return sig, true
	}
	return ExitSignal{}, false
}

// resolutionReason names the resolution from the position's point of view.
func resolutionReason(side domain.Side, tokenWon bool) domain.CloseReason {
	if tokenWon == (side != domain.SideSell) {
		return domain.CloseResolutionWin
	}
	return domain.CloseResolutionLoss
}
