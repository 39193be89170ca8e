package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

func exitFixture(h domain.Horizon, side domain.Side) (domain.Position, domain.MarketSnapshot, time.Time) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pos := domain.Position{
		TradeID:    "bot_1",
		MarketID:   "m1",
		Outcome:    domain.OutcomeYes,
		Side:       side,
		Horizon:    h,
		EntryPrice: 0.40,
		Stake:      100,
		Status:     domain.PositionOpen,
	}
	snap := domain.MarketSnapshot{MarketID: "m1", EndDate: now.Add(72 * time.Hour)}
	return pos, snap, now
}

func TestEvaluate_Thresholds(t *testing.T) {
	p := DefaultExitPolicy()
	tests := []struct {
		name    string
		horizon domain.Horizon
		price   float64
		want    domain.CloseReason
		exit    float64
	}{
		{"swing take profit", domain.HorizonSwing, 0.47, domain.CloseTakeProfit, 0.47},
		{"swing stop loss", domain.HorizonSwing, 0.35, domain.CloseStopLoss, 0.35},
		{"swing holds", domain.HorizonSwing, 0.43, "", 0},
		{"long holds through swing tp", domain.HorizonLong, 0.47, "", 0},
		{"long take profit", domain.HorizonLong, 0.62, domain.CloseTakeProfit, 0.62},
		{"long stop loss", domain.HorizonLong, 0.27, domain.CloseStopLoss, 0.27},
		{"resolved win", domain.HorizonLong, 0.99, domain.CloseResolutionWin, 1.0},
		{"resolved loss", domain.HorizonSwing, 0.01, domain.CloseResolutionLoss, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, snap, now := exitFixture(tt.horizon, domain.SideBuy)
			sig, ok := p.Evaluate(pos, tt.price, snap, now)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, tt.want, sig.Reason)
			assert.InDelta(t, tt.exit, sig.ExitPrice, 1e-9)
			assert.Equal(t, "bot_1", sig.TradeID)
		})
	}
}

func TestEvaluate_SellSideInvertsResolution(t *testing.T) {
	pos, snap, now := exitFixture(domain.HorizonSwing, domain.SideSell)
	sig, ok := DefaultExitPolicy().Evaluate(pos, 0.99, snap, now)
	assert.True(t, ok)
	assert.Equal(t, domain.CloseResolutionLoss, sig.Reason)

	// precio baja: para SELL es ganancia
	sig, ok = DefaultExitPolicy().Evaluate(pos, 0.33, snap, now)
	assert.True(t, ok)
	assert.Equal(t, domain.CloseTakeProfit, sig.Reason)
}

func TestEvaluate_EndDatePassed(t *testing.T) {
	pos, snap, now := exitFixture(domain.HorizonSwing, domain.SideBuy)
	snap.EndDate = now.Add(-time.Minute)

	sig, ok := DefaultExitPolicy().Evaluate(pos, 0.41, snap, now)
	assert.True(t, ok)
	assert.Equal(t, domain.CloseResolution, sig.Reason)
	assert.InDelta(t, 0.41, sig.ExitPrice, 1e-9)

	p := DefaultExitPolicy()
	p.CloseAtEndDate = false
	_, ok = p.Evaluate(pos, 0.41, snap, now)
	assert.False(t, ok)
}

func TestEvaluate_IgnoresClosedAndInvalid(t *testing.T) {
	pos, snap, now := exitFixture(domain.HorizonSwing, domain.SideBuy)
	_, ok := DefaultExitPolicy().Evaluate(pos, 1.5, snap, now)
	assert.False(t, ok)

	pos.Status = domain.PositionClosed
	_, ok = DefaultExitPolicy().Evaluate(pos, 0.99, snap, now)
	assert.False(t, ok)
}
