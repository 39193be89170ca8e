package notify_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polytrader/internal/adapters/notify"
	"github.com/alejandrodnm/polytrader/internal/domain"
)

func openPosition(id, question string) domain.Position {
	return domain.Position{
		TradeID:      id,
		MarketID:     "0xmarket",
		Question:     question,
		Outcome:      domain.OutcomeYes,
		Side:         domain.SideBuy,
		Horizon:      domain.HorizonSwing,
		EntryPrice:   0.40,
		Stake:        100,
		CurrentPrice: 0.50,
		Status:       domain.PositionOpen,
		EndDate:      time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestConsole_NotifyDecision(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	require.NoError(t, n.NotifyDecision(context.Background(), domain.Decision{
		MarketID: "0xm1", Question: "Will Trump win?", Outcome: domain.OutcomeYes,
		Approved: true, Stake: 50, TradeID: "bot_20260410153000_1",
	}))
	require.NoError(t, n.NotifyDecision(context.Background(), domain.Decision{
		MarketID: "0xm2", Question: "Will BTC hit 100k?", Outcome: domain.OutcomeNo,
		Reason: domain.RejectBlacklisted, Detail: "market 0xm2 is blacklisted",
	}))

	out := buf.String()
	assert.Contains(t, out, "OPEN  bot_20260410153000_1 YES Will Trump win? stake $50.00")
	assert.Contains(t, out, "SKIP  NO Will BTC hit 100k?: blacklisted (market 0xm2 is blacklisted)\n")
}

func TestConsole_NotifyAlertAndClose(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	require.NoError(t, n.NotifyAlert(context.Background(), domain.AnomalyAlert{
		MarketID: "0xm1", Question: "Will X?", Metric: domain.MetricTradeSize,
		Value: 25000, Threshold: 10000, Severity: domain.SeverityMedium, Occurrences: 1,
	}))
	p := openPosition("bot_1", "Will X?")
	p.ExitPrice, p.RealizedPnL, p.CloseReason = 0.30, -27, domain.CloseStopLoss
	require.NoError(t, n.NotifyClose(context.Background(), p))

	out := buf.String()
	assert.Contains(t, out, "!! MEDIUM trade_size Will X? $25000.00 (threshold $10000.00, x1)")
	assert.Contains(t, out, "CLOSE bot_1 YES Will X? @0.400→0.300 -$27.00 (stop_loss)")
}

func TestConsole_PrintStatus_TableMode(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	n.PrintStatus(notify.StatusInput{
		InstanceID: "inst-a",
		Running:    true,
		Portfolio:  domain.PortfolioState{InitialCapital: 1000, Cash: 900, TotalTrades: 1},
		Equity:     1025,
		Open:       []domain.Position{openPosition("bot_1", strings.Repeat("A", 80))},
		Top: []domain.Opportunity{{
			MarketID: "0xm9", Question: "Will Y?", Outcome: domain.OutcomeYes,
			Price: 0.2, FairValue: 0.6, ExpectedReturn: 2, Days: 10, Score: 0.09155, Horizon: domain.HorizonSwing,
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "[inst-a] cash $900.00 | equity $1025.00 | open 1")
	assert.Contains(t, out, "bot_1")
	assert.Contains(t, out, "…")
	assert.Contains(t, out, "+$25.00")
	assert.Contains(t, out, "Will Y?")
	assert.Contains(t, out, "+200.0%")
}

func TestConsole_PrintStatus_CompactShowsBreaker(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	n.PrintStatus(notify.StatusInput{
		InstanceID: "inst-a",
		Risk: domain.RiskState{
			Tripped: true, TrippedReason: "consecutive losses",
			RearmAt: time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC),
		},
	})
	out := buf.String()
	assert.Contains(t, out, "BREAKER consecutive losses until 04-11 00:00")
	assert.Contains(t, out, "STOPPED")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestConsole_PrintReport(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	closed := openPosition("bot_0", "Closed market")
	closed.Status, closed.ExitPrice, closed.RealizedPnL, closed.CloseReason = domain.PositionClosed, 0.6, 48, domain.CloseTakeProfit

	n.PrintReport(notify.StatusInput{
		InstanceID: "inst-a",
		Portfolio:  domain.PortfolioState{InitialCapital: 1000, Cash: 1048, TotalTrades: 1, WinningTrades: 1, RealizedPnL: 48},
		Equity:     1048,
		Closed:     []domain.Position{closed},
		Rejections: []domain.Decision{
			{Reason: domain.RejectBlacklisted}, {Reason: domain.RejectBlacklisted}, {Reason: domain.RejectSizerSkip},
		},
		Peers: domain.PeerView{Instances: map[string]domain.InstanceSnapshot{
			"inst-b": {State: domain.PortfolioState{InstanceID: "inst-b", Cash: 700, TotalTrades: 4, RealizedPnL: -12}},
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "PAPER LEDGER REPORT  instance inst-a")
	assert.Contains(t, out, "win rate 100.0%")
	assert.Contains(t, out, "── OPEN POSITIONS (0) ──")
	assert.Contains(t, out, "take_profit")
	assert.Contains(t, out, "blacklisted")
	assert.Contains(t, out, "inst-b")
	assert.Contains(t, out, "-$12.00")
	assert.Contains(t, out, "Breaker:         armed")
}
