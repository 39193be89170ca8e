package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

var t0 = time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

func trade(id string, notional float64, at time.Time) domain.TradeSample {
	return domain.TradeSample{ID: id, MarketID: "m1", Side: "BUY", Price: 0.5, Size: notional / 0.5, Timestamp: at}
}

func history(n int, notional float64) []domain.TradeSample {
	out := make([]domain.TradeSample, n)
	for i := range out {
		out[i] = trade(fmt.Sprintf("h%d", i), notional, t0.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func TestObserveTrades_FloorTriggersWithoutHistory(t *testing.T) {
	d := New(Config{})
	res := d.ObserveTrades("Q?", []domain.TradeSample{trade("big", 15_000, t0)})

	require.Len(t, res.Emitted, 1)
	a := res.Emitted[0]
	assert.Equal(t, domain.MetricTradeSize, a.Metric)
	assert.Equal(t, 10_000.0, a.Threshold)
	assert.Equal(t, domain.SeverityLow, a.Severity)
	assert.Equal(t, domain.DedupKey("m1", t0), a.DedupKey)
	assert.Equal(t, 1, a.Occurrences)
	assert.Equal(t, "Q?", a.Question)
}

func TestObserveTrades_SeverityScalesWithFloor(t *testing.T) {
	cases := map[float64]domain.Severity{
		10_000:  domain.SeverityLow,
		25_000:  domain.SeverityMedium,
		50_000:  domain.SeverityHigh,
		100_000: domain.SeverityCritical,
	}
	for notional, want := range cases {
		d := New(Config{})
		res := d.ObserveTrades("", []domain.TradeSample{trade("x", notional, t0)})
		require.Len(t, res.Emitted, 1, "notional %v", notional)
		assert.Equal(t, want, res.Emitted[0].Severity, "notional %v", notional)
	}
}

func TestObserveTrades_RelativeTriggerNeedsMinSamples(t *testing.T) {
	d := New(Config{MinSamples: 5, TradeSizeMultiple: 5})
	res := d.ObserveTrades("", append(history(4, 100), trade("spike", 600, t0.Add(time.Hour))))
	assert.True(t, res.Empty(), "thin history must not trigger")

	d = New(Config{MinSamples: 5, TradeSizeMultiple: 5})
	res = d.ObserveTrades("", append(history(5, 100), trade("spike", 600, t0.Add(time.Hour))))
	require.Len(t, res.Emitted, 1)
	assert.InDelta(t, 500, res.Emitted[0].Threshold, 1e-9)
	assert.Contains(t, res.Emitted[0].Reason, "trailing mean")
}

func TestObserveTrades_DedupWithinSuppressionWindow(t *testing.T) {
	d := New(Config{SuppressionWindow: 30 * time.Minute})

	first := d.ObserveTrades("", []domain.TradeSample{trade("a", 12_000, t0)})
	require.Len(t, first.Emitted, 1)

	second := d.ObserveTrades("", []domain.TradeSample{trade("b", 60_000, t0.Add(10*time.Minute))})
	assert.Empty(t, second.Emitted)
	require.Len(t, second.Updated, 1)
	upd := second.Updated[0]
	assert.Equal(t, first.Emitted[0].DedupKey, upd.DedupKey)
	assert.Equal(t, first.Emitted[0].ID, upd.ID)
	assert.Equal(t, domain.SeverityHigh, upd.Severity)
	assert.Equal(t, 2, upd.Occurrences)

	// un trigger más débil no baja la severidad
	third := d.ObserveTrades("", []domain.TradeSample{trade("c", 11_000, t0.Add(20*time.Minute))})
	require.Len(t, third.Updated, 1)
	assert.Equal(t, domain.SeverityHigh, third.Updated[0].Severity)
	assert.Equal(t, 3, third.Updated[0].Occurrences)

	alerts := d.Alerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, 3, alerts[0].Occurrences)

	// fuera de la ventana: alerta nueva
	later := d.ObserveTrades("", []domain.TradeSample{trade("d", 12_000, t0.Add(31*time.Minute))})
	require.Len(t, later.Emitted, 1)
	assert.NotEqual(t, first.Emitted[0].DedupKey, later.Emitted[0].DedupKey)
	assert.Len(t, d.Alerts(0), 2)
}

func TestObserveTrades_IgnoresRepeatedTradeIDs(t *testing.T) {
	d := New(Config{})
	batch := []domain.TradeSample{trade("same", 20_000, t0)}
	assert.Len(t, d.ObserveTrades("", batch).Emitted, 1)
	assert.True(t, d.ObserveTrades("", batch).Empty())
}

func TestObserveSnapshot_PriceJump(t *testing.T) {
	d := New(Config{MinSamples: 3})
	prices := []float64{0.50, 0.51, 0.50, 0.52, 0.51}
	for i, p := range prices {
		res := d.ObserveSnapshot(domain.MarketSnapshot{MarketID: "m2", YesPrice: p, UpdatedAt: t0.Add(time.Duration(i) * time.Minute)})
		assert.True(t, res.Empty())
	}

	res := d.ObserveSnapshot(domain.MarketSnapshot{MarketID: "m2", YesPrice: 0.58, UpdatedAt: t0.Add(10 * time.Minute)})
	require.Len(t, res.Emitted, 1)
	a := res.Emitted[0]
	assert.Equal(t, domain.MetricPriceJump, a.Metric)
	assert.InDelta(t, 0.07, a.Value, 1e-9)
	assert.InDelta(t, 4*0.0125, a.Threshold, 1e-9)
}

func TestDetector_Deterministic(t *testing.T) {
	input := append(history(8, 200), trade("s1", 5_000, t0.Add(2*time.Hour)), trade("s2", 40_000, t0.Add(3*time.Hour)))
	run := func() []domain.AnomalyAlert {
		d := New(Config{SuppressionWindow: 30 * time.Minute})
		d.ObserveTrades("", input)
		alerts := d.Alerts(0)
		for i := range alerts {
			alerts[i].ID = ""
		}
		return alerts
	}
	assert.Equal(t, run(), run())
	assert.Len(t, run(), 2)
}

func TestAlerts_BoundedAndNewestFirst(t *testing.T) {
	d := New(Config{MaxAlerts: 3, SuppressionWindow: time.Second})
	for i := 0; i < 5; i++ {
		d.ObserveTrades("", []domain.TradeSample{trade(fmt.Sprintf("t%d", i), 20_000, t0.Add(time.Duration(i)*time.Minute))})
	}
	alerts := d.Alerts(0)
	require.Len(t, alerts, 3)
	assert.Equal(t, t0.Add(4*time.Minute), alerts[0].Timestamp)
	assert.Len(t, d.Alerts(2), 2)
}

func TestDetector_OlderTradeAfterSnapshotJumpIsSuppressed(t *testing.T) {
	d := New(Config{})
	noon := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	d.ObserveSnapshot(domain.MarketSnapshot{MarketID: "m", YesPrice: 0.30, UpdatedAt: noon.Add(-time.Minute)})
	jump := d.ObserveSnapshot(domain.MarketSnapshot{MarketID: "m", YesPrice: 0.60, UpdatedAt: noon})
	require.Len(t, jump.Emitted, 1)
	assert.Equal(t, domain.MetricPriceJump, jump.Emitted[0].Metric)

	late := domain.TradeSample{ID: "old", MarketID: "m", Side: domain.SideBuy, Price: 0.5, Size: 40_000, Timestamp: noon.Add(-5 * time.Minute)}
	res := d.ObserveTrades("", []domain.TradeSample{late})
	assert.Empty(t, res.Emitted)
	require.Len(t, res.Updated, 1)
	assert.Equal(t, jump.Emitted[0].ID, res.Updated[0].ID)
	assert.Equal(t, noon, res.Updated[0].Timestamp)
	assert.Equal(t, 2, res.Updated[0].Occurrences)
	assert.Len(t, d.Alerts(0), 1)
}

func TestDetector_OlderAlertOutsideWindowKeepsNewestActive(t *testing.T) {
	d := New(Config{})
	noon := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	d.ObserveSnapshot(domain.MarketSnapshot{MarketID: "m", YesPrice: 0.30, UpdatedAt: noon.Add(-time.Minute)})
	jump := d.ObserveSnapshot(domain.MarketSnapshot{MarketID: "m", YesPrice: 0.60, UpdatedAt: noon})
	require.Len(t, jump.Emitted, 1)

	old := domain.TradeSample{ID: "t1", MarketID: "m", Side: domain.SideBuy, Price: 0.5, Size: 40_000, Timestamp: noon.Add(-2 * time.Hour)}
	res := d.ObserveTrades("", []domain.TradeSample{old})
	require.Len(t, res.Emitted, 1, "two hours earlier is its own alert")

	recent := domain.TradeSample{ID: "t2", MarketID: "m", Side: domain.SideBuy, Price: 0.5, Size: 40_000, Timestamp: noon.Add(30 * time.Minute)}
	res = d.ObserveTrades("", []domain.TradeSample{recent})
	assert.Empty(t, res.Emitted)
	require.Len(t, res.Updated, 1)
	assert.Equal(t, jump.Emitted[0].ID, res.Updated[0].ID)
	assert.Len(t, d.Alerts(0), 2)
}

func TestObserveSnapshot_VolumeSpike(t *testing.T) {
	d := New(Config{MinSamples: 4})
	snap := func(i int, vol float64) domain.MarketSnapshot {
		return domain.MarketSnapshot{MarketID: "m3", Question: "Q?", YesPrice: 0.5, Volume24h: vol, UpdatedAt: t0.Add(time.Duration(i) * time.Minute)}
	}

	for i, v := range []float64{1000, 1100, 900} {
		assert.True(t, d.ObserveSnapshot(snap(i, v)).Empty())
	}
	assert.True(t, d.ObserveSnapshot(snap(3, 5000)).Empty(), "three previous points are not enough")

	d = New(Config{MinSamples: 4})
	for i, v := range []float64{1000, 1100, 900, 1000} {
		assert.True(t, d.ObserveSnapshot(snap(i, v)).Empty())
	}
	res := d.ObserveSnapshot(snap(4, 5000))
	require.Len(t, res.Emitted, 1)
	a := res.Emitted[0]
	assert.Equal(t, domain.MetricVolumeSpike, a.Metric)
	assert.InDelta(t, 3000, a.Threshold, 1e-9)
	assert.Equal(t, 5000.0, a.Value)
	assert.Contains(t, a.Reason, "trailing mean")
}

func TestDetector_Acknowledge(t *testing.T) {
	d := New(Config{SuppressionWindow: 30 * time.Minute})
	first := d.ObserveTrades("", []domain.TradeSample{trade("a", 12_000, t0)})
	require.Len(t, first.Emitted, 1)
	id := first.Emitted[0].ID
	assert.False(t, first.Emitted[0].Acknowledged)
	assert.Equal(t, 1, d.UnacknowledgedCount())

	acked, err := d.Acknowledge(id)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.True(t, d.Alerts(0)[0].Acknowledged)
	assert.Equal(t, 0, d.UnacknowledgedCount())
	assert.Empty(t, d.Unacknowledged(0))

	_, err = d.Acknowledge("missing")
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)

	// una repetición sin escalar mantiene el ack
	same := d.ObserveTrades("", []domain.TradeSample{trade("b", 11_000, t0.Add(5*time.Minute))})
	require.Len(t, same.Updated, 1)
	assert.True(t, same.Updated[0].Acknowledged)

	// escalar la severidad vuelve a pedir atención
	worse := d.ObserveTrades("", []domain.TradeSample{trade("c", 60_000, t0.Add(10*time.Minute))})
	require.Len(t, worse.Updated, 1)
	assert.False(t, worse.Updated[0].Acknowledged)
	assert.Equal(t, 1, d.UnacknowledgedCount())
}

func TestDetector_AcknowledgeAll(t *testing.T) {
	d := New(Config{SuppressionWindow: time.Second})
	for i := 0; i < 3; i++ {
		d.ObserveTrades("", []domain.TradeSample{trade(fmt.Sprintf("t%d", i), 20_000, t0.Add(time.Duration(i)*time.Minute))})
	}
	require.Equal(t, 3, d.UnacknowledgedCount())
	assert.Len(t, d.Unacknowledged(2), 2)

	assert.Len(t, d.AcknowledgeAll(), 3)
	assert.Equal(t, 0, d.UnacknowledgedCount())
	assert.Empty(t, d.AcknowledgeAll())
}

func TestDetector_TraderProfiles(t *testing.T) {
	d := New(Config{})
	wtrade := func(id, market, wallet string, notional float64, at time.Time) domain.TradeSample {
		return domain.TradeSample{ID: id, MarketID: market, Side: domain.SideBuy, Price: 0.5, Size: notional / 0.5, Timestamp: at, Wallet: wallet}
	}
	d.ObserveTrades("", []domain.TradeSample{
		wtrade("1", "m1", "0xAAA", 1500, t0),
		wtrade("2", "m2", "0xaaa", 1500, t0.Add(time.Minute)),
		wtrade("3", "m1", "0xAAA", 500, t0.Add(2*time.Minute)),
		wtrade("4", "m3", "0xAAA", 2000, t0.Add(3*time.Minute)),
		wtrade("5", "m1", "0xBBB", 2000, t0.Add(4*time.Minute)),
		wtrade("6", "m1", "", 5000, t0.Add(5*time.Minute)),
	})

	p, ok := d.TraderProfile("0xAaA")
	require.True(t, ok)
	assert.Equal(t, "0xaaa", p.Address)
	assert.Equal(t, 4, p.TotalTrades)
	assert.Equal(t, 3, p.LargeTrades)
	assert.InDelta(t, 5500, p.TotalVolume, 1e-9)
	assert.Equal(t, []string{"m1", "m2", "m3"}, p.Markets)
	assert.Equal(t, t0, p.FirstSeen)
	assert.Equal(t, t0.Add(3*time.Minute), p.LastSeen)

	sus := d.SuspiciousTraders(0)
	require.Len(t, sus, 1)
	assert.Equal(t, "0xaaa", sus[0].Address)
	assert.Len(t, d.SuspiciousTraders(1), 2)

	_, ok = d.TraderProfile("0xccc")
	assert.False(t, ok)
}

func TestDetector_AlertCarriesWallet(t *testing.T) {
	d := New(Config{})
	big := trade("w", 15_000, t0)
	big.Wallet = "0xwhale"
	res := d.ObserveTrades("", []domain.TradeSample{big})
	require.Len(t, res.Emitted, 1)
	assert.Equal(t, "0xwhale", res.Emitted[0].Wallet)
}

func TestDetector_ProfilesAreBounded(t *testing.T) {
	d := New(Config{MaxProfiles: 2})
	for i, w := range []string{"0x1", "0x2", "0x3"} {
		tr := trade(fmt.Sprintf("p%d", i), 100, t0.Add(time.Duration(i)*time.Minute))
		tr.Wallet = w
		d.ObserveTrades("", []domain.TradeSample{tr})
	}
	_, ok := d.TraderProfile("0x1")
	assert.False(t, ok, "least recently seen wallet is evicted")
	_, ok = d.TraderProfile("0x3")
	assert.True(t, ok)
}
