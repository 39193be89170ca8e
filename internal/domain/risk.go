package domain

import "time"

// RearmMode decides when a tripped breaker allows trading again.
type RearmMode string

const (
	RearmCooldown RearmMode = "cooldown"
	RearmNewDay   RearmMode = "new_day"
)

// BreakerPolicy configures the account-level circuit breaker.
type BreakerPolicy struct {
	MaxDailyLoss         float64 // positive USDC amount, 0 disables
	MaxConsecutiveLosses int     // 0 disables
	Cooldown             time.Duration
	Rearm                RearmMode
}

// RiskState tracks the rolling daily loss, the breaker and per-market exposure.
// Mutated only in lockstep with ledger open/close events.
type RiskState struct {
	Day               string             `json:"day"` // UTC YYYY-MM-DD
	DailyRealized     float64            `json:"daily_realized"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	Tripped           bool               `json:"tripped"`
	TrippedReason     string             `json:"tripped_reason,omitempty"`
	TrippedAt         time.Time          `json:"tripped_at"`
	RearmAt           time.Time          `json:"rearm_at"`
	ExposureByMarket  map[string]float64 `json:"exposure_by_market"`
	OpenByMarket      map[string]int     `json:"open_by_market"`
}

// NewRiskState returns an armed breaker for the day of now.
func NewRiskState(now time.Time) RiskState {
	return RiskState{
		Day:              dayKey(now),
		ExposureByMarket: make(map[string]float64),
		OpenByMarket:     make(map[string]int),
	}
}

// DailyLoss is the realized loss of the current day as a positive number.
func (r RiskState) DailyLoss() float64 {
	if r.DailyRealized >= 0 {
		return 0
	}
	return -r.DailyRealized
}

// IsTripped reports whether new entries are blocked.
func (r RiskState) IsTripped() bool {
	return r.Tripped
}

// Refresh rolls the daily accumulator on a new UTC day and re-arms the
// breaker once its re-arm time has passed. Returns true if it re-armed.
func (r *RiskState) Refresh(now time.Time) bool {
	r.ensure()
	if day := dayKey(now); day != r.Day {
		r.Day = day
		r.DailyRealized = 0
	}
	if r.Tripped && !now.Before(r.RearmAt) {
		r.Tripped = false
		r.TrippedReason = ""
		r.ConsecutiveLosses = 0
		return true
	}
	return false
}

// RecordOpen adds stake to the market exposure counters.
func (r *RiskState) RecordOpen(marketID string, stake float64) {
	r.ensure()
	r.ExposureByMarket[marketID] += stake
	r.OpenByMarket[marketID]++
}

// RecordClose removes the position from exposure, accumulates realized P&L
// and trips the breaker if a limit is crossed. Returns true if it tripped now.
func (r *RiskState) RecordClose(marketID string, stake, pnl float64, now time.Time, p BreakerPolicy) bool {
	r.ensure()
	r.Refresh(now)

	r.ExposureByMarket[marketID] -= stake
	if r.ExposureByMarket[marketID] <= 1e-9 {
		delete(r.ExposureByMarket, marketID)
	}
	r.OpenByMarket[marketID]--
	if r.OpenByMarket[marketID] <= 0 {
		delete(r.OpenByMarket, marketID)
	}

	r.DailyRealized += pnl
	if IsLoss(pnl) {
		r.ConsecutiveLosses++
	} else {
		r.ConsecutiveLosses = 0
	}

	if r.Tripped {
		return false
	}
	switch {
	case p.MaxDailyLoss > 0 && r.DailyLoss() >= p.MaxDailyLoss:
		r.trip(now, p, "daily loss exceeded")
	case p.MaxConsecutiveLosses > 0 && r.ConsecutiveLosses >= p.MaxConsecutiveLosses:
		r.trip(now, p, "consecutive losses")
	default:
		return false
	}
	return true
}

func (r *RiskState) trip(now time.Time, p BreakerPolicy, reason string) {
	r.Tripped = true
	r.TrippedReason = reason
	r.TrippedAt = now
	if p.Rearm == RearmNewDay {
		r.RearmAt = startOfNextDay(now)
	} else {
		r.RearmAt = now.Add(p.Cooldown)
	}
}

func (r *RiskState) ensure() {
	if r.ExposureByMarket == nil {
		r.ExposureByMarket = make(map[string]float64)
	}
	if r.OpenByMarket == nil {
		r.OpenByMarket = make(map[string]int)
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func startOfNextDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
