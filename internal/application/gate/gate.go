// Package gate filtra oportunidades puntuadas contra blacklist, política por
// mercado, circuit breaker y límites de concurrencia antes del sizing.
package gate

import (
	"fmt"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// Limits are the concurrency caps. Zero disables a cap.
type Limits struct {
	MaxOpenPerMarket int
	MaxOpenTotal     int
	MaxSwing         int
	MaxLong          int
	CategoryLimits   map[string]int
}

// Gate applies the sequential entry filter. Read-only over its inputs.
type Gate struct {
	blacklist domain.Blacklist
	policies  map[string]domain.MarketPolicy
	limits    Limits
}

// New creates a gate. blacklist and policies may be nil.
func New(blacklist domain.Blacklist, policies map[string]domain.MarketPolicy, limits Limits) *Gate {
	if blacklist == nil {
		blacklist = domain.NewBlacklist()
	}
	if policies == nil {
		policies = make(map[string]domain.MarketPolicy)
	}
	return &Gate{blacklist: blacklist, policies: policies, limits: limits}
}

// Book is the view of the open positions the gate checks against.
type Book struct {
	OpenTotal        int
	OpenByMarket     map[string]int
	OpenByHorizon    map[domain.Horizon]int
	OpenByCategory   map[string]int
	ExposureByMarket map[string]float64
	Holding          map[string]bool // Opportunity.Key() de las posiciones abiertas
	BreakerTripped   bool
	BreakerReason    string
	BreakerRearmAt   time.Time
}

// NewBook builds the gate view from OPEN positions and the risk state.
func NewBook(open []domain.Position, risk domain.RiskState) Book {
	b := Book{
		OpenByMarket:     make(map[string]int),
		OpenByHorizon:    make(map[domain.Horizon]int),
		OpenByCategory:   make(map[string]int),
		ExposureByMarket: make(map[string]float64),
		Holding:          make(map[string]bool),
		BreakerTripped:   risk.IsTripped(),
		BreakerReason:    risk.TrippedReason,
		BreakerRearmAt:   risk.RearmAt,
	}
	for _, p := range open {
		if !p.IsOpen() {
			continue
		}
		b.Add(p)
	}
	return b
}

// Add accounts a newly opened position so later candidates in the same cycle see it.
func (b *Book) Add(p domain.Position) {
	b.OpenTotal++
	b.OpenByMarket[p.MarketID]++
	b.OpenByHorizon[p.Horizon]++
	b.OpenByCategory[p.Category]++
	b.ExposureByMarket[p.MarketID] += p.Stake
	b.Holding[p.MarketID+"|"+string(p.Outcome)] = true
}

// Check runs the filters in order and returns the first rejection, or an
// approved decision. It never fails: rejections are decisions.
func (g *Gate) Check(opp domain.Opportunity, book Book, now time.Time) domain.Decision {
	d := domain.Decision{
		MarketID: opp.MarketID,
		Question: opp.Question,
		Outcome:  opp.Outcome,
		At:       now,
	}
	reject := func(r domain.RejectReason, format string, args ...any) domain.Decision {
		d.Reason = r
		d.Detail = fmt.Sprintf(format, args...)
		return d
	}

	// 1. blacklist
	if g.blacklist.Contains(opp.MarketID) {
		return reject(domain.RejectBlacklisted, "market %s is blacklisted", opp.MarketID)
	}

	// 2. política por mercado
	policy, hasPolicy := g.policies[opp.MarketID]
	if hasPolicy {
		if !policy.AllowsHorizon(opp.Horizon) {
			return reject(domain.RejectPolicyHorizon, "horizon %s not allowed", opp.Horizon)
		}
		if policy.MaxExposure > 0 && book.ExposureByMarket[opp.MarketID] >= policy.MaxExposure {
			return reject(domain.RejectPolicyExposure, "exposure $%.2f reached cap $%.2f",
				book.ExposureByMarket[opp.MarketID], policy.MaxExposure)
		}
	}

	// 3. circuit breaker (global)
	if book.BreakerTripped {
		return reject(domain.RejectBreakerTripped, "%s, re-arms at %s",
			book.BreakerReason, book.BreakerRearmAt.UTC().Format(time.RFC3339))
	}

	// 4. concurrencia
	marketCap := g.limits.MaxOpenPerMarket
	if hasPolicy && policy.MaxOpen > 0 {
		marketCap = policy.MaxOpen
	}
	if marketCap > 0 && book.OpenByMarket[opp.MarketID] >= marketCap {
		return reject(domain.RejectMarketConcurrency, "%d open on market, cap %d", book.OpenByMarket[opp.MarketID], marketCap)
	}
	if g.limits.MaxOpenTotal > 0 && book.OpenTotal >= g.limits.MaxOpenTotal {
		return reject(domain.RejectTotalConcurrency, "%d open in total, cap %d", book.OpenTotal, g.limits.MaxOpenTotal)
	}
	if hcap := g.horizonCap(opp.Horizon); hcap > 0 && book.OpenByHorizon[opp.Horizon] >= hcap {
		return reject(domain.RejectHorizonConcurrency, "%d %s open, cap %d", book.OpenByHorizon[opp.Horizon], opp.Horizon, hcap)
	}
	if ccap, ok := g.limits.CategoryLimits[opp.Category]; ok && ccap > 0 && book.OpenByCategory[opp.Category] >= ccap {
		return reject(domain.RejectCategoryLimit, "%d open in %s, cap %d", book.OpenByCategory[opp.Category], opp.Category, ccap)
	}
	if book.Holding[opp.Key()] {
		return reject(domain.RejectAlreadyHolding, "already holding %s on market", opp.Outcome)
	}

	d.Approved = true
	return d
}

func (g *Gate) horizonCap(h domain.Horizon) int {
	switch h {
	case domain.HorizonSwing:
		return g.limits.MaxSwing
	case domain.HorizonLong:
		return g.limits.MaxLong
	}
	return 0
}
