package domain

import "sort"

// Blacklist is the set of markets the gate must never trade.
type Blacklist map[string]struct{}

// NewBlacklist builds a blacklist from market ids.
func NewBlacklist(ids ...string) Blacklist {
	b := make(Blacklist, len(ids))
	for _, id := range ids {
		if id != "" {
			b[id] = struct{}{}
		}
	}
	return b
}

// Contains reports whether marketID is blacklisted.
func (b Blacklist) Contains(marketID string) bool {
	_, ok := b[marketID]
	return ok
}

// IDs returns the blacklisted ids sorted.
func (b Blacklist) IDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarketPolicy restricts trading on one market.
type MarketPolicy struct {
	AllowedHorizons []Horizon // empty = any
	MaxExposure     float64   // USDC, 0 = unlimited
	MaxOpen         int       // 0 = use global cap
}

// AllowsHorizon reports whether h is permitted on the market.
func (p MarketPolicy) AllowsHorizon(h Horizon) bool {
	if len(p.AllowedHorizons) == 0 {
		return true
	}
	for _, a := range p.AllowedHorizons {
		if a == h {
			return true
		}
	}
	return false
}
