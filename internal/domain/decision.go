package domain

import "time"

// RejectReason explains why a candidate did not become a trade.
// Rejections are structured decisions, not faults.
type RejectReason string

const (
	RejectBlacklisted        RejectReason = "blacklisted"
	RejectPolicyHorizon      RejectReason = "policy_horizon"
	RejectPolicyExposure     RejectReason = "policy_exposure"
	RejectBreakerTripped     RejectReason = "breaker_tripped"
	RejectMarketConcurrency  RejectReason = "market_concurrency"
	RejectTotalConcurrency   RejectReason = "total_concurrency"
	RejectHorizonConcurrency RejectReason = "horizon_concurrency"
	RejectCategoryLimit      RejectReason = "category_limit"
	RejectAlreadyHolding     RejectReason = "already_holding"
	RejectSizerSkip          RejectReason = "sizer_skip"
	RejectLedgerConflict     RejectReason = "ledger_conflict"
)

// Decision is the outcome of running one candidate through gate, sizer and ledger.
type Decision struct {
	MarketID string       `json:"market_id"`
	Question string       `json:"question,omitempty"`
	Outcome  Outcome      `json:"outcome"`
	Approved bool         `json:"approved"`
	Reason   RejectReason `json:"reason,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	Stake    float64      `json:"stake,omitempty"`
	TradeID  string       `json:"trade_id,omitempty"`
	At       time.Time    `json:"at"`
}
