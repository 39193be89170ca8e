package domain

import (
	"fmt"
	"time"
)

// AlertMetric is the statistic that triggered an anomaly alert.
type AlertMetric string

const (
	MetricTradeSize AlertMetric = "trade_size"
	MetricPriceJump AlertMetric = "price_jump"
	// MetricVolumeSpike compara el volumen 24h del snapshot con su media móvil.
	MetricVolumeSpike AlertMetric = "volume_spike"
)

// Severity of an anomaly alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// SeverityFor maps how far a sample is above its trigger threshold.
// A $10k floor gives low at $10k, medium at $25k, high at $50k, critical at $100k.
func SeverityFor(ratio float64) Severity {
	switch {
	case ratio >= 10:
		return SeverityCritical
	case ratio >= 5:
		return SeverityHigh
	case ratio >= 2.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyAlert flags abnormal order flow on a market. A newer alert with the
// same DedupKey supersedes it; Acknowledged is the only field an operator sets.
type AnomalyAlert struct {
	ID           string      `json:"id"`
	MarketID     string      `json:"market_id"`
	Question     string      `json:"question,omitempty"`
	Metric       AlertMetric `json:"metric"`
	Value        float64     `json:"value"`
	Threshold    float64     `json:"threshold"`
	Severity     Severity    `json:"severity"`
	Timestamp    time.Time   `json:"timestamp"`
	DedupKey     string      `json:"dedup_key"`
	Occurrences  int         `json:"occurrences"`
	Reason       string      `json:"reason"`
	Wallet       string      `json:"wallet,omitempty"` // proxy wallet del trade que disparó la alerta
	Acknowledged bool        `json:"acknowledged"`
}

// TraderProfile acumula la actividad pública de un wallet en los mercados vigilados.
type TraderProfile struct {
	Address     string    `json:"address"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	TotalTrades int       `json:"total_trades"`
	TotalVolume float64   `json:"total_volume"`
	Markets     []string  `json:"markets"`
	LargeTrades int       `json:"large_trades"`
}

// DedupKey builds the identity of an alert: market + time bucket.
func DedupKey(marketID string, bucketStart time.Time) string {
	return fmt.Sprintf("%s|%d", marketID, bucketStart.Unix())
}
