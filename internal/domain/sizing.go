package domain

import (
	"fmt"
	"math"
)

// WinProbEstimator estima la probabilidad del outcome favorable de una oportunidad.
// Es una política inyectable: la fuente real depende de la configuración.
type WinProbEstimator func(opp Opportunity) float64

// FairValueWinProb usa el valor justo como probabilidad de ganar.
func FairValueWinProb(opp Opportunity) float64 { return opp.FairValue }

// MarketPriceWinProb usa el precio de mercado (probabilidad implícita).
func MarketPriceWinProb(opp Opportunity) float64 { return opp.Price }

// WinProbEstimatorByName resuelve el estimador configurado.
func WinProbEstimatorByName(name string) (WinProbEstimator, error) {
	switch name {
	case "", "fair_value":
		return FairValueWinProb, nil
	case "market_price":
		return MarketPriceWinProb, nil
	}
	return nil, fmt.Errorf("%w: unknown win probability estimator %q", ErrInvalidInput, name)
}

// KellyFraction calcula la fracción de Kelly fraccional.
//
// Fórmula: f = k × (er × p - (1 - p)) / er
//
// Devuelve 0 si er ≤ 0 (no hay ventaja que dimensionar).
func KellyFraction(expectedReturn, pWin, k float64) float64 {
	if expectedReturn <= 0 {
		return 0
	}
	return k * (expectedReturn*pWin - (1 - pWin)) / expectedReturn
}

// SizingParams son los límites de bankroll del sizer.
type SizingParams struct {
	KellyMultiplier float64 // k ∈ (0,1]
	MaxFraction     float64 // fracción máxima del cash por trade
	MinTradeSize    float64 // stakes por debajo se descartan
}

// Skip reasons del sizer.
const (
	SkipNonPositiveKelly = "non_positive_kelly"
	SkipBelowMinTrade    = "below_min_trade"
	SkipNoCash           = "no_cash"
	SkipInvalidInput     = "invalid_input"
)

// SizingResult es la salida del sizer: un stake o un skip con motivo.
type SizingResult struct {
	Stake       float64
	Fraction    float64 // fracción aplicada tras el clamp
	RawFraction float64 // fracción de Kelly sin clamp
	Skip        bool
	Reason      string
}

// SizeStake dimensiona una posición. Nunca supera MaxFraction × cash
// ni el cash disponible.
func SizeStake(expectedReturn, pWin, cash float64, p SizingParams) SizingResult {
	if math.IsNaN(pWin) || pWin < 0 || pWin > 1 || math.IsNaN(expectedReturn) ||
		p.KellyMultiplier <= 0 || p.KellyMultiplier > 1 || p.MaxFraction <= 0 {
		return SizingResult{Skip: true, Reason: SkipInvalidInput}
	}
	if cash <= 0 {
		return SizingResult{Skip: true, Reason: SkipNoCash}
	}

	raw := KellyFraction(expectedReturn, pWin, p.KellyMultiplier)
	if raw <= 0 {
		return SizingResult{RawFraction: raw, Skip: true, Reason: SkipNonPositiveKelly}
	}

	f := math.Min(raw, math.Min(p.MaxFraction, 1))
	stake := math.Min(f*cash, cash)
	if stake < p.MinTradeSize || stake <= 0 {
		return SizingResult{Fraction: f, RawFraction: raw, Skip: true, Reason: SkipBelowMinTrade}
	}
	return SizingResult{Stake: stake, Fraction: f, RawFraction: raw}
}
