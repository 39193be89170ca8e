package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ExpectedReturn calcula el retorno esperado firmado de comprar a price
// cuando el valor justo estimado es fairValue.
//
// Fórmula: er = (fair - price) / price
func ExpectedReturn(fairValue, price float64) (float64, error) {
	if !(price > 0 && price < 1) {
		return 0, fmt.Errorf("%w: price %.4f outside (0,1)", ErrInvalidInput, price)
	}
	if !(fairValue > 0 && fairValue < 1) {
		return 0, fmt.Errorf("%w: fair value %.4f outside (0,1)", ErrInvalidInput, fairValue)
	}
	return (fairValue - price) / price, nil
}

// GScore calcula la tasa de crecimiento suavizada en el tiempo.
//
// Fórmula: G = ln(1 + er) / (max(days, 0) + λ)
//
// er ≤ -1 se rechaza: el logaritmo no está definido.
func GScore(expectedReturn, days, lambda float64) (float64, error) {
	if !(lambda > 0) {
		return 0, fmt.Errorf("%w: smoothing constant %.4f must be > 0", ErrInvalidInput, lambda)
	}
	if math.IsNaN(expectedReturn) || math.IsInf(expectedReturn, 0) || math.IsNaN(days) {
		return 0, fmt.Errorf("%w: non-finite score input", ErrInvalidInput)
	}
	if expectedReturn <= -1 {
		return 0, fmt.Errorf("%w: %.4f", ErrInvalidExpectedReturn, expectedReturn)
	}
	if days < 0 {
		days = 0
	}
	return math.Log1p(expectedReturn) / (days + lambda), nil
}

// ScoreOpportunity puntúa un outcome de un snapshot.
// Devuelve ErrNoEdge si el mercado está sobrevalorado (er ≤ 0).
func ScoreOpportunity(s MarketSnapshot, outcome Outcome, fairValue, lambda float64, now time.Time) (Opportunity, error) {
	price := s.PriceFor(outcome)
	er, err := ExpectedReturn(fairValue, price)
	if err != nil {
		return Opportunity{}, err
	}

	days := s.DaysToResolution(now)
	g, err := GScore(er, days, lambda)
	if err != nil {
		return Opportunity{}, err
	}

	opp := Opportunity{
		MarketID:       s.MarketID,
		Question:       s.Question,
		Category:       DetectCategory(s.Question),
		Outcome:        outcome,
		Price:          price,
		FairValue:      fairValue,
		ExpectedReturn: er,
		Score:          g,
		Days:           days,
		Horizon:        ClassifyHorizon(days),
		Snapshot:       s,
	}
	if er <= 0 {
		return opp, fmt.Errorf("%w: expected return %.4f", ErrNoEdge, er)
	}
	return opp, nil
}

// RankOpportunities ordena in-place: G desc, expected return desc,
// días asc y finalmente market id para que el orden sea determinista.
func RankOpportunities(opps []Opportunity) []Opportunity {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ExpectedReturn != b.ExpectedReturn {
			return a.ExpectedReturn > b.ExpectedReturn
		}
		if a.Days != b.Days {
			return a.Days < b.Days
		}
		return a.Key() < b.Key()
	})
	return opps
}
