package domain

import "time"

// MarketSnapshot es la foto normalizada de un mercado binario en un fetch.
// Inmutable: el siguiente fetch del mismo mercado la reemplaza.
type MarketSnapshot struct {
	MarketID  string    `json:"market_id"`
	Question  string    `json:"question"`
	Slug      string    `json:"slug"`
	YesPrice  float64   `json:"yes_price"`
	NoPrice   float64   `json:"no_price"`
	Volume24h float64   `json:"volume_24h"` // USDC últimas 24h
	Liquidity float64   `json:"liquidity"`  // profundidad en USDC
	EndDate   time.Time `json:"end_date"`   // fecha de resolución
	UpdatedAt time.Time `json:"updated_at"`
}

// DaysToResolution devuelve los días hasta la resolución, nunca negativos.
// Devuelve 0 si EndDate no está definido.
func (s MarketSnapshot) DaysToResolution(now time.Time) float64 {
	if s.EndDate.IsZero() {
		return 0
	}
	d := s.EndDate.Sub(now).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// IsPastResolution devuelve true si la fecha de resolución ya pasó.
func (s MarketSnapshot) IsPastResolution(now time.Time) bool {
	return !s.EndDate.IsZero() && now.After(s.EndDate)
}

// PriceFor devuelve el precio del token del outcome dado.
// Si la API no devolvió precio NO, se usa el complemento del YES.
func (s MarketSnapshot) PriceFor(o Outcome) float64 {
	if o == OutcomeNo {
		if s.NoPrice > 0 {
			return s.NoPrice
		}
		return 1 - s.YesPrice
	}
	return s.YesPrice
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa los primeros caracteres del marketID como fallback.
func TruncateQuestion(question, marketID string, maxLen int) string {
	q := question
	if q == "" {
		if len(marketID) > 20 {
			q = marketID[:20] + "..."
		} else {
			q = marketID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}
