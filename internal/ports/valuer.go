package ports

import "github.com/alejandrodnm/polytrader/internal/domain"

// Valuer estima el valor justo del token de un outcome.
// ok=false significa que no hay estimación y el mercado no se puntúa.
type Valuer interface {
	FairValue(s domain.MarketSnapshot, outcome domain.Outcome) (fair float64, ok bool)
}
