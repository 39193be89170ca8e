package domain

// Horizon clasifica una oportunidad según los días hasta la resolución.
type Horizon string

const (
	HorizonSwing Horizon = "swing"
	HorizonLong  Horizon = "long"
)

// SwingHorizonDays es el límite (exclusivo) en días de una operación swing.
const SwingHorizonDays = 30.0

// ClassifyHorizon devuelve swing si days < 30, long en otro caso.
func ClassifyHorizon(days float64) Horizon {
	if days < SwingHorizonDays {
		return HorizonSwing
	}
	return HorizonLong
}

// ParseHorizon valida un horizonte leído de configuración.
func ParseHorizon(s string) (Horizon, bool) {
	switch Horizon(s) {
	case HorizonSwing, HorizonLong:
		return Horizon(s), true
	}
	return "", false
}

// Opportunity es el resultado de puntuar un outcome de un mercado.
// Efímera: solo vive dentro de un ciclo de decisión.
type Opportunity struct {
	MarketID       string
	Question       string
	Category       string
	Outcome        Outcome
	Price          float64 // precio actual del token del outcome
	FairValue      float64 // valor justo estimado por la fuente de valoración
	ExpectedReturn float64 // (fair - price) / price
	Score          float64 // G = ln(1+er) / (days + λ)
	Days           float64
	Horizon        Horizon
	Snapshot       MarketSnapshot
}

// Key identifica el par mercado/outcome.
func (o Opportunity) Key() string {
	return o.MarketID + "|" + string(o.Outcome)
}
