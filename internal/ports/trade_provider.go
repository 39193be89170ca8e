package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// TradeProvider obtiene los trades públicos recientes de un mercado.
type TradeProvider interface {
	// FetchTradeSamples devuelve los trades posteriores a since, ordenados por timestamp asc.
	FetchTradeSamples(ctx context.Context, marketID string, since time.Time) ([]domain.TradeSample, error)
}
