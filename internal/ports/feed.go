package ports

import (
	"context"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// MarketFeed obtiene snapshots de mercados binarios.
type MarketFeed interface {
	// FetchSnapshots devuelve un snapshot por cada marketID encontrado.
	// Los ids que el feed no conoce se devuelven en missing, no como error.
	FetchSnapshots(ctx context.Context, marketIDs []string) (snapshots []domain.MarketSnapshot, missing []string, err error)
}
