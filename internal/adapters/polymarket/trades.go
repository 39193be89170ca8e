package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

const (
	tradesPerPage  = 500
	tradesMaxPages = 3
)

// FetchTradeSamples obtiene los trades públicos de un mercado posteriores a since,
// usando la Data API por condition_id (ambos outcomes). La API devuelve los más
// recientes primero; se pagina hasta pasar since o agotar tradesMaxPages.
// El resultado va ordenado por timestamp ascendente.
func (c *Client) FetchTradeSamples(ctx context.Context, marketID string, since time.Time) ([]domain.TradeSample, error) {
	var all []domain.TradeSample

	for page := 0; page < tradesMaxPages; page++ {
		offset := page * tradesPerPage
		url := fmt.Sprintf("%s/trades?market=%s&limit=%d&offset=%d",
			c.dataBase, marketID, tradesPerPage, offset)

		var resp []rawDataTrade
		if err := c.get(ctx, c.dataLimiter, url, &resp); err != nil {
			return nil, fmt.Errorf("data-api.FetchTradeSamples: %w", err)
		}
		if len(resp) == 0 {
			break
		}

		reachedSince := false
		for _, rt := range resp {
			t, ok := mapDataTrade(rt, marketID)
			if !ok {
				continue
			}
			if !t.Timestamp.After(since) {
				reachedSince = true
				continue
			}
			all = append(all, t)
		}

		slog.Debug("fetched trades page",
			"market", marketID[:min(10, len(marketID))]+"...",
			"page", page,
			"count", len(resp),
			"total", len(all),
		)

		if reachedSince || len(resp) < tradesPerPage {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all, nil
}
