package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

const (
	gammaMarketsPath  = "/markets"
	gammaConditionMax = 20
)

// FetchSnapshots obtiene el snapshot actual de cada mercado (condition_id) en
// lotes de Gamma. Los ids que Gamma no devuelve, o cuyo lote falló, van en missing.
// Solo es error si fallan todos los lotes.
func (c *Client) FetchSnapshots(ctx context.Context, marketIDs []string) ([]domain.MarketSnapshot, []string, error) {
	if len(marketIDs) == 0 {
		return nil, nil, nil
	}

	metadata, failed, err := c.fetchGammaMarkets(ctx, marketIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("gamma.FetchSnapshots: %w", err)
	}

	now := time.Now().UTC()
	snaps := make([]domain.MarketSnapshot, 0, len(marketIDs))
	var missing []string
	for _, id := range marketIDs {
		gm, ok := metadata[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		s, ok := mapGammaSnapshot(gm, now)
		if !ok {
			slog.Debug("gamma: market without usable prices", "market", id)
			missing = append(missing, id)
			continue
		}
		snaps = append(snaps, s)
	}

	slog.Debug("gamma snapshots fetched",
		"requested", len(marketIDs),
		"found", len(snaps),
		"failed_batches", failed,
	)
	return snaps, missing, nil
}

// fetchGammaMarkets obtiene los mercados de Gamma para los condition_ids dados.
func (c *Client) fetchGammaMarkets(ctx context.Context, conditionIDs []string) (map[string]gammaMarket, int, error) {
	result := make(map[string]gammaMarket, len(conditionIDs))
	batches, failed := 0, 0
	var lastErr error

	for i := 0; i < len(conditionIDs); i += gammaConditionMax {
		end := i + gammaConditionMax
		if end > len(conditionIDs) {
			end = len(conditionIDs)
		}
		batch := conditionIDs[i:end]
		batches++

		url := fmt.Sprintf("%s%s?condition_ids=%s&limit=%d",
			c.gammaBase,
			gammaMarketsPath,
			strings.Join(batch, ","),
			gammaConditionMax,
		)

		var resp gammaMarketsResponse
		if err := c.get(ctx, c.gammaLimiter, url, &resp); err != nil {
			slog.Debug("gamma batch failed, skipping",
				"batch", fmt.Sprintf("%d-%d", i, end),
				"err", err,
			)
			failed++
			lastErr = err
			continue
		}

		for _, gm := range resp {
			result[gm.ConditionID] = gm
		}
	}

	if failed == batches {
		return nil, failed, lastErr
	}
	return result, failed, nil
}
