package engine

// score.go — worker pool para puntuar mercados en paralelo.

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
	"github.com/alejandrodnm/polytrader/internal/ports"
)

var outcomes = []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo}

// scoreMarketsConcurrent puntúa ambos outcomes de cada snapshot usando un worker pool.
// Los mercados sin valor justo o sin ventaja se descartan; los inputs inválidos
// se loguean y nunca abortan el ciclo.
//
// Si workers <= 0 usa runtime.NumCPU() × 2.
func scoreMarketsConcurrent(
	ctx context.Context,
	valuer ports.Valuer,
	snapshots []domain.MarketSnapshot,
	lambda float64,
	now time.Time,
	workers int,
) []domain.Opportunity {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	workCh := make(chan domain.MarketSnapshot, len(snapshots))
	resultCh := make(chan domain.Opportunity, len(snapshots)*len(outcomes))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snap := range workCh {
				if ctx.Err() != nil {
					continue
				}
				for _, o := range outcomes {
					fair, ok := valuer.FairValue(snap, o)
					if !ok {
						continue
					}
					opp, err := domain.ScoreOpportunity(snap, o, fair, lambda, now)
					if err != nil {
						if !errors.Is(err, domain.ErrNoEdge) {
							slog.Warn("engine: score rejected",
								"market", snap.MarketID,
								"outcome", o,
								"err", err,
							)
						}
						continue
					}
					resultCh <- opp
				}
			}
		}()
	}

	for _, s := range snapshots {
		workCh <- s
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	opps := make([]domain.Opportunity, 0, len(snapshots))
	for opp := range resultCh {
		opps = append(opps, opp)
	}

	slog.Debug("engine: scoring complete",
		"markets", len(snapshots),
		"opportunities", len(opps),
		"workers", workers,
	)
	return domain.RankOpportunities(opps)
}
