// Package valuation provee fuentes de valor justo para el scorer.
package valuation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// StaticTable implementa ports.Valuer con una tabla fija de probabilidades YES,
// indexada por market id o por slug. El valor NO es el complemento.
// Los mercados sin entrada no se puntúan.
type StaticTable struct {
	mu   sync.RWMutex
	fair map[string]float64
}

// NewStaticTable valida la tabla: cada valor debe estar en (0,1).
func NewStaticTable(fair map[string]float64) (*StaticTable, error) {
	t := &StaticTable{fair: make(map[string]float64, len(fair))}
	for k, v := range fair {
		if err := t.Set(k, v); err != nil {
			return nil, fmt.Errorf("valuation.NewStaticTable: %w", err)
		}
	}
	return t, nil
}

// Set añade o reemplaza el valor justo YES de un mercado.
func (t *StaticTable) Set(key string, fair float64) error {
	if key == "" {
		return fmt.Errorf("%w: empty market key", domain.ErrInvalidInput)
	}
	if !(fair > 0 && fair < 1) {
		return fmt.Errorf("%w: fair value %.4f for %s outside (0,1)", domain.ErrInvalidInput, fair, key)
	}
	t.mu.Lock()
	t.fair[key] = fair
	t.mu.Unlock()
	return nil
}

// FairValue devuelve el valor justo del outcome pedido.
func (t *StaticTable) FairValue(s domain.MarketSnapshot, outcome domain.Outcome) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fair, ok := t.fair[s.MarketID]
	if !ok && s.Slug != "" {
		fair, ok = t.fair[s.Slug]
	}
	if !ok {
		return 0, false
	}
	if outcome == domain.OutcomeNo {
		return 1 - fair, true
	}
	return fair, true
}

// Markets devuelve las claves de la tabla ordenadas.
func (t *StaticTable) Markets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.fair))
	for k := range t.fair {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
