package ports

import (
	"context"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// LedgerStorage persiste el ledger local de una instancia para sobrevivir reinicios.
type LedgerStorage interface {
	// SaveLedger reemplaza el snapshot guardado de la instancia.
	SaveLedger(ctx context.Context, snap domain.LedgerSnapshot) error

	// LoadLedger devuelve el último snapshot. found=false si la instancia es nueva.
	LoadLedger(ctx context.Context, instanceID string) (snap domain.LedgerSnapshot, found bool, err error)

	// SaveAlert persiste una alerta emitida (upsert por DedupKey).
	SaveAlert(ctx context.Context, alert domain.AnomalyAlert) error

	// RecentAlerts devuelve hasta limit alertas, las más recientes primero.
	RecentAlerts(ctx context.Context, limit int) ([]domain.AnomalyAlert, error)

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
