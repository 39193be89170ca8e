package ports

import (
	"context"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// Notifier presenta al usuario los eventos del motor.
type Notifier interface {
	// NotifyAlert publica una alerta de anomalía recién emitida.
	NotifyAlert(ctx context.Context, alert domain.AnomalyAlert) error

	// NotifyDecision publica una decisión de entrada, aprobada o rechazada.
	NotifyDecision(ctx context.Context, d domain.Decision) error

	// NotifyClose publica el cierre de una posición.
	NotifyClose(ctx context.Context, p domain.Position) error
}
