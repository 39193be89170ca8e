package ports

import (
	"context"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// SharedStore es el almacén compartido entre instancias.
// Cada instancia solo escribe registros con su propio InstanceID.
type SharedStore interface {
	// Upsert inserta o reemplaza registros por (InstanceID, Kind, Key).
	Upsert(ctx context.Context, records ...domain.ReconciliationRecord) error

	// Delete elimina registros de la instancia dada.
	Delete(ctx context.Context, instanceID string, kind domain.RecordKind, keys ...string) error

	// Keys devuelve las claves guardadas de un tipo de registro de la instancia.
	Keys(ctx context.Context, instanceID string, kind domain.RecordKind) ([]string, error)

	// ListInstances devuelve los ids de todas las instancias registradas.
	ListInstances(ctx context.Context) ([]string, error)

	// Load devuelve todos los registros de una instancia.
	Load(ctx context.Context, instanceID string) ([]domain.ReconciliationRecord, error)

	Close() error
}
