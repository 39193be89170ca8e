package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marca entradas mal formadas (precios, stakes, config).
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidExpectedReturn marca un retorno esperado ≤ -1.
	ErrInvalidExpectedReturn = errors.New("expected return must be > -1")
	// ErrNoEdge marca oportunidades con retorno esperado no positivo.
	ErrNoEdge = errors.New("no positive edge")
	// ErrInsufficientCash se devuelve al abrir con stake > cash.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrPositionNotFound se devuelve al cerrar un trade desconocido.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionClosed se devuelve al cerrar un trade ya cerrado.
	ErrPositionClosed = errors.New("position already closed")
	// ErrStakeTooSmall marca stakes por debajo del mínimo de trade.
	ErrStakeTooSmall = errors.New("stake below minimum trade size")
	// ErrMarketNotFound lo devuelve el feed por mercado inexistente.
	ErrMarketNotFound = errors.New("market not found")
	// ErrAlertNotFound: no hay alerta con ese id en memoria.
	ErrAlertNotFound = errors.New("alert not found")
)

// ConflictError es una violación de invariante del ledger.
// Se reporta, nunca tumba el loop.
type ConflictError struct {
	Op      string
	TradeID string
	Err     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger conflict on %s %s: %v", e.Op, e.TradeID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsConflict devuelve true si err es un ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
