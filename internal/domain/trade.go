package domain

import "time"

// TradeSample es un trade público observado en un mercado (feed externo).
type TradeSample struct {
	ID        string
	MarketID  string
	Side      Side
	Price     float64
	Size      float64 // shares
	Timestamp time.Time
	Wallet    string // proxy wallet del taker; vacío si el feed no lo trae
}

// Notional devuelve el tamaño del trade en USDC.
func (t TradeSample) Notional() float64 {
	return t.Price * t.Size
}

// ActivityEntry es una fila del log de actividad (append-only).
type ActivityEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"` // "BUY" o "SELL"
	TradeID   string    `json:"trade_id"`
	MarketID  string    `json:"market_id"`
	Question  string    `json:"question"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	PnL       *float64  `json:"pnl,omitempty"`
	Result    string    `json:"result,omitempty"` // "WIN", "LOSS" o vacío en compras
}
