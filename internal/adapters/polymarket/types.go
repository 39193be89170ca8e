package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata y los precios de un mercado.
// Gamma devuelve algunos campos numéricos como strings JSON, usamos json.Number.
// Outcomes y OutcomePrices llegan como listas JSON serializadas dentro de un string.
type gammaMarket struct {
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	EndDate       string      `json:"endDate"`
	EndDateISO    string      `json:"endDateIso"`
	Outcomes      string      `json:"outcomes"`
	OutcomePrices string      `json:"outcomePrices"`
	Volume24h     json.Number `json:"volume24hr"`
	Liquidity     json.Number `json:"liquidity"`
	UpdatedAt     string      `json:"updatedAt"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
}

// --- Data API ---

// rawDataTrade es un trade público de GET /trades de la Data API.
type rawDataTrade struct {
	ID              string      `json:"id"`
	TransactionHash string      `json:"transactionHash"`
	ConditionID     string      `json:"conditionId"`
	Asset           string      `json:"asset"`
	Side            string      `json:"side"`
	Outcome         string      `json:"outcome"`
	Price           json.Number `json:"price"`
	Size            json.Number `json:"size"`
	Timestamp       json.Number `json:"timestamp"`
	ProxyWallet     string      `json:"proxyWallet"`
}
