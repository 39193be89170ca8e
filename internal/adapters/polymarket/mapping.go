package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// mapGammaSnapshot convierte un gammaMarket DTO a domain.MarketSnapshot.
// Devuelve false si el mercado no trae un precio YES utilizable.
func mapGammaSnapshot(gm gammaMarket, now time.Time) (domain.MarketSnapshot, bool) {
	yes, no, ok := parseOutcomePrices(gm.Outcomes, gm.OutcomePrices)
	if !ok {
		return domain.MarketSnapshot{}, false
	}

	s := domain.MarketSnapshot{
		MarketID:  gm.ConditionID,
		Question:  gm.Question,
		Slug:      gm.Slug,
		YesPrice:  yes,
		NoPrice:   no,
		UpdatedAt: now.UTC(),
	}
	if v, err := gm.Volume24h.Float64(); err == nil {
		s.Volume24h = v
	}
	if v, err := gm.Liquidity.Float64(); err == nil {
		s.Liquidity = v
	}

	end := gm.EndDate
	if end == "" {
		end = gm.EndDateISO
	}
	s.EndDate = parseDate(end)
	return s, true
}

// parseOutcomePrices extrae los precios YES/NO. Las listas vienen serializadas
// como strings JSON: outcomes `["Yes","No"]`, outcomePrices `["0.2","0.8"]`.
// Si no hay nombres se asume el orden YES, NO.
func parseOutcomePrices(outcomesRaw, pricesRaw string) (yes, no float64, ok bool) {
	var prices []string
	if err := json.Unmarshal([]byte(pricesRaw), &prices); err != nil || len(prices) < 1 {
		return 0, 0, false
	}
	var names []string
	_ = json.Unmarshal([]byte(outcomesRaw), &names)

	yesIdx, noIdx := 0, 1
	for i, n := range names {
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "YES":
			yesIdx = i
		case "NO":
			noIdx = i
		}
	}

	yes, err := strconv.ParseFloat(priceAt(prices, yesIdx), 64)
	if err != nil || yes < 0 || yes > 1 {
		return 0, 0, false
	}
	no, err = strconv.ParseFloat(priceAt(prices, noIdx), 64)
	if err != nil || no < 0 || no > 1 {
		no = 0 // PriceFor usa el complemento
	}
	return yes, no, true
}

func priceAt(prices []string, i int) string {
	if i < 0 || i >= len(prices) {
		return ""
	}
	return prices[i]
}

// parseDate prueba los formatos que usa Polymarket.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// mapDataTrade convierte un trade de la Data API a domain.TradeSample.
// Sin id, se compone uno a partir del hash de la transacción.
func mapDataTrade(rt rawDataTrade, marketID string) (domain.TradeSample, bool) {
	price, err := rt.Price.Float64()
	if err != nil || price <= 0 {
		return domain.TradeSample{}, false
	}
	size, err := rt.Size.Float64()
	if err != nil || size <= 0 {
		return domain.TradeSample{}, false
	}

	id := rt.ID
	if id == "" && rt.TransactionHash != "" {
		id = rt.TransactionHash + ":" + rt.Asset + ":" + rt.Size.String()
	}
	side := domain.SideBuy
	if strings.EqualFold(rt.Side, string(domain.SideSell)) {
		side = domain.SideSell
	}
	if rt.ConditionID != "" {
		marketID = rt.ConditionID
	}
	return domain.TradeSample{
		ID:        id,
		MarketID:  marketID,
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: parseTradeTimestamp(rt.Timestamp),
		Wallet:    strings.ToLower(rt.ProxyWallet),
	}, true
}

// parseTradeTimestamp acepta unix en segundos o milisegundos, o ISO.
func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond)).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	return parseDate(s)
}
