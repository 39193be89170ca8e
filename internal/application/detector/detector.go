// Package detector marca flujo de órdenes anómalo ("insider") por mercado.
//
// Por cada mercado mantiene ventanas móviles del tamaño de los trades, de los
// saltos de precio entre polls y del volumen 24h. Un sample dispara alerta si
// supera multiple × media de la ventana (con historia suficiente) o el floor
// absoluto. Las alertas se deduplican por mercado dentro de la ventana de
// supresión, hacia delante y hacia atrás en el tiempo.
//
// También lleva un perfil por wallet (trades, volumen, mercados, trades grandes)
// con los trades que traen proxy wallet.
//
// Es determinista: el tiempo sale de los samples, nunca del reloj.
package detector

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

const (
	defaultWindow       = 50
	defaultMinSamples   = 5
	defaultSizeMultiple = 5.0
	defaultSizeFloor    = 10_000.0
	defaultJumpMultiple = 4.0
	defaultJumpFloor    = 0.15
	defaultSuppression  = time.Hour
	defaultMaxAlerts    = 200
	defaultVolumeWindow = 24
	defaultVolumeSpike  = 3.0
	defaultLargeTrade   = 1000.0
	defaultMaxProfiles  = 5000
	seenTradesPerMarket = 500
)

// Config holds the detector thresholds. Zero values take defaults;
// a negative floor disables the floor trigger.
type Config struct {
	Window            int
	MinSamples        int
	TradeSizeMultiple float64
	TradeSizeFloor    float64 // USDC
	PriceJumpMultiple float64
	PriceJumpFloor    float64 // precio absoluto (0.15 = 15 centavos)
	SuppressionWindow time.Duration
	MaxAlerts         int

	VolumeWindow        int     // puntos de volumen 24h que se recuerdan
	VolumeSpikeMultiple float64 // sin floor: solo relativo a la media previa

	LargeTradeSize float64 // USDC; un trade por encima cuenta como grande en el perfil
	MaxProfiles    int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultMinSamples
	}
	if c.TradeSizeMultiple <= 0 {
		c.TradeSizeMultiple = defaultSizeMultiple
	}
	if c.TradeSizeFloor == 0 {
		c.TradeSizeFloor = defaultSizeFloor
	}
	if c.PriceJumpMultiple <= 0 {
		c.PriceJumpMultiple = defaultJumpMultiple
	}
	if c.PriceJumpFloor == 0 {
		c.PriceJumpFloor = defaultJumpFloor
	}
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = defaultSuppression
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = defaultMaxAlerts
	}
	if c.VolumeWindow <= 0 {
		c.VolumeWindow = defaultVolumeWindow
	}
	if c.VolumeSpikeMultiple <= 0 {
		c.VolumeSpikeMultiple = defaultVolumeSpike
	}
	if c.LargeTradeSize <= 0 {
		c.LargeTradeSize = defaultLargeTrade
	}
	if c.MaxProfiles <= 0 {
		c.MaxProfiles = defaultMaxProfiles
	}
	return c
}

// Result is what one observation produced. Emitted alerts are new and must be
// delivered; Updated alerts supersede an active alert and are only persisted.
type Result struct {
	Emitted []domain.AnomalyAlert
	Updated []domain.AnomalyAlert
}

// Empty reports whether nothing triggered.
func (r Result) Empty() bool {
	return len(r.Emitted) == 0 && len(r.Updated) == 0
}

func (r *Result) merge(o Result) {
	r.Emitted = append(r.Emitted, o.Emitted...)
	r.Updated = append(r.Updated, o.Updated...)
}

type marketSeries struct {
	sizes     *rolling
	jumps     *rolling
	volumes   *rolling
	lastPrice float64
	hasPrice  bool
	seen      map[string]struct{}
	seenOrder []string
}

// Detector is safe for concurrent use.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	series map[string]*marketSeries
	active map[string]domain.AnomalyAlert // marketID → alerta vigente
	recent []domain.AnomalyAlert          // más nueva al final

	profiles map[string]*traderProfile
}

type traderProfile struct {
	domain.TraderProfile
	markets map[string]struct{}
}

// New creates a detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		series:   make(map[string]*marketSeries),
		active:   make(map[string]domain.AnomalyAlert),
		profiles: make(map[string]*traderProfile),
	}
}

// ObserveTrades feeds public trades of one market. Trades already seen (by ID)
// are ignored so overlapping fetches do not double count.
func (d *Detector) ObserveTrades(question string, trades []domain.TradeSample) Result {
	sorted := append([]domain.TradeSample(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	d.mu.Lock()
	defer d.mu.Unlock()

	var res Result
	for _, t := range sorted {
		notional := t.Notional()
		if t.MarketID == "" || !(notional > 0) || math.IsInf(notional, 0) {
			continue
		}
		s := d.seriesFor(t.MarketID)
		if t.ID != "" {
			if _, dup := s.seen[t.ID]; dup {
				continue
			}
			s.remember(t.ID)
		}
		d.recordTrader(t, notional)
		res.merge(d.evaluate(t.MarketID, question, t.Wallet, domain.MetricTradeSize, notional, t.Timestamp,
			s.sizes, d.cfg.TradeSizeMultiple, d.cfg.TradeSizeFloor))
		s.sizes.add(notional)
	}
	return res
}

// ObserveSnapshot feeds one poll of a market. Two samples come out of it: the
// absolute YES price move since the previous poll, and the 24h volume.
func (d *Detector) ObserveSnapshot(snap domain.MarketSnapshot) Result {
	if snap.MarketID == "" || math.IsNaN(snap.YesPrice) {
		return Result{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.seriesFor(snap.MarketID)
	ts := snap.UpdatedAt

	var res Result
	if s.hasPrice {
		jump := math.Abs(snap.YesPrice - s.lastPrice)
		res.merge(d.evaluate(snap.MarketID, snap.Question, "", domain.MetricPriceJump, jump, ts,
			s.jumps, d.cfg.PriceJumpMultiple, d.cfg.PriceJumpFloor))
		s.jumps.add(jump)
	}
	s.lastPrice, s.hasPrice = snap.YesPrice, true

	if v := snap.Volume24h; v > 0 && !math.IsInf(v, 0) {
		res.merge(d.evaluate(snap.MarketID, snap.Question, "", domain.MetricVolumeSpike, v, ts,
			s.volumes, d.cfg.VolumeSpikeMultiple, 0))
		s.volumes.add(v)
	}
	return res
}

// Alerts returns up to limit recent alerts, newest first. limit ≤ 0 returns all.
func (d *Detector) Alerts(limit int) []domain.AnomalyAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AnomalyAlert, 0, n)
	for i := len(d.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.recent[i])
	}
	return out
}

// Unacknowledged returns up to limit recent alerts nobody has acknowledged, newest first.
func (d *Detector) Unacknowledged(limit int) []domain.AnomalyAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.AnomalyAlert
	for i := len(d.recent) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !d.recent[i].Acknowledged {
			out = append(out, d.recent[i])
		}
	}
	return out
}

// UnacknowledgedCount cuenta las alertas recientes sin reconocer.
func (d *Detector) UnacknowledgedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.recent {
		if !a.Acknowledged {
			n++
		}
	}
	return n
}

// Acknowledge marks one alert as seen and returns it for persistence.
// Acknowledging twice is a no-op.
func (d *Detector) Acknowledge(id string) (domain.AnomalyAlert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.recent) - 1; i >= 0; i-- {
		if d.recent[i].ID != id {
			continue
		}
		d.recent[i].Acknowledged = true
		d.syncActive(d.recent[i])
		return d.recent[i], nil
	}
	return domain.AnomalyAlert{}, fmt.Errorf("detector.Acknowledge: %s: %w", id, domain.ErrAlertNotFound)
}

// AcknowledgeAll marks every recent alert as seen and returns the ones that changed.
func (d *Detector) AcknowledgeAll() []domain.AnomalyAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	var changed []domain.AnomalyAlert
	for i := range d.recent {
		if d.recent[i].Acknowledged {
			continue
		}
		d.recent[i].Acknowledged = true
		d.syncActive(d.recent[i])
		changed = append(changed, d.recent[i])
	}
	return changed
}

// TraderProfile devuelve el perfil de un wallet.
func (d *Detector) TraderProfile(address string) (domain.TraderProfile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[strings.ToLower(address)]
	if !ok {
		return domain.TraderProfile{}, false
	}
	return p.snapshot(), true
}

// SuspiciousTraders lists wallets with at least minLarge large trades, most
// large trades first. minLarge ≤ 0 means 3.
func (d *Detector) SuspiciousTraders(minLarge int) []domain.TraderProfile {
	if minLarge <= 0 {
		minLarge = 3
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.TraderProfile
	for _, p := range d.profiles {
		if p.LargeTrades >= minLarge {
			out = append(out, p.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LargeTrades != out[j].LargeTrades {
			return out[i].LargeTrades > out[j].LargeTrades
		}
		if out[i].TotalVolume != out[j].TotalVolume {
			return out[i].TotalVolume > out[j].TotalVolume
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Preload seeds the recent-alert list, e.g. from local storage after a restart.
// Dedup state is not restored: the suppression window restarts.
func (d *Detector) Preload(alerts []domain.AnomalyAlert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(alerts) - 1; i >= 0; i-- {
		d.push(alerts[i])
	}
}

// evaluate checks value against the trailing window (which must not contain it yet).
// Caller holds mu.
func (d *Detector) evaluate(marketID, question, wallet string, metric domain.AlertMetric, value float64,
	ts time.Time, window *rolling, multiple, floor float64) Result {
	threshold := math.Inf(1)
	reason := ""
	if floor > 0 && value >= floor {
		threshold, reason = floor, fmt.Sprintf("%s %.2f ≥ floor %.2f", metric, value, floor)
	}
	if window.len() >= d.cfg.MinSamples {
		if rel := multiple * window.mean(); rel > 0 && value >= rel && rel < threshold {
			threshold = rel
			reason = fmt.Sprintf("%s %.2f ≥ %.1f× trailing mean %.2f", metric, value, multiple, window.mean())
		}
	}
	if math.IsInf(threshold, 1) {
		return Result{}
	}

	sev := domain.SeverityFor(value / threshold)
	// un sample fuera de orden (trade viejo tras un snapshot) también cae en la ventana
	prev, hasPrev := d.active[marketID]
	if hasPrev && absDuration(ts.Sub(prev.Timestamp)) < d.cfg.SuppressionWindow {
		upd := prev
		upd.Occurrences++
		if sev.Rank() > upd.Severity.Rank() {
			upd.Severity = sev
			upd.Metric, upd.Value, upd.Threshold, upd.Reason = metric, value, threshold, reason
			upd.Wallet = wallet
			upd.Acknowledged = false
		}
		d.active[marketID] = upd
		d.replace(upd)
		return Result{Updated: []domain.AnomalyAlert{upd}}
	}

	alert := domain.AnomalyAlert{
		ID:          uuid.NewString(),
		MarketID:    marketID,
		Question:    question,
		Metric:      metric,
		Value:       value,
		Threshold:   threshold,
		Severity:    sev,
		Timestamp:   ts,
		DedupKey:    domain.DedupKey(marketID, ts),
		Occurrences: 1,
		Reason:      reason,
		Wallet:      wallet,
	}
	// la vigente sigue siendo la más nueva
	if !hasPrev || !ts.Before(prev.Timestamp) {
		d.active[marketID] = alert
	}
	d.push(alert)
	slog.Debug("detector: alert", "market", marketID, "metric", metric, "severity", sev, "value", value)
	return Result{Emitted: []domain.AnomalyAlert{alert}}
}

func (d *Detector) push(a domain.AnomalyAlert) {
	d.recent = append(d.recent, a)
	if over := len(d.recent) - d.cfg.MaxAlerts; over > 0 {
		d.recent = append([]domain.AnomalyAlert(nil), d.recent[over:]...)
	}
}

func (d *Detector) replace(a domain.AnomalyAlert) {
	for i := len(d.recent) - 1; i >= 0; i-- {
		if d.recent[i].DedupKey == a.DedupKey {
			d.recent[i] = a
			return
		}
	}
	d.push(a)
}

// syncActive copia a active el ack de una alerta si sigue vigente.
func (d *Detector) syncActive(a domain.AnomalyAlert) {
	if cur, ok := d.active[a.MarketID]; ok && cur.ID == a.ID {
		cur.Acknowledged = a.Acknowledged
		d.active[a.MarketID] = cur
	}
}

// recordTrader actualiza el perfil del wallet. Caller holds mu.
func (d *Detector) recordTrader(t domain.TradeSample, notional float64) {
	if t.Wallet == "" {
		return
	}
	addr := strings.ToLower(t.Wallet)
	p, ok := d.profiles[addr]
	if !ok {
		if len(d.profiles) >= d.cfg.MaxProfiles {
			d.evictOldestProfile()
		}
		p = &traderProfile{
			TraderProfile: domain.TraderProfile{Address: addr, FirstSeen: t.Timestamp, LastSeen: t.Timestamp},
			markets:       make(map[string]struct{}),
		}
		d.profiles[addr] = p
	}
	if t.Timestamp.Before(p.FirstSeen) {
		p.FirstSeen = t.Timestamp
	}
	if t.Timestamp.After(p.LastSeen) {
		p.LastSeen = t.Timestamp
	}
	p.TotalTrades++
	p.TotalVolume += notional
	p.markets[t.MarketID] = struct{}{}
	if notional > d.cfg.LargeTradeSize {
		p.LargeTrades++
	}
}

func (d *Detector) evictOldestProfile() {
	oldest := ""
	var at time.Time
	for addr, p := range d.profiles {
		if oldest == "" || p.LastSeen.Before(at) || (p.LastSeen.Equal(at) && addr < oldest) {
			oldest, at = addr, p.LastSeen
		}
	}
	delete(d.profiles, oldest)
}

func (p *traderProfile) snapshot() domain.TraderProfile {
	out := p.TraderProfile
	out.Markets = make([]string, 0, len(p.markets))
	for m := range p.markets {
		out.Markets = append(out.Markets, m)
	}
	sort.Strings(out.Markets)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (d *Detector) seriesFor(marketID string) *marketSeries {
	s, ok := d.series[marketID]
	if !ok {
		s = &marketSeries{
			sizes:   newRolling(d.cfg.Window),
			jumps:   newRolling(d.cfg.Window),
			volumes: newRolling(d.cfg.VolumeWindow),
			seen:    make(map[string]struct{}),
		}
		d.series[marketID] = s
	}
	return s
}

func (s *marketSeries) remember(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenTradesPerMarket {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}
