package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// Config es la configuración completa del motor de paper trading.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Engine   EngineConfig   `yaml:"engine"`
	Scorer   ScorerConfig   `yaml:"scorer"`
	Sizer    SizerConfig    `yaml:"sizer"`
	Risk     RiskConfig     `yaml:"risk"`
	Detector DetectorConfig `yaml:"detector"`
	Sync     SyncConfig     `yaml:"sync"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifica a esta instancia frente a sus pares.
type InstanceConfig struct {
	ID string `yaml:"id"` // vacío = inst-<hostname>, estable entre reinicios

	// Defaulted indica que el id no vino de YAML ni de entorno.
	Defaulted bool `yaml:"-"`
}

// EngineConfig controla el ciclo de decisión.
type EngineConfig struct {
	PollIntervalSeconds  int                `yaml:"poll_interval_seconds"`
	FeedTimeoutSeconds   int                `yaml:"feed_timeout_seconds"`
	InitialCapital       float64            `yaml:"initial_capital"`
	Markets              []string           `yaml:"markets"`
	FairValues           map[string]float64 `yaml:"fair_values"` // market id o slug → probabilidad del YES
	ScoreWorkers         int                `yaml:"score_workers"`
	TradeLookbackMinutes int                `yaml:"trade_lookback_minutes"`
	MaxRejections        int                `yaml:"max_rejections"`
	Exits                ExitsConfig        `yaml:"exits"`
}

// ExitsConfig son los umbrales de salida, como retorno relativo a la entrada.
type ExitsConfig struct {
	SwingTakeProfit   float64  `yaml:"swing_take_profit"`
	SwingStopLoss     float64  `yaml:"swing_stop_loss"`
	LongTakeProfit    float64  `yaml:"long_take_profit"`
	LongStopLoss      float64  `yaml:"long_stop_loss"`
	ResolvedWinPrice  *float64 `yaml:"resolved_win_price"`  // nil = 0.98, 0 desactiva
	ResolvedLossPrice *float64 `yaml:"resolved_loss_price"` // nil = 0.02, 0 desactiva
	CloseAtEndDate    *bool    `yaml:"close_at_end_date"`   // nil = true
}

// ScorerConfig controla el G-score.
type ScorerConfig struct {
	Lambda   float64 `yaml:"lambda"`
	MinScore float64 `yaml:"min_score"`
}

// SizerConfig controla el Kelly fraccional.
type SizerConfig struct {
	KellyMultiplier float64  `yaml:"kelly_multiplier"`
	MaxFraction     float64  `yaml:"max_fraction"`
	MinTradeSize    *float64 `yaml:"min_trade_size"`  // nil = 5, 0 = sin mínimo
	WinProbability  string   `yaml:"win_probability"` // fair_value | market_price
}

// RiskConfig agrupa fees, circuit breaker y límites del gate.
type RiskConfig struct {
	FeeRate              *float64                `yaml:"fee_rate"` // nil = 2%
	MaxDailyLoss         float64                 `yaml:"max_daily_loss"`
	MaxConsecutiveLosses int                     `yaml:"max_consecutive_losses"`
	CooldownMinutes      int                     `yaml:"cooldown_minutes"`
	Rearm                string                  `yaml:"rearm"` // cooldown | new_day
	MaxOpenPerMarket     int                     `yaml:"max_open_per_market"`
	MaxOpenTotal         int                     `yaml:"max_open_total"`
	MaxSwing             int                     `yaml:"max_swing"`
	MaxLong              int                     `yaml:"max_long"`
	CategoryLimits       map[string]int          `yaml:"category_limits"`
	Blacklist            []string                `yaml:"blacklist"`
	Policies             map[string]PolicyConfig `yaml:"policies"`
}

// PolicyConfig es la política de un mercado concreto.
type PolicyConfig struct {
	AllowedHorizons []string `yaml:"allowed_horizons"` // swing | long; vacío = cualquiera
	MaxExposure     float64  `yaml:"max_exposure"`
	MaxOpen         int      `yaml:"max_open"`
}

// DetectorConfig controla el detector de anomalías.
type DetectorConfig struct {
	Window             int     `yaml:"window"`
	MinSamples         int     `yaml:"min_samples"`
	TradeSizeMultiple  float64 `yaml:"trade_size_multiple"`
	TradeSizeFloor     float64 `yaml:"trade_size_floor"`
	PriceJumpMultiple  float64 `yaml:"price_jump_multiple"`
	PriceJumpFloor     float64 `yaml:"price_jump_floor"`
	SuppressionMinutes int     `yaml:"suppression_minutes"`
	MaxAlerts          int     `yaml:"max_alerts"`

	VolumeWindow        int     `yaml:"volume_window"`
	VolumeSpikeMultiple float64 `yaml:"volume_spike_multiple"`
	LargeTradeSize      float64 `yaml:"large_trade_size"` // USDC, para perfiles de wallet
	MaxProfiles         int     `yaml:"max_profiles"`
}

// SyncConfig controla la reconciliación con otras instancias vía Redis.
type SyncConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RedisAddr      string   `yaml:"redis_addr"`
	RedisPassword  string   `yaml:"redis_password"`
	RedisDB        int      `yaml:"redis_db"`
	Prefix         string   `yaml:"prefix"`
	Peers          []string `yaml:"peers"` // vacío = todas las registradas
	Attempts       int      `yaml:"attempts"`
	BackoffMillis  int      `yaml:"backoff_millis"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxActivity    int      `yaml:"max_activity"`
}

// APIConfig contiene los base URLs de las APIs.
type APIConfig struct {
	GammaBase             string `yaml:"gamma_base"`
	DataBase              string `yaml:"data_base"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// HTTPConfig controla la API de control.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // vacío = sin servidor HTTP
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodifica un YAML ya leído, aplica overrides de entorno y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// PollInterval devuelve el intervalo entre ciclos como time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalSeconds) * time.Second
}

// FeedTimeout es el límite por fetch de snapshots.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Engine.FeedTimeoutSeconds) * time.Second
}

// TradeLookback es la ventana inicial de trades que lee el detector.
func (c *Config) TradeLookback() time.Duration {
	return time.Duration(c.Engine.TradeLookbackMinutes) * time.Minute
}

// RequestTimeout es el timeout del cliente HTTP contra Polymarket.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSeconds) * time.Second
}

// FeeRate devuelve el fee efectivo.
func (c *Config) FeeRate() float64 {
	if c.Risk.FeeRate == nil {
		return defaultFeeRate
	}
	return *c.Risk.FeeRate
}

// Sizing traduce la sección sizer a parámetros de dominio.
func (c *Config) Sizing() domain.SizingParams {
	return domain.SizingParams{
		KellyMultiplier: c.Sizer.KellyMultiplier,
		MaxFraction:     c.Sizer.MaxFraction,
		MinTradeSize:    *c.Sizer.MinTradeSize,
	}
}

// Breaker traduce la sección risk a la política del circuit breaker.
func (c *Config) Breaker() domain.BreakerPolicy {
	return domain.BreakerPolicy{
		MaxDailyLoss:         c.Risk.MaxDailyLoss,
		MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
		Cooldown:             time.Duration(c.Risk.CooldownMinutes) * time.Minute,
		Rearm:                domain.RearmMode(c.Risk.Rearm),
	}
}

// MarketPolicies traduce las políticas por mercado. Validate ya comprobó los horizontes.
func (c *Config) MarketPolicies() map[string]domain.MarketPolicy {
	out := make(map[string]domain.MarketPolicy, len(c.Risk.Policies))
	for id, p := range c.Risk.Policies {
		mp := domain.MarketPolicy{MaxExposure: p.MaxExposure, MaxOpen: p.MaxOpen}
		for _, h := range p.AllowedHorizons {
			if hz, ok := domain.ParseHorizon(h); ok {
				mp.AllowedHorizons = append(mp.AllowedHorizons, hz)
			}
		}
		out[id] = mp
	}
	return out
}

// Validate rechaza valores fuera de rango. Devuelve todos los problemas a la vez.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidInput}, args...)...))
	}

	if c.Scorer.Lambda <= 0 {
		bad("scorer.lambda must be > 0, got %v", c.Scorer.Lambda)
	}
	if k := c.Sizer.KellyMultiplier; k <= 0 || k > 1 {
		bad("sizer.kelly_multiplier must be in (0,1], got %v", k)
	}
	if f := c.Sizer.MaxFraction; f <= 0 || f > 1 {
		bad("sizer.max_fraction must be in (0,1], got %v", f)
	}
	if c.Sizer.MinTradeSize == nil || *c.Sizer.MinTradeSize < 0 {
		bad("sizer.min_trade_size must be >= 0")
	}
	if _, err := domain.WinProbEstimatorByName(c.Sizer.WinProbability); err != nil {
		bad("sizer.win_probability %q is unknown", c.Sizer.WinProbability)
	}
	if c.FeeRate() < 0 || c.FeeRate() >= 1 {
		bad("risk.fee_rate must be in [0,1), got %v", c.FeeRate())
	}
	if c.Risk.MaxDailyLoss < 0 {
		bad("risk.max_daily_loss must be >= 0, got %v", c.Risk.MaxDailyLoss)
	}
	switch domain.RearmMode(c.Risk.Rearm) {
	case domain.RearmCooldown, domain.RearmNewDay:
	default:
		bad("risk.rearm %q is unknown (cooldown | new_day)", c.Risk.Rearm)
	}
	if c.Engine.InitialCapital <= 0 {
		bad("engine.initial_capital must be > 0, got %v", c.Engine.InitialCapital)
	}
	for _, id := range sortedKeys(c.Engine.FairValues) {
		if v := c.Engine.FairValues[id]; v <= 0 || v >= 1 {
			bad("engine.fair_values[%s] must be in (0,1), got %v", id, v)
		}
	}
	for _, id := range sortedKeys(c.Risk.Policies) {
		for _, h := range c.Risk.Policies[id].AllowedHorizons {
			if _, ok := domain.ParseHorizon(h); !ok {
				bad("risk.policies[%s]: unknown horizon %q", id, h)
			}
		}
	}
	if c.Sync.Enabled && c.Sync.RedisAddr == "" {
		bad("sync.redis_addr is required when sync is enabled")
	}
	if c.Detector.VolumeSpikeMultiple < 0 || c.Detector.LargeTradeSize < 0 {
		bad("detector.volume_spike_multiple and detector.large_trade_size must be >= 0")
	}
	// los pares identifican a cada instancia por su id: con sync tiene que ser explícito
	if c.Sync.Enabled && c.Instance.Defaulted {
		bad("instance.id is required when sync is enabled")
	}
	return errors.Join(errs...)
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYTRADER_INSTANCE_ID"); v != "" {
		cfg.Instance.ID = v
	}
	// REDIS_ADDR activa la sincronización aunque el YAML no lo haga
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Sync.RedisAddr = v
		cfg.Sync.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Sync.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Sync.RedisDB = db
		}
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

const defaultFeeRate = 0.02

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Instance.ID == "" {
		cfg.Instance.ID = defaultInstanceID()
		cfg.Instance.Defaulted = true
	}
	if cfg.Engine.PollIntervalSeconds <= 0 {
		cfg.Engine.PollIntervalSeconds = 60
	}
	if cfg.Engine.FeedTimeoutSeconds <= 0 {
		cfg.Engine.FeedTimeoutSeconds = 15
	}
	if cfg.Engine.InitialCapital == 0 {
		cfg.Engine.InitialCapital = 1000
	}
	if cfg.Engine.ScoreWorkers <= 0 {
		cfg.Engine.ScoreWorkers = 4
	}
	if cfg.Engine.TradeLookbackMinutes <= 0 {
		cfg.Engine.TradeLookbackMinutes = 60
	}
	if cfg.Engine.MaxRejections <= 0 {
		cfg.Engine.MaxRejections = 200
	}
	ex := &cfg.Engine.Exits
	if ex.SwingTakeProfit == 0 && ex.SwingStopLoss == 0 && ex.LongTakeProfit == 0 && ex.LongStopLoss == 0 {
		ex.SwingTakeProfit, ex.SwingStopLoss = 0.15, 0.10
		ex.LongTakeProfit, ex.LongStopLoss = 0.50, 0.30
	}
	if ex.ResolvedWinPrice == nil {
		ex.ResolvedWinPrice = floatPtr(0.98)
	}
	if ex.ResolvedLossPrice == nil {
		ex.ResolvedLossPrice = floatPtr(0.02)
	}
	if ex.CloseAtEndDate == nil {
		t := true
		ex.CloseAtEndDate = &t
	}
	if cfg.Scorer.Lambda == 0 {
		cfg.Scorer.Lambda = 2.0
	}
	if cfg.Sizer.KellyMultiplier == 0 {
		cfg.Sizer.KellyMultiplier = 0.25 // Kelly fraccional conservador
	}
	if cfg.Sizer.MaxFraction == 0 {
		cfg.Sizer.MaxFraction = 0.05
	}
	if cfg.Sizer.MinTradeSize == nil {
		cfg.Sizer.MinTradeSize = floatPtr(5)
	}
	if cfg.Sizer.WinProbability == "" {
		cfg.Sizer.WinProbability = "fair_value"
	}
	if cfg.Risk.Rearm == "" {
		cfg.Risk.Rearm = string(domain.RearmNewDay)
	}
	if cfg.Risk.CooldownMinutes <= 0 {
		cfg.Risk.CooldownMinutes = 60
	}
	if cfg.Risk.MaxOpenPerMarket <= 0 {
		cfg.Risk.MaxOpenPerMarket = 1
	}
	if cfg.Risk.MaxOpenTotal <= 0 {
		cfg.Risk.MaxOpenTotal = 10
	}
	if cfg.Sync.Prefix == "" {
		cfg.Sync.Prefix = "polytrader"
	}
	if cfg.Sync.Attempts <= 0 {
		cfg.Sync.Attempts = 3
	}
	if cfg.Sync.BackoffMillis <= 0 {
		cfg.Sync.BackoffMillis = 500
	}
	if cfg.Sync.TimeoutSeconds <= 0 {
		cfg.Sync.TimeoutSeconds = 5
	}
	if cfg.Sync.MaxActivity <= 0 {
		cfg.Sync.MaxActivity = 500
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.API.RequestTimeoutSeconds <= 0 {
		cfg.API.RequestTimeoutSeconds = 10
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polytrader.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// defaultInstanceID deriva un id estable del hostname para que el snapshot
// local se restaure tras un reinicio.
func defaultInstanceID() string {
	host, _ := os.Hostname()
	var sb strings.Builder
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r == '.' || r == '_':
			sb.WriteRune('-')
		}
	}
	id := strings.Trim(sb.String(), "-")
	if id == "" {
		id = "local"
	}
	return "inst-" + id
}

func floatPtr(v float64) *float64 { return &v }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
