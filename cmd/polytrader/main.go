package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/polytrader/config"
	"github.com/alejandrodnm/polytrader/internal/adapters/httpapi"
	"github.com/alejandrodnm/polytrader/internal/adapters/notify"
	"github.com/alejandrodnm/polytrader/internal/adapters/polymarket"
	"github.com/alejandrodnm/polytrader/internal/adapters/sharedstore"
	"github.com/alejandrodnm/polytrader/internal/adapters/storage"
	"github.com/alejandrodnm/polytrader/internal/adapters/valuation"
	"github.com/alejandrodnm/polytrader/internal/application/detector"
	"github.com/alejandrodnm/polytrader/internal/application/engine"
	"github.com/alejandrodnm/polytrader/internal/application/gate"
	"github.com/alejandrodnm/polytrader/internal/application/ledger"
	"github.com/alejandrodnm/polytrader/internal/application/reconcile"
	"github.com/alejandrodnm/polytrader/internal/domain"
)

const (
	stopFile         = "STOP"
	notifyQueueSize  = 256
	shutdownTimeout  = 10 * time.Second
	stopFileInterval = 5 * time.Second
	httpReadTimeout  = 10 * time.Second
	httpWriteTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one decision cycle and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print positions and candidates tables after each cycle")
	report := flag.Bool("report", false, "print the stored ledger report and exit")
	headless := flag.Bool("headless", false, "do not start the HTTP control API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("polytrader starting",
		"config", *configPath,
		"instance", cfg.Instance.ID,
		"interval", cfg.PollInterval(),
		"markets", len(cfg.Engine.Markets),
		"sync", cfg.Sync.Enabled,
		"once", *once,
	)
	if cfg.Instance.Defaulted {
		slog.Warn("instance.id not set, using hostname-derived id", "instance", cfg.Instance.ID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, options{once: *once, table: *table, report: *report, headless: *headless}); err != nil {
		slog.Error("polytrader exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("polytrader stopped cleanly")
}

type options struct {
	once     bool
	table    bool
	report   bool
	headless bool
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	valuer, err := valuation.NewStaticTable(cfg.Engine.FairValues)
	if err != nil {
		return err
	}
	markets := cfg.Engine.Markets
	if len(markets) == 0 {
		// sin lista explícita se vigilan los mercados que tienen valor justo
		markets = valuer.Markets()
		slog.Info("no markets configured, watching fair value table", "markets", len(markets))
	}
	winProb, err := domain.WinProbEstimatorByName(cfg.Sizer.WinProbability)
	if err != nil {
		return err
	}

	var reconciler *reconcile.Reconciler
	if cfg.Sync.Enabled {
		shared, err := sharedstore.NewRedisStore(ctx, sharedstore.RedisConfig{
			Addr:        cfg.Sync.RedisAddr,
			Password:    cfg.Sync.RedisPassword,
			DB:          cfg.Sync.RedisDB,
			Prefix:      cfg.Sync.Prefix,
			MaxActivity: cfg.Sync.MaxActivity,
		})
		if err != nil {
			return err
		}
		defer shared.Close()
		reconciler = reconcile.New(shared, reconcile.Config{
			InstanceID: cfg.Instance.ID,
			Peers:      cfg.Sync.Peers,
			Attempts:   cfg.Sync.Attempts,
			Backoff:    time.Duration(cfg.Sync.BackoffMillis) * time.Millisecond,
			Timeout:    time.Duration(cfg.Sync.TimeoutSeconds) * time.Second,
		}, nil)
	}

	client := polymarket.NewClient(cfg.API.GammaBase, cfg.API.DataBase,
		polymarket.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}))

	console := notify.NewConsole(opts.table)
	dispatcher := notify.NewDispatcher(console, notifyQueueSize)

	var eng *engine.Engine
	exits := cfg.Engine.Exits
	eng, err = engine.New(engine.Config{
		InstanceID:   cfg.Instance.ID,
		PollInterval: cfg.PollInterval(),
		FeedTimeout:  cfg.FeedTimeout(),
		Markets:      markets,
		Lambda:       cfg.Scorer.Lambda,
		MinScore:     cfg.Scorer.MinScore,
		Sizing:       cfg.Sizing(),
		WinProb:      winProb,
		Exits: engine.ExitPolicy{
			SwingTakeProfit:   exits.SwingTakeProfit,
			SwingStopLoss:     exits.SwingStopLoss,
			LongTakeProfit:    exits.LongTakeProfit,
			LongStopLoss:      exits.LongStopLoss,
			ResolvedWinPrice:  *exits.ResolvedWinPrice,
			ResolvedLossPrice: *exits.ResolvedLossPrice,
			CloseAtEndDate:    *exits.CloseAtEndDate,
		},
		ScoreWorkers:  cfg.Engine.ScoreWorkers,
		TradeLookback: cfg.TradeLookback(),
		MaxRejections: cfg.Engine.MaxRejections,
		Blacklist:     cfg.Risk.Blacklist,
		OnCycle: func(res *engine.CycleResult) {
			console.PrintStatus(statusInput(eng, res))
		},
	}, engine.Deps{
		Feed:   client,
		Trades: client,
		Valuer: valuer,
		Gate: gate.New(domain.NewBlacklist(cfg.Risk.Blacklist...), cfg.MarketPolicies(), gate.Limits{
			MaxOpenPerMarket: cfg.Risk.MaxOpenPerMarket,
			MaxOpenTotal:     cfg.Risk.MaxOpenTotal,
			MaxSwing:         cfg.Risk.MaxSwing,
			MaxLong:          cfg.Risk.MaxLong,
			CategoryLimits:   cfg.Risk.CategoryLimits,
		}),
		Ledger: ledger.New(ledger.Config{
			InstanceID:     cfg.Instance.ID,
			InitialCapital: cfg.Engine.InitialCapital,
			FeeRate:        cfg.FeeRate(),
			Breaker:        cfg.Breaker(),
		}, nil),
		Detector: detector.New(detector.Config{
			Window:            cfg.Detector.Window,
			MinSamples:        cfg.Detector.MinSamples,
			TradeSizeMultiple: cfg.Detector.TradeSizeMultiple,
			TradeSizeFloor:    cfg.Detector.TradeSizeFloor,
			PriceJumpMultiple: cfg.Detector.PriceJumpMultiple,
			PriceJumpFloor:    cfg.Detector.PriceJumpFloor,
			SuppressionWindow: time.Duration(cfg.Detector.SuppressionMinutes) * time.Minute,
			MaxAlerts:         cfg.Detector.MaxAlerts,

			VolumeWindow:        cfg.Detector.VolumeWindow,
			VolumeSpikeMultiple: cfg.Detector.VolumeSpikeMultiple,
			LargeTradeSize:      cfg.Detector.LargeTradeSize,
			MaxProfiles:         cfg.Detector.MaxProfiles,
		}),
		Reconciler: reconciler,
		Storage:    store,
		Notifier:   dispatcher,
	})
	if err != nil {
		return err
	}

	if err := eng.Restore(ctx); err != nil {
		return err
	}

	if opts.report {
		if reconciler != nil {
			if _, err := reconciler.Pull(ctx); err != nil {
				slog.Warn("peer pull failed, report shows local ledger only", "err", err)
			}
		}
		console.PrintReport(statusInput(eng, nil))
		return nil
	}

	// flush final: ledger a disco, estado a los pares, notificaciones pendientes
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(flushCtx); err != nil {
			slog.Warn("shutdown flush incomplete", "err", err)
		}
		if err := dispatcher.Close(flushCtx); err != nil {
			slog.Warn("notification queue not drained", "err", err)
		}
	}()

	if opts.once {
		res, err := eng.Tick(ctx)
		if err != nil {
			return err
		}
		console.PrintStatus(statusInput(eng, res))
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchStopFile(ctx, cancel)

	if cfg.HTTP.Addr != "" && !opts.headless {
		srv := &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      httpapi.NewRouter(eng, cfg.Instance.ID),
			ReadTimeout:  httpReadTimeout,
			WriteTimeout: httpWriteTimeout,
		}
		go func() {
			slog.Info("http api listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http api failed", "err", err)
				cancel()
			}
		}()
		defer func() {
			shutCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutCtx); err != nil {
				slog.Warn("http api shutdown", "err", err)
			}
		}()
	}

	slog.Info("paper trading started, press Ctrl+C or create STOP file to exit")
	return eng.Run(ctx)
}

// watchStopFile cancela el contexto cuando aparece el archivo STOP.
func watchStopFile(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(stopFileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(stopFile); err == nil {
				slog.Info("STOP file detected, shutting down")
				os.Remove(stopFile)
				cancel()
				return
			}
		}
	}
}

func statusInput(eng *engine.Engine, res *engine.CycleResult) notify.StatusInput {
	st := eng.Status()
	in := notify.StatusInput{
		InstanceID: st.InstanceID,
		Running:    st.Running,
		Portfolio:  st.Portfolio,
		Equity:     st.Equity,
		Open:       st.Open,
		Closed:     st.Closed,
		Risk:       st.Risk,
		Alerts:     st.Alerts,
		Rejections: st.Rejections,
		Peers:      eng.Peers(),
		LastSync:   st.LastSync,
	}
	if res != nil {
		in.Top = res.Top
	}
	return in
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
