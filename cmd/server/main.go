// Package main wires Aethelgard's core subsystems into a running
// process: Persistence, the Scanner's cadence loop, the Regime
// Classifier, Signal Factory, Shadow Jury, Risk Manager, Executor,
// Position Manager, Trade Closure Listener, Edge Tuner, and Coherence
// Monitor. The HTTP/UI surface, broker SDKs, and notification
// transports are out of core scope — this entry point wires only the
// paper reference connector and a no-transport notifier, the way a
// deployment would substitute its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aethelgard/core/internal/broker"
	"github.com/aethelgard/core/internal/closure"
	"github.com/aethelgard/core/internal/coherence"
	aeconfig "github.com/aethelgard/core/internal/config"
	"github.com/aethelgard/core/internal/domain"
	"github.com/aethelgard/core/internal/edgetuner"
	"github.com/aethelgard/core/internal/executor"
	"github.com/aethelgard/core/internal/marketdata"
	"github.com/aethelgard/core/internal/metrics"
	"github.com/aethelgard/core/internal/notifier"
	"github.com/aethelgard/core/internal/persistence"
	"github.com/aethelgard/core/internal/positionmanager"
	"github.com/aethelgard/core/internal/regime"
	"github.com/aethelgard/core/internal/risk"
	"github.com/aethelgard/core/internal/scanner"
	"github.com/aethelgard/core/internal/shadowjury"
	"github.com/aethelgard/core/internal/signalfactory"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to Aethelgard's YAML config file")
	flag.Parse()

	cfg, err := aeconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aethelgard: load config: %v\n", err)
		os.Exit(1)
	}

	logger := mustLogger(cfg.Logging)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := persistence.Open(ctx, persistence.Config{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("persistence: open failed, refusing to start trading", zap.Error(err))
	}
	defer store.Close()

	profiles, err := store.ListAssetProfiles(ctx)
	if err != nil {
		logger.Fatal("persistence: asset profile preload failed", zap.Error(err))
	}
	profileBySymbol := make(map[string]domain.AssetProfile, len(profiles))
	for _, p := range profiles {
		profileBySymbol[p.Symbol] = p
	}
	logger.Info("preloaded asset profiles", zap.Int("count", len(profiles)))

	brokerRegistry := broker.NewRegistry()
	brokerRegistry.Register("paper", broker.PaperFactory)
	connector, err := brokerRegistry.New(cfg.Broker.Name, []byte(cfg.Broker.ConfigJSON))
	if err != nil {
		logger.Fatal("broker: no connector for configured name", zap.String("name", cfg.Broker.Name), zap.Error(err))
	}
	// Non-blocking handshake: a broker that is offline at startup does
	// not stop the process starting, per the spec's startup contract.
	// Reconciliation on the scanner's next cycle hook picks it back up.
	if err := connector.Connect(ctx); err != nil {
		logger.Warn("broker: initial connect failed, will reconcile once reachable", zap.Error(err))
	}
	defer connector.Disconnect(context.Background())

	promRegistry := prometheus.NewRegistry()
	metricsRegistry := metrics.New(promRegistry)

	regimeDetector := regime.NewDetector(logger, regime.DefaultConfig())

	marketProvider := marketdata.Provider(marketdata.NewStaticProvider())

	coherenceMonitor := coherence.New(logger, store, coherence.DefaultPendingTimeout())

	strategyRegistry := signalfactory.NewRegistry()
	strategyRegistry.Register(signalfactory.NewEMACrossoverStrategy())
	strategyRegistry.Register(signalfactory.NewBollingerReversionStrategy())
	trifecta := signalfactory.NewTrifecta(signalfactory.DefaultTrifectaConfig())
	jury := shadowjury.New(logger, store, shadowjury.DefaultConfig())
	factory := signalfactory.New(logger, strategyRegistry, store, coherenceMonitor, jury, trifecta, signalfactory.DefaultRecencyWindow())

	riskManager := risk.NewManager(logger, store, risk.Config{
		MaxConsecutiveLosses:   cfg.Risk.MaxConsecutiveLosses,
		MaxAccountRiskFrac:     cfg.Risk.MaxAccountRiskFraction,
		MaxPerSymbolTimeframes: 2,
		AutoClearLockdown:      cfg.Risk.AutoClearLockdown,
	})

	tuner := edgetuner.New(logger, store, edgetuner.DefaultConfig())
	closureListener := closure.New(logger, store, riskManager, tuner, closure.DefaultConfig())

	conversionResolver := newConversionResolver(connector, profileBySymbol, "USD")
	paramsProvider := func() domain.DynamicParams {
		p, err := store.LatestDynamicParams(ctx)
		if err != nil || p == nil {
			logger.Warn("dynamic params unavailable, using seed defaults", zap.Error(err))
			return seedDynamicParams()
		}
		return *p
	}

	exec := executor.New(logger, connector, riskManager, store, coherenceMonitor, conversionResolver, paramsProvider, executor.Config{
		SignalMaxAge: 5 * time.Minute,
	}, metricsRegistry)

	supervisionTimeframe := domain.Timeframe(cfg.Scanner.Timeframes[0])
	posManager := positionmanager.New(logger, connector, store, singleTimeframeRegime{detector: regimeDetector, tf: supervisionTimeframe}, closureListener, conversionResolver, paramsProvider, positionmanager.DefaultConfig())

	notif := notifier.New(logger)
	coherenceMonitor.Subscribe(func(ev domain.CoherenceEvent) {
		_ = notif.Notify(context.Background(), notifier.KindCoherenceFault, ev)
	})

	lastReconcile := time.Now().Add(-time.Hour)

	scanTask := func(taskCtx context.Context, target scanner.Target) error {
		bars, err := marketProvider.GetBars(taskCtx, target.Symbol, target.Timeframe, 250)
		if err != nil {
			return fmt.Errorf("market data: %w", err)
		}
		features, err := regime.ComputeFeatures(bars)
		if err != nil {
			return fmt.Errorf("indicators: %w", err)
		}
		params := paramsProvider()
		sample, confidence := regimeDetector.Classify(target.Symbol, target.Timeframe, features, params, time.Now())
		logger.Debug("classified regime",
			zap.String("symbol", target.Symbol), zap.String("timeframe", string(target.Timeframe)),
			zap.String("regime", string(sample.Label)), zap.Float64("confidence", confidence))

		var htfBars []domain.OHLCV
		if htf := domain.HigherTimeframe(target.Timeframe); htf != "" {
			htfBars, err = marketProvider.GetBars(taskCtx, target.Symbol, htf, 250)
			if err != nil {
				logger.Debug("higher-timeframe bars unavailable, trifecta runs degraded",
					zap.String("symbol", target.Symbol), zap.String("timeframe", string(htf)), zap.Error(err))
				htfBars = nil
			}
		}

		traceID := uuid.NewString()

		candidates, err := factory.Generate(taskCtx, traceID, target.Symbol, bars, htfBars, sample, params)
		if err != nil {
			return fmt.Errorf("signal factory: %w", err)
		}

		for i := range candidates {
			sig := candidates[i]
			if sig.Mode != domain.ExecutionModeReal {
				// Virtual signals are already persisted PENDING by the
				// factory and routed to the shadow ledger; the
				// Executor and Risk Manager never see them.
				continue
			}
			pos, reason, err := exec.Execute(taskCtx, &sig)
			if err != nil {
				logger.Error("executor: execute failed", zap.String("trace_id", sig.TraceID), zap.Error(err))
				continue
			}
			if pos == nil {
				logger.Info("signal rejected", zap.String("trace_id", sig.TraceID), zap.String("reason", reason))
				continue
			}
			_ = notif.Notify(taskCtx, notifier.KindTradeExecuted, pos)
		}
		return nil
	}

	superviseHook := func(hookCtx context.Context) error {
		return posManager.Supervise(hookCtx)
	}

	reconcileHook := func(hookCtx context.Context) error {
		since := lastReconcile
		lastReconcile = time.Now()
		events, err := connector.ReconcileClosedTrades(hookCtx, since)
		if err != nil {
			return fmt.Errorf("broker: reconcile closed trades: %w", err)
		}
		for _, ev := range events {
			if err := closureListener.HandleClosed(hookCtx, ev, ev.Strategy); err != nil {
				logger.Error("closure listener failed", zap.String("ticket", ev.Ticket), zap.Error(err))
				continue
			}
			_ = notif.Notify(hookCtx, notifier.KindTradeClosed, ev)
		}
		return nil
	}

	coherenceHook := func(hookCtx context.Context) error {
		n, err := coherenceMonitor.SweepPendingTimeouts(hookCtx, time.Now())
		if err != nil {
			return fmt.Errorf("coherence: sweep pending timeouts: %w", err)
		}
		if n > 0 {
			logger.Warn("coherence sweep found stale pending signals", zap.Int("count", n))
		}
		return nil
	}

	scanCfg := scanner.DefaultConfig()
	scanCfg.CycleInterval = cfg.Scanner.CycleInterval
	scanCfg.MaxWorkers = cfg.Scanner.WorkerCount
	scanCfg.TaskTimeout = cfg.Scanner.TaskTimeout

	sc := scanner.New(logger, scanCfg, scanTask, superviseHook, reconcileHook, coherenceHook)
	sc.SetTargets(buildTargets(cfg.Scanner.Symbols, cfg.Scanner.Timeframes))

	overridesWatcher := aeconfig.NewDynamicParamsWatcher(cfg.DynamicOverridesPath, nil, logger)
	if seed, err := store.LatestDynamicParams(ctx); err == nil && seed != nil {
		overridesWatcher.OnChange(func(old, next *domain.DynamicParams) {
			if err := store.SaveDynamicParams(context.Background(), *next); err != nil {
				logger.Error("failed to persist hot-reloaded dynamic params", zap.Error(err))
			}
		})
		if cfg.DynamicOverridesPath != "" {
			if err := overridesWatcher.Start(); err != nil {
				logger.Warn("dynamic params watcher failed to start", zap.Error(err))
			} else {
				defer overridesWatcher.Stop()
			}
		}
	}

	sc.Start(ctx)
	logger.Info("aethelgard core started",
		zap.Strings("symbols", cfg.Scanner.Symbols),
		zap.Duration("cycle_interval", cfg.Scanner.CycleInterval),
		zap.String("broker", connector.Name()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, draining in-flight cycle")

	sc.Stop()
	cancel()
	logger.Info("aethelgard core stopped")
}

// singleTimeframeRegime adapts the Regime Detector's per-(symbol,
// timeframe) Current lookup to the Position Manager's single-argument
// regimeProvider contract. Supervision runs once per cycle across all
// open positions regardless of which timeframe originated them, so it
// reads the classification from one designated timeframe — the first
// configured scanner timeframe, the same one signal generation treats
// as primary.
type singleTimeframeRegime struct {
	detector *regime.Detector
	tf       domain.Timeframe
}

func (s singleTimeframeRegime) Current(symbol string) (domain.RegimeSample, bool) {
	return s.detector.Current(symbol, s.tf)
}

// buildTargets expands the configured symbol and timeframe lists into
// every (symbol, timeframe) pair the Scanner fans out over.
func buildTargets(symbols []string, timeframes []string) []scanner.Target {
	targets := make([]scanner.Target, 0, len(symbols)*len(timeframes))
	for _, s := range symbols {
		for _, tf := range timeframes {
			targets = append(targets, scanner.Target{Symbol: s, Timeframe: domain.Timeframe(tf)})
		}
	}
	return targets
}

// newConversionResolver builds the Executor/Position Manager's shared
// ConversionResolver from each symbol's AssetProfile: quote-equals-account
// needs no conversion, base-equals-account divides by price, and every
// other pair triangulates through a QUOTE+ACCT or ACCT+QUOTE rate quoted
// by the broker. This mirrors the four cases spec.md §4.5 enumerates for
// the authoritative sizer; it is glue code around risk.CalculatePositionSize,
// not a second sizing implementation.
func newConversionResolver(connector broker.Connector, profiles map[string]domain.AssetProfile, accountCurrency string) func(ctx context.Context, symbol string) (risk.ConversionCase, decimal.Decimal, error) {
	return func(ctx context.Context, symbol string) (risk.ConversionCase, decimal.Decimal, error) {
		profile, ok := profiles[symbol]
		if !ok {
			return risk.ConversionNone, decimal.Zero, fmt.Errorf("conversion resolver: no asset profile for %s", symbol)
		}
		if profile.Class == domain.AssetClassIndex {
			return risk.ConversionNone, decimal.Zero, nil
		}
		quote, base := currencyPair(symbol)
		switch {
		case quote == accountCurrency:
			return risk.ConversionNone, decimal.Zero, nil
		case base == accountCurrency:
			quote, err := connector.GetQuote(ctx, symbol)
			if err != nil {
				return risk.ConversionNone, decimal.Zero, fmt.Errorf("conversion resolver: get quote: %w", err)
			}
			mid := quote.Bid.Add(quote.Ask).Div(decimal.NewFromInt(2))
			return risk.ConversionDivideByPrice, mid, nil
		default:
			triangulated := quote + accountCurrency
			q, err := connector.GetQuote(ctx, triangulated)
			if err == nil {
				mid := q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
				return risk.ConversionTriangulateMultiply, mid, nil
			}
			inverse := accountCurrency + quote
			q, err = connector.GetQuote(ctx, inverse)
			if err != nil {
				return risk.ConversionNone, decimal.Zero, fmt.Errorf("conversion resolver: no triangulation pair for %s: %w", symbol, err)
			}
			mid := q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
			return risk.ConversionTriangulateDivide, mid, nil
		}
	}
}

// currencyPair splits a canonical six-letter FX/metal symbol like
// "EURUSD" into its (quote, base) three-letter codes. Crypto and other
// non-six-letter symbols return the symbol itself as the quote side and
// an empty base. The resolver never finds that quote equal to the
// account currency, so unless the symbol's profile is an index it looks
// for a triangulation quote built from the whole symbol and returns an
// error when the broker has none.
func currencyPair(symbol string) (quote, base string) {
	if len(symbol) != 6 {
		return symbol, ""
	}
	return symbol[3:], symbol[:3]
}

// seedDynamicParams is the bootstrap DynamicParams used only when
// Persistence has no row yet (first run before any migration seed or
// Edge Tuner run). It mirrors spec.md's stated defaults.
func seedDynamicParams() domain.DynamicParams {
	return domain.DynamicParams{
		ADXThreshold:         decimal.NewFromInt(25),
		ATRMultiplier:        decimal.NewFromFloat(2.0),
		MinScore:             decimal.NewFromInt(60),
		PerTradeRiskFraction: decimal.NewFromFloat(0.015),
		RegimeWeights: map[domain.Regime]decimal.Decimal{
			domain.RegimeTrend:    decimal.NewFromFloat(1.0),
			domain.RegimeRange:    decimal.NewFromFloat(0.8),
			domain.RegimeVolatile: decimal.NewFromFloat(0.6),
		},
		TrailingATRMultiplier: map[domain.Regime]decimal.Decimal{
			domain.RegimeTrend:    decimal.NewFromFloat(3.0),
			domain.RegimeRange:    decimal.NewFromFloat(2.0),
			domain.RegimeVolatile: decimal.NewFromFloat(1.5),
			domain.RegimeCrash:    decimal.NewFromFloat(1.5),
		},
		BreakevenDistanceMult: decimal.NewFromFloat(1.0),
		Version:               1,
	}
}

func mustLogger(cfg aeconfig.LoggingConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: cfg.Development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
