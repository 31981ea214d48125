package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/adapters/redislock"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/aggregation"
	"github.com/alejandrodnm/polycopy/internal/copier"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/execution"
	"github.com/alejandrodnm/polycopy/internal/monitor"
	"github.com/alejandrodnm/polycopy/internal/sizing"
)

type options struct {
	configPath   string
	once         bool
	dryRun       bool
	paperBalance float64
	status       bool
	check        bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.BoolVar(&opts.once, "once", false, "run one monitor pass and one copier tick, then exit")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "simulate fills against real books, never submit orders")
	flag.Float64Var(&opts.paperBalance, "paper-balance", 1000, "starting USDC balance for -dry-run")
	flag.BoolVar(&opts.status, "status", false, "print wallet, traders and recent executions, then exit")
	flag.BoolVar(&opts.check, "check", false, "run startup health checks and exit")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", opts.configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	if err := run(cfg, opts); err != nil {
		slog.Error("copytrader exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	defer store.Close()

	console := notify.NewConsole()
	client := polymarket.NewClient(cfg.API.CLOBBase, cfg.API.DataBase)

	switch {
	case opts.check:
		return runCheck(ctx, cfg, store, client, console)
	case opts.status:
		return runStatus(ctx, cfg, store, client, console)
	}

	slog.Info("polycopy starting",
		"config", opts.configPath,
		"traders", len(cfg.Traders),
		"strategy", cfg.Copy.Strategy,
		"copy_size", cfg.Copy.CopySize,
		"aggregation", cfg.Aggregation.Enabled,
		"dry_run", opts.dryRun,
		"once", opts.once,
	)

	w, err := openWallet(ctx, cfg, client, opts)
	if err != nil {
		return err
	}
	defer w.Close()

	printStartup(ctx, cfg, store, w, console)

	strategy, err := sizing.ParseStrategy(cfg.Copy.Strategy, cfg.Copy.CopySize)
	if err != nil {
		return err
	}
	policy := sizing.NewPolicy(strategy, nil, sizing.Limits{
		MaxOrderUSD:    cfg.Copy.MaxOrderUSD,
		MinOrderUSD:    cfg.Copy.MinOrderUSD,
		SafetyBuffer:   cfg.Copy.BalanceSafetyBuffer,
		MaxPositionUSD: cfg.Copy.MaxPositionUSD,
	})

	execCfg := execution.DefaultConfig()
	execCfg.Wallet = w.owner
	execCfg.RetryLimit = cfg.Execution.RetryLimit
	execCfg.NetworkRetries = cfg.Execution.NetworkRetryLimit
	execCfg.NetworkBackoff = cfg.NetworkRetryBase()
	execCfg.MaxPriceSlippage = cfg.Copy.MaxPriceSlippage
	execCfg.MinPositionTokens = cfg.Execution.MinPositionTokens
	execCfg.FillTolerance = cfg.Execution.FillToleranceAmount
	executor := execution.New(execCfg, policy, w.orders, w.balance, w.positions, store, console)

	cop := copier.New(copier.Config{
		Traders:      cfg.Traders,
		Aggregate:    cfg.Aggregation.Enabled,
		Window:       cfg.AggregationWindow(),
		MinTotal:     cfg.Aggregation.MinTotalUSD,
		PollInterval: cfg.PollInterval(),
	}, store, executor, aggregation.NewBuffer(), console)

	mon := monitor.New(monitor.Config{
		Traders:    cfg.Traders,
		Interval:   cfg.FetchInterval(),
		TooOld:     cfg.TooOld(),
		WatchStart: time.Now(),
	}, client, client, store, store)

	if cfg.Lock.RedisAddr != "" && !opts.dryRun {
		locker, err := redislock.Dial(ctx, cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
		if err != nil {
			return err
		}
		defer locker.Close()

		held, release, err := redislock.Hold(ctx, locker, "executor:"+w.owner, cfg.LockTTL())
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("another instance is already copying for %s: %w", w.owner, err)
		}
		if err != nil {
			return err
		}
		defer release()
		ctx = held
		slog.Info("execution lock acquired", "wallet", w.owner, "ttl", cfg.LockTTL())
	}

	// antes de arrancar el monitor: solo lo que ya estaba pendiente es histórico
	if _, err := cop.Sweep(ctx); err != nil {
		return err
	}

	if opts.once {
		return runOnce(ctx, mon, cop, console, cfg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return cop.Run(gctx) })
	err = g.Wait()

	console.PrintAggregates(cop.Pending(), cfg.AggregationWindow())
	if err != nil {
		return err
	}
	slog.Info("polycopy stopped cleanly")
	return nil
}

func runOnce(ctx context.Context, mon *monitor.Monitor, cop *copier.Copier, console *notify.Console, cfg *config.Config) error {
	n, err := mon.RunOnce(ctx)
	if err != nil {
		slog.Warn("monitor: poll finished with errors", "err", err)
	}
	res, err := cop.RunOnce(ctx)
	if err != nil {
		return err
	}
	slog.Info("single pass complete",
		"detected", n,
		"executed", res.Executed,
		"buffered", res.Buffered,
		"failed", res.Failed,
	)
	console.PrintAggregates(cop.Pending(), cfg.AggregationWindow())
	return nil
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
