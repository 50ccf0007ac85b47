package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/api"
	"ProfitVault/internal/config"
	"ProfitVault/internal/logger"
	"ProfitVault/internal/protocol"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/scheduler"
	"ProfitVault/internal/store"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config validation: %v", err)
	}

	logFile, err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		logrus.Fatalf("init logger: %v", err)
	}
	defer logFile.Close()
	logrus.Info("ProfitVault starting...")

	// Init state store
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		logrus.Fatalf("open %s store: %v", cfg.Store.Driver, err)
	}
	defer st.Close()

	// Init recorder
	var rec recorder.Recorder
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath)
		if err != nil {
			logrus.Warnf("init sqlite recorder failed, using noop: %v", err)
			rec = recorder.NewNoopRecorder()
		} else {
			rec = sr
			defer sr.Close()
		}
	} else {
		rec = recorder.NewNoopRecorder()
	}

	opts, err := protocolOptions(cfg)
	if err != nil {
		logrus.Fatalf("protocol options: %v", err)
	}
	opts.Store = st
	opts.Recorder = rec
	p, err := protocol.New(opts)
	if err != nil {
		logrus.Fatalf("init protocol: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"pool":      p.Addresses.Pool.Hex(),
		"allocator": p.Addresses.Allocator.Hex(),
		"treasury":  p.Addresses.Treasury.Hex(),
		"engine":    p.Addresses.Engine.Hex(),
		"executor":  p.Addresses.Executor.Hex(),
		"restored":  p.Restored(),
	}).Info("protocol wired")

	// Init scheduler
	sched := scheduler.NewScheduler(p.Auditor, p.RefreshMetrics)
	if err := sched.RegisterAll(cfg.Schedule.ReconcileCron, cfg.Schedule.MetricsCron); err != nil {
		logrus.Fatalf("register cron tasks: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	// Reconcile once at startup so a bad restore is visible immediately
	if rep := sched.RunReconcileNow(); !rep.OK {
		logrus.Warn("startup reconciliation found discrepancies, see /api/reconcile")
	}
	p.RefreshMetrics()

	srv := api.New(p, rec)
	logrus.Info("ProfitVault is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	run := func(ctx context.Context) error { return srv.Run(ctx, cfg.API.Listen) }
	if err := serve(run, sigCh); err != nil {
		logrus.Errorf("api server: %v", err)
	}
	logrus.Info("ProfitVault stopped")
}

// serve runs run until it returns or a signal arrives. On a signal it cancels
// run's context and waits for run to finish, so the recorder and store closed
// by main's defers are no longer in use.
func serve(run func(ctx context.Context) error, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	select {
	case <-sig:
		logrus.Info("shutdown signal received, stopping...")
		cancel()
		return <-done
	case err := <-done:
		return err
	}
}

func protocolOptions(cfg *config.Config) (protocol.Options, error) {
	var opts protocol.Options
	var err error
	if opts.Bounds, err = cfg.Bounds(); err != nil {
		return opts, err
	}
	if opts.Fractions, err = cfg.Fractions(); err != nil {
		return opts, err
	}
	if opts.BurnSlippage, err = cfg.BurnSlippage(); err != nil {
		return opts, err
	}
	if cfg.Admin != "" {
		opts.Admin = common.HexToAddress(cfg.Admin)
	}
	if cfg.Allocation.Executor != "" {
		opts.Executor = common.HexToAddress(cfg.Allocation.Executor)
	}
	if cfg.Distribution.OpsSink != "" {
		opts.OpsSink = common.HexToAddress(cfg.Distribution.OpsSink)
	}
	opts.SwapDeadline = cfg.Burn.SwapDeadline
	opts.BaseSymbol = cfg.Paper.BaseSymbol
	opts.ProtocolSymbol = cfg.Paper.ProtocolSymbol
	opts.FeeBps = cfg.Paper.FeeBps
	if opts.ProtocolSupply, err = config.ParseUnits(cfg.Paper.ProtocolSupply); err != nil {
		return opts, err
	}
	if opts.VenueBaseReserve, err = config.ParseUnits(cfg.Paper.VenueBaseReserve); err != nil {
		return opts, err
	}
	if opts.VenueProtocolReserve, err = config.ParseUnits(cfg.Paper.VenueProtocolReserve); err != nil {
		return opts, err
	}
	for _, d := range cfg.Paper.Depositors {
		g := protocol.Genesis{Address: common.HexToAddress(d.Address)}
		if g.Balance, err = config.ParseUnits(d.Balance); err != nil {
			return opts, err
		}
		if d.Deposit != "" {
			if g.Deposit, err = config.ParseUnits(d.Deposit); err != nil {
				return opts, err
			}
		}
		opts.Genesis = append(opts.Genesis, g)
	}
	return opts, nil
}
