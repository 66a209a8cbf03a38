package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/app"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file")
		dryRun     = flag.Bool("dry-run", false, "Report drift without repairing it")
		once       = flag.Bool("once", false, "Run a single pass, print the report and exit")
		interval   = flag.Duration("interval", 0, "Override reconciliation interval")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *interval > 0 {
		cfg.Reconciler.Interval = *interval
	}

	log, err := logger.Initialize(cfg.Logging, "worker")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	repair := cfg.Reconciler.Repair && !*dryRun
	reconciler := a.Reconciler(repair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		report, err := reconciler.RunOnce(ctx)
		if err != nil {
			log.Fatal("Reconciliation failed", zap.Error(err))
		}
		if report == nil {
			log.Info("Another reconciler holds the lock; nothing to do")
			return
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	if err := reconciler.Start(ctx); err != nil {
		log.Fatal("Failed to start reconciler", zap.Error(err))
	}

	log.Info("Ledger worker started",
		zap.String("mode", string(a.Mode)),
		zap.Bool("repair", repair),
		zap.Duration("interval", cfg.Reconciler.Interval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutdown signal received, stopping worker...")
	if err := reconciler.Stop(); err != nil {
		log.Error("Error stopping reconciler", zap.Error(err))
	}
	cancel()

	log.Info("Ledger worker shutdown complete")
}
