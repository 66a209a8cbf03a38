package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/api/router"
	"github.com/amerfu/budgetd/internal/app"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file or directory")
	flag.Parse()

	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging, "server")
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

	if a.Mode == app.ModeLite {
		log.Warn("Running in LITE MODE",
			zap.String("store", cfg.Database.Driver),
			zap.Strings("differences", []string{
				"in-process principal locks",
				"this instance always leads the scheduler",
				"notifications are logged only",
				"no status cache",
			}))
	} else {
		log.Info("Running in FULL MODE")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Watcher.Start()
	if cfg.Scheduler.Enabled {
		a.Scheduler.Start(ctx)
	} else {
		log.Info("Refill scheduler disabled; manual refills remain available")
	}

	servers := []*http.Server{
		{
			Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router.NewRouter(&router.RouterConfig{
				Config:    cfg,
				Logger:    log,
				Service:   a.Service,
				Trail:     a.Trail,
				Resolver:  a.Resolver,
				Scheduler: a.Scheduler,
				Checks:    a.Checks(),
				Limiter:   a.Limiter,
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	if cfg.Server.MetricsPort != 0 {
		servers = append(servers, &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler:      router.NewMetricsRouter(cfg, log),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		})
	}

	for _, srv := range servers {
		go func(s *http.Server) {
			log.Info("Server starting", zap.String("address", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("Server failed to start", zap.String("address", s.Addr), zap.Error(err))
			}
		}(srv)
	}

	log.Info("budgetd started",
		zap.String("mode", string(a.Mode)),
		zap.Int("api_port", cfg.Server.Port),
		zap.Int("metrics_port", cfg.Server.MetricsPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}
	if cfg.Scheduler.Enabled {
		if err := a.Scheduler.Stop(shutdownCtx); err != nil {
			log.Warn("Scheduler did not stop cleanly", zap.Error(err))
		}
	}
	cancel()

	log.Info("Shutdown complete")
}
