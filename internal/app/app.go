package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/services/abuse"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/budget"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	redisdata "github.com/amerfu/budgetd/internal/services/data/redis"
	"github.com/amerfu/budgetd/internal/services/lock"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/internal/services/notify"
	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/ratelimit"
	"github.com/amerfu/budgetd/internal/services/refill"
	"github.com/amerfu/budgetd/internal/services/scheduler"
	"github.com/amerfu/budgetd/internal/services/worker"
	"github.com/amerfu/budgetd/pkg/circuitbreaker"
)

type Mode string

const (
	// ModeFull coordinates instances through Redis.
	ModeFull Mode = "full"
	// ModeLite is a single instance with in-process locking.
	ModeLite Mode = "lite"
)

// App holds the wired services shared by the binaries.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Mode   Mode

	Redis     *redis.Client
	Store     ledger.Store
	Locker    lock.Locker
	Watcher   *config.Watcher
	Resolver  *policy.Resolver
	Trail     *audit.Trail
	Service   *budget.Service
	Executor  *refill.Executor
	Scheduler *scheduler.Scheduler
	// Limiter is nil when API rate limiting is disabled.
	Limiter   ratelimit.RateLimiter

	closers []func()
}

// New connects the store and, unless running lite, Redis, then wires every
// service on top of them.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Mode: ModeFull}

	if err := policy.Validate(cfg.Refill); err != nil {
		logger.Warn("Refill settings contain errors; affected principals will not be refilled", zap.Error(err))
	}

	store, err := ledger.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	a.Mode = detectMode(cfg, logger)
	if a.Mode == ModeFull {
		client, err := connectRedis(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, switching to LITE MODE", zap.Error(err))
			a.Mode = ModeLite
		} else {
			a.Redis = client
			a.closers = append(a.closers, func() { _ = client.Close() })
		}
	}

	a.Watcher = config.NewWatcher(cfg, logger)
	a.Watcher.SetValidator(policy.Validate)
	a.Watcher.OnChange(func(s *config.Snapshot) {
		logger.Info("Refill settings reloaded", zap.Int64("version", s.Version))
	})
	a.Resolver = policy.NewResolver(a.Watcher)
	a.Trail = audit.NewTrail(store, logger)

	var (
		cache    budget.StatusCache
		notifier notify.Notifier
		elector  scheduler.Elector = scheduler.AlwaysLeader{}
	)
	if a.Mode == ModeFull {
		a.Locker = redisdata.NewLockManager(a.Redis, logger, cfg.Scheduler.LockTTL, cfg.Scheduler.LockTimeout)
		cache = redisdata.NewStatusCache(a.Redis, logger, cfg.Budget.StatusCacheTTL)
		elector = redisdata.NewLeaderLease(a.Redis, logger, cfg.Scheduler.LeaderKey, cfg.Scheduler.LeaderTTL)
		notifier = a.streamNotifier()
	} else {
		a.Locker = lock.NewKeyedMutex(cfg.Scheduler.LockTimeout)
		notifier = notify.NewLogNotifier(logger)
		if cfg.Database.Driver == "postgres" {
			logger.Warn("LITE MODE locks are process-local; run a single instance against this database")
		}
	}

	svcConfig := &budget.ServiceConfig{
		Store:    store,
		Locker:   a.Locker,
		Resolver: a.Resolver,
		Cache:    cache,
		Logger:   logger,
	}
	if err := svcConfig.ApplyConfig(cfg.Budget); err != nil {
		a.Close()
		return nil, err
	}
	a.Service = budget.NewService(svcConfig)

	var invalidator refill.StatusInvalidator
	if cache != nil {
		invalidator = cache
	}
	a.Executor = refill.NewExecutor(store, a.Locker, abuse.NewGuard(a.Trail), notifier, invalidator, logger, refill.Options{
		LowWatermark:  svcConfig.LowWatermark,
		ManualTimeout: cfg.Scheduler.ManualTimeout,
		CatchUpGrace:  cfg.Scheduler.CatchUpGrace,
	})
	a.Scheduler = scheduler.New(store, a.Resolver, a.Executor, elector, a.Service, logger, scheduler.OptionsFromConfig(cfg.Scheduler))
	a.Limiter = a.rateLimiter()

	logger.Info("Services wired",
		zap.String("mode", string(a.Mode)),
		zap.String("store", cfg.Database.Driver))
	return a, nil
}

// streamNotifier delivers to a Redis stream behind a breaker, off the
// refill path.
func (a *App) streamNotifier() notify.Notifier {
	cfg := a.Config.Notify
	if !cfg.Enabled {
		return notify.NewLogNotifier(a.Logger)
	}
	stream := notify.NewStreamNotifier(a.Redis, a.Logger, cfg.Stream, cfg.MaxLen, cfg.DeliveryAttempts)
	breakers := circuitbreaker.NewManager(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breakers.OnStateChange(func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
		a.Logger.Warn("Notification breaker changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})
	async := notify.NewAsync(notify.NewBreakerNotifier("notify_stream", stream, breakers), a.Logger, 1024, 5*time.Second)
	a.closers = append(a.closers, async.Close)
	return async
}

func (a *App) rateLimiter() ratelimit.RateLimiter {
	rl := a.Config.Server.RateLimit
	if !rl.Enabled || rl.Requests <= 0 || rl.Window <= 0 {
		return nil
	}
	if a.Mode == ModeFull {
		return ratelimit.NewRedisLimiter(a.Redis, a.Logger, rl.Requests, rl.Window)
	}
	mem := ratelimit.NewInMemoryLimiter(a.Logger, rl.Requests, rl.Window)
	a.closers = append(a.closers, mem.Stop)
	return mem
}

// Reconciler builds the ledger reconciler over the app's store and lock.
func (a *App) Reconciler(repair bool) *worker.Reconciler {
	wm := decimalOrZero(a.Config.Budget.LowWatermark)
	return worker.NewReconciler(&worker.ReconcilerConfig{
		Store:        a.Store,
		Trail:        a.Trail,
		Locker:       a.Locker,
		Logger:       a.Logger,
		Interval:     a.Config.Reconciler.Interval,
		BatchSize:    a.Config.Reconciler.BatchSize,
		Repair:       repair,
		LowWatermark: wm,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func detectMode(cfg *config.Config, logger *zap.Logger) Mode {
	if os.Getenv("BUDGETD_LITE_MODE") == "true" {
		logger.Info("LITE MODE forced via environment variable")
		return ModeLite
	}
	if cfg.Redis.URL == "" {
		return ModeLite
	}
	return ModeFull
}

func connectRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.Int("db", opt.DB),
		zap.Int("pool_size", opt.PoolSize))
	return client, nil
}
