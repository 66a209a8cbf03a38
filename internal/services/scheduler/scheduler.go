// Package scheduler drives scheduled refills. One leader-elected instance
// ticks, works out which principals are due from its next-due index and hands
// them to the refill executor through a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/refill"
)

const accountPageSize = 500

// Sweeper expires abandoned spend reservations. The budget service
// implements it.
type Sweeper interface {
	ExpireReservations(ctx context.Context, now time.Time) (int, error)
}

type Options struct {
	TickInterval     time.Duration
	Workers          int
	ExecutionTimeout time.Duration
	// IndexRefresh forces a rebuild of the next-due index so accounts
	// created since the last build are picked up.
	IndexRefresh time.Duration
	Now          func() time.Time
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		TickInterval:     cfg.TickInterval,
		Workers:          cfg.Workers,
		ExecutionTimeout: cfg.ExecutionTimeout,
		IndexRefresh:     cfg.IndexRefresh,
	}
}

// Stats is the scheduler summary served to admins.
type Stats struct {
	Running           bool       `json:"running"`
	Leader            bool       `json:"leader"`
	Ticks             int64      `json:"ticks"`
	Succeeded         int64      `json:"succeeded"`
	Failed            int64      `json:"failed"`
	Blocked           int64      `json:"blocked"`
	Skipped           int64      `json:"skipped"`
	Misconfigured     int64      `json:"misconfigured"`
	ManualRefills     int64      `json:"manual_refills"`
	ExpiredHolds      int64      `json:"expired_reservations"`
	TrackedPrincipals int        `json:"tracked_principals"`
	LastRun           *time.Time `json:"last_run,omitempty"`
	LastDurationMs    int64      `json:"last_duration_ms"`
	LastError         string     `json:"last_error,omitempty"`
}

type Scheduler struct {
	store    ledger.Store
	resolver *policy.Resolver
	executor *refill.Executor
	elector  Elector
	sweeper  Sweeper
	logger   *zap.Logger
	opts     Options
	index    *index

	mu            sync.Mutex
	stats         Stats
	misconfigured map[string]int64

	tickMu   sync.Mutex
	stopCh   chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func New(store ledger.Store, resolver *policy.Resolver, executor *refill.Executor, elector Elector, sweeper Sweeper, logger *zap.Logger, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if elector == nil {
		elector = AlwaysLeader{}
	}
	return &Scheduler{
		store:         store,
		resolver:      resolver,
		executor:      executor,
		elector:       elector,
		sweeper:       sweeper,
		logger:        logger,
		opts:          opts,
		index:         newIndex(),
		misconfigured: make(map[string]int64),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.logger.Info("Starting refill scheduler",
		zap.Duration("tick_interval", s.opts.TickInterval),
		zap.Int("workers", s.opts.Workers),
		zap.Duration("execution_timeout", s.opts.ExecutionTimeout))

	s.setRunning(true)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.setRunning(false)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("Scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Refill scheduler context cancelled")
			return
		case <-s.stopCh:
			s.logger.Info("Refill scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stop waits for the current tick to finish and gives up leadership.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.SetLeader(false)
	s.setLeader(false)
	return s.elector.Resign(ctx)
}

// Tick runs one scheduling round. A non-leader only campaigns.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.opts.Now()
	wall := time.Now()

	leader, err := s.elector.Campaign(ctx)
	if err != nil {
		s.logger.Warn("Leader campaign failed, standing down", zap.Error(err))
		leader = false
	}
	metrics.SetLeader(leader)
	s.setLeader(leader)
	if !leader {
		s.index.reset()
		s.finishTick(start, time.Since(wall), err)
		return err
	}

	snap, table := s.resolver.Current()
	if s.index.stale(snap.Version, start, s.opts.IndexRefresh) {
		if err := s.rebuild(ctx, snap, table, start); err != nil {
			s.finishTick(start, time.Since(wall), err)
			return err
		}
	}

	due := s.index.due(start)
	if len(due) > 0 {
		s.logger.Debug("Dispatching due refills", zap.Int("count", len(due)))
	}
	s.dispatch(ctx, due, snap)

	if s.sweeper != nil {
		n, err := s.sweeper.ExpireReservations(ctx, s.opts.Now())
		if err != nil {
			s.logger.Warn("Failed to expire reservations", zap.Error(err))
		} else if n > 0 {
			s.mu.Lock()
			s.stats.ExpiredHolds += int64(n)
			s.mu.Unlock()
		}
	}

	elapsed := time.Since(wall)
	metrics.ObserveTick(elapsed)
	s.finishTick(start, elapsed, nil)
	return nil
}

// rebuild recomputes every principal's next fire time from the last period
// the scheduler consumed, refilled or blocked.
func (s *Scheduler) rebuild(ctx context.Context, snap *config.Snapshot, table *policy.Table, now time.Time) error {
	last, err := s.store.LastScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last scheduled runs: %w", err)
	}

	slots := make(map[string]*slot)
	after := ""
	for {
		accts, err := s.store.ListAccounts(ctx, ledger.AccountFilter{After: after, Limit: accountPageSize})
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		for i := range accts {
			a := &accts[i]
			pol, err := table.Resolve(policy.FromAccount(a))
			if err != nil {
				s.flagMisconfigured(ctx, a.PrincipalID, snap.Version, err)
				continue
			}
			if pol == nil || pol.Schedule == nil {
				continue
			}
			anchor := refill.Anchor(a)
			if t, ok := last[a.PrincipalID]; ok && t.After(anchor) {
				anchor = t
			}
			slots[a.PrincipalID] = &slot{
				principalID: a.PrincipalID,
				policy:      pol,
				anchor:      anchor,
				next:        pol.Next(anchor),
				state:       SlotPending,
			}
		}
		if len(accts) < accountPageSize {
			break
		}
		after = accts[len(accts)-1].PrincipalID
	}

	s.index.replace(slots, snap.Version, now)
	s.logger.Info("Rebuilt refill index",
		zap.Int("principals", len(slots)),
		zap.Int64("config_version", snap.Version))
	return nil
}

// flagMisconfigured records one FAILED entry per principal and settings
// version; later ticks against the same snapshot stay quiet.
func (s *Scheduler) flagMisconfigured(ctx context.Context, principalID string, version int64, cause error) {
	s.mu.Lock()
	if v, ok := s.misconfigured[principalID]; ok && v == version {
		s.mu.Unlock()
		return
	}
	s.misconfigured[principalID] = version
	s.stats.Misconfigured++
	s.mu.Unlock()

	s.logger.Error("Refill policy misconfigured",
		zap.String("principal_id", principalID),
		zap.Int64("config_version", version),
		zap.Error(cause))
	if err := s.executor.RecordConfigurationError(ctx, principalID, cause); err != nil {
		s.logger.Warn("Failed to audit misconfigured policy",
			zap.String("principal_id", principalID),
			zap.Error(err))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, due []slot, snap *config.Snapshot) {
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup

dispatch:
	for _, sl := range due {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		s.index.mark(sl.principalID, SlotRunning)
		wg.Add(1)
		go func(sl slot) {
			defer func() {
				<-sem
				wg.Done()
			}()
			s.runOne(ctx, sl, snap)
		}(sl)
	}
	wg.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, sl slot, snap *config.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Refill panicked",
				zap.String("principal_id", sl.principalID),
				zap.Any("policy", sl.policy.Describe()),
				zap.Any("panic", r))
			s.index.settle(sl.principalID, SlotFailed, fmt.Sprint(r))
			s.count(func(st *Stats) { st.Failed++ })
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.ExecutionTimeout)
	defer cancel()

	res, err := s.executor.Execute(ctx, refill.Request{
		PrincipalID: sl.principalID,
		Policy:      sl.policy,
		Actor:       models.ActorScheduler,
		Trigger:     refill.TriggerScheduled,
		Abuse:       snap.Refill.Abuse,
	})
	s.settle(sl, res, err)
}

func (s *Scheduler) settle(sl slot, res *refill.Result, err error) {
	var blocked *models.AbuseBlockedError
	switch {
	case errors.Is(err, models.ErrAccountNotFound), errors.Is(err, models.ErrAccountArchived):
		s.index.remove(sl.principalID)
	case errors.As(err, &blocked):
		// The executor recorded the forfeited period on the account.
		anchor := s.opts.Now()
		if res != nil && res.Account != nil {
			anchor = refill.Anchor(res.Account)
		}
		s.index.rearm(sl.principalID, anchor, SlotFailed, err.Error())
		s.count(func(st *Stats) { st.Blocked++ })
	case err != nil:
		s.logger.Warn("Scheduled refill failed, retrying next tick",
			zap.String("principal_id", sl.principalID),
			zap.Any("policy", sl.policy.Describe()),
			zap.Error(err))
		s.index.settle(sl.principalID, SlotFailed, err.Error())
		s.count(func(st *Stats) { st.Failed++ })
	case res.Outcome == refill.OutcomeCompleted:
		s.index.rearm(sl.principalID, refill.Anchor(res.Account), SlotCompleted, "")
		s.count(func(st *Stats) { st.Succeeded++ })
	default:
		s.index.rearm(sl.principalID, refill.Anchor(res.Account), SlotSkipped, "")
		s.count(func(st *Stats) { st.Skipped++ })
	}
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *Scheduler) finishTick(start time.Time, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Ticks++
	s.stats.LastRun = &start
	s.stats.LastDurationMs = elapsed.Milliseconds()
	s.stats.LastError = ""
	if err != nil {
		s.stats.LastError = err.Error()
	}
}

func (s *Scheduler) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Running = running
}

func (s *Scheduler) setLeader(leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Leader = leader
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.TrackedPrincipals = s.index.size()
	return st
}

// NextFire reports the indexed fire time for a principal, if tracked.
func (s *Scheduler) NextFire(principalID string) (time.Time, SlotState, bool) {
	sl, ok := s.index.get(principalID)
	if !ok {
		return time.Time{}, "", false
	}
	return sl.next, sl.state, true
}
