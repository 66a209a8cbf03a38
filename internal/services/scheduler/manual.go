package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/refill"
)

var ErrNoPolicy = errors.New("no refill policy applies to principal")

// BatchResult summarises a manual refill of every principal.
type BatchResult struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Blocked   int               `json:"blocked"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// RefillOne refills a principal immediately on behalf of actor. A nil
// override applies the principal's resolved policy. Manual refills do not
// need leadership and are never deduplicated.
func (s *Scheduler) RefillOne(ctx context.Context, principalID, actor string, override *policy.Policy) (*refill.Result, error) {
	acct, err := s.store.GetAccount(ctx, principalID)
	if err != nil {
		return nil, err
	}
	snap, table := s.resolver.Current()
	return s.manual(ctx, acct, actor, override, snap, table)
}

func (s *Scheduler) manual(ctx context.Context, acct *models.Account, actor string, override *policy.Policy, snap *config.Snapshot, table *policy.Table) (*refill.Result, error) {
	pol := override
	if pol == nil {
		var err error
		pol, err = table.Resolve(policy.FromAccount(acct))
		if err != nil {
			return nil, err
		}
		if pol == nil {
			return nil, ErrNoPolicy
		}
	}

	res, err := s.executor.Execute(ctx, refill.Request{
		PrincipalID: acct.PrincipalID,
		Policy:      pol,
		Actor:       actor,
		Trigger:     refill.TriggerManual,
		Abuse:       snap.Refill.Abuse,
	})
	// Manual refills leave the schedule where it was.
	if err == nil && res.Outcome == refill.OutcomeCompleted {
		s.count(func(st *Stats) { st.ManualRefills++ })
	}
	return res, err
}

// RefillAll runs a manual refill for every active account. Cancelling ctx
// stops dispatching; refills already holding their lock complete.
func (s *Scheduler) RefillAll(ctx context.Context, actor string, override *policy.Policy) (*BatchResult, error) {
	snap, table := s.resolver.Current()
	out := &BatchResult{Errors: make(map[string]string)}
	var mu sync.Mutex

	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup

	after := ""
	for {
		accts, err := s.store.ListAccounts(ctx, ledger.AccountFilter{After: after, Limit: accountPageSize})
		if err != nil {
			wg.Wait()
			return out, err
		}
		for i := range accts {
			select {
			case <-ctx.Done():
				wg.Wait()
				return out, ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(acct models.Account) {
				defer func() {
					<-sem
					wg.Done()
				}()
				res, err := s.manual(ctx, &acct, actor, override, snap, table)

				mu.Lock()
				defer mu.Unlock()
				var blocked *models.AbuseBlockedError
				switch {
				case errors.Is(err, ErrNoPolicy):
					out.Skipped++
					return
				case errors.As(err, &blocked):
					out.Blocked++
				case err != nil:
					out.Failed++
					out.Errors[acct.PrincipalID] = err.Error()
				case res.Outcome == refill.OutcomeCompleted:
					out.Succeeded++
				default:
					out.Skipped++
				}
				out.Attempted++
			}(accts[i])
		}
		if len(accts) < accountPageSize {
			break
		}
		after = accts[len(accts)-1].PrincipalID
	}
	wg.Wait()

	s.logger.Info("Manual refill of all principals finished",
		zap.String("actor", actor),
		zap.Int("attempted", out.Attempted),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("blocked", out.Blocked),
		zap.Int("failed", out.Failed))
	return out, nil
}
