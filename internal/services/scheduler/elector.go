package scheduler

import "context"

// Elector decides which instance runs scheduled refills. Campaign is called on
// every tick and must both acquire and renew.
type Elector interface {
	Campaign(ctx context.Context) (bool, error)
	Resign(ctx context.Context) error
}

// AlwaysLeader is the elector for single-instance deployments.
type AlwaysLeader struct{}

func (AlwaysLeader) Campaign(context.Context) (bool, error) { return true, nil }

func (AlwaysLeader) Resign(context.Context) error { return nil }
