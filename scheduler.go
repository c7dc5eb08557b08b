package main

import (
	"context"
	"math/rand/v2"
	"time"
)

// DispatchPolicy spreads the dispatches of one run over time so that
// third-party providers are not hit by a burst.
type DispatchPolicy struct {
	// Stagger is added per site index.
	Stagger time.Duration
	// StrategyOffset is added per strategy index within a site.
	StrategyOffset time.Duration
	// Jitter adds a random delay in [0, Jitter).
	Jitter time.Duration
	// Strategies fans one site out into several tasks. Empty means a single
	// task without a strategy.
	Strategies []string
}

// DefaultDispatchPolicies mirrors the pacing each provider tolerates.
func DefaultDispatchPolicies() map[CheckKind]DispatchPolicy {
	return map[CheckKind]DispatchPolicy{
		CheckKindUptime: {Jitter: 5 * time.Second},
		CheckKindTLS:    {Jitter: 5 * time.Second},
		CheckKindPageSpeed: {
			Stagger:        10 * time.Second,
			StrategyOffset: 5 * time.Second,
			Strategies:     []string{StrategyMobile, StrategyDesktop},
		},
		CheckKindRanking: {
			Stagger:        5 * time.Second,
			StrategyOffset: 2 * time.Second,
			Strategies:     []string{RankingSourceGoogle, RankingSourceBing},
		},
	}
}

// Dispatch is a planned task together with its delay relative to the start of the run.
type Dispatch struct {
	Site  Site
	Task  Task
	Delay time.Duration
}

type DispatchOutcome struct {
	Dispatch Dispatch
	// Result is set when the task was executed in-process.
	Result *CheckResult
	// Enqueued is set when the task was durably handed to the task queue.
	Enqueued bool
	TaskID   string
	Err      error
}

// Scheduler runs the dispatches of one trigger. Outcomes are returned in the
// order of the dispatches. Scheduler implementations never fail as a whole;
// per-dispatch errors are reported in the outcomes.
type Scheduler interface {
	Mode() string
	Run(ctx context.Context, dispatches []Dispatch) []DispatchOutcome
}

// PlanDispatches produces one dispatch per site and strategy. The delay of a
// dispatch is index*Stagger + strategyIndex*StrategyOffset plus jitter.
func PlanDispatches(sites []Site, kind CheckKind, policy DispatchPolicy, jitter func(time.Duration) time.Duration) []Dispatch {
	if jitter == nil {
		jitter = randomJitter
	}

	strategies := policy.Strategies
	if len(strategies) == 0 {
		strategies = []string{""}
	}

	dispatches := make([]Dispatch, 0, len(sites)*len(strategies))
	for i, site := range sites {
		for j, strategy := range strategies {
			delay := time.Duration(i)*policy.Stagger + time.Duration(j)*policy.StrategyOffset
			if policy.Jitter > 0 {
				delay += jitter(policy.Jitter)
			}

			dispatches = append(dispatches, Dispatch{
				Site: site,
				Task: Task{
					TargetID: site.ID,
					URL:      site.URL,
					Kind:     kind,
					Strategy: strategy,
				},
				Delay: delay,
			})
		}
	}
	return dispatches
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
