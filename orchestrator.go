package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// ErrUnauthorized is returned when a trigger does not carry the configured secret.
var ErrUnauthorized = errors.New("unauthorized")

// AuthorizeBearer checks an Authorization header against the trigger secret.
// Without a configured secret, triggers are accepted only in development.
func AuthorizeBearer(secret string, environment string, authorization string) error {
	if secret == "" {
		if isDevelopment(environment) {
			return nil
		}
		return fmt.Errorf("%w: trigger secret not configured", ErrUnauthorized)
	}

	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// RunSummary aggregates the outcomes of one trigger.
type RunSummary struct {
	Kind       CheckKind `json:"kind"`
	Mode       string    `json:"mode"`
	Sites      int       `json:"sites"`
	Tasks      int       `json:"tasks"`
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	// Offline counts sites found offline. It is only known for inline runs.
	Offline    int       `json:"offline"`
	Errors     []string  `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

type Orchestrator struct {
	registry  SiteRegistry
	scheduler Scheduler
	policies  map[CheckKind]DispatchPolicy
	rankings  RankingStore
	jitter    func(time.Duration) time.Duration
	now       func() time.Time
}

type OrchestratorOptions struct {
	Registry  SiteRegistry
	Scheduler Scheduler
	Policies  map[CheckKind]DispatchPolicy
	// Rankings limits ranking runs to the sources each site tracks keywords
	// for. Without it every site is checked on every source.
	Rankings RankingStore
}

func NewOrchestrator(options OrchestratorOptions) *Orchestrator {
	policies := DefaultDispatchPolicies()
	for kind, policy := range options.Policies {
		policies[kind] = policy
	}
	return &Orchestrator{
		registry:  options.Registry,
		scheduler: options.Scheduler,
		policies:  policies,
		rankings:  options.Rankings,
		jitter:    randomJitter,
		now:       time.Now,
	}
}

// Trigger runs one check kind across every registered site. It only fails
// when the sites cannot be loaded; per-site failures are counted in the summary.
func (o *Orchestrator) Trigger(ctx context.Context, kind CheckKind) (RunSummary, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Trigger Check Run"))
	ctx = span.Context()
	defer span.Finish()
	span.SetData("sitekeeper.check_kind", string(kind))

	summary := RunSummary{
		Kind:      kind,
		Mode:      o.scheduler.Mode(),
		Errors:    []string{},
		StartedAt: o.now().UTC(),
	}

	sites, err := o.registry.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing sites: %w", err)
	}

	policy := o.policies[kind]
	if kind == CheckKindRanking && len(policy.Strategies) == 0 {
		slog.WarnContext(ctx, "skipping ranking run without configured sources")
		return summary, nil
	}

	var tracked map[string][]string
	if kind == CheckKindRanking && o.rankings != nil {
		tracked, err = o.rankings.TrackedKeywordSources(ctx)
		if err != nil {
			return summary, fmt.Errorf("listing tracked keyword sources: %w", err)
		}
		sites = slices.DeleteFunc(slices.Clone(sites), func(site Site) bool {
			return !slices.ContainsFunc(tracked[site.ID], func(source string) bool {
				return slices.Contains(policy.Strategies, source)
			})
		})
	}
	summary.Sites = len(sites)

	dispatches := PlanDispatches(sites, kind, policy, o.jitter)
	if tracked != nil {
		dispatches = slices.DeleteFunc(dispatches, func(dispatch Dispatch) bool {
			return !slices.Contains(tracked[dispatch.Task.TargetID], dispatch.Task.Strategy)
		})
	}
	summary.Tasks = len(dispatches)

	slog.InfoContext(ctx, "starting check run", slog.String("check_kind", string(kind)), slog.String("mode", summary.Mode), slog.Int("sites", summary.Sites), slog.Int("tasks", summary.Tasks))

	outcomes := o.scheduler.Run(ctx, dispatches)
	for _, outcome := range outcomes {
		if outcome.Enqueued || outcome.Result != nil {
			summary.Dispatched++
		}
		if outcome.Err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", dispatchLabel(outcome.Dispatch), outcome.Err.Error()))
			continue
		}
		summary.Succeeded++
		if outcome.Result != nil && outcome.Result.Status == SiteStatusOffline {
			summary.Offline++
		}
	}

	summary.DurationMs = o.now().Sub(summary.StartedAt).Milliseconds()
	slog.InfoContext(ctx, "completed check run", slog.String("check_kind", string(kind)), slog.Int("succeeded", summary.Succeeded), slog.Int("failed", summary.Failed), slog.Int("offline", summary.Offline), slog.Int64("duration_ms", summary.DurationMs))
	return summary, nil
}

func dispatchLabel(dispatch Dispatch) string {
	if dispatch.Task.Strategy != "" {
		return dispatch.Task.TargetID + "/" + dispatch.Task.Strategy
	}
	return dispatch.Task.TargetID
}
