package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

func makeSites(n int) []Site {
	sites := make([]Site, n)
	for i := range sites {
		sites[i] = Site{
			ID:     fmt.Sprintf("site-%d", i+1),
			URL:    fmt.Sprintf("https://site-%d.test", i+1),
			Status: SiteStatusUnknown,
		}
	}
	return sites
}

func noJitter(time.Duration) time.Duration { return 0 }

func TestPlanDispatches_Stagger(t *testing.T) {
	dispatches := PlanDispatches(makeSites(7), CheckKindRanking, DispatchPolicy{Stagger: 5 * time.Second}, noJitter)
	if len(dispatches) != 7 {
		t.Fatalf("expected 7 dispatches, got %d", len(dispatches))
	}
	if dispatches[2].Delay != 10*time.Second {
		t.Errorf("expected the third site to be delayed by 10s, got %s", dispatches[2].Delay)
	}
	for i, d := range dispatches {
		if want := time.Duration(i) * 5 * time.Second; d.Delay != want {
			t.Errorf("dispatch %d: expected delay %s, got %s", i, want, d.Delay)
		}
		if d.Task.TargetID != d.Site.ID || d.Task.Kind != CheckKindRanking {
			t.Errorf("dispatch %d: unexpected task %+v", i, d.Task)
		}
	}
}

func TestPlanDispatches_Strategies(t *testing.T) {
	policy := DefaultDispatchPolicies()[CheckKindPageSpeed]
	dispatches := PlanDispatches(makeSites(3), CheckKindPageSpeed, policy, noJitter)
	if len(dispatches) != 6 {
		t.Fatalf("expected 6 dispatches, got %d", len(dispatches))
	}

	want := []struct {
		site     string
		strategy string
		delay    time.Duration
	}{
		{"site-1", StrategyMobile, 0},
		{"site-1", StrategyDesktop, 5 * time.Second},
		{"site-2", StrategyMobile, 10 * time.Second},
		{"site-2", StrategyDesktop, 15 * time.Second},
		{"site-3", StrategyMobile, 20 * time.Second},
		{"site-3", StrategyDesktop, 25 * time.Second},
	}
	for i, w := range want {
		d := dispatches[i]
		if d.Task.TargetID != w.site || d.Task.Strategy != w.strategy || d.Delay != w.delay {
			t.Errorf("dispatch %d: expected %+v, got site=%s strategy=%s delay=%s", i, w, d.Task.TargetID, d.Task.Strategy, d.Delay)
		}
	}
}

func TestPlanDispatches_Jitter(t *testing.T) {
	dispatches := PlanDispatches(makeSites(50), CheckKindUptime, DispatchPolicy{Jitter: 5 * time.Second}, nil)
	for _, d := range dispatches {
		if d.Delay < 0 || d.Delay >= 5*time.Second {
			t.Errorf("jitter out of range: %s", d.Delay)
		}
		if d.Task.Strategy != "" {
			t.Errorf("expected no strategy for uptime, got %q", d.Task.Strategy)
		}
	}
}

type funcTaskHandler func(ctx context.Context, task Task) (CheckResult, error)

func (f funcTaskHandler) Handle(ctx context.Context, task Task) (CheckResult, error) {
	return f(ctx, task)
}

func TestBatchScheduler_IsolatesFailures(t *testing.T) {
	handler := funcTaskHandler(func(ctx context.Context, task Task) (CheckResult, error) {
		switch task.TargetID {
		case "site-2":
			return CheckResult{SiteID: task.TargetID, Status: SiteStatusOffline}, fmt.Errorf("%w: cache unavailable", ErrPersistence)
		case "site-4":
			panic("unexpected nil pointer")
		default:
			return CheckResult{SiteID: task.TargetID, Status: SiteStatusOnline}, nil
		}
	})

	scheduler := NewBatchScheduler(handler, 2)
	dispatches := PlanDispatches(makeSites(5), CheckKindUptime, DispatchPolicy{}, noJitter)
	outcomes := scheduler.Run(context.Background(), dispatches)

	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}
	for i, outcome := range outcomes {
		if outcome.Dispatch.Task.TargetID != dispatches[i].Task.TargetID {
			t.Errorf("outcome %d out of order: %s", i, outcome.Dispatch.Task.TargetID)
		}
		switch outcome.Dispatch.Task.TargetID {
		case "site-2":
			if !errors.Is(outcome.Err, ErrPersistence) {
				t.Errorf("expected persistence error for site-2, got %v", outcome.Err)
			}
		case "site-4":
			if outcome.Err == nil || outcome.Result != nil {
				t.Errorf("expected recovered panic for site-4, got %+v", outcome)
			}
		default:
			if outcome.Err != nil || outcome.Result == nil || !outcome.Result.Online() {
				t.Errorf("expected success for %s, got %+v", outcome.Dispatch.Task.TargetID, outcome)
			}
		}
	}
}

func TestBatchScheduler_BoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	handler := funcTaskHandler(func(ctx context.Context, task Task) (CheckResult, error) {
		current := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return CheckResult{SiteID: task.TargetID, Status: SiteStatusOnline}, nil
	})

	scheduler := NewBatchScheduler(handler, 3)
	outcomes := scheduler.Run(context.Background(), PlanDispatches(makeSites(10), CheckKindUptime, DispatchPolicy{}, noJitter))
	if len(outcomes) != 10 {
		t.Fatalf("expected 10 outcomes, got %d", len(outcomes))
	}
	if got := maxInFlight.Load(); got > 3 {
		t.Errorf("expected at most 3 concurrent handlers, got %d", got)
	}
}

func TestBatchScheduler_WaitsForDelay(t *testing.T) {
	var mu sync.Mutex
	var slept []time.Duration

	handler := funcTaskHandler(func(ctx context.Context, task Task) (CheckResult, error) {
		return CheckResult{SiteID: task.TargetID, Status: SiteStatusOnline}, nil
	})
	scheduler := NewBatchScheduler(handler, 5)
	scheduler.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}

	dispatches := PlanDispatches(makeSites(3), CheckKindRanking, DispatchPolicy{Stagger: time.Hour}, noJitter)
	scheduler.Run(context.Background(), dispatches)

	if len(slept) != 2 {
		t.Fatalf("expected two delayed dispatches, got %v", slept)
	}
	for _, d := range slept {
		if d <= 0 || d > 2*time.Hour {
			t.Errorf("unexpected sleep duration %s", d)
		}
	}
}

func TestQueueScheduler_Run(t *testing.T) {
	ctx := context.Background()

	topic, err := pubsub.OpenTopic(ctx, "mem://scheduler-test")
	if err != nil {
		t.Fatalf("failed to open topic: %v", err)
	}
	defer topic.Shutdown(ctx)

	subscription, err := pubsub.OpenSubscription(ctx, "mem://scheduler-test")
	if err != nil {
		t.Fatalf("failed to open subscription: %v", err)
	}
	defer subscription.Shutdown(ctx)

	signer := NewTaskSigner("queue-secret", "production")
	scheduler := NewQueueScheduler(topic, signer)
	runStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return runStart }

	dispatches := PlanDispatches(makeSites(3), CheckKindRanking, DispatchPolicy{Stagger: 5 * time.Second}, noJitter)
	outcomes := scheduler.Run(ctx, dispatches)
	for _, outcome := range outcomes {
		if !outcome.Enqueued || outcome.Err != nil || outcome.TaskID == "" {
			t.Errorf("expected enqueued outcome, got %+v", outcome)
		}
	}

	received := make(map[string]*pubsub.Message)
	for range 3 {
		receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		message, err := subscription.Receive(receiveCtx)
		cancel()
		if err != nil {
			t.Fatalf("failed to receive message: %v", err)
		}
		message.Ack()
		received[message.Metadata[metadataSiteID]] = message
	}

	message, ok := received["site-3"]
	if !ok {
		t.Fatalf("expected message for site-3, got %v", received)
	}

	var task Task
	if err := json.Unmarshal(message.Body, &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.TargetID != "site-3" || task.Kind != CheckKindRanking || task.URL != "https://site-3.test" {
		t.Errorf("unexpected task %+v", task)
	}
	if err := signer.Verify(message.Body, message.Metadata[metadataSignature]); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
	if got := parseNotBefore(message.Metadata); !got.Equal(runStart.Add(10 * time.Second)) {
		t.Errorf("expected not_before 10s after run start, got %v", got)
	}
	if delay, _ := strconv.Atoi(message.Metadata[metadataDelaySeconds]); delay != 10 {
		t.Errorf("expected delay_seconds 10, got %d", delay)
	}
}

func TestQueueScheduler_ReportsSendFailure(t *testing.T) {
	ctx := context.Background()

	topic, err := pubsub.OpenTopic(ctx, "mem://scheduler-closed")
	if err != nil {
		t.Fatalf("failed to open topic: %v", err)
	}
	if err := topic.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown topic: %v", err)
	}

	scheduler := NewQueueScheduler(topic, NewTaskSigner("", "development"))
	outcomes := scheduler.Run(ctx, PlanDispatches(makeSites(2), CheckKindUptime, DispatchPolicy{}, noJitter))
	for _, outcome := range outcomes {
		if outcome.Enqueued || outcome.Err == nil {
			t.Errorf("expected send failure, got %+v", outcome)
		}
	}
}
