package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// TaskHandler executes one task end to end.
type TaskHandler interface {
	Handle(ctx context.Context, task Task) (CheckResult, error)
}

// BatchScheduler executes dispatches in-process, batchSize at a time. Every
// batch is awaited before the next one starts, and a failed dispatch never
// cancels its siblings.
type BatchScheduler struct {
	handler   TaskHandler
	batchSize int
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewBatchScheduler(handler TaskHandler, batchSize int) *BatchScheduler {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &BatchScheduler{
		handler:   handler,
		batchSize: batchSize,
		sleep:     sleepContext,
	}
}

func (s *BatchScheduler) Mode() string {
	return "inline"
}

func (s *BatchScheduler) Run(ctx context.Context, dispatches []Dispatch) []DispatchOutcome {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Run Batch Dispatches"))
	ctx = span.Context()
	defer span.Finish()

	outcomes := make([]DispatchOutcome, len(dispatches))
	runStart := time.Now()

	for batchStart := 0; batchStart < len(dispatches); batchStart += s.batchSize {
		batchEnd := min(batchStart+s.batchSize, len(dispatches))

		wg := sync.WaitGroup{}
		for i := batchStart; i < batchEnd; i++ {
			wg.Go(func() {
				outcomes[i] = s.runOne(ctx, dispatches[i], runStart)
			})
		}
		wg.Wait()

		slog.DebugContext(ctx, "completed dispatch batch", slog.Int("batch_start", batchStart), slog.Int("batch_end", batchEnd))
	}

	return outcomes
}

func (s *BatchScheduler) runOne(ctx context.Context, dispatch Dispatch, runStart time.Time) (outcome DispatchOutcome) {
	outcome.Dispatch = dispatch
	defer func() {
		if r := recover(); r != nil {
			outcome.Err = fmt.Errorf("panic while handling site %s: %v", dispatch.Task.TargetID, r)
			slog.ErrorContext(ctx, "recovered from panic in dispatch", slog.String("site_id", dispatch.Task.TargetID), slog.String("error", outcome.Err.Error()))
			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.CaptureException(outcome.Err)
			}
		}
	}()

	if wait := dispatch.Delay - time.Since(runStart); wait > 0 {
		if err := s.sleep(ctx, wait); err != nil {
			outcome.Err = fmt.Errorf("waiting for dispatch delay: %w", err)
			return outcome
		}
	}

	result, err := s.handler.Handle(ctx, dispatch.Task)
	outcome.Result = &result
	outcome.Err = err
	return outcome
}
