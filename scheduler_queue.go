package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"gocloud.dev/pubsub"
)

// QueueScheduler hands every dispatch to the task queue and returns as soon
// as the queue accepted them. Workers honour the not_before metadata.
type QueueScheduler struct {
	producer *pubsub.Topic
	signer   *TaskSigner
	now      func() time.Time
}

func NewQueueScheduler(producer *pubsub.Topic, signer *TaskSigner) *QueueScheduler {
	return &QueueScheduler{
		producer: producer,
		signer:   signer,
		now:      time.Now,
	}
}

func (s *QueueScheduler) Mode() string {
	return "queue"
}

func (s *QueueScheduler) Run(ctx context.Context, dispatches []Dispatch) []DispatchOutcome {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Enqueue Dispatches"))
	ctx = span.Context()
	defer span.Finish()

	outcomes := make([]DispatchOutcome, len(dispatches))
	runStart := s.now()

	wg := sync.WaitGroup{}
	for i, dispatch := range dispatches {
		wg.Go(func() {
			outcomes[i] = s.enqueue(ctx, dispatch, runStart)
		})
	}
	wg.Wait()

	return outcomes
}

func (s *QueueScheduler) enqueue(ctx context.Context, dispatch Dispatch, runStart time.Time) DispatchOutcome {
	outcome := DispatchOutcome{Dispatch: dispatch, TaskID: uuid.NewString()}

	body, err := json.Marshal(dispatch.Task)
	if err != nil {
		outcome.Err = fmt.Errorf("marshaling task: %w", err)
		return outcome
	}

	err = s.producer.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			metadataTaskID:       outcome.TaskID,
			metadataNotBefore:    runStart.Add(dispatch.Delay).UTC().Format(time.RFC3339Nano),
			metadataDelaySeconds: strconv.FormatInt(int64(dispatch.Delay/time.Second), 10),
			metadataSignature:    s.signer.Sign(body),
			metadataCheckKind:    string(dispatch.Task.Kind),
			metadataSiteID:       dispatch.Task.TargetID,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "enqueueing check task", slog.String("site_id", dispatch.Task.TargetID), slog.String("error", err.Error()))
		outcome.Err = fmt.Errorf("enqueueing task: %w", err)
		return outcome
	}

	outcome.Enqueued = true
	return outcome
}
