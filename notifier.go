package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// ShouldNotify decides whether a status transition produces an alert. Going
// offline from any other state always alerts; recovering alerts only when
// notifyRecovery is set.
func ShouldNotify(previous, next SiteStatus, notifyRecovery bool) bool {
	if previous != SiteStatusOffline && next == SiteStatusOffline {
		return true
	}
	return notifyRecovery && previous == SiteStatusOffline && next == SiteStatusOnline
}

// TransitionNotifier fans an alert out to every configured channel. Channel
// failures are logged and never reach the caller.
type TransitionNotifier struct {
	alerters       []Alerter
	notifyRecovery bool
	timeout        time.Duration
	now            func() time.Time
}

func NewTransitionNotifier(alerters []Alerter, notifyRecovery bool, timeout time.Duration) *TransitionNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TransitionNotifier{
		alerters:       alerters,
		notifyRecovery: notifyRecovery,
		timeout:        timeout,
		now:            time.Now,
	}
}

// MaybeNotify sends the alert when the transition qualifies and reports
// whether it did. It waits for every channel to finish.
func (n *TransitionNotifier) MaybeNotify(ctx context.Context, site Site, previous SiteStatus, result CheckResult) bool {
	if !ShouldNotify(previous, result.Status, n.notifyRecovery) {
		return false
	}

	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Notify Status Transition"))
	ctx = span.Context()
	defer span.Finish()

	alert := Alert{
		SiteID:     site.ID,
		SiteName:   site.DisplayName(),
		SiteURL:    site.URL,
		Previous:   previous,
		Status:     result.Status,
		Reason:     transitionReason(result),
		OccurredAt: n.now().UTC(),
	}

	slog.InfoContext(ctx, "site status transition", slog.String("site_id", site.ID), slog.String("previous_status", string(previous)), slog.String("status", string(result.Status)))

	// Alerts must go out even if the triggering request is cancelled.
	ctx = context.WithoutCancel(ctx)

	wg := sync.WaitGroup{}
	for _, alerter := range n.alerters {
		wg.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			defer cancel()

			if err := alerter.Send(sendCtx, alert); err != nil {
				slog.ErrorContext(ctx, "sending alert", slog.String("alerter", alerter.Name()), slog.String("site_id", site.ID), slog.String("error", err.Error()))
				if hub := sentry.GetHubFromContext(ctx); hub != nil {
					hub.CaptureException(fmt.Errorf("sending %s alert for site %s: %w", alerter.Name(), site.ID, err))
				}
			}
		})
	}
	wg.Wait()

	return true
}

func transitionReason(result CheckResult) string {
	if result.Status == SiteStatusOnline {
		return "site is reachable again"
	}
	if result.Error.Valid {
		return result.Error.String
	}
	if result.StatusCode != 0 {
		return fmt.Sprintf("unexpected status code %d", result.StatusCode)
	}
	return "site is unreachable"
}
