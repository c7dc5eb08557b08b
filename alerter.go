package main

import (
	"context"
	"errors"
	"time"
)

// ErrAlerterNotConfigured is returned when an alerter operation is attempted
// but the alerter has not been properly configured or initialized.
var ErrAlerterNotConfigured = errors.New("alerter not configured")

// ErrAlerterRateLimited is returned when an alerter has been rate limited
// and cannot send additional alerts until the rate limit period has passed.
var ErrAlerterRateLimited = errors.New("alerter rate limited")

// ErrAlerterDropped is returned when an alert message cannot be successfully
// delivered by the alerter, for example when a downstream delivery endpoint
// returns a non-2xx HTTP response.
var ErrAlerterDropped = errors.New("alerter message dropped")

// Alert describes a site status transition worth telling someone about.
type Alert struct {
	SiteID     string     `json:"site_id"`
	SiteName   string     `json:"site_name"`
	SiteURL    string     `json:"site_url"`
	Previous   SiteStatus `json:"previous_status"`
	Status     SiteStatus `json:"status"`
	Reason     string     `json:"reason"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Alerter defines an interface for sending alerts when a site changes state.
// Implementations handle the delivery of alert notifications through various
// channels (e.g., email, webhooks).
type Alerter interface {
	// Name identifies the channel in logs.
	Name() string
	// Send delivers the alert. The context ctx controls the request lifetime.
	// Returns an error if the alert notification fails to send.
	Send(ctx context.Context, alert Alert) error
}
