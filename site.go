package main

import (
	"context"
	"errors"
	"time"

	"github.com/guregu/null/v5"
)

type SiteStatus string

const (
	// SiteStatusUnknown is only held by sites that were never checked.
	SiteStatusUnknown SiteStatus = "unknown"
	SiteStatusOnline  SiteStatus = "online"
	SiteStatusOffline SiteStatus = "offline"
)

type SiteCategory string

const (
	SiteCategoryWordPress SiteCategory = "wordpress"
	SiteCategoryCustom    SiteCategory = "custom"
)

type Site struct {
	ID          string       `json:"id"`
	URL         string       `json:"url"`
	Name        string       `json:"name"`
	Category    SiteCategory `json:"category"`
	Status      SiteStatus   `json:"status"`
	LastChecked null.Time    `json:"last_checked"`
	LatencyMs   null.Int     `json:"latency_ms"`
}

// DisplayName returns the site name, falling back to the URL for unnamed sites.
func (s Site) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

type SiteStatusUpdate struct {
	Status    SiteStatus
	CheckedAt time.Time
	LatencyMs int64
}

// ErrSiteNotFound is returned when the registry has no site with the requested id.
var ErrSiteNotFound = errors.New("site not found")

// SiteRegistry is the source of truth for registered sites. Sites are
// created and deleted elsewhere; the polling subsystem only reads them and
// records the outcome of uptime checks.
type SiteRegistry interface {
	List(ctx context.Context) ([]Site, error)
	Get(ctx context.Context, siteID string) (Site, error)
	UpdateStatus(ctx context.Context, siteID string, update SiteStatusUpdate) error
}
