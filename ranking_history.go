package main

import "context"

// TrackedKeyword is a keyword whose daily ranking is recorded for a site and source.
type TrackedKeyword struct {
	SiteID  string `json:"site_id"`
	Source  string `json:"source"`
	Keyword string `json:"keyword"`
}

// KeywordRanking is one daily snapshot. There is at most one snapshot per
// site, source, keyword and recorded date; a later snapshot of the same day
// replaces the earlier one.
type KeywordRanking struct {
	SiteID       string  `json:"site_id"`
	Source       string  `json:"source"`
	Keyword      string  `json:"keyword"`
	RecordedDate string  `json:"recorded_date"`
	Position     float64 `json:"position"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
}

type RankingStore interface {
	ListTrackedKeywords(ctx context.Context, siteID string, source string) ([]TrackedKeyword, error)
	// TrackedKeywordSources maps every site with tracked keywords to its sources.
	TrackedKeywordSources(ctx context.Context) (map[string][]string, error)
	UpsertKeywordRankings(ctx context.Context, rankings []KeywordRanking) error
	ListKeywordRankings(ctx context.Context, siteID string, source string, keyword string) ([]KeywordRanking, error)
}
