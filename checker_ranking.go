package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// KeywordStat is the search performance of one query for a site.
type KeywordStat struct {
	Query       string  `json:"query"`
	Position    float64 `json:"position"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
}

// RankingProvider fetches per-query search statistics for a site.
type RankingProvider interface {
	Source() string
	QueryStats(ctx context.Context, siteURL string) ([]KeywordStat, error)
}

// RankingChecker queries the provider selected by the target strategy.
type RankingChecker struct {
	providers map[string]RankingProvider
	timeout   time.Duration
	now       func() time.Time
}

func NewRankingChecker(timeout time.Duration, providers ...RankingProvider) *RankingChecker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := make(map[string]RankingProvider, len(providers))
	for _, p := range providers {
		if p != nil {
			m[p.Source()] = p
		}
	}
	return &RankingChecker{providers: m, timeout: timeout, now: time.Now}
}

func (c *RankingChecker) Kind() CheckKind {
	return CheckKindRanking
}

// Sources lists the configured ranking sources in a stable order.
func (c *RankingChecker) Sources() []string {
	sources := make([]string, 0, len(c.providers))
	for source := range c.providers {
		sources = append(sources, source)
	}
	slices.Sort(sources)
	return sources
}

func (c *RankingChecker) Check(ctx context.Context, target CheckTarget) CheckResult {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Ranking Check"))
	ctx = span.Context()
	defer span.Finish()

	result := newCheckResult(CheckKindRanking, target, c.now())

	provider, ok := c.providers[target.Strategy]
	if !ok {
		result.fail(FailureProvider, fmt.Sprintf("ranking source %q is not configured", target.Strategy))
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	stats, err := provider.QueryStats(ctx, target.URL)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		failure, message := classifyProviderError(provider.Source(), err)
		slog.WarnContext(ctx, "ranking provider request failed", slog.String("site_id", target.SiteID), slog.String("source", provider.Source()), slog.String("failure", string(failure)), slog.String("error", err.Error()))
		result.fail(failure, message)
		return result
	}

	slices.SortStableFunc(stats, func(a, b KeywordStat) int {
		return strings.Compare(a.Query, b.Query)
	})
	result.Rankings = stats
	result.Status = SiteStatusOnline
	return result
}

// matchTrackedKeywords picks the statistics of the tracked keywords. Queries
// are compared case-insensitively; keywords without statistics are skipped.
func matchTrackedKeywords(stats []KeywordStat, keywords []TrackedKeyword) []KeywordStat {
	byQuery := make(map[string]KeywordStat, len(stats))
	for _, s := range stats {
		byQuery[strings.ToLower(strings.TrimSpace(s.Query))] = s
	}

	var matched []KeywordStat
	for _, k := range keywords {
		if s, ok := byQuery[strings.ToLower(strings.TrimSpace(k.Keyword))]; ok {
			s.Query = k.Keyword
			matched = append(matched, s)
		}
	}
	return matched
}
