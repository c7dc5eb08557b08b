package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	searchconsole "google.golang.org/api/searchconsole/v1"
)

// SearchConsoleProvider reads query statistics from Google Search Console
// with a service account.
type SearchConsoleProvider struct {
	service      *searchconsole.Service
	lookbackDays int
	rowLimit     int64
	now          func() time.Time
}

type SearchConsoleProviderOptions struct {
	CredentialsJSON []byte
	LookbackDays    int
	ClientOptions   []option.ClientOption
}

func NewSearchConsoleProvider(ctx context.Context, options SearchConsoleProviderOptions) (*SearchConsoleProvider, error) {
	if options.LookbackDays <= 0 {
		options.LookbackDays = 7
	}

	var clientOptions []option.ClientOption
	if len(options.CredentialsJSON) > 0 {
		clientOptions = append(clientOptions,
			option.WithCredentialsJSON(options.CredentialsJSON),
			option.WithScopes(searchconsole.WebmastersReadonlyScope),
		)
	}
	clientOptions = append(clientOptions, options.ClientOptions...)

	service, err := searchconsole.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating search console service: %w", err)
	}

	return &SearchConsoleProvider{
		service:      service,
		lookbackDays: options.LookbackDays,
		rowLimit:     1000,
		now:          time.Now,
	}, nil
}

func (p *SearchConsoleProvider) Source() string {
	return RankingSourceGoogle
}

// QueryStats queries the property matching siteURL. When the exact property
// is not accessible, the property list of the service account is searched
// for a matching domain or URL-prefix property.
func (p *SearchConsoleProvider) QueryStats(ctx context.Context, siteURL string) ([]KeywordStat, error) {
	property := searchConsolePropertyURL(siteURL)
	stats, err := p.query(ctx, property)
	if err == nil {
		return stats, nil
	}

	var googleErr *googleapi.Error
	if !errors.As(err, &googleErr) || (googleErr.Code != http.StatusForbidden && googleErr.Code != http.StatusNotFound) {
		return nil, err
	}

	sites, listErr := p.service.Sites.List().Context(ctx).Do()
	if listErr != nil {
		return nil, fmt.Errorf("listing search console properties: %w", listErr)
	}

	var properties []string
	for _, entry := range sites.SiteEntry {
		if entry != nil {
			properties = append(properties, entry.SiteUrl)
		}
	}

	matched, ok := matchSearchConsoleProperty(siteURL, properties)
	if !ok || matched == property {
		return nil, err
	}

	slog.DebugContext(ctx, "using matched search console property", slog.String("site_url", siteURL), slog.String("property", matched))
	return p.query(ctx, matched)
}

func (p *SearchConsoleProvider) query(ctx context.Context, property string) ([]KeywordStat, error) {
	// Search Console data lags by a couple of days.
	end := p.now().UTC().AddDate(0, 0, -2)
	start := end.AddDate(0, 0, -p.lookbackDays)

	response, err := p.service.Searchanalytics.Query(property, &searchconsole.SearchAnalyticsQueryRequest{
		StartDate:  start.Format(time.DateOnly),
		EndDate:    end.Format(time.DateOnly),
		Dimensions: []string{"query"},
		RowLimit:   p.rowLimit,
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	stats := make([]KeywordStat, 0, len(response.Rows))
	for _, row := range response.Rows {
		if row == nil || len(row.Keys) == 0 {
			continue
		}
		stats = append(stats, KeywordStat{
			Query:       row.Keys[0],
			Position:    row.Position,
			Impressions: int64(row.Impressions),
			Clicks:      int64(row.Clicks),
		})
	}
	return stats, nil
}

// searchConsolePropertyURL returns the URL-prefix property form of a site URL.
func searchConsolePropertyURL(siteURL string) string {
	parsed, err := normalizeSiteURL(siteURL)
	if err != nil {
		return siteURL
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String()
}

// matchSearchConsoleProperty finds the property covering siteURL. Domain
// properties (sc-domain:) match the host with or without the www prefix;
// URL-prefix properties match on host. Domain properties win.
func matchSearchConsoleProperty(siteURL string, properties []string) (string, bool) {
	parsed, err := normalizeSiteURL(siteURL)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")

	var prefixMatch string
	for _, property := range properties {
		if domain, ok := strings.CutPrefix(property, "sc-domain:"); ok {
			if strings.TrimPrefix(strings.ToLower(domain), "www.") == host {
				return property, true
			}
			continue
		}

		propertyURL, err := url.Parse(property)
		if err != nil {
			continue
		}
		if strings.TrimPrefix(strings.ToLower(propertyURL.Hostname()), "www.") == host && prefixMatch == "" {
			prefixMatch = property
		}
	}

	return prefixMatch, prefixMatch != ""
}
