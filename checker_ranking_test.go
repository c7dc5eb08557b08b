package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/option"
)

type stubRankingProvider struct {
	source string
	stats  []KeywordStat
	err    error
}

func (p stubRankingProvider) Source() string { return p.source }

func (p stubRankingProvider) QueryStats(ctx context.Context, siteURL string) ([]KeywordStat, error) {
	return p.stats, p.err
}

func TestRankingChecker_Check(t *testing.T) {
	checker := NewRankingChecker(time.Second,
		stubRankingProvider{source: RankingSourceGoogle, stats: []KeywordStat{
			{Query: "wordpress hosting", Position: 4.2, Impressions: 120, Clicks: 9},
			{Query: "best seo plugin", Position: 11.5, Impressions: 40, Clicks: 1},
		}},
		stubRankingProvider{source: RankingSourceBing, err: &ProviderError{Provider: "bing", StatusCode: http.StatusUnauthorized}},
	)

	if got := checker.Sources(); strings.Join(got, ",") != "bing,google" {
		t.Errorf("unexpected sources %v", got)
	}

	t.Run("success", func(t *testing.T) {
		result := checker.Check(context.Background(), CheckTarget{SiteID: "site-1", URL: "https://example.com", Strategy: RankingSourceGoogle})
		if !result.Online() {
			t.Fatalf("expected success, got %q: %s", result.Failure, result.Error.String)
		}
		if len(result.Rankings) != 2 || result.Rankings[0].Query != "best seo plugin" {
			t.Errorf("expected rankings sorted by query, got %+v", result.Rankings)
		}
	})

	t.Run("provider auth failure", func(t *testing.T) {
		result := checker.Check(context.Background(), CheckTarget{SiteID: "site-1", URL: "https://example.com", Strategy: RankingSourceBing})
		if result.Failure != FailureProviderAuth {
			t.Errorf("expected auth failure, got %q", result.Failure)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		result := checker.Check(context.Background(), CheckTarget{SiteID: "site-1", URL: "https://example.com", Strategy: "yandex"})
		if result.Failure != FailureProvider {
			t.Errorf("expected provider failure, got %q", result.Failure)
		}
	})
}

func TestMatchTrackedKeywords(t *testing.T) {
	stats := []KeywordStat{
		{Query: "WordPress Hosting", Position: 3},
		{Query: "cheap domains", Position: 20},
	}
	keywords := []TrackedKeyword{
		{SiteID: "site-1", Source: RankingSourceGoogle, Keyword: "wordpress hosting"},
		{SiteID: "site-1", Source: RankingSourceGoogle, Keyword: "not ranking"},
	}

	matched := matchTrackedKeywords(stats, keywords)
	if len(matched) != 1 {
		t.Fatalf("expected one match, got %+v", matched)
	}
	if matched[0].Query != "wordpress hosting" || matched[0].Position != 3 {
		t.Errorf("unexpected match %+v", matched[0])
	}
}

func TestBingWebmasterProvider_QueryStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/GetQueryStats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("apikey") != "bing-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("siteUrl") != "https://example.com/" {
			t.Errorf("unexpected siteUrl %q", r.URL.Query().Get("siteUrl"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"d": []map[string]any{
				{"Query": "wordpress hosting", "Date": "/Date(1735689600000-0800)/", "Impressions": 50, "Clicks": 2, "AvgImpressionPosition": 8.0},
				{"Query": "wordpress hosting", "Date": "/Date(1736294400000-0800)/", "Impressions": 70, "Clicks": 5, "AvgImpressionPosition": 6.5},
				{"Query": "seo audit", "Date": "/Date(1736294400000-0800)/", "Impressions": 10, "Clicks": 0, "AvgImpressionPosition": 31.0},
			},
		})
	}))
	defer server.Close()

	provider := NewBingWebmasterProvider("bing-key", server.URL, server.Client())
	stats, err := provider.QueryStats(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 queries, got %+v", stats)
	}
	if stats[0].Query != "wordpress hosting" || stats[0].Position != 6.5 || stats[0].Impressions != 70 {
		t.Errorf("expected latest row to win, got %+v", stats[0])
	}

	badKey := NewBingWebmasterProvider("wrong", server.URL, server.Client())
	_, err = badKey.QueryStats(context.Background(), "example.com")
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected provider error with 401, got %v", err)
	}
}

func TestBingWebmasterProvider_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	provider := NewBingWebmasterProvider("key", server.URL, server.Client())
	_, err := provider.QueryStats(context.Background(), "example.com")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}

	failure, _ := classifyProviderError("bing", err)
	if failure != FailureMalformedResponse {
		t.Errorf("expected malformed failure, got %q", failure)
	}
}

func TestParseBingDate(t *testing.T) {
	if got := parseBingDate("/Date(1736294400000-0800)/"); got != 1736294400000 {
		t.Errorf("unexpected parsed date %d", got)
	}
	if got := parseBingDate("garbage"); got != 0 {
		t.Errorf("expected 0 for unparseable date, got %d", got)
	}
}

func TestMatchSearchConsoleProperty(t *testing.T) {
	tests := []struct {
		name       string
		siteURL    string
		properties []string
		want       string
		wantOK     bool
	}{
		{
			name:       "domain property wins",
			siteURL:    "https://www.example.com/",
			properties: []string{"https://example.com/", "sc-domain:example.com"},
			want:       "sc-domain:example.com",
			wantOK:     true,
		},
		{
			name:       "url prefix property",
			siteURL:    "example.com",
			properties: []string{"https://other.org/", "https://www.example.com/"},
			want:       "https://www.example.com/",
			wantOK:     true,
		},
		{
			name:       "no match",
			siteURL:    "https://example.com",
			properties: []string{"sc-domain:other.org"},
			wantOK:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchSearchConsoleProperty(tt.siteURL, tt.properties)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.want, tt.wantOK, got, ok)
			}
		})
	}
}

func TestSearchConsoleProvider_FallsBackToMatchedProperty(t *testing.T) {
	var queriedProperties []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sites"):
			_, _ = w.Write([]byte(`{"siteEntry":[{"siteUrl":"sc-domain:example.com","permissionLevel":"siteFullUser"}]}`))
		case strings.HasSuffix(r.URL.Path, "/searchAnalytics/query"):
			property := strings.TrimSuffix(strings.TrimPrefix(r.URL.EscapedPath(), "/webmasters/v3/sites/"), "/searchAnalytics/query")
			queriedProperties = append(queriedProperties, property)
			if strings.Contains(property, "sc-domain") {
				_, _ = w.Write([]byte(`{"rows":[{"keys":["wordpress hosting"],"clicks":3,"impressions":80,"ctr":0.04,"position":5.5}]}`))
				return
			}
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"User does not have sufficient permission"}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	provider, err := NewSearchConsoleProvider(context.Background(), SearchConsoleProviderOptions{
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(server.URL + "/"),
			option.WithHTTPClient(server.Client()),
		},
	})
	if err != nil {
		t.Fatalf("creating provider: %v", err)
	}

	stats, err := provider.QueryStats(context.Background(), "https://www.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 || stats[0].Query != "wordpress hosting" || stats[0].Impressions != 80 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(queriedProperties) != 2 {
		t.Errorf("expected exact property then matched property, got %v", queriedProperties)
	}
}
