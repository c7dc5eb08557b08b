package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const defaultBingWebmasterBaseURL = "https://ssl.bing.com/webmaster/api.svc/json"

// BingWebmasterProvider reads query statistics from the Bing Webmaster JSON API.
type BingWebmasterProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewBingWebmasterProvider(apiKey string, baseURL string, httpClient *http.Client) *BingWebmasterProvider {
	if baseURL == "" {
		baseURL = defaultBingWebmasterBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BingWebmasterProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (p *BingWebmasterProvider) Source() string {
	return RankingSourceBing
}

type bingQueryStat struct {
	Query                 string  `json:"Query"`
	Date                  string  `json:"Date"`
	Impressions           int64   `json:"Impressions"`
	Clicks                int64   `json:"Clicks"`
	AvgImpressionPosition float64 `json:"AvgImpressionPosition"`
}

type bingQueryStatsResponse struct {
	D []bingQueryStat `json:"d"`
}

// QueryStats calls GetQueryStats. Bing answers with one row per query and
// period, the most recent row of each query is kept.
func (p *BingWebmasterProvider) QueryStats(ctx context.Context, siteURL string) ([]KeywordStat, error) {
	query := url.Values{}
	query.Set("siteUrl", searchConsolePropertyURL(siteURL))
	query.Set("apikey", p.apiKey)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/GetQueryStats?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating bing request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", "sitekeeper-checker/1.0")

	response, err := p.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("sending bing request: %w", err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return nil, &ProviderError{
			Provider:   "bing",
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var payload bingQueryStatsResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding bing response: %w", ErrMalformedResponse, err)
	}

	latest := make(map[string]bingQueryStat)
	var order []string
	for _, row := range payload.D {
		if row.Query == "" {
			continue
		}
		existing, ok := latest[row.Query]
		if !ok {
			order = append(order, row.Query)
			latest[row.Query] = row
			continue
		}
		if parseBingDate(row.Date) > parseBingDate(existing.Date) {
			latest[row.Query] = row
		}
	}

	stats := make([]KeywordStat, 0, len(order))
	for _, q := range order {
		row := latest[q]
		stats = append(stats, KeywordStat{
			Query:       row.Query,
			Position:    row.AvgImpressionPosition,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
		})
	}
	return stats, nil
}

var bingDatePattern = regexp.MustCompile(`/Date\((-?\d+)`)

// parseBingDate extracts the unix milliseconds of a "/Date(1700000000000-0800)/" value.
func parseBingDate(value string) int64 {
	match := bingDatePattern.FindStringSubmatch(value)
	if len(match) != 2 {
		return 0
	}
	ms, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
