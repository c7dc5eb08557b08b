package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	pagespeedonline "google.golang.org/api/pagespeedonline/v5"
)

type PageSpeedScores struct {
	Performance   int `json:"performance"`
	Accessibility int `json:"accessibility"`
	BestPractices int `json:"best_practices"`
	SEO           int `json:"seo"`
}

// PageSpeedAudits holds the display values of the core audits. Audits that
// were not reported are set to "-".
type PageSpeedAudits struct {
	FirstContentfulPaint   string `json:"first_contentful_paint"`
	LargestContentfulPaint string `json:"largest_contentful_paint"`
	TotalBlockingTime      string `json:"total_blocking_time"`
	CumulativeLayoutShift  string `json:"cumulative_layout_shift"`
	SpeedIndex             string `json:"speed_index"`
	Interactive            string `json:"interactive"`
}

type PageSpeedMetrics struct {
	Strategy  string          `json:"strategy"`
	FinalURL  string          `json:"final_url"`
	FetchedAt string          `json:"fetched_at"`
	Scores    PageSpeedScores `json:"scores"`
	Audits    PageSpeedAudits `json:"audits"`
}

var pageSpeedCategories = []string{"PERFORMANCE", "ACCESSIBILITY", "BEST_PRACTICES", "SEO"}

type PageSpeedChecker struct {
	service *pagespeedonline.Service
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

type PageSpeedCheckerOptions struct {
	ApiKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	// ClientOptions are appended after the key options, tests use them to
	// point the client at a fake endpoint.
	ClientOptions []option.ClientOption
}

func NewPageSpeedChecker(ctx context.Context, options PageSpeedCheckerOptions) (*PageSpeedChecker, error) {
	if options.Timeout <= 0 {
		options.Timeout = 60 * time.Second
	}

	var clientOptions []option.ClientOption
	if options.ApiKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(options.ApiKey))
	} else {
		// The API accepts a small anonymous quota.
		clientOptions = append(clientOptions, option.WithoutAuthentication())
	}
	clientOptions = append(clientOptions, options.ClientOptions...)

	service, err := pagespeedonline.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating pagespeed service: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if options.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(options.RequestsPerMinute)), 1)
	}

	return &PageSpeedChecker{
		service: service,
		limiter: limiter,
		timeout: options.Timeout,
		now:     time.Now,
	}, nil
}

func (c *PageSpeedChecker) Kind() CheckKind {
	return CheckKindPageSpeed
}

func (c *PageSpeedChecker) Check(ctx context.Context, target CheckTarget) CheckResult {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("PageSpeed Check"))
	ctx = span.Context()
	defer span.Finish()

	if target.Strategy == "" {
		target.Strategy = StrategyMobile
	}
	result := newCheckResult(CheckKindPageSpeed, target, c.now())

	siteURL, err := normalizeSiteURL(target.URL)
	if err != nil {
		result.fail(FailureTransport, fmt.Sprintf("invalid site url: %s", err.Error()))
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		result.fail(FailureTimeout, fmt.Sprintf("waiting for pagespeed rate limit: %s", err.Error()))
		return result
	}

	start := time.Now()
	response, err := c.service.Pagespeedapi.Runpagespeed(siteURL.String()).
		Strategy(strings.ToUpper(target.Strategy)).
		Category(pageSpeedCategories...).
		Context(ctx).
		Do()
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		failure, message := classifyProviderError("pagespeed", err)
		slog.WarnContext(ctx, "pagespeed request failed", slog.String("site_id", target.SiteID), slog.String("strategy", target.Strategy), slog.String("failure", string(failure)), slog.String("error", err.Error()))
		result.fail(failure, message)
		if response != nil {
			result.StatusCode = response.HTTPStatusCode
		}
		return result
	}
	result.StatusCode = response.HTTPStatusCode

	metrics, err := pageSpeedMetricsFromResponse(target.Strategy, response)
	if err != nil {
		result.fail(FailureMalformedResponse, err.Error())
		return result
	}

	result.PageSpeed = &metrics
	result.Status = SiteStatusOnline
	return result
}

func pageSpeedMetricsFromResponse(strategy string, response *pagespeedonline.PagespeedApiPagespeedResponseV5) (PageSpeedMetrics, error) {
	lighthouse := response.LighthouseResult
	if lighthouse == nil || lighthouse.Categories == nil {
		return PageSpeedMetrics{}, fmt.Errorf("%w: lighthouse result is missing", ErrMalformedResponse)
	}

	finalURL := lighthouse.FinalUrl
	if finalURL == "" {
		finalURL = response.Id
	}

	audit := func(id string) string {
		if a, ok := lighthouse.Audits[id]; ok && a.DisplayValue != "" {
			return a.DisplayValue
		}
		return "-"
	}

	return PageSpeedMetrics{
		Strategy:  strategy,
		FinalURL:  finalURL,
		FetchedAt: lighthouse.FetchTime,
		Scores: PageSpeedScores{
			Performance:   categoryScore(lighthouse.Categories.Performance),
			Accessibility: categoryScore(lighthouse.Categories.Accessibility),
			BestPractices: categoryScore(lighthouse.Categories.BestPractices),
			SEO:           categoryScore(lighthouse.Categories.Seo),
		},
		Audits: PageSpeedAudits{
			FirstContentfulPaint:   audit("first-contentful-paint"),
			LargestContentfulPaint: audit("largest-contentful-paint"),
			TotalBlockingTime:      audit("total-blocking-time"),
			CumulativeLayoutShift:  audit("cumulative-layout-shift"),
			SpeedIndex:             audit("speed-index"),
			Interactive:            audit("interactive"),
		},
	}, nil
}

// categoryScore converts the 0..1 lighthouse score into a 0..100 integer.
func categoryScore(category *pagespeedonline.LighthouseCategoryV5) int {
	if category == nil || category.Score == nil {
		return 0
	}

	var score float64
	switch v := category.Score.(type) {
	case float64:
		score = v
	case json.Number:
		score, _ = v.Float64()
	case string:
		score, _ = strconv.ParseFloat(v, 64)
	default:
		return 0
	}

	return int(math.Round(score * 100))
}
