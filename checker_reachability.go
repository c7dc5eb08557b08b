package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/getsentry/sentry-go"
)

// ReachabilityChecker decides whether a site answers HTTP requests.
type ReachabilityChecker struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	now        func() time.Time
}

type ReachabilityCheckerOptions struct {
	// HttpClient overrides the probe client. Its own Timeout is ignored in
	// favour of Timeout.
	HttpClient    *http.Client
	Timeout       time.Duration
	SkipTLSVerify bool
	UserAgent     string
}

func NewReachabilityChecker(options ReachabilityCheckerOptions) *ReachabilityChecker {
	if options.Timeout <= 0 {
		options.Timeout = 10 * time.Second
	}
	if options.UserAgent == "" {
		options.UserAgent = "sitekeeper-checker/1.0"
	}
	if options.HttpClient == nil {
		options.HttpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   options.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   options.Timeout,
				ExpectContinueTimeout: 1 * time.Second,
				TLSClientConfig:       &tls.Config{InsecureSkipVerify: options.SkipTLSVerify},
			},
		}
	}

	return &ReachabilityChecker{
		httpClient: options.HttpClient,
		timeout:    options.Timeout,
		userAgent:  options.UserAgent,
		now:        time.Now,
	}
}

func (c *ReachabilityChecker) Kind() CheckKind {
	return CheckKindUptime
}

// Check probes the site with HEAD. A 405 answer, or a HEAD that fails before
// any response arrives, is retried once with GET. The whole probe shares a
// single deadline.
func (c *ReachabilityChecker) Check(ctx context.Context, target CheckTarget) CheckResult {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Reachability Check"))
	ctx = span.Context()
	defer span.Finish()

	result := newCheckResult(CheckKindUptime, target, c.now())

	siteURL, err := normalizeSiteURL(target.URL)
	if err != nil {
		result.fail(FailureTransport, fmt.Sprintf("invalid site url: %s", err.Error()))
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tracer := NewRequestTracer()
	start := time.Now()
	statusCode, err := c.probe(ctx, http.MethodHead, siteURL.String(), tracer)
	switch {
	case err == nil && statusCode == http.StatusMethodNotAllowed:
		slog.DebugContext(ctx, "HEAD not allowed, retrying with GET", slog.String("site_id", target.SiteID))
		tracer = NewRequestTracer()
		start = time.Now()
		statusCode, err = c.probe(ctx, http.MethodGet, siteURL.String(), tracer)
	case err != nil && classifyNetworkError(err) == FailureTransport && ctx.Err() == nil:
		slog.DebugContext(ctx, "HEAD failed, retrying with GET", slog.String("site_id", target.SiteID), slog.String("error", err.Error()))
		tracer = NewRequestTracer()
		start = time.Now()
		statusCode, err = c.probe(ctx, http.MethodGet, siteURL.String(), tracer)
	}
	result.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		// No response at all, the status code stays 0.
		failure := classifyNetworkError(err)
		if ctx.Err() != nil {
			failure = FailureTimeout
		}
		result.fail(failure, err.Error())
		return result
	}

	timings := tracer.Timings()
	result.Timings = &timings
	result.StatusCode = statusCode
	if IsReachableStatus(statusCode) {
		result.Status = SiteStatusOnline
	} else {
		result.Status = SiteStatusOffline
		result.Error.SetValid(fmt.Sprintf("unexpected status code %d", statusCode))
	}

	return result
}

// IsReachableStatus is the success predicate of uptime checks, evaluated on
// the final status after redirects.
func IsReachableStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 400
}

func (c *ReachabilityChecker) probe(ctx context.Context, method string, url string, tracer *RequestTracer) (int, error) {
	request, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, tracer.ClientTrace()), method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating probe request: %w", err)
	}
	request.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, err
	}
	defer func() {
		if response.Body != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
			_ = response.Body.Close()
		}
	}()

	return response.StatusCode, nil
}
