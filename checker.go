package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/guregu/null/v5"
)

type CheckKind string

const (
	CheckKindUptime    CheckKind = "uptime"
	CheckKindTLS       CheckKind = "tls"
	CheckKindPageSpeed CheckKind = "pagespeed"
	CheckKindRanking   CheckKind = "ranking"
)

// ParseCheckKind validates a kind coming from a trigger path or a task payload.
func ParseCheckKind(s string) (CheckKind, error) {
	switch kind := CheckKind(strings.ToLower(strings.TrimSpace(s))); kind {
	case CheckKindUptime, CheckKindTLS, CheckKindPageSpeed, CheckKindRanking:
		return kind, nil
	default:
		return "", ErrUnknownCheckKind
	}
}

// ErrUnknownCheckKind is returned when a check kind is not one of the supported kinds,
// or when no checker is configured for it.
var ErrUnknownCheckKind = errors.New("unknown check kind")

const (
	StrategyMobile  = "mobile"
	StrategyDesktop = "desktop"

	RankingSourceGoogle = "google"
	RankingSourceBing   = "bing"
)

// FailureKind tells apart the ways a probe can fail. An empty value means the
// probe completed and the success predicate was evaluated.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureTransport          FailureKind = "transport"
	FailureTimeout            FailureKind = "timeout"
	FailureInvalidCertificate FailureKind = "invalid_certificate"
	FailureProviderQuota      FailureKind = "provider_quota"
	FailureProviderAuth       FailureKind = "provider_auth"
	FailureProvider           FailureKind = "provider"
	FailureMalformedResponse  FailureKind = "malformed_response"
)

// IsThirdParty reports whether the failure came from a data provider rather
// than from the site itself.
func (f FailureKind) IsThirdParty() bool {
	switch f {
	case FailureProviderQuota, FailureProviderAuth, FailureProvider, FailureMalformedResponse:
		return true
	default:
		return false
	}
}

type CheckTarget struct {
	SiteID string
	URL    string
	// Strategy is the PageSpeed form factor for pagespeed checks and the
	// ranking source for ranking checks. Other kinds ignore it.
	Strategy string
}

type CheckResult struct {
	SiteID     string            `json:"site_id"`
	Kind       CheckKind         `json:"kind"`
	Strategy   string            `json:"strategy,omitempty"`
	Status     SiteStatus        `json:"status"`
	LatencyMs  int64             `json:"latency_ms"`
	StatusCode int               `json:"status_code"`
	Failure    FailureKind       `json:"failure,omitempty"`
	Error      null.String       `json:"error"`
	CheckedAt  time.Time         `json:"checked_at"`
	Timings    *RequestTimings   `json:"timings,omitempty"`
	TLS        *TLSMetrics       `json:"tls,omitempty"`
	PageSpeed  *PageSpeedMetrics `json:"pagespeed,omitempty"`
	Rankings   []KeywordStat     `json:"rankings,omitempty"`
}

func (r CheckResult) Online() bool {
	return r.Status == SiteStatusOnline
}

// Checker performs a single bounded-time probe. Implementations never return
// errors: every failure is described by the returned CheckResult.
type Checker interface {
	Kind() CheckKind
	Check(ctx context.Context, target CheckTarget) CheckResult
}

func newCheckResult(kind CheckKind, target CheckTarget, checkedAt time.Time) CheckResult {
	return CheckResult{
		SiteID:    target.SiteID,
		Kind:      kind,
		Strategy:  target.Strategy,
		Status:    SiteStatusOffline,
		CheckedAt: checkedAt,
	}
}

func (r *CheckResult) fail(failure FailureKind, message string) {
	r.Status = SiteStatusOffline
	r.Failure = failure
	r.Error = null.StringFrom(message)
}

// classifyNetworkError maps a transport level error to a failure kind.
func classifyNetworkError(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureTransport
}

// classifyDecodeError reports whether err came from decoding a provider body.
func classifyDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrMalformedResponse)
}

// ErrMalformedResponse is returned when a provider answered with a body that
// could not be interpreted.
var ErrMalformedResponse = errors.New("malformed provider response")

// normalizeSiteURL adds the https scheme to bare hostnames.
func normalizeSiteURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, errors.New("missing host")
	}
	return parsed, nil
}

// CheckerSet resolves the checker responsible for a kind.
type CheckerSet map[CheckKind]Checker

func NewCheckerSet(checkers ...Checker) CheckerSet {
	set := make(CheckerSet, len(checkers))
	for _, c := range checkers {
		if c != nil {
			set[c.Kind()] = c
		}
	}
	return set
}

func (s CheckerSet) For(kind CheckKind) (Checker, error) {
	c, ok := s[kind]
	if !ok {
		return nil, ErrUnknownCheckKind
	}
	return c, nil
}
