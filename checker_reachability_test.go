package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestReachabilityChecker_Check(t *testing.T) {
	tests := []struct {
		name           string
		handler        http.HandlerFunc
		wantStatus     SiteStatus
		wantStatusCode int
		wantFailure    FailureKind
	}{
		{
			name: "HEAD ok",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			wantStatus:     SiteStatusOnline,
			wantStatusCode: http.StatusOK,
		},
		{
			name: "HEAD not allowed falls back to GET",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodHead {
					w.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				w.WriteHeader(http.StatusOK)
			},
			wantStatus:     SiteStatusOnline,
			wantStatusCode: http.StatusOK,
		},
		{
			name: "HEAD connection dropped falls back to GET",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodHead {
					conn, _, err := w.(http.Hijacker).Hijack()
					if err == nil {
						_ = conn.Close()
					}
					return
				}
				w.WriteHeader(http.StatusNoContent)
			},
			wantStatus:     SiteStatusOnline,
			wantStatusCode: http.StatusNoContent,
		},
		{
			name: "server error is offline",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantStatus:     SiteStatusOffline,
			wantStatusCode: http.StatusInternalServerError,
		},
		{
			name: "not found is offline",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantStatus:     SiteStatusOffline,
			wantStatusCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			checker := NewReachabilityChecker(ReachabilityCheckerOptions{Timeout: 5 * time.Second})
			result := checker.Check(context.Background(), CheckTarget{SiteID: "site-1", URL: server.URL})

			if result.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s (error: %s)", tt.wantStatus, result.Status, result.Error.String)
			}
			if result.StatusCode != tt.wantStatusCode {
				t.Errorf("expected status code %d, got %d", tt.wantStatusCode, result.StatusCode)
			}
			if result.Failure != tt.wantFailure {
				t.Errorf("expected failure %q, got %q", tt.wantFailure, result.Failure)
			}
			if result.SiteID != "site-1" || result.Kind != CheckKindUptime {
				t.Errorf("unexpected result identity: %+v", result)
			}
			if result.LatencyMs < 0 {
				t.Errorf("expected non-negative latency, got %d", result.LatencyMs)
			}
		})
	}
}

func TestReachabilityChecker_FollowsRedirects(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusMovedPermanently)
	}))
	defer redirecting.Close()

	checker := NewReachabilityChecker(ReachabilityCheckerOptions{Timeout: 5 * time.Second})
	result := checker.Check(context.Background(), CheckTarget{SiteID: "site-1", URL: redirecting.URL})
	if !result.Online() {
		t.Fatalf("expected redirected site to be online, got %+v", result)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("expected final status code 200, got %d", result.StatusCode)
	}
}

func TestReachabilityChecker_Timeout(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	checker := NewReachabilityChecker(ReachabilityCheckerOptions{Timeout: 200 * time.Millisecond})
	start := time.Now()
	result := checker.Check(context.Background(), CheckTarget{SiteID: "slow", URL: server.URL})

	if result.Status != SiteStatusOffline {
		t.Errorf("expected offline, got %s", result.Status)
	}
	if result.Failure != FailureTimeout {
		t.Errorf("expected timeout failure, got %q", result.Failure)
	}
	if result.StatusCode != 0 {
		t.Errorf("expected status code 0, got %d", result.StatusCode)
	}
	if !result.Error.Valid {
		t.Error("expected error message to be set")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("expected check to be bounded by its timeout, took %s", elapsed)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected timed out HEAD not to be retried, got %d requests", got)
	}
}

func TestReachabilityChecker_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	checker := NewReachabilityChecker(ReachabilityCheckerOptions{Timeout: 2 * time.Second})
	result := checker.Check(context.Background(), CheckTarget{SiteID: "gone", URL: url})

	if result.Status != SiteStatusOffline {
		t.Errorf("expected offline, got %s", result.Status)
	}
	if result.Failure != FailureTransport {
		t.Errorf("expected transport failure, got %q", result.Failure)
	}
	if result.StatusCode != 0 {
		t.Errorf("expected status code 0, got %d", result.StatusCode)
	}
}

func TestIsReachableStatus(t *testing.T) {
	tests := map[int]bool{
		0:   false,
		199: false,
		200: true,
		204: true,
		301: true,
		302: true,
		399: true,
		400: false,
		405: false,
		503: false,
	}
	for code, want := range tests {
		if got := IsReachableStatus(code); got != want {
			t.Errorf("IsReachableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestNormalizeSiteURL(t *testing.T) {
	parsed, err := normalizeSiteURL("example.com/blog")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.String() != "https://example.com/blog" {
		t.Errorf("expected https scheme to be added, got %s", parsed.String())
	}

	if _, err := normalizeSiteURL("https://"); err == nil {
		t.Error("expected error for url without host")
	}
}
