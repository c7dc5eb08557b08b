package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// ProviderError is a non-2xx answer from a third-party data provider that is
// not served through a Google API client.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: received status code %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: received status code %d: %s", e.Provider, e.StatusCode, e.Message)
}

const quotaExceededMessage = "quota exceeded, configure an API key"

// classifyProviderError turns a provider call error into a failure kind and a
// message fit for the cached payload.
func classifyProviderError(provider string, err error) (FailureKind, string) {
	if failure := classifyNetworkError(err); failure == FailureTimeout {
		return FailureTimeout, err.Error()
	}

	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		return classifyProviderStatus(provider, googleErr.Code, googleQuotaReason(googleErr), err)
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return classifyProviderStatus(provider, providerErr.StatusCode, false, err)
	}

	if classifyDecodeError(err) {
		return FailureMalformedResponse, fmt.Sprintf("%s: %s", provider, err.Error())
	}

	return FailureTransport, err.Error()
}

func classifyProviderStatus(provider string, statusCode int, quotaReason bool, err error) (FailureKind, string) {
	switch {
	case statusCode == http.StatusTooManyRequests || quotaReason:
		return FailureProviderQuota, fmt.Sprintf("%s %s", provider, quotaExceededMessage)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return FailureProviderAuth, err.Error()
	default:
		return FailureProvider, err.Error()
	}
}

// googleQuotaReason reports whether a Google API error is a quota rejection.
// Daily quota exhaustion is answered with 403 rather than 429.
func googleQuotaReason(err *googleapi.Error) bool {
	for _, item := range err.Errors {
		reason := strings.ToLower(item.Reason)
		if strings.Contains(reason, "ratelimitexceeded") || strings.Contains(reason, "quotaexceeded") || strings.Contains(reason, "dailylimitexceeded") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Message), "quota")
}
