package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// EmailAlerter hands alerts to an email dispatch endpoint, which renders and
// sends the message.
type EmailAlerter struct {
	endpoint   string
	recipient  string
	apiKey     string
	httpClient *http.Client
}

func NewEmailAlerter(endpoint, recipient, apiKey string) *EmailAlerter {
	return &EmailAlerter{
		endpoint:   endpoint,
		recipient:  recipient,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
}

type emailRequestPayload struct {
	To       string     `json:"to"`
	SiteName string     `json:"siteName"`
	SiteURL  string     `json:"siteUrl"`
	Status   SiteStatus `json:"status"`
}

func (e *EmailAlerter) Name() string {
	return "email"
}

func (e *EmailAlerter) Send(ctx context.Context, alert Alert) error {
	if e.endpoint == "" || e.recipient == "" {
		return ErrAlerterNotConfigured
	}

	requestBody, err := json.Marshal(emailRequestPayload{
		To:       e.recipient,
		SiteName: alert.SiteName,
		SiteURL:  alert.SiteURL,
		Status:   alert.Status,
	})
	if err != nil {
		return fmt.Errorf("marshaling email payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("creating email request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "sitekeeper-email/1.0")
	if e.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	response, err := e.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sending email request: %w", err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()
	if response.StatusCode == http.StatusTooManyRequests {
		return ErrAlerterRateLimited
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: received non-2xx response code %d", ErrAlerterDropped, response.StatusCode)
	}

	return nil
}
