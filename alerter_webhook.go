package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookAlerter posts a markdown message to a chat webhook.
type WebhookAlerter struct {
	webhookURL    string
	hmacSecret    string
	customHeaders map[string]string
	httpClient    *http.Client
}

func NewWebhookAlerter(webhookURL, hmacSecret string, customHeaders map[string]string) *WebhookAlerter {
	return &WebhookAlerter{
		webhookURL:    webhookURL,
		hmacSecret:    hmacSecret,
		customHeaders: customHeaders,
		httpClient:    http.DefaultClient,
	}
}

type webhookMarkdown struct {
	Content string `json:"content"`
}

type webhookRequestPayload struct {
	MsgType  string          `json:"msgtype"`
	Markdown webhookMarkdown `json:"markdown"`
}

func (w *WebhookAlerter) Name() string {
	return "webhook"
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	if w.webhookURL == "" {
		return ErrAlerterNotConfigured
	}

	requestBody, err := json.Marshal(webhookRequestPayload{
		MsgType:  "markdown",
		Markdown: webhookMarkdown{Content: webhookContent(alert)},
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	var signature string
	if w.hmacSecret != "" {
		signer := hmac.New(sha256.New, []byte(w.hmacSecret))
		signer.Write(requestBody)
		signature = fmt.Sprintf("%x", signer.Sum(nil))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "sitekeeper-webhook/1.0")
	for key, value := range w.customHeaders {
		request.Header.Set(key, value)
	}
	if signature != "" {
		request.Header.Set("X-Signature", signature)
	}

	response, err := w.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sending webhook request: %w", err)
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

func webhookContent(alert Alert) string {
	var b strings.Builder
	if alert.Status == SiteStatusOffline {
		b.WriteString("**Site offline**\n")
	} else {
		b.WriteString("**Site recovered**\n")
	}
	fmt.Fprintf(&b, "> Site: %s\n", alert.SiteName)
	fmt.Fprintf(&b, "> URL: %s\n", alert.SiteURL)
	fmt.Fprintf(&b, "> Status: %s\n", alert.Status)
	if alert.Reason != "" {
		fmt.Fprintf(&b, "> Reason: %s\n", alert.Reason)
	}
	fmt.Fprintf(&b, "> Time: %s", alert.OccurredAt.Format(time.RFC3339))
	return b.String()
}
