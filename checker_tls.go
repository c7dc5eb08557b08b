package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/getsentry/sentry-go"
)

type TLSMetrics struct {
	Valid         bool      `json:"valid"`
	Issuer        string    `json:"issuer"`
	Subject       string    `json:"subject"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after"`
	DaysRemaining int       `json:"days_remaining"`
	Version       string    `json:"version,omitempty"`
	CipherSuite   string    `json:"cipher_suite,omitempty"`
}

// TLSChecker reads the leaf certificate a site presents. Verification is
// disabled so that expired and self-signed certificates can still be
// inspected.
type TLSChecker struct {
	timeout time.Duration
	now     func() time.Time
}

func NewTLSChecker(timeout time.Duration) *TLSChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TLSChecker{timeout: timeout, now: time.Now}
}

func (c *TLSChecker) Kind() CheckKind {
	return CheckKindTLS
}

func (c *TLSChecker) Check(ctx context.Context, target CheckTarget) CheckResult {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("TLS Check"))
	ctx = span.Context()
	defer span.Finish()

	result := newCheckResult(CheckKindTLS, target, c.now())

	siteURL, err := normalizeSiteURL(target.URL)
	if err != nil {
		result.fail(FailureTransport, fmt.Sprintf("invalid site url: %s", err.Error()))
		return result
	}

	host := siteURL.Hostname()
	port := siteURL.Port()
	if port == "" {
		port = "443"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config: &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         host,
		},
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.fail(classifyNetworkError(err), err.Error())
		return result
	}
	defer func() {
		_ = conn.Close()
	}()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		result.fail(FailureInvalidCertificate, "no peer certificate presented")
		return result
	}

	// The first element is the leaf certificate.
	metrics := evaluateCertificate(state.PeerCertificates[0], c.now())
	metrics.Version = tls.VersionName(state.Version)
	metrics.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
	result.TLS = &metrics

	if err := certificateError(metrics, c.now()); err != nil {
		result.fail(FailureInvalidCertificate, err.Error())
		return result
	}

	result.Status = SiteStatusOnline
	return result
}

var (
	errCertificateExpired     = errors.New("certificate expired")
	errCertificateNotYetValid = errors.New("certificate not yet valid")
	errCertificateExpiring    = errors.New("certificate expires in less than a day")
)

func certificateError(metrics TLSMetrics, now time.Time) error {
	switch {
	case metrics.Valid:
		return nil
	case now.Before(metrics.NotBefore):
		return errCertificateNotYetValid
	case now.After(metrics.NotAfter):
		return errCertificateExpired
	default:
		return errCertificateExpiring
	}
}

// evaluateCertificate computes validity against now. DaysRemaining is the
// floor of the remaining whole days, negative once expired.
func evaluateCertificate(cert *x509.Certificate, now time.Time) TLSMetrics {
	daysRemaining := int(math.Floor(cert.NotAfter.Sub(now).Hours() / 24))
	withinWindow := !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)

	return TLSMetrics{
		Valid:         withinWindow && daysRemaining > 0,
		Issuer:        issuerDisplayName(cert),
		Subject:       cert.Subject.CommonName,
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		DaysRemaining: daysRemaining,
	}
}

func issuerDisplayName(cert *x509.Certificate) string {
	if cert.Issuer.CommonName != "" {
		return cert.Issuer.CommonName
	}
	if len(cert.Issuer.Organization) > 0 {
		return cert.Issuer.Organization[0]
	}
	return cert.Issuer.String()
}
