package main

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// RequestTracer records connection phase timestamps of a single probe request.
type RequestTracer struct {
	mu                sync.Mutex
	connStart         time.Time
	connAcquired      time.Time
	firstResponseByte time.Time
	dnsStart          time.Time
	dnsDone           time.Time
	tlsStart          time.Time
	tlsDone           time.Time
	reused            bool
}

type RequestTimings struct {
	ConnAcquiredMs      int64 `json:"conn_acquired_ms"`
	FirstResponseByteMs int64 `json:"first_response_byte_ms"`
	DNSLookupMs         int64 `json:"dns_lookup_ms"`
	TLSHandshakeMs      int64 `json:"tls_handshake_ms"`
	ConnReused          bool  `json:"conn_reused"`
}

func NewRequestTracer() *RequestTracer {
	return &RequestTracer{}
}

func (rt *RequestTracer) mark(field *time.Time) {
	rt.mu.Lock()
	*field = time.Now()
	rt.mu.Unlock()
}

func (rt *RequestTracer) ClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) { rt.mark(&rt.connStart) },
		GotConn: func(info httptrace.GotConnInfo) {
			rt.mu.Lock()
			rt.connAcquired = time.Now()
			rt.reused = info.Reused
			rt.mu.Unlock()
		},
		GotFirstResponseByte: func() { rt.mark(&rt.firstResponseByte) },
		DNSStart:             func(httptrace.DNSStartInfo) { rt.mark(&rt.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { rt.mark(&rt.dnsDone) },
		TLSHandshakeStart:    func() { rt.mark(&rt.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { rt.mark(&rt.tlsDone) },
	}
}

// Timings returns the elapsed phases. Phases that never happened stay zero.
func (rt *RequestTracer) Timings() RequestTimings {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	between := func(from, to time.Time) int64 {
		if from.IsZero() || to.IsZero() {
			return 0
		}
		return to.Sub(from).Milliseconds()
	}

	return RequestTimings{
		ConnAcquiredMs:      between(rt.connStart, rt.connAcquired),
		FirstResponseByteMs: between(rt.connAcquired, rt.firstResponseByte),
		DNSLookupMs:         between(rt.dnsStart, rt.dnsDone),
		TLSHandshakeMs:      between(rt.tlsStart, rt.tlsDone),
		ConnReused:          rt.reused,
	}
}
