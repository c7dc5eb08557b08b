package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Cache record field names.
const (
	CacheFieldUptime  = "uptime_data"
	CacheFieldTLS     = "tls_data"
	CacheFieldMobile  = "mobile_data"
	CacheFieldDesktop = "desktop_data"
	CacheFieldGoogle  = "google_data"
	CacheFieldBing    = "bing_data"
)

// CacheRecord is the dashboard cache of one site. Each field holds the last
// good payload of one check kind and strategy.
type CacheRecord struct {
	SiteID   string                     `json:"site_id"`
	Fields   map[string]json.RawMessage `json:"fields"`
	LastSync time.Time                  `json:"last_sync"`
}

// CachePatch carries the fields produced by one check.
type CachePatch struct {
	SiteID   string
	Fields   map[string]json.RawMessage
	SyncedAt time.Time
}

// ErrCacheRecordNotFound is returned when a site has no cache record yet.
var ErrCacheRecordNotFound = errors.New("cache record not found")

type CacheStore interface {
	GetCacheRecord(ctx context.Context, siteID string) (CacheRecord, error)
	// UpdateCacheRecord applies update to the current record of a site, nil
	// when there is none, and stores the result atomically.
	UpdateCacheRecord(ctx context.Context, siteID string, update func(existing *CacheRecord) CacheRecord) (CacheRecord, error)
}

// MergeInto overlays the patch on the existing record. Fields absent from the
// patch keep their existing value. The inputs are not modified.
func MergeInto(existing *CacheRecord, patch CachePatch) CacheRecord {
	merged := CacheRecord{
		SiteID:   patch.SiteID,
		Fields:   make(map[string]json.RawMessage),
		LastSync: patch.SyncedAt,
	}
	if existing != nil {
		maps.Copy(merged.Fields, existing.Fields)
	}
	for name, payload := range patch.Fields {
		merged.Fields[name] = append(json.RawMessage(nil), payload...)
	}
	return merged
}

// MergingCache writes patches with a read-merge-write cycle. Cycles on the
// same site run one at a time, so concurrent writers of different fields do
// not clobber each other.
type MergingCache struct {
	store CacheStore
	locks *siteLocks
	now   func() time.Time
}

func NewMergingCache(store CacheStore) *MergingCache {
	return &MergingCache{store: store, locks: newSiteLocks(), now: time.Now}
}

func (c *MergingCache) Upsert(ctx context.Context, patch CachePatch) (CacheRecord, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Merge Cache Record"))
	ctx = span.Context()
	defer span.Finish()

	if patch.SyncedAt.IsZero() {
		patch.SyncedAt = c.now()
	}

	unlock := c.locks.lock(patch.SiteID)
	defer unlock()

	merged, err := c.store.UpdateCacheRecord(ctx, patch.SiteID, func(existing *CacheRecord) CacheRecord {
		return MergeInto(existing, patch)
	})
	if err != nil {
		return CacheRecord{}, fmt.Errorf("merging cache record: %w", err)
	}
	return merged, nil
}

func (c *MergingCache) Get(ctx context.Context, siteID string) (CacheRecord, error) {
	return c.store.GetCacheRecord(ctx, siteID)
}

// siteLocks hands out one mutex per site id. Entries are dropped once no
// goroutine holds or waits for them.
type siteLocks struct {
	mu    sync.Mutex
	locks map[string]*siteLock
}

type siteLock struct {
	sync.Mutex
	refs int
}

func newSiteLocks() *siteLocks {
	return &siteLocks{locks: make(map[string]*siteLock)}
}

func (l *siteLocks) lock(siteID string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[siteID]
	if !ok {
		entry = &siteLock{}
		l.locks[siteID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, siteID)
		}
		l.mu.Unlock()
	}
}

// cacheFieldFor names the cache field a check result is written to.
func cacheFieldFor(kind CheckKind, strategy string) (string, bool) {
	switch kind {
	case CheckKindUptime:
		return CacheFieldUptime, true
	case CheckKindTLS:
		return CacheFieldTLS, true
	case CheckKindPageSpeed:
		switch strategy {
		case StrategyDesktop:
			return CacheFieldDesktop, true
		case StrategyMobile, "":
			return CacheFieldMobile, true
		}
	case CheckKindRanking:
		switch strategy {
		case RankingSourceGoogle:
			return CacheFieldGoogle, true
		case RankingSourceBing:
			return CacheFieldBing, true
		}
	}
	return "", false
}

type uptimePayload struct {
	Status     SiteStatus      `json:"status"`
	StatusCode int             `json:"status_code"`
	LatencyMs  int64           `json:"latency_ms"`
	Failure    FailureKind     `json:"failure,omitempty"`
	Error      *string         `json:"error"`
	Timings    *RequestTimings `json:"timings,omitempty"`
}

type tlsPayload struct {
	*TLSMetrics
	Failure FailureKind `json:"failure,omitempty"`
	Error   *string     `json:"error"`
}

type rankingPayload struct {
	Source   string        `json:"source"`
	Keywords []KeywordStat `json:"keywords"`
}

// cachePatchFor builds the cache patch of a check result. Third-party
// failures produce no patch so the last good payload stays in place.
func cachePatchFor(result CheckResult) (CachePatch, bool, error) {
	if result.Failure.IsThirdParty() || ((result.Kind == CheckKindPageSpeed || result.Kind == CheckKindRanking) && !result.Online()) {
		return CachePatch{}, false, nil
	}

	field, ok := cacheFieldFor(result.Kind, result.Strategy)
	if !ok {
		return CachePatch{}, false, nil
	}

	var payload any
	switch result.Kind {
	case CheckKindUptime:
		payload = uptimePayload{
			Status:     result.Status,
			StatusCode: result.StatusCode,
			LatencyMs:  result.LatencyMs,
			Failure:    result.Failure,
			Error:      result.Error.Ptr(),
			Timings:    result.Timings,
		}
	case CheckKindTLS:
		payload = tlsPayload{TLSMetrics: result.TLS, Failure: result.Failure, Error: result.Error.Ptr()}
	case CheckKindPageSpeed:
		payload = result.PageSpeed
	case CheckKindRanking:
		keywords := result.Rankings
		if keywords == nil {
			keywords = []KeywordStat{}
		}
		payload = rankingPayload{Source: result.Strategy, Keywords: keywords}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return CachePatch{}, false, fmt.Errorf("marshaling %s payload: %w", field, err)
	}

	return CachePatch{
		SiteID:   result.SiteID,
		Fields:   map[string]json.RawMessage{field: encoded},
		SyncedAt: result.CheckedAt,
	}, true, nil
}
