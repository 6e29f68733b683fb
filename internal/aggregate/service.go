package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/tracel/backend/internal/core"
)

const cacheTTL = 2 * time.Second

// ThreatSource is the slice of the storage facade the aggregator reads.
type ThreatSource interface {
	Threats(ctx context.Context, owner string, since time.Time) ([]core.ThreatRecord, bool, error)
	Earliest(ctx context.Context, owner string) *time.Time
}

// Cache is an optional short-TTL result cache. Failures must behave as
// misses; the aggregator never depends on it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Service computes per-owner aggregates on top of the storage tiers.
type Service struct {
	source ThreatSource
	cache  Cache // nil disables caching
	logger *log.Logger
	now    func() time.Time
}

func NewService(source ThreatSource, cache Cache) *Service {
	return &Service{
		source: source,
		cache:  cache,
		logger: log.New(log.Writer(), "[AGGREGATE] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ThreatIntel builds the report over the last sinceHours. Zero hours is a
// valid empty window. Negative values are rejected upstream.
func (s *Service) ThreatIntel(ctx context.Context, owner string, sinceHours, topN int) (*ThreatIntel, error) {
	key := fmt.Sprintf("intel:%s:%d:%d", owner, sinceHours, topN)
	var cached ThreatIntel
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	var intel *ThreatIntel
	if sinceHours == 0 {
		intel = BuildIntel(nil, topN)
	} else {
		since := s.now().Add(-time.Duration(sinceHours) * time.Hour)
		rows, degraded, err := s.source.Threats(ctx, owner, since)
		if err != nil {
			return nil, fmt.Errorf("threat intel for %s: %w", owner, err)
		}
		intel = BuildIntel(rows, topN)
		intel.Degraded = degraded
	}
	intel.SinceHours = sinceHours

	s.cachePut(ctx, key, intel)
	return intel, nil
}

// Timeline builds the bucketed report for [from, to). A nil from means
// "account": the owner's earliest packet across every tier; an owner with no
// history gets an empty timeline, not an error.
func (s *Service) Timeline(ctx context.Context, owner string, from *time.Time, to time.Time, bucket string) (*Timeline, error) {
	switch bucket {
	case "", BucketAuto, BucketHour, BucketDay, BucketMonth:
	default:
		return nil, ErrInvalidBucket
	}

	fromKey := "account"
	if from != nil {
		fromKey = strconv.FormatInt(from.UnixNano(), 10)
	}
	key := fmt.Sprintf("timeline:%s:%s:%d:%s", owner, fromKey, to.UnixNano(), bucket)
	var cached Timeline
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	if from == nil {
		from = s.source.Earliest(ctx, owner)
		if from == nil {
			resolved, _ := ResolveBucket(bucket, to, to)
			return &Timeline{
				Bucket:   resolved,
				From:     to.UTC(),
				To:       to.UTC(),
				Timeline: []TimelineBucket{},
			}, nil
		}
	}

	resolved, err := ResolveBucket(bucket, *from, to)
	if err != nil {
		return nil, err
	}

	rows, degraded, err := s.source.Threats(ctx, owner, *from)
	if err != nil {
		return nil, fmt.Errorf("timeline for %s: %w", owner, err)
	}

	tl := &Timeline{
		Bucket:   resolved,
		From:     from.UTC(),
		To:       to.UTC(),
		Timeline: BuildTimeline(rows, *from, to, resolved),
		Degraded: degraded,
	}
	s.cachePut(ctx, key, tl)
	return tl, nil
}

func (s *Service) cacheGet(ctx context.Context, key string, dst interface{}) bool {
	if s.cache == nil {
		return false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		cacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (s *Service) cachePut(ctx context.Context, key string, v interface{}) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.cache.Set(ctx, key, raw, cacheTTL)
}
