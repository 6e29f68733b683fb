package aggregate

import (
	"errors"
	"time"

	"github.com/tracel/backend/internal/core"
)

// ErrInvalidBucket marks an unknown bucket parameter; handlers map it to 400.
var ErrInvalidBucket = errors.New("invalid bucket")

// Bucket granularities.
const (
	BucketHour  = "hour"
	BucketDay   = "day"
	BucketMonth = "month"
	BucketAuto  = "auto"
)

// TimelineBucket is one point of the incident timeline. Empty buckets are
// present with Attacks 0 so clients render a continuous axis.
type TimelineBucket struct {
	Bucket  string `json:"bucket"`
	Attacks int    `json:"attacks"`
}

// Timeline is the bucketed report for [From, To).
type Timeline struct {
	Bucket   string           `json:"bucket"`
	From     time.Time        `json:"from"`
	To       time.Time        `json:"to"`
	Timeline []TimelineBucket `json:"timeline"`
	Degraded bool             `json:"degraded,omitempty"`
}

// ResolveBucket validates the requested granularity; auto (or empty) picks
// hour for spans up to 48h, day up to 120d, month beyond.
func ResolveBucket(bucket string, from, to time.Time) (string, error) {
	switch bucket {
	case BucketHour, BucketDay, BucketMonth:
		return bucket, nil
	case "", BucketAuto:
		span := to.Sub(from)
		switch {
		case span <= 48*time.Hour:
			return BucketHour, nil
		case span <= 120*24*time.Hour:
			return BucketDay, nil
		default:
			return BucketMonth, nil
		}
	default:
		return "", ErrInvalidBucket
	}
}

// BuildTimeline counts in-window threats per UTC-aligned bucket and fills
// every key in [from, to) so no gaps appear.
func BuildTimeline(rows []core.ThreatRecord, from, to time.Time, bucket string) []TimelineBucket {
	out := []TimelineBucket{}
	if !from.Before(to) {
		return out
	}

	counts := make(map[string]int)
	for i := range rows {
		ts := rows[i].Timestamp
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		counts[bucketKey(alignBucket(ts, bucket), bucket)]++
	}

	for t := alignBucket(from, bucket); t.Before(to); t = nextBucket(t, bucket) {
		key := bucketKey(t, bucket)
		out = append(out, TimelineBucket{Bucket: key, Attacks: counts[key]})
	}
	return out
}

func alignBucket(t time.Time, bucket string) time.Time {
	t = t.UTC()
	switch bucket {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

func nextBucket(t time.Time, bucket string) time.Time {
	switch bucket {
	case BucketHour:
		return t.Add(time.Hour)
	case BucketDay:
		return t.AddDate(0, 0, 1)
	default:
		return t.AddDate(0, 1, 0)
	}
}

func bucketKey(t time.Time, bucket string) string {
	switch bucket {
	case BucketHour:
		return t.Format("2006-01-02T15:04")
	case BucketDay:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01")
	}
}
