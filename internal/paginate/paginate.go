// Package paginate walks upstream history endpoints backwards in time until
// the requested number of records is collected or the upstream runs out of
// history.
package paginate

import (
	"context"
	"sort"
	"time"
)

// DefaultDeadline bounds one full pagination walk. A slow upstream must not
// hold an aggregation request open indefinitely.
const DefaultDeadline = 60 * time.Second

// periodCaps maps a candle/history period to the maximum number of records a
// single request may return, keeping the widest period to roughly a month of
// history.
var periodCaps = map[string]int{
	"5m":  576,
	"15m": 192,
	"30m": 96,
	"1h":  720,
	"2h":  360,
	"4h":  180,
	"6h":  120,
	"12h": 60,
	"1d":  30,
}

// PeriodCap returns the maximum record count for period. Unknown periods get
// the 1h cap.
func PeriodCap(period string) int {
	if max, ok := periodCaps[period]; ok {
		return max
	}
	return periodCaps["1h"]
}

// ClampLimit bounds the requested record count to the period's cap. Requests
// of zero or less fall back to the full cap.
func ClampLimit(requested int, period string) int {
	max := PeriodCap(period)
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

// PageFunc fetches one page of at most limit records ending at endTime
// (unix milliseconds). endTime zero means "latest".
type PageFunc[T any] func(ctx context.Context, limit int, endTime int64) ([]T, error)

// Collect pages backwards through history until requested records are
// gathered. Each subsequent page ends one millisecond before the oldest
// record already seen, so pages never overlap. An empty page means the
// upstream has no older history and terminates the walk. The result is
// deduplicated by timestamp, sorted ascending and truncated to the newest
// requested records. The walk runs under the caller's deadline when one is
// set, otherwise DefaultDeadline applies.
func Collect[T any](ctx context.Context, requested, pageMax int, timestamp func(T) int64, fetch PageFunc[T]) ([]T, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDeadline)
		defer cancel()
	}

	if pageMax <= 0 {
		pageMax = requested
	}

	seen := make(map[int64]T, requested)
	var endTime int64

	for len(seen) < requested {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		limit := requested - len(seen)
		if limit > pageMax {
			limit = pageMax
		}

		page, err := fetch(ctx, limit, endTime)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		oldest := timestamp(page[0])
		for _, rec := range page {
			ts := timestamp(rec)
			if ts < oldest {
				oldest = ts
			}
			seen[ts] = rec
		}
		endTime = oldest - 1
	}

	out := make([]T, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return timestamp(out[i]) < timestamp(out[j])
	})
	if len(out) > requested {
		out = out[len(out)-requested:]
	}
	return out, nil
}
