package paginate

import (
	"context"
	"errors"
	"testing"
)

type point struct {
	ts    int64
	value float64
}

// historySource simulates an upstream with a fixed number of records spaced
// one hour apart, newest first per page.
type historySource struct {
	newest int64
	count  int
	step   int64
	calls  int
}

func (h *historySource) fetch(_ context.Context, limit int, endTime int64) ([]point, error) {
	h.calls++
	end := h.newest
	if endTime > 0 {
		end = endTime
	}
	oldest := h.newest - int64(h.count-1)*h.step
	if end < oldest {
		return nil, nil
	}
	start := oldest + ((end-oldest)/h.step)*h.step

	var page []point
	for ts := start; ts >= oldest && len(page) < limit; ts -= h.step {
		page = append(page, point{ts: ts, value: float64(ts)})
	}
	return page, nil
}

func TestCollectSinglePage(t *testing.T) {
	src := &historySource{newest: 1_700_000_000_000, count: 1000, step: 3_600_000}
	got, err := Collect(context.Background(), 30, 100, func(p point) int64 { return p.ts }, src.fetch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 30 {
		t.Fatalf("expected 30 records, got %d", len(got))
	}
	if src.calls != 1 {
		t.Fatalf("expected 1 page, got %d", src.calls)
	}
	if got[len(got)-1].ts != src.newest {
		t.Fatalf("last record must be the newest, got %d", got[len(got)-1].ts)
	}
}

func TestCollectWalksBackwards(t *testing.T) {
	src := &historySource{newest: 1_700_000_000_000, count: 1000, step: 3_600_000}
	got, err := Collect(context.Background(), 250, 100, func(p point) int64 { return p.ts }, src.fetch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 250 {
		t.Fatalf("expected 250 records, got %d", len(got))
	}
	if src.calls != 3 {
		t.Fatalf("expected 3 pages for 250 records at page max 100, got %d", src.calls)
	}
	for i := 1; i < len(got); i++ {
		if got[i].ts <= got[i-1].ts {
			t.Fatalf("records must ascend without duplicates at index %d", i)
		}
		if got[i].ts-got[i-1].ts != src.step {
			t.Fatalf("gap between records at index %d: %d", i, got[i].ts-got[i-1].ts)
		}
	}
}

func TestCollectStopsOnEmptyPage(t *testing.T) {
	src := &historySource{newest: 1_700_000_000_000, count: 50, step: 3_600_000}
	got, err := Collect(context.Background(), 200, 100, func(p point) int64 { return p.ts }, src.fetch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("upstream only has 50 records, got %d", len(got))
	}
}

func TestCollectPropagatesFetchError(t *testing.T) {
	wantErr := errors.New("upstream down")
	_, err := Collect(context.Background(), 10, 100,
		func(p point) int64 { return p.ts },
		func(context.Context, int, int64) ([]point, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fetch error to propagate, got %v", err)
	}
}

func TestPeriodCaps(t *testing.T) {
	cases := map[string]int{
		"5m": 576, "15m": 192, "30m": 96,
		"1h": 720, "2h": 360, "4h": 180,
		"6h": 120, "12h": 60, "1d": 30,
	}
	for period, want := range cases {
		if got := PeriodCap(period); got != want {
			t.Errorf("PeriodCap(%q) = %d, want %d", period, got, want)
		}
	}
	if got := PeriodCap("7h"); got != 720 {
		t.Errorf("unknown period should use the 1h cap, got %d", got)
	}
}

func TestClampLimit(t *testing.T) {
	if got := ClampLimit(1000, "1h"); got != 720 {
		t.Fatalf("1000 at 1h must clamp to 720, got %d", got)
	}
	if got := ClampLimit(0, "1d"); got != 30 {
		t.Fatalf("zero request falls back to the cap, got %d", got)
	}
	if got := ClampLimit(12, "4h"); got != 12 {
		t.Fatalf("in-range request kept as is, got %d", got)
	}
}
