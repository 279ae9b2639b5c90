package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrRefreshCachesValue(t *testing.T) {
	c := New()
	var calls int32
	refresh := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "rates", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrRefresh(context.Background(), "rates", time.Minute, refresh)
		if err != nil {
			t.Fatalf("GetOrRefresh: %v", err)
		}
		if got != "rates" {
			t.Fatalf("unexpected value %v", got)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fresh entry must not refresh, got %d calls", calls)
	}
}

func TestGetOrRefreshExpires(t *testing.T) {
	c := New()
	now := time.Now()
	c.clock = func() time.Time { return now }

	var calls int32
	refresh := func(context.Context) (any, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}

	got, _ := c.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	if got != 1 {
		t.Fatalf("expected first refresh result, got %v", got)
	}

	now = now.Add(2 * time.Minute)
	got, _ = c.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	if got != 2 {
		t.Fatalf("expired entry must refresh, got %v", got)
	}
}

func TestStaleServedOnRefreshFailure(t *testing.T) {
	c := New()
	now := time.Now()
	c.clock = func() time.Time { return now }

	ok := func(context.Context) (any, error) { return "good", nil }
	bad := func(context.Context) (any, error) { return nil, errors.New("upstream down") }

	if _, err := c.GetOrRefresh(context.Background(), "k", time.Minute, ok); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}

	now = now.Add(time.Hour)
	got, err := c.GetOrRefresh(context.Background(), "k", time.Minute, bad)
	if err != nil {
		t.Fatalf("stale value must be served without error, got %v", err)
	}
	if got != "good" {
		t.Fatalf("expected stale value, got %v", got)
	}
}

func TestColdKeyPropagatesFailure(t *testing.T) {
	c := New()
	wantErr := errors.New("upstream down")
	_, err := c.GetOrRefresh(context.Background(), "cold", time.Minute, func(context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, ErrNoFallback) {
		t.Fatalf("expected ErrNoFallback, got %v", err)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("cause must be preserved, got %v", err)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	c := New()
	var calls int32
	release := make(chan struct{})
	refresh := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
			if err != nil {
				t.Errorf("GetOrRefresh: %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("concurrent callers must collapse to one refresh, got %d", got)
	}
	for i, v := range results {
		if v != "v" {
			t.Fatalf("caller %d got %v", i, v)
		}
	}
}

func TestRefreshSurvivesLeaderCancellation(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	refresh := func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return "v", nil
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		c.GetOrRefresh(leaderCtx, "k", time.Minute, refresh)
	}()

	<-started
	followerDone := make(chan struct{})
	var followerVal any
	var followerErr error
	go func() {
		defer close(followerDone)
		followerVal, followerErr = c.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	}()

	// The follower joins the in-flight refresh; cancelling the caller that
	// started it must not abort the shared flight.
	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-leaderDone
	<-followerDone

	if followerErr != nil {
		t.Fatalf("follower with a live context must not fail: %v", followerErr)
	}
	if followerVal != "v" {
		t.Fatalf("follower got %v", followerVal)
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	var calls int32
	refresh := func(context.Context) (any, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}

	c.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	c.Invalidate("k")
	got, _ := c.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	if got != 2 {
		t.Fatalf("invalidated entry must refresh, got %v", got)
	}
	if _, ok := c.Peek("missing"); ok {
		t.Fatal("Peek on a missing key must report absence")
	}
}
