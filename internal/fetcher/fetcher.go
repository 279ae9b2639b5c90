// Package fetcher wraps upstream HTTP calls with per-attempt timeouts,
// bounded exponential backoff and per-exchange rate limiting. All adapter
// traffic flows through one Fetcher per exchange so the retry policy lives in
// exactly one place.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	appconfig "perpflow/config"
	"perpflow/internal/metrics"
	"perpflow/logger"
)

// FetchError is the typed failure returned once the retry budget is
// exhausted or a non-retryable response arrives. It always carries the last
// underlying cause.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s failed after %d attempt(s): status %d: %v", e.URL, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher issues rate-limited, retried HTTP requests for one exchange.
type Fetcher struct {
	exchange    string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
	log         *logger.Log
}

// New builds a fetcher for the named exchange using the shared fetcher
// configuration. The connection pool settings mirror the source config.
func New(exchange string, cfg appconfig.FetcherConfig) *Fetcher {
	transport := &http.Transport{}
	if cfg.ConnectionPool.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.ConnectionPool.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.ConnectionPool.MaxIdleConns
	}
	if cfg.ConnectionPool.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = cfg.ConnectionPool.MaxConnsPerHost
	}
	if cfg.ConnectionPool.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.ConnectionPool.IdleConnTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.Retry.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := cfg.Retry.MaxDelay
	if maxDelay < baseDelay {
		maxDelay = 10 * time.Second
	}

	return &Fetcher{
		exchange:    exchange,
		client:      &http.Client{Transport: transport},
		limiter:     limiter,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		timeout:     timeout,
		log:         logger.GetLogger(),
	}
}

// retryableStatus reports whether an HTTP status justifies another attempt.
// 4xx responses other than 408 indicate a malformed request and fail fast.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// GetJSON fetches url and decodes the response body into out.
func (f *Fetcher) GetJSON(ctx context.Context, url string, out any) error {
	return f.request(ctx, http.MethodGet, url, nil, nil, out)
}

// GetJSONWithHeaders fetches url with extra request headers.
func (f *Fetcher) GetJSONWithHeaders(ctx context.Context, url string, headers map[string]string, out any) error {
	return f.request(ctx, http.MethodGet, url, headers, nil, out)
}

// PostJSON sends body as JSON and decodes the response into out.
func (f *Fetcher) PostJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &FetchError{URL: url, Attempts: 0, Err: err}
	}
	headers := map[string]string{"Content-Type": "application/json"}
	return f.request(ctx, http.MethodPost, url, headers, payload, out)
}

func (f *Fetcher) request(ctx context.Context, method, url string, headers map[string]string, body []byte, out any) error {
	data, err := f.do(ctx, method, url, headers, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &FetchError{URL: url, Attempts: 1, Err: fmt.Errorf("malformed upstream response: %w", err)}
	}
	return nil
}

// do runs the attempt loop. Retries apply only to network errors, timeouts
// and retryable statuses; the backoff delay doubles per attempt up to the
// configured cap.
func (f *Fetcher) do(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.baseDelay
	bo.MaxInterval = f.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	log := f.log.WithComponent(f.exchange + "_fetcher").WithFields(logger.Fields{"url": url})

	var lastErr error
	var lastStatus int
	attempts := 0

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		attempts = attempt

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, &FetchError{URL: url, Attempts: attempts, Err: err}
			}
		}

		data, status, err := f.attempt(ctx, method, url, headers, body)
		if err == nil {
			logger.IncrementUpstreamRead(len(data))
			return data, nil
		}

		lastErr = err
		lastStatus = status

		if ctx.Err() != nil {
			break
		}
		if status > 0 && !retryableStatus(status) {
			log.WithError(err).WithFields(logger.Fields{"status": status}).Debug("non-retryable upstream response")
			break
		}
		if attempt == f.maxAttempts {
			break
		}

		metrics.IncrementFetchRetry(f.exchange)
		delay := bo.NextBackOff()
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("upstream fetch failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &FetchError{URL: url, Attempts: attempts, StatusCode: lastStatus, Err: ctx.Err()}
		}
	}

	metrics.IncrementFetchFailure(f.exchange)
	return nil, &FetchError{URL: url, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

// attempt performs one HTTP round trip with its own timeout. The request is
// cancelled, not abandoned, when the deadline passes.
func (f *Fetcher) attempt(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return data, resp.StatusCode, nil
}

// IsFetchError reports whether err (or anything it wraps) is a *FetchError
// and returns it.
func IsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
