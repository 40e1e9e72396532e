package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kjstillabower/climatescope/internal/dataset"
	"github.com/kjstillabower/climatescope/internal/observability"
)

var (
	ErrNotFound        = errors.New("dataset not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrTooLarge        = errors.New("dataset too large")
)

// Options configures remote fetches.
type Options struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxBytes caps the body size; 0 means unlimited.
	MaxBytes int64
}

// DefaultOptions are used when a zero Options is passed to New.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

// Fetcher reads dataset bytes from a local path or an http(s) URL.
type Fetcher struct {
	opt    Options
	client *http.Client
}

func New(opt Options) *Fetcher {
	if opt == (Options{}) {
		opt = DefaultOptions()
	}
	if opt.RetryAttempts < 1 {
		opt.RetryAttempts = 1
	}
	return &Fetcher{opt: opt, client: &http.Client{}}
}

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Fetch returns the raw bytes at location.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if IsRemote(location) {
		return f.fetchRemote(ctx, location)
	}
	return f.readFile(location)
}

// Load fetches location and parses it as CSV.
func (f *Fetcher) Load(ctx context.Context, location string, opt dataset.LoadOptions) (*dataset.Frame, error) {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "source.Load")
	defer span.End()
	span.SetAttributes(attribute.Bool("source.remote", IsRemote(location)))

	body, err := f.Fetch(ctx, location)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	frame, err := dataset.LoadCSV(bytes.NewReader(body), opt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("dataset.rows", frame.Len()), attribute.Int("dataset.columns", len(frame.Columns())))
	return frame, nil
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	if f.opt.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, f.opt.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.opt.MaxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, f.opt.MaxBytes)
	}
	return body, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, location string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < f.opt.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.SourceRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.calculateBackoff(attempt)):
			}
		}

		body, err := f.get(ctx, location)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (f *Fetcher) get(ctx context.Context, location string) ([]byte, error) {
	start := time.Now()

	reqCtx := ctx
	if f.opt.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.opt.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, location, nil)
	if err != nil {
		observability.SourceFetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, */*")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		observability.SourceFetchesTotal.WithLabelValues("error").Inc()
		observability.SourceFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.SourceFetchesTotal.WithLabelValues(status).Inc()
	observability.SourceFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := errorForStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	body, err := f.readLimited(resp.Body)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func errorForStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	default:
		return fmt.Errorf("unexpected response: HTTP %d", code)
	}
}

// isRetryable: 429, 5xx, timeouts and transport failures.
func isRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func (f *Fetcher) calculateBackoff(attempt int) time.Duration {
	delay := float64(f.opt.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.opt.RetryMaxDelay) {
		delay = float64(f.opt.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
