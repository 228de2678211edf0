package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"buffercore/internal/config"
	"buffercore/internal/errors"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
)

// Request identifies one segment fetch.
type Request struct {
	Representation *manifest.Representation
	Segment        *manifest.Segment
}

// Result is the payload of a completed fetch.
type Result struct {
	Data []byte
	// Size is the byte length, duplicated for callers that drop Data.
	Size int64
	// Duration is the wall-clock fetch time, fed to bandwidth estimation.
	Duration time.Duration
}

// Loader fetches segments. Implementations must honour ctx cancellation
// and surface HTTP failures as *errors.NetworkError.
type Loader interface {
	Load(ctx context.Context, req Request) (Result, error)
}

// HTTPLoader fetches segments over HTTP with bounded exponential backoff.
// Concurrent requests for the same URL are collapsed into a single fetch.
type HTTPLoader struct {
	client    *http.Client
	userAgent string
	backoff   config.Backoff
	log       logger.Logger
	group     singleflight.Group
}

// NewHTTP creates a loader using the given http.Client (a default one
// when nil).
func NewHTTP(client *http.Client, userAgent string, backoff config.Backoff, log logger.Logger) *HTTPLoader {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 3 * time.Second},
		}
	}
	return &HTTPLoader{
		client:    client,
		userAgent: userAgent,
		backoff:   backoff,
		log:       log,
	}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, req Request) (Result, error) {
	if req.Segment == nil || len(req.Segment.MediaURLs) == 0 {
		return Result{}, fmt.Errorf("segment has no media URL")
	}
	url := req.Segment.MediaURLs[0]

	v, err, _ := l.group.Do(url, func() (interface{}, error) {
		return l.loadWithRetry(ctx, req, url)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (l *HTTPLoader) loadWithRetry(ctx context.Context, req Request, url string) (Result, error) {
	delay := l.backoff.InitialDelay
	var lastErr error
	offlineRetries := 0

	attempt := 0
	for ; ; attempt++ {
		if attempt > 0 {
			retriesLeft := attempt <= l.backoff.MaxRetry
			if isOffline(lastErr) {
				offlineRetries++
				retriesLeft = offlineRetries <= l.backoff.MaxRetryOffline
			}
			if !retriesLeft {
				break
			}
			select {
			case <-ctx.Done():
				return Result{}, errors.ErrAborted
			case <-time.After(delay):
			}
			delay *= 2
			if delay > l.backoff.MaximumDelay {
				delay = l.backoff.MaximumDelay
			}
		}

		res, err := l.fetchOnce(ctx, req, url)
		if err == nil {
			return res, nil
		}
		if errors.IsAborted(err) {
			return Result{}, err
		}
		lastErr = err
		l.log.Warnf("loader: attempt %d for segment %s failed: %v", attempt+1, req.Segment.ID, err)
	}
	return Result{}, fmt.Errorf("segment %s failed after %d attempts: %w", req.Segment.ID, attempt, lastErr)
}

func (l *HTTPLoader) fetchOnce(ctx context.Context, req Request, url string) (Result, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request for segment %s: %w", req.Segment.ID, err)
	}
	if l.userAgent != "" {
		httpReq.Header.Set("User-Agent", l.userAgent)
	}
	if br := req.Segment.ByteRange; br != nil {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", br[0], br[1]))
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, errors.ErrAborted
		}
		return Result{}, &errors.NetworkError{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Result{}, &errors.NetworkError{Status: resp.StatusCode, URL: url}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, errors.ErrAborted
		}
		return Result{}, &errors.NetworkError{URL: url, Cause: err}
	}

	return Result{Data: data, Size: int64(len(data)), Duration: time.Since(start)}, nil
}

// isOffline reports whether the failure smells like a dead link rather
// than a server-side problem, which selects the offline retry budget.
func isOffline(err error) bool {
	var ne *errors.NetworkError
	if !stderrors.As(err, &ne) {
		return false
	}
	if ne.Status != 0 {
		return false
	}
	var opErr *net.OpError
	return stderrors.As(ne.Cause, &opErr)
}
