package collector

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// DownloadInfo carries response metadata relevant to raw-message headers.
type DownloadInfo struct {
	// LastModified is the parsed Last-Modified header, zero when absent or
	// unparseable. All three HTTP-date forms of RFC 7231 are recognized.
	LastModified time.Time
}

// Downloader fetches feed data over HTTP with a total deadline and a
// per-retry sleep, optionally rate-limited.
type Downloader struct {
	Client          *http.Client
	DownloadTimeout time.Duration // total budget across retries
	RetryTimeout    time.Duration // sleep between attempts
	Limiter         *rate.Limiter // nil means unlimited
	Log             *logger.Logger
}

// NewDownloader builds a downloader with sensible defaults.
func NewDownloader(downloadTimeout, retryTimeout time.Duration, rateLimit float64, log *logger.Logger) *Downloader {
	if downloadTimeout <= 0 {
		downloadTimeout = time.Minute
	}
	if retryTimeout <= 0 {
		retryTimeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateLimit), 1)
	}
	return &Downloader{
		Client:          &http.Client{Timeout: 30 * time.Second},
		DownloadTimeout: downloadTimeout,
		RetryTimeout:    retryTimeout,
		Limiter:         limiter,
		Log:             log,
	}
}

// Fetch downloads the URL, retrying transient failures until the total
// deadline. A non-retryable HTTP status aborts immediately; an exceeded
// deadline surfaces the last failure as a fatal download error.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, *DownloadInfo, error) {
	deadline := time.Now().Add(d.DownloadTimeout)
	var lastErr error

	for attempt := 1; ; attempt++ {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return nil, nil, errors.Wrap(err, errors.ErrCodeDownloadFailure, "rate limiter interrupted")
			}
		}

		body, info, err := d.fetchOnce(ctx, url)
		if err == nil {
			return body, info, nil
		}
		if errors.HasCode(err, errors.ErrCodeDownloadNonRetryable) {
			return nil, nil, err
		}
		lastErr = err
		d.Log.Warn().
			Err(err).
			Str("url", url).
			Int("attempt", attempt).
			Msg("Download failed, will retry")

		if time.Now().Add(d.RetryTimeout).After(deadline) {
			return nil, nil, errors.Wrapf(lastErr, errors.ErrCodeDownloadFailure,
				"download deadline exceeded after %d attempts", attempt)
		}
		select {
		case <-ctx.Done():
			return nil, nil, errors.Wrap(ctx.Err(), errors.ErrCodeDownloadFailure, "download cancelled")
		case <-time.After(d.RetryTimeout):
		}
	}
}

func (d *Downloader) fetchOnce(ctx context.Context, url string) ([]byte, *DownloadInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeDownloadNonRetryable, "cannot build request")
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeDownloadFailure, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code := errors.ErrCodeDownloadFailure
		if !isRetryableStatus(resp.StatusCode) {
			code = errors.ErrCodeDownloadNonRetryable
		}
		return nil, nil, errors.Newf(code, "unexpected HTTP status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeDownloadFailure, "cannot read response body")
	}

	info := &DownloadInfo{}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		// http.ParseTime accepts the three RFC 7231 HTTP-date forms
		// (IMF-fixdate, RFC 850, asctime).
		if t, perr := http.ParseTime(lm); perr == nil {
			info.LastModified = t
		} else {
			d.Log.Warn().Str("last_modified", lm).Msg("Unparseable Last-Modified header")
		}
	}
	return body, info, nil
}

// isRetryableStatus distinguishes the transient status classes from the
// permanent ones.
func isRetryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
