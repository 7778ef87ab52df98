package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/lysyi3m/ingest-comb/internal/database"
)

const maxBodyBytes = 10 << 20

// Options configures the HTTP behaviour shared by the built-in connectors.
type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration // per request
	MaxPages   int           // WEB crawl budget, root page included
	Rate       float64       // requests per second, <= 0 disables limiting
}

type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	limiter   *rate.Limiter
}

func newFetcher(opts Options) *fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &fetcher{
		client:    client,
		userAgent: opts.UserAgent,
		timeout:   timeout,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}

// fetchStatus maps a fetch error to the status recorded on the item.
func fetchStatus(err error) database.FetchStatus {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return database.FetchStatusRateLimited
		}
		return database.FetchStatusHTTPError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return database.FetchStatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return database.FetchStatusTimeout
	}

	return database.FetchStatusNetworkError
}

func failedItem(externalID, url string, err error) FetchedItem {
	return FetchedItem{
		ExternalID: externalID,
		URL:        url,
		Status:     fetchStatus(err),
		Error:      err.Error(),
	}
}
