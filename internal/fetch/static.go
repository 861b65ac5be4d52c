package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static fetches pages over plain HTTP with bounded retries and exponential
// backoff on transient failures.
type Static struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewStatic(timeout time.Duration, retries int) *Static {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retries < 0 {
		retries = 0
	}
	return &Static{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 300 * time.Millisecond,
	}
}

func (s *Static) HTML(ctx context.Context, url string) (string, error) {
	var lastErr error
	tries := s.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return string(body), nil
			} else if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				// Client errors other than rate limiting will not heal on retry.
				return "", fmt.Errorf("fetching %s: %s", url, resp.Status)
			} else {
				lastErr = fmt.Errorf("%s", resp.Status)
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(s.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("fetching %s after %d attempts: %w", url, tries, lastErr)
}
