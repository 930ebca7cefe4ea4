package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only and stop early
// when ctx is cancelled. Header values are copied onto every attempt.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
