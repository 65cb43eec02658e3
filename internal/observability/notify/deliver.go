package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response is echoed into errors.
const maxErrorBody = 4 << 10

// Request is one JSON POST made by a webhook-style sink.
type Request struct {
	Client *http.Client
	URL    string
	Body   []byte
	// Retries is the number of additional attempts after the first.
	Retries int
	// Label prefixes errors, e.g. "slack".
	Label string
}

// Post sends req, retrying with linear backoff (200ms, 400ms, ...) until an
// attempt succeeds, the retries are spent or ctx ends.
func Post(ctx context.Context, req Request) error {
	attempts := max(req.Retries, 0) + 1
	var lastErr error
	for attempt := range attempts {
		lastErr = postOnce(ctx, req)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func postOnce(ctx context.Context, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", req.Label, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := req.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", req.Label, err)
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	closeErr := resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", req.Label, resp.Status, strings.TrimSpace(string(body)))
	}
	if readErr != nil || closeErr != nil {
		return errors.Join(readErr, closeErr)
	}
	return nil
}
