package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/retry"
)

const userAgent = "PaperDigest/1.0 (+listing watcher)"

// pageFetcher performs GET requests with bounded retries on transient failures.
type pageFetcher struct {
	client  *http.Client
	retrier *retry.Retrier
}

func newPageFetcher(client *http.Client, retrier *retry.Retrier) pageFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if retrier == nil {
		retrier = retry.New(retry.Config{MaxAttempts: 1}, domain.IsRetryable, nil)
	}
	return pageFetcher{client: client, retrier: retrier}
}

// get fetches pageURL and hands the body to parse; parse runs once per successful response.
func (f pageFetcher) get(ctx context.Context, pageURL string, parse func(io.Reader) error) error {
	return f.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return classifyTransport(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s returned %s", domain.ErrTransient, pageURL, resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s returned %s", pageURL, resp.Status)
		}

		return parse(resp.Body)
	})
}

// classifyTransport treats every transport failure except caller cancellation as transient.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: request document: %v", domain.ErrTransient, err)
}
