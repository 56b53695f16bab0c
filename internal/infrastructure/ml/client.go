package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

// Client talks to an external ML service that summarizes paper abstracts.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	now      func() time.Time
}

var _ ports.Summarizer = (*Client)(nil)

// NewClient creates a reusable HTTP client; a nil httpClient gets a 15s timeout.
func NewClient(endpoint, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     httpClient,
		now:      time.Now,
	}
}

// Summarize requests the review of the paper's abstract.
func (c *Client) Summarize(ctx context.Context, paper domain.Paper) (domain.PaperSummary, error) {
	if c.endpoint == "" {
		return domain.PaperSummary{}, fmt.Errorf("%w: ml endpoint is empty", domain.ErrConfiguration)
	}

	payload := map[string]any{
		"id":       paper.ID,
		"title":    paper.Title,
		"abstract": paper.Abstract,
	}

	var resp struct {
		Summary string `json:"summary"`
		Model   string `json:"model"`
	}
	if err := c.post(ctx, "/summarize", payload, &resp); err != nil {
		return domain.PaperSummary{}, fmt.Errorf("summarize %s: %w", paper.ID, err)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return domain.PaperSummary{}, fmt.Errorf("summarize %s: %w: empty summary", paper.ID, domain.ErrMalformedResponse)
	}

	model := resp.Model
	if model == "" {
		model = "ml-service"
	}
	return domain.PaperSummary{
		PaperID:   paper.ID,
		Summary:   strings.TrimSpace(resp.Summary),
		Model:     model,
		CreatedAt: c.now().UTC(),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: do request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: unexpected status %s", domain.ErrTransient, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}
