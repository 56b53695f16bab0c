package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

// ChatGPTClient implements the model-backed ports on top of an OpenAI-compatible
// chat completions endpoint.
type ChatGPTClient struct {
	endpoint      string
	apiKey        string
	model         string
	summaryModel  string
	advisorModel  string
	seed          int
	maxInputChars int
	httpClient    *http.Client
}

var (
	_ ports.RelevanceClassifier = (*ChatGPTClient)(nil)
	_ ports.Summarizer          = (*ChatGPTClient)(nil)
	_ ports.PromptReviser       = (*ChatGPTClient)(nil)
)

// NewChatGPTClient builds a client from configuration; a nil httpClient gets cfg.Timeout.
func NewChatGPTClient(cfg config.LLMConfig, httpClient *http.Client) *ChatGPTClient {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	summaryModel := cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = cfg.Model
	}
	advisorModel := cfg.AdvisorModel
	if advisorModel == "" {
		advisorModel = cfg.Model
	}
	return &ChatGPTClient{
		endpoint:      cfg.Endpoint,
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		summaryModel:  summaryModel,
		advisorModel:  advisorModel,
		seed:          cfg.Seed,
		maxInputChars: cfg.MaxInputChars,
		httpClient:    httpClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Seed           int             `json:"seed,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete sends a single user message in JSON mode and returns the message content
// together with the model that answered.
func (c *ChatGPTClient) complete(ctx context.Context, model, prompt string) (string, string, error) {
	if c == nil {
		return "", "", fmt.Errorf("%w: chat client is nil", domain.ErrConfiguration)
	}
	if c.apiKey == "" || c.endpoint == "" || model == "" {
		return "", "", fmt.Errorf("%w: chat client misconfigured", domain.ErrConfiguration)
	}

	body, err := json.Marshal(chatRequest{
		Model:          model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		Temperature:    0,
		Seed:           c.seed,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", "", err
		}
		return "", "", fmt.Errorf("%w: chat request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return "", "", fmt.Errorf("%w: chat api returned %s", domain.ErrTransient, resp.Status)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", "", fmt.Errorf("chat api error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", fmt.Errorf("%w: decode chat envelope: %v", domain.ErrMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", "", fmt.Errorf("%w: empty completion", domain.ErrMalformedResponse)
	}

	answeredBy := decoded.Model
	if answeredBy == "" {
		answeredBy = model
	}
	return decoded.Choices[0].Message.Content, answeredBy, nil
}

// decodeJSON parses model content into v, tolerating a fenced code block around it.
func decodeJSON(content string, v interface{}) error {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

// truncate caps s at max runes; max <= 0 disables the cap. Every free-text field of a
// request goes through it, so a request is bounded by its template plus max per field.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
