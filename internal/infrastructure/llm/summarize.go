package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PaperDigest/internal/domain"
)

const summaryTemplate = `You are reviewing a research paper based only on its abstract. Do not repeat the title or the authors.

Title: %s
Abstract: %s

Write a short review with three sections and respond as JSON:
{"overview": "what the paper is about", "methodology": "how the work was done", "findings": "the main results"}`

type summaryAnswer struct {
	Overview    string `json:"overview"`
	Methodology string `json:"methodology"`
	Findings    string `json:"findings"`
}

// Summarize writes the prompt-independent review shown next to relevant papers.
func (c *ChatGPTClient) Summarize(ctx context.Context, paper domain.Paper) (domain.PaperSummary, error) {
	if c == nil {
		return domain.PaperSummary{}, fmt.Errorf("%w: chat client is nil", domain.ErrConfiguration)
	}

	message := fmt.Sprintf(summaryTemplate,
		truncate(strings.TrimSpace(paper.Title), c.maxInputChars),
		truncate(strings.TrimSpace(paper.Abstract), c.maxInputChars))

	content, model, err := c.complete(ctx, c.summaryModel, message)
	if err != nil {
		return domain.PaperSummary{}, fmt.Errorf("summarize %s: %w", paper.ID, err)
	}

	var answer summaryAnswer
	if err := decodeJSON(content, &answer); err != nil {
		return domain.PaperSummary{}, fmt.Errorf("summarize %s: %w", paper.ID, err)
	}
	if strings.TrimSpace(answer.Overview) == "" {
		return domain.PaperSummary{}, fmt.Errorf("summarize %s: %w: overview missing", paper.ID, domain.ErrMalformedResponse)
	}

	return domain.PaperSummary{
		PaperID:   paper.ID,
		Summary:   renderSummary(answer),
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func renderSummary(answer summaryAnswer) string {
	sections := []struct{ title, body string }{
		{"Paper Overview", answer.Overview},
		{"Methodology", answer.Methodology},
		{"Main Findings", answer.Findings},
	}
	var b strings.Builder
	for _, section := range sections {
		body := strings.TrimSpace(section.body)
		if body == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(section.title)
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String()
}
