package llm

import (
	"context"
	"fmt"
	"strings"

	"PaperDigest/internal/domain"
)

const classifyTemplate = `You are a researcher evaluating whether an arXiv paper is relevant based on the user's research interests.

%s

Paper to evaluate:
Title: %s
Abstract: %s

Respond as JSON: {"is_relevant": true/false, "confidence": 0.0-1.0, "reasoning": "Brief explanation"}`

type classifyAnswer struct {
	IsRelevant *bool    `json:"is_relevant"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Classify asks the classification model whether paper matches the interest prompt.
func (c *ChatGPTClient) Classify(ctx context.Context, prompt string, paper domain.Paper) (domain.Classification, error) {
	if strings.TrimSpace(prompt) == "" {
		return domain.Classification{}, fmt.Errorf("%w: empty prompt body", domain.ErrConfiguration)
	}
	if c == nil {
		return domain.Classification{}, fmt.Errorf("%w: chat client is nil", domain.ErrConfiguration)
	}

	message := fmt.Sprintf(classifyTemplate,
		truncate(strings.TrimSpace(prompt), c.maxInputChars),
		truncate(strings.TrimSpace(paper.Title), c.maxInputChars),
		truncate(strings.TrimSpace(paper.Abstract), c.maxInputChars))

	content, model, err := c.complete(ctx, c.model, message)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("classify %s: %w", paper.ID, err)
	}

	var answer classifyAnswer
	if err := decodeJSON(content, &answer); err != nil {
		return domain.Classification{}, fmt.Errorf("classify %s: %w", paper.ID, err)
	}
	if answer.IsRelevant == nil {
		return domain.Classification{}, fmt.Errorf("classify %s: %w: is_relevant missing", paper.ID, domain.ErrMalformedResponse)
	}
	if answer.Confidence == nil || *answer.Confidence < 0 || *answer.Confidence > 1 {
		return domain.Classification{}, fmt.Errorf("classify %s: %w: confidence missing or out of range", paper.ID, domain.ErrMalformedResponse)
	}

	verdict := domain.VerdictNotRelevant
	if *answer.IsRelevant {
		verdict = domain.VerdictRelevant
	}
	return domain.Classification{
		Verdict:    verdict,
		Confidence: *answer.Confidence,
		Reasoning:  strings.TrimSpace(answer.Reasoning),
		Model:      model,
	}, nil
}
