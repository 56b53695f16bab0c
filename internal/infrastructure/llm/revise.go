package llm

import (
	"context"
	"fmt"
	"strings"

	"PaperDigest/internal/domain"
)

const abstractSnippet = 600

const reviseTemplate = `You are helping a researcher refine the prompt that filters arXiv papers for them.

Current prompt:
%s

The filter made these mistakes according to the researcher's votes.

Papers marked relevant by the filter but voted NOT relevant:
%s
Papers marked not relevant by the filter but voted relevant:
%s
Papers the filter got right (keep them working):
%s
Find patterns that explain the mistakes. Respond as JSON:
{"strong_positive": [{"pattern": "...", "confidence": 0.0-1.0, "evidence": "...", "suggested_addition": "...", "example_ids": ["..."]}],
 "strong_negative": [{"pattern": "...", "confidence": 0.0-1.0, "evidence": "...", "suggested_addition": "...", "example_ids": ["..."]}],
 "nuanced": [{"pattern": "...", "confidence": 0.0-1.0, "evidence": "...", "suggested_nuance": "...", "example_ids": ["..."]}]}
strong_positive lists topics the researcher wants included, strong_negative topics to exclude.
Only cite example ids listed above. Return empty arrays when no pattern is clear.`

type patternAnswer struct {
	Pattern           string   `json:"pattern"`
	Confidence        float64  `json:"confidence"`
	Evidence          string   `json:"evidence"`
	SuggestedAddition string   `json:"suggested_addition"`
	SuggestedNuance   string   `json:"suggested_nuance"`
	ExampleIDs        []string `json:"example_ids"`
}

type reviseAnswer struct {
	StrongPositive []patternAnswer `json:"strong_positive"`
	StrongNegative []patternAnswer `json:"strong_negative"`
	Nuanced        []patternAnswer `json:"nuanced"`
}

// ProposeEdits asks the advisor model for prompt edits explaining the misclassified examples.
// Filtering by confidence is left to the caller.
func (c *ChatGPTClient) ProposeEdits(ctx context.Context, req domain.RevisionRequest) ([]domain.ProposedEdit, error) {
	if strings.TrimSpace(req.PromptBody) == "" {
		return nil, fmt.Errorf("%w: empty prompt body", domain.ErrConfiguration)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: chat client is nil", domain.ErrConfiguration)
	}

	message := fmt.Sprintf(reviseTemplate,
		truncate(strings.TrimSpace(req.PromptBody), c.maxInputChars),
		formatExamples(req.FalsePositives),
		formatExamples(req.FalseNegatives),
		formatExamples(req.Agreed))

	content, _, err := c.complete(ctx, c.advisorModel, message)
	if err != nil {
		return nil, fmt.Errorf("propose edits: %w", err)
	}

	var answer reviseAnswer
	if err := decodeJSON(content, &answer); err != nil {
		return nil, fmt.Errorf("propose edits: %w", err)
	}

	known := make(map[string]struct{})
	for _, group := range [][]domain.FeedbackExample{req.FalsePositives, req.FalseNegatives, req.Agreed} {
		for _, ex := range group {
			known[ex.PaperID] = struct{}{}
		}
	}

	var edits []domain.ProposedEdit
	edits = appendEdits(edits, domain.EditInclude, answer.StrongPositive, known)
	edits = appendEdits(edits, domain.EditExclude, answer.StrongNegative, known)
	edits = appendEdits(edits, domain.EditNuance, answer.Nuanced, known)
	return edits, nil
}

func appendEdits(edits []domain.ProposedEdit, kind domain.EditKind, patterns []patternAnswer, known map[string]struct{}) []domain.ProposedEdit {
	for _, p := range patterns {
		if strings.TrimSpace(p.Pattern) == "" {
			continue
		}
		text := p.SuggestedAddition
		if kind == domain.EditNuance && p.SuggestedNuance != "" {
			text = p.SuggestedNuance
		}

		var ids []string
		for _, id := range p.ExampleIDs {
			// the model sometimes invents ids
			if _, ok := known[id]; ok {
				ids = append(ids, id)
			}
		}

		edits = append(edits, domain.ProposedEdit{
			Kind:          kind,
			Pattern:       strings.TrimSpace(p.Pattern),
			Evidence:      strings.TrimSpace(p.Evidence),
			Confidence:    p.Confidence,
			SuggestedText: strings.TrimSpace(text),
			ExampleIDs:    ids,
		})
	}
	return edits
}

func formatExamples(examples []domain.FeedbackExample) string {
	if len(examples) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, ex := range examples {
		fmt.Fprintf(&b, "- id: %s\n  title: %s\n  abstract: %s\n", ex.PaperID, truncate(strings.TrimSpace(ex.Title), abstractSnippet), truncate(strings.TrimSpace(ex.Abstract), abstractSnippet))
		if ex.Reasoning != "" {
			fmt.Fprintf(&b, "  filter reasoning: %s\n", truncate(strings.TrimSpace(ex.Reasoning), abstractSnippet))
		}
	}
	return b.String()
}
