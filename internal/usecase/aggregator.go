package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

// AggregatorDeps wires the read-only feedback aggregation.
type AggregatorDeps struct {
	Prompts ports.PromptRepository
	Votes   ports.VoteRepository
	Results ports.ClassificationRepository
	Papers  ports.PaperRepository
	Config  config.FeedbackConfig
	Logger  *slog.Logger
	Now     func() time.Time
}

// Aggregator compares user votes with the verdicts of one prompt version.
type Aggregator struct {
	prompts ports.PromptRepository
	votes   ports.VoteRepository
	results ports.ClassificationRepository
	papers  ports.PaperRepository
	cfg     config.FeedbackConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewAggregator(deps AggregatorDeps) *Aggregator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		prompts: deps.Prompts,
		votes:   deps.Votes,
		results: deps.Results,
		papers:  deps.Papers,
		cfg:     deps.Config,
		logger:  logger.With("component", "aggregator"),
		now:     now,
	}
}

// Aggregate summarises the owning user's votes of the last window on versionID's results.
// Only the latest vote per paper counts; votes whose paper has no result for the version
// are reported as unmatched. Examples are ordered most recent vote first.
func (a *Aggregator) Aggregate(ctx context.Context, versionID string, window time.Duration) (domain.DisagreementSummary, error) {
	version, err := a.prompts.PromptVersion(ctx, versionID)
	if err != nil {
		return domain.DisagreementSummary{}, fmt.Errorf("load prompt version %s: %w", versionID, err)
	}
	if version == nil {
		return domain.DisagreementSummary{}, fmt.Errorf("prompt version %s: %w", versionID, domain.ErrNotFound)
	}
	if window <= 0 {
		window = a.cfg.Window
	}

	end := a.now().UTC()
	summary := domain.DisagreementSummary{
		PromptVersionID: versionID,
		WindowStart:     end.Add(-window),
		WindowEnd:       end,
	}

	votes, err := a.votes.VotesByUser(ctx, version.UserID, summary.WindowStart, end)
	if err != nil {
		return domain.DisagreementSummary{}, fmt.Errorf("load votes of %s: %w", version.UserID, err)
	}

	latest := make(map[string]domain.Vote, len(votes))
	for _, v := range votes {
		if prev, ok := latest[v.PaperID]; !ok || v.Seq > prev.Seq {
			latest[v.PaperID] = v
		}
	}

	var relevant []domain.Vote
	for _, v := range latest {
		if v.PromptVersionID == versionID {
			relevant = append(relevant, v)
		}
	}
	sort.Slice(relevant, func(i, j int) bool {
		if !relevant[i].CastAt.Equal(relevant[j].CastAt) {
			return relevant[i].CastAt.After(relevant[j].CastAt)
		}
		return relevant[i].PaperID < relevant[j].PaperID
	})

	ids := make([]string, 0, len(relevant))
	for _, v := range relevant {
		ids = append(ids, v.PaperID)
	}
	results, err := a.results.ResultsForVersion(ctx, versionID, ids)
	if err != nil {
		return domain.DisagreementSummary{}, fmt.Errorf("load results of %s: %w", versionID, err)
	}

	for _, v := range relevant {
		result, ok := results[v.PaperID]
		if !ok {
			summary.UnmatchedVotes++
			continue
		}

		example, err := a.example(ctx, v, result)
		if err != nil {
			return domain.DisagreementSummary{}, err
		}

		summary.TotalVotes++
		if v.Value == domain.VoteRelevant {
			summary.RelevantVotes++
		} else {
			summary.NotRelevantVotes++
		}

		switch {
		case v.Value.Agrees(result.Verdict):
			summary.Agreements++
			summary.Agreed = append(summary.Agreed, example)
		case result.Verdict == domain.VerdictRelevant:
			summary.Disagreements++
			summary.FalsePositives = append(summary.FalsePositives, example)
		default:
			summary.Disagreements++
			summary.FalseNegatives = append(summary.FalseNegatives, example)
		}
	}

	if summary.TotalVotes > 0 {
		summary.DisagreementRate = float64(summary.Disagreements) / float64(summary.TotalVotes)
	}
	summary.InsufficientData = summary.TotalVotes < a.cfg.MinVotes

	a.logger.Debug("aggregated feedback",
		"prompt_version_id", versionID,
		"total", summary.TotalVotes,
		"disagreements", summary.Disagreements,
		"unmatched", summary.UnmatchedVotes)
	return summary, nil
}

func (a *Aggregator) example(ctx context.Context, v domain.Vote, result domain.ClassificationResult) (domain.FeedbackExample, error) {
	example := domain.FeedbackExample{
		PaperID:    v.PaperID,
		Verdict:    result.Verdict,
		Vote:       v.Value,
		Reasoning:  result.Reasoning,
		Confidence: result.Confidence,
		VotedAt:    v.CastAt,
	}
	if a.papers == nil {
		return example, nil
	}
	paper, err := a.papers.PaperByID(ctx, v.PaperID)
	if err != nil {
		return domain.FeedbackExample{}, fmt.Errorf("load paper %s: %w", v.PaperID, err)
	}
	if paper != nil {
		example.Title = paper.Title
		example.Abstract = paper.Abstract
	}
	return example, nil
}
