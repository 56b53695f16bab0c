package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/metrics"
	"PaperDigest/internal/ports"
	"PaperDigest/internal/retry"
)

// AdvisorDeps wires the prompt refinement advisor.
type AdvisorDeps struct {
	Prompts     ports.PromptRepository
	Suggestions ports.SuggestionRepository
	Reviser     ports.PromptReviser
	Aggregator  *Aggregator
	Config      config.FeedbackConfig
	Retry       retry.Config
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

// Advisor turns disagreement summaries into advisory prompt edits. It never writes
// prompt versions; applying a suggestion is a user action.
type Advisor struct {
	prompts     ports.PromptRepository
	suggestions ports.SuggestionRepository
	reviser     ports.PromptReviser
	aggregator  *Aggregator
	cfg         config.FeedbackConfig
	retrier     *retry.Retrier
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// AdvisoryStats reports what a sweep did.
type AdvisoryStats struct {
	Considered int
	Skipped    int
	Suggested  int
	NoPatterns int
	Failed     int
	Edits      int
}

func NewAdvisor(deps AdvisorDeps) *Advisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "advisor")
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Advisor{
		prompts:     deps.Prompts,
		suggestions: deps.Suggestions,
		reviser:     deps.Reviser,
		aggregator:  deps.Aggregator,
		cfg:         deps.Config,
		retrier:     retry.New(deps.Retry, domain.IsRetryable, logger),
		logger:      logger,
		now:         now,
		newID:       newID,
	}
}

// Suggest asks the model for edits explaining the misclassifications in summary and keeps
// those above the confidence threshold. Nothing is stored.
func (a *Advisor) Suggest(ctx context.Context, version domain.PromptVersion, summary domain.DisagreementSummary) ([]domain.SuggestedEdit, error) {
	if a.reviser == nil {
		return nil, fmt.Errorf("%w: no prompt reviser configured", domain.ErrConfiguration)
	}

	fps, fns, presented := selectMisclassified(summary.FalsePositives, summary.FalseNegatives, a.cfg.MaxExamples)
	guards := summary.Agreed
	if len(guards) > a.cfg.MaxGuardExamples {
		guards = guards[:a.cfg.MaxGuardExamples]
	}
	if len(fps)+len(fns) == 0 {
		return nil, nil
	}

	req := domain.RevisionRequest{
		PromptBody:     version.Body,
		FalsePositives: fps,
		FalseNegatives: fns,
		Agreed:         guards,
	}

	var proposals []domain.ProposedEdit
	started := time.Now()
	err := a.retrier.Do(ctx, func(ctx context.Context) error {
		var callErr error
		proposals, callErr = a.reviser.ProposeEdits(ctx, req)
		return callErr
	})
	metrics.RecordModelCall("propose_edits", err, time.Since(started).Seconds())
	if err != nil {
		return nil, fmt.Errorf("propose edits for %s: %w", version.ID, err)
	}

	now := a.now().UTC()
	var edits []domain.SuggestedEdit
	for _, p := range proposals {
		if p.Confidence <= a.cfg.ConfidenceThreshold {
			continue
		}
		ids := p.ExampleIDs
		if len(ids) == 0 {
			// an edit without citations is derived from everything it was shown
			ids = presented
		}
		edits = append(edits, domain.SuggestedEdit{
			ID:              a.newID(),
			PromptVersionID: version.ID,
			Kind:            p.Kind,
			Pattern:         p.Pattern,
			Evidence:        p.Evidence,
			Confidence:      p.Confidence,
			SuggestedText:   p.SuggestedText,
			ExamplePaperIDs: ids,
			Status:          domain.SuggestionPending,
			CreatedAt:       now,
		})
	}
	return edits, nil
}

// selectMisclassified keeps the max most recent disagreements across both kinds and
// also returns their paper ids, most recent first.
func selectMisclassified(fps, fns []domain.FeedbackExample, max int) ([]domain.FeedbackExample, []domain.FeedbackExample, []string) {
	all := make([]domain.FeedbackExample, 0, len(fps)+len(fns))
	all = append(all, fps...)
	all = append(all, fns...)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].VotedAt.Equal(all[j].VotedAt) {
			return all[i].VotedAt.After(all[j].VotedAt)
		}
		return all[i].PaperID < all[j].PaperID
	})
	if max > 0 && len(all) > max {
		all = all[:max]
	}

	var keptFP, keptFN []domain.FeedbackExample
	ids := make([]string, 0, len(all))
	for _, ex := range all {
		ids = append(ids, ex.PaperID)
		if ex.Verdict == domain.VerdictRelevant {
			keptFP = append(keptFP, ex)
		} else {
			keptFN = append(keptFN, ex)
		}
	}
	return keptFP, keptFN, ids
}

// Sweep runs the advisor for every active prompt version that is eligible.
func (a *Advisor) Sweep(ctx context.Context) (AdvisoryStats, error) {
	var stats AdvisoryStats
	now := a.now().UTC()

	versions, err := a.prompts.ActivePromptVersions(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("load active prompt versions: %w", err)
	}

	for _, version := range versions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Considered++

		outcome, edits, err := a.advise(ctx, version, now)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			a.logger.Error("advisory run failed", "prompt_version_id", version.ID, "error", err)
		}

		switch outcome {
		case domain.AdvisorySuggested:
			stats.Suggested++
			stats.Edits += edits
		case domain.AdvisoryNoPatterns:
			stats.NoPatterns++
		case domain.AdvisoryFailed:
			stats.Failed++
		default:
			stats.Skipped++
		}
	}

	a.logger.Info("advisory sweep finished",
		"considered", stats.Considered,
		"suggested", stats.Suggested,
		"no_patterns", stats.NoPatterns,
		"failed", stats.Failed,
		"skipped", stats.Skipped)
	return stats, nil
}

// advise returns an empty outcome when the version was skipped.
func (a *Advisor) advise(ctx context.Context, version domain.PromptVersion, now time.Time) (domain.AdvisoryOutcome, int, error) {
	log := a.logger.With("prompt_version_id", version.ID)

	last, err := a.suggestions.LatestAdvisoryRun(ctx, version.ID)
	if err != nil {
		return "", 0, err
	}
	if last != nil && now.Before(last.NextEligibleAt) {
		log.Debug("advisor cooling down", "next_eligible_at", last.NextEligibleAt)
		return "", 0, nil
	}

	pending, err := a.suggestions.CountPendingSuggestions(ctx, version.ID)
	if err != nil {
		return "", 0, err
	}
	if pending > 0 {
		log.Debug("pending suggestions await the user", "pending", pending)
		return "", 0, nil
	}

	summary, err := a.aggregator.Aggregate(ctx, version.ID, a.cfg.Window)
	if err != nil {
		return "", 0, err
	}
	if summary.InsufficientData ||
		summary.RelevantVotes < a.cfg.MinRelevantVotes ||
		summary.NotRelevantVotes < a.cfg.MinNotRelevantVotes {
		log.Debug("not enough feedback",
			"total", summary.TotalVotes,
			"relevant", summary.RelevantVotes,
			"not_relevant", summary.NotRelevantVotes)
		return "", 0, nil
	}
	if summary.Disagreements == 0 {
		return "", 0, nil
	}

	run := domain.AdvisoryRun{ID: a.newID(), PromptVersionID: version.ID, RanAt: now}
	edits, suggestErr := a.Suggest(ctx, version, summary)
	switch {
	case suggestErr != nil:
		if ctx.Err() != nil {
			return "", 0, suggestErr
		}
		run.Outcome = domain.AdvisoryFailed
		run.NextEligibleAt = now.Add(a.cfg.FailureCooldown)
		edits = nil
	case len(edits) == 0:
		run.Outcome = domain.AdvisoryNoPatterns
		run.NextEligibleAt = now.Add(a.cfg.Cooldown)
	default:
		run.Outcome = domain.AdvisorySuggested
		run.NextEligibleAt = now.Add(a.cfg.Cooldown)
	}
	for i := range edits {
		edits[i].RunID = run.ID
	}

	if err := a.suggestions.SaveAdvisoryRun(ctx, run, edits); err != nil {
		return "", 0, fmt.Errorf("save advisory run: %w", err)
	}
	metrics.SuggestionsProduced.Add(float64(len(edits)))
	log.Info("advisory run stored", "outcome", run.Outcome, "edits", len(edits), "error", suggestErr)
	return run.Outcome, len(edits), suggestErr
}

// LatestSuggestions returns the edits of the version's most recent productive run.
func (a *Advisor) LatestSuggestions(ctx context.Context, versionID string) ([]domain.SuggestedEdit, error) {
	version, err := a.prompts.PromptVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load prompt version %s: %w", versionID, err)
	}
	if version == nil {
		return nil, fmt.Errorf("prompt version %s: %w", versionID, domain.ErrNotFound)
	}
	edits, err := a.suggestions.LatestSuggestions(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load suggestions of %s: %w", versionID, err)
	}
	return edits, nil
}
