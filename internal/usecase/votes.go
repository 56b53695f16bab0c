package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

// VoteIntakeDeps wires the vote intake.
type VoteIntakeDeps struct {
	Prompts ports.PromptRepository
	Papers  ports.PaperRepository
	Votes   ports.VoteRepository
	Logger  *slog.Logger
	Now     func() time.Time
}

// VoteIntake appends dashboard votes after checking they reference known records.
type VoteIntake struct {
	prompts ports.PromptRepository
	papers  ports.PaperRepository
	votes   ports.VoteRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewVoteIntake(deps VoteIntakeDeps) *VoteIntake {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &VoteIntake{
		prompts: deps.Prompts,
		papers:  deps.Papers,
		votes:   deps.Votes,
		logger:  logger.With("component", "votes"),
		now:     now,
	}
}

// Record stores the vote. The prompt version must belong to the voter. CastAt is always
// the intake time so that a later vote never carries an earlier timestamp.
func (v *VoteIntake) Record(ctx context.Context, vote domain.Vote) (domain.Vote, error) {
	if vote.UserID == "" || vote.PaperID == "" || vote.PromptVersionID == "" {
		return domain.Vote{}, fmt.Errorf("%w: user_id, paper_id and prompt_version_id are required", domain.ErrConfiguration)
	}

	version, err := v.prompts.PromptVersion(ctx, vote.PromptVersionID)
	if err != nil {
		return domain.Vote{}, fmt.Errorf("load prompt version %s: %w", vote.PromptVersionID, err)
	}
	if version == nil {
		return domain.Vote{}, fmt.Errorf("prompt version %s: %w", vote.PromptVersionID, domain.ErrNotFound)
	}
	if version.UserID != vote.UserID {
		return domain.Vote{}, fmt.Errorf("%w: prompt version %s does not belong to %s", domain.ErrConfiguration, version.ID, vote.UserID)
	}

	paper, err := v.papers.PaperByID(ctx, vote.PaperID)
	if err != nil {
		return domain.Vote{}, fmt.Errorf("load paper %s: %w", vote.PaperID, err)
	}
	if paper == nil {
		return domain.Vote{}, fmt.Errorf("paper %s: %w", vote.PaperID, domain.ErrNotFound)
	}

	vote.CastAt = v.now().UTC()
	stored, err := v.votes.AppendVote(ctx, vote)
	if err != nil {
		return domain.Vote{}, fmt.Errorf("append vote: %w", err)
	}
	v.logger.Debug("vote recorded", "user_id", stored.UserID, "paper_id", stored.PaperID,
		"prompt_version_id", stored.PromptVersionID, "vote", stored.Value)
	return stored, nil
}
