package ports

import (
	"context"
	"time"

	"PaperDigest/internal/domain"
)

// ListingSource pulls the day-scoped listing from upstream providers. Pages are handed to
// emit in listing order as they arrive; an emit error stops the fetch.
type ListingSource interface {
	FetchListing(ctx context.Context, day time.Time, emit func(site string, page []domain.ListingEntry) error) error
}

// PaperRepository owns paper rows.
type PaperRepository interface {
	// InsertPaper inserts the paper unless its id or fingerprint is already stored.
	InsertPaper(ctx context.Context, paper domain.Paper) (bool, error)
	PaperByFingerprint(ctx context.Context, fingerprint string) (*domain.Paper, error)
	PaperByID(ctx context.Context, id string) (*domain.Paper, error)
	MarkRevised(ctx context.Context, id string, at time.Time) (bool, error)
	PapersFirstSeenBetween(ctx context.Context, since, until time.Time) ([]domain.Paper, error)
}

// PromptRepository exposes users and prompt versions maintained by the dashboard.
type PromptRepository interface {
	ActivePromptVersions(ctx context.Context, at time.Time) ([]domain.PromptVersion, error)
	PromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error)
	PromptVersionsForUser(ctx context.Context, userID string, from, to time.Time) ([]domain.PromptVersion, error)
	User(ctx context.Context, id string) (*domain.User, error)
	ActiveUsers(ctx context.Context) ([]domain.User, error)
}

// ClassificationRepository holds results, attempts and per-paper summaries.
type ClassificationRepository interface {
	Result(ctx context.Context, key domain.ResultKey) (*domain.ClassificationResult, error)
	// SaveResult writes the result unless one already exists; false means another writer won.
	SaveResult(ctx context.Context, result domain.ClassificationResult) (bool, error)
	PendingPairs(ctx context.Context, version domain.PromptVersion, since time.Time, now time.Time, limit int) ([]domain.Paper, error)
	ClaimPair(ctx context.Context, key domain.ResultKey, now, leaseUntil time.Time) (bool, error)
	RecordFailure(ctx context.Context, key domain.ResultKey, reason string, now time.Time, next func(failures int) time.Time) (domain.ClassificationAttempt, error)
	MarkAlerted(ctx context.Context, key domain.ResultKey) error
	Summary(ctx context.Context, paperID string) (*domain.PaperSummary, error)
	// SaveSummary keeps the first summary of a paper; false means one was already stored.
	SaveSummary(ctx context.Context, summary domain.PaperSummary) (bool, error)
	RelevantPapersWithoutSummary(ctx context.Context, limit int) ([]domain.Paper, error)
	ResultsForVersion(ctx context.Context, versionID string, paperIDs []string) (map[string]domain.ClassificationResult, error)
}

// VoteRepository stores votes appended by the dashboard.
type VoteRepository interface {
	AppendVote(ctx context.Context, vote domain.Vote) (domain.Vote, error)
	VotesByUser(ctx context.Context, userID string, since, until time.Time) ([]domain.Vote, error)
}

// SuggestionRepository persists advisory output.
type SuggestionRepository interface {
	SaveAdvisoryRun(ctx context.Context, run domain.AdvisoryRun, edits []domain.SuggestedEdit) error
	LatestAdvisoryRun(ctx context.Context, versionID string) (*domain.AdvisoryRun, error)
	LatestSuggestions(ctx context.Context, versionID string) ([]domain.SuggestedEdit, error)
	CountPendingSuggestions(ctx context.Context, versionID string) (int, error)
}

// DeliveryRepository owns delivery batches.
type DeliveryRepository interface {
	Batch(ctx context.Context, userID string, key domain.PeriodKey) (*domain.DeliveryBatch, error)
	BatchByID(ctx context.Context, id string) (*domain.DeliveryBatch, error)
	// CreateBatch selects candidates and inserts the batch atomically; an existing batch
	// for the same user and period is returned unchanged.
	CreateBatch(ctx context.Context, batch domain.DeliveryBatch, versionIDs []string) (domain.DeliveryBatch, error)
	MarkSent(ctx context.Context, batchID string, at time.Time) (bool, error)
}

// RelevanceClassifier asks a language model whether a paper matches a prompt.
type RelevanceClassifier interface {
	Classify(ctx context.Context, prompt string, paper domain.Paper) (domain.Classification, error)
}

// Summarizer produces the prompt-independent paper summary.
type Summarizer interface {
	Summarize(ctx context.Context, paper domain.Paper) (domain.PaperSummary, error)
}

// PromptReviser proposes prompt edits from misclassified examples.
type PromptReviser interface {
	ProposeEdits(ctx context.Context, req domain.RevisionRequest) ([]domain.ProposedEdit, error)
}

// EventPublisher forwards new-paper events; delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.NewPaperEvent) error
}

// Alerter reports operational problems to the on-call channel.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// Scheduler controls when jobs execute.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
