package domain

import (
	"fmt"
	"strings"
	"time"
)

// VoteValue is the user's judgement of a delivered paper.
type VoteValue string

const (
	VoteRelevant    VoteValue = "relevant"
	VoteNotRelevant VoteValue = "not_relevant"
)

// ParseVoteValue accepts the canonical values plus the dashboard's up/down aliases.
func ParseVoteValue(raw string) (VoteValue, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "relevant", "up":
		return VoteRelevant, nil
	case "not_relevant", "not-relevant", "down":
		return VoteNotRelevant, nil
	default:
		return "", fmt.Errorf("%w: unknown vote value %q", ErrConfiguration, raw)
	}
}

// Agrees reports whether the vote matches the verdict.
func (v VoteValue) Agrees(verdict Verdict) bool {
	return (v == VoteRelevant && verdict == VerdictRelevant) ||
		(v == VoteNotRelevant && verdict == VerdictNotRelevant)
}

// Vote is appended by the dashboard; later votes on the same paper supersede earlier ones.
type Vote struct {
	Seq             int64
	UserID          string
	PaperID         string
	PromptVersionID string
	Value           VoteValue
	CastAt          time.Time
}

// FeedbackExample is a voted paper together with the model's verdict.
type FeedbackExample struct {
	PaperID    string
	Title      string
	Abstract   string
	Verdict    Verdict
	Vote       VoteValue
	Reasoning  string
	Confidence float64
	VotedAt    time.Time
}

// DisagreementSummary is the read-side aggregation of votes for one prompt version.
type DisagreementSummary struct {
	PromptVersionID  string
	WindowStart      time.Time
	WindowEnd        time.Time
	TotalVotes       int
	Agreements       int
	Disagreements    int
	DisagreementRate float64
	RelevantVotes    int
	NotRelevantVotes int
	UnmatchedVotes   int
	FalsePositives   []FeedbackExample
	FalseNegatives   []FeedbackExample
	Agreed           []FeedbackExample
	InsufficientData bool
}

// EditKind classifies a suggested prompt change.
type EditKind string

const (
	EditInclude EditKind = "include"
	EditExclude EditKind = "exclude"
	EditNuance  EditKind = "nuance"
)

// SuggestionStatus tracks what the user did with a suggestion.
type SuggestionStatus string

const SuggestionPending SuggestionStatus = "pending"

// SuggestedEdit is advisory prompt text; applying it is a user action.
type SuggestedEdit struct {
	ID              string
	PromptVersionID string
	RunID           string
	Kind            EditKind
	Pattern         string
	Evidence        string
	Confidence      float64
	SuggestedText   string
	ExamplePaperIDs []string
	Status          SuggestionStatus
	CreatedAt       time.Time
}

// RevisionRequest is the input of the prompt-revision model call.
type RevisionRequest struct {
	PromptBody     string
	FalsePositives []FeedbackExample
	FalseNegatives []FeedbackExample
	Agreed         []FeedbackExample
}

// ProposedEdit is one edit as returned by the model, before it is stored.
type ProposedEdit struct {
	Kind          EditKind
	Pattern       string
	Evidence      string
	Confidence    float64
	SuggestedText string
	ExampleIDs    []string
}

// AdvisoryOutcome records how an advisory run ended.
type AdvisoryOutcome string

const (
	AdvisorySuggested  AdvisoryOutcome = "suggested"
	AdvisoryNoPatterns AdvisoryOutcome = "no_patterns"
	AdvisoryFailed     AdvisoryOutcome = "failed"
)

// AdvisoryRun is the bookkeeping row for one advisor invocation.
type AdvisoryRun struct {
	ID              string
	PromptVersionID string
	RanAt           time.Time
	Outcome         AdvisoryOutcome
	NextEligibleAt  time.Time
}
