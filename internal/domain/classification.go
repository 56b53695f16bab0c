package domain

import "time"

// Verdict is the binary outcome of a relevance classification.
type Verdict string

const (
	VerdictRelevant    Verdict = "relevant"
	VerdictNotRelevant Verdict = "not_relevant"
)

// ResultKey identifies one classification pair.
type ResultKey struct {
	PromptVersionID string
	PaperID         string
}

// Classification is what the language model returns for a pair.
type Classification struct {
	Verdict    Verdict
	Confidence float64
	Reasoning  string
	Model      string
}

// ClassificationResult is the persisted, immutable verdict for a pair.
type ClassificationResult struct {
	Key         ResultKey
	Verdict     Verdict
	Confidence  float64
	Reasoning   string
	Summary     string
	Model       string
	EvaluatedAt time.Time
}

// AttemptStatus describes a pair that has no result yet.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptFailed     AttemptStatus = "failed"
)

// ClassificationAttempt tracks leases and classification-failed pairs.
type ClassificationAttempt struct {
	Key           ResultKey
	Status        AttemptStatus
	Failures      int
	LastError     string
	LeasedUntil   time.Time
	NextAttemptAt time.Time
	Alerted       bool
}

// PaperSummary is the prompt-independent summary of a paper.
type PaperSummary struct {
	PaperID   string
	Summary   string
	Model     string
	CreatedAt time.Time
}
