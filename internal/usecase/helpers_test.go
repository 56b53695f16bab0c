package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/infrastructure/storage"
)

var (
	t0        = time.Date(2025, time.November, 10, 9, 0, 0, 0, time.UTC) // a Monday
	discard   = slog.New(slog.DiscardHandler)
	errBroken = errors.New("model refused")
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "digest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

// clock is a settable time source shared by the components of one test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seedUser(t *testing.T, store *storage.Store, user domain.User) {
	t.Helper()
	if user.Email == "" {
		user.Email = user.ID + "@example.org"
	}
	if user.Cadence == "" {
		user.Cadence = domain.CadenceDaily
	}
	user.Active = true
	require.NoError(t, store.Prompts().SaveUser(context.Background(), user))
}

func seedPromptVersion(t *testing.T, store *storage.Store, userID, versionID, body string, from time.Time) domain.PromptVersion {
	t.Helper()
	version := domain.PromptVersion{
		ID: versionID, PromptID: "prompt-" + userID, UserID: userID, Version: 1, Body: body, ActiveFrom: from,
	}
	require.NoError(t, store.Prompts().SavePromptVersion(context.Background(), version))
	return version
}

func seedPaper(t *testing.T, store *storage.Store, id string, seen time.Time) domain.Paper {
	t.Helper()
	paper := domain.Paper{
		ID:          id,
		Title:       "Title of " + id,
		Abstract:    "We study " + id + " in detail.",
		Authors:     []string{"Ann One"},
		Link:        "https://arxiv.org/abs/" + id,
		Source:      "arxiv/cs.LG",
		Fingerprint: "fp-" + id,
		FirstSeenAt: seen,
	}
	inserted, err := store.Papers().InsertPaper(context.Background(), paper)
	require.NoError(t, err)
	require.True(t, inserted)
	return paper
}

func seedResult(t *testing.T, store *storage.Store, versionID, paperID string, verdict domain.Verdict, confidence float64, at time.Time) {
	t.Helper()
	_, err := store.Classifications().SaveResult(context.Background(), domain.ClassificationResult{
		Key:         domain.ResultKey{PromptVersionID: versionID, PaperID: paperID},
		Verdict:     verdict,
		Confidence:  confidence,
		Reasoning:   "because " + paperID,
		Model:       "test-model",
		EvaluatedAt: at,
	})
	require.NoError(t, err)
}

// fakeSource replays scripted pages per call.
type fakeSource struct {
	mu    sync.Mutex
	calls int
	pages func(call int) ([][]domain.ListingEntry, error)
}

func (s *fakeSource) FetchListing(_ context.Context, _ time.Time, emit func(string, []domain.ListingEntry) error) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	pages, err := s.pages(call)
	for _, page := range pages {
		if emitErr := emit("arxiv", page); emitErr != nil {
			return emitErr
		}
	}
	return err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.NewPaperEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events []domain.NewPaperEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

// fakeClassifier answers relevant for every paper listed in relevant.
type fakeClassifier struct {
	calls    atomic.Int32
	active   atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	relevant map[string]bool
	err      error
}

func (c *fakeClassifier) Classify(ctx context.Context, prompt string, paper domain.Paper) (domain.Classification, error) {
	c.calls.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		old := c.peak.Load()
		if n <= old || c.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return domain.Classification{}, ctx.Err()
		}
	}
	if c.err != nil {
		return domain.Classification{}, c.err
	}
	verdict := domain.VerdictNotRelevant
	if c.relevant[paper.ID] {
		verdict = domain.VerdictRelevant
	}
	return domain.Classification{Verdict: verdict, Confidence: 0.8, Reasoning: "prompt " + prompt, Model: "fake"}, nil
}

type fakeSummarizer struct {
	calls atomic.Int32
	err   error
}

func (s *fakeSummarizer) Summarize(_ context.Context, paper domain.Paper) (domain.PaperSummary, error) {
	s.calls.Add(1)
	if s.err != nil {
		return domain.PaperSummary{}, s.err
	}
	return domain.PaperSummary{PaperID: paper.ID, Summary: "Paper Overview\n" + paper.Title, Model: "fake"}, nil
}

type recordingAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAlerter) Alert(_ context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

type fakeReviser struct {
	calls    int
	requests []domain.RevisionRequest
	edits    []domain.ProposedEdit
	err      error
}

func (r *fakeReviser) ProposeEdits(_ context.Context, req domain.RevisionRequest) ([]domain.ProposedEdit, error) {
	r.calls++
	r.requests = append(r.requests, req)
	return r.edits, r.err
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int32
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}
