package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/infrastructure/storage"
)

func testClassificationConfig() config.ClassificationConfig {
	return config.ClassificationConfig{
		Concurrency:     4,
		MaxAttempts:     2,
		LeaseDuration:   10 * time.Minute,
		RequeueDelay:    time.Hour,
		MaxRequeueDelay: 3 * time.Hour,
		AlertThreshold:  2,
	}
}

func newTestEngine(store *storage.Store, classifier *fakeClassifier, summarizer *fakeSummarizer, alerter *recordingAlerter, clk *clock, cfg config.ClassificationConfig) *Engine {
	deps := EngineDeps{
		Prompts:    store.Prompts(),
		Results:    store.Classifications(),
		Classifier: classifier,
		Config:     cfg,
		Logger:     discard,
		Now:        clk.Now,
	}
	if summarizer != nil {
		deps.Summarizer = summarizer
	}
	if alerter != nil {
		deps.Alerter = alerter
	}
	return NewEngine(deps)
}

func TestClassifyUsesCachedResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	version := seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	paper := seedPaper(t, store, "2411.00001", t0)

	classifier := &fakeClassifier{relevant: map[string]bool{paper.ID: true}}
	summarizer := &fakeSummarizer{}
	engine := newTestEngine(store, classifier, summarizer, nil, newClock(t0.Add(time.Hour)), testClassificationConfig())

	first, err := engine.Classify(ctx, version, paper)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictRelevant, first.Verdict)
	assert.Equal(t, "Paper Overview\nTitle of 2411.00001", first.Summary)

	second, err := engine.Classify(ctx, version, paper)
	require.NoError(t, err)
	assert.Equal(t, int32(1), classifier.calls.Load())
	assert.Equal(t, int32(1), summarizer.calls.Load())
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Summary, second.Summary)
}

func TestClassifyConcurrentCallersAgree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	version := seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	paper := seedPaper(t, store, "2411.00001", t0)

	engine := newTestEngine(store, &fakeClassifier{delay: 5 * time.Millisecond}, nil, nil, newClock(t0), testClassificationConfig())

	const callers = 8
	results := make([]domain.ClassificationResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Classify(ctx, version, paper)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	stored, err := store.Classifications().Result(ctx, domain.ResultKey{PromptVersionID: "v1", PaperID: paper.ID})
	require.NoError(t, err)
	require.NotNil(t, stored)
	for _, res := range results {
		assert.Equal(t, stored.Verdict, res.Verdict)
		assert.True(t, stored.EvaluatedAt.Equal(res.EvaluatedAt))
	}
}

func TestClassifyRejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	paper := seedPaper(t, store, "2411.00001", t0)
	classifier := &fakeClassifier{}
	engine := newTestEngine(store, classifier, nil, nil, newClock(t0), testClassificationConfig())

	_, err := engine.Classify(context.Background(), domain.PromptVersion{ID: "v-empty"}, paper)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Zero(t, classifier.calls.Load())
}

func TestClassifyPendingClassifiesEachPairOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	seedUser(t, store, domain.User{ID: "u2"})
	seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	seedPromptVersion(t, store, "u2", "v2", "graph learning", t0)
	for i := 1; i <= 6; i++ {
		seedPaper(t, store, fmt.Sprintf("2411.0000%d", i), t0.Add(time.Duration(i)*time.Minute))
	}

	clk := newClock(t0.Add(time.Hour))
	classifier := &fakeClassifier{delay: 2 * time.Millisecond}
	cfg := testClassificationConfig()
	engineA := newTestEngine(store, classifier, nil, nil, clk, cfg)
	engineB := newTestEngine(store, classifier, nil, nil, clk, cfg)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, engine := range []*Engine{engineA, engineB} {
		wg.Add(1)
		go func(i int, engine *Engine) {
			defer wg.Done()
			n, err := engine.ClassifyPending(ctx)
			assert.NoError(t, err)
			counts[i] = n
		}(i, engine)
	}
	wg.Wait()

	assert.Equal(t, int32(12), classifier.calls.Load(), "every pair is billed exactly once")

	again, err := engineA.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Equal(t, int32(12), classifier.calls.Load())
}

func TestClassifyPendingBoundsConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	for i := 0; i < 10; i++ {
		seedPaper(t, store, fmt.Sprintf("2411.1%04d", i), t0.Add(time.Minute))
	}

	cfg := testClassificationConfig()
	cfg.Concurrency = 2
	classifier := &fakeClassifier{delay: 5 * time.Millisecond}
	engine := newTestEngine(store, classifier, nil, nil, newClock(t0.Add(time.Hour)), cfg)

	n, err := engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.LessOrEqual(t, classifier.peak.Load(), int32(2))
}

func TestClassifyPendingRequeuesFailuresAndAlertsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	paper := seedPaper(t, store, "2411.00001", t0.Add(time.Minute))

	clk := newClock(t0.Add(time.Hour))
	classifier := &fakeClassifier{err: fmt.Errorf("%w: 503", domain.ErrTransient)}
	alerter := &recordingAlerter{}
	engine := newTestEngine(store, classifier, nil, alerter, clk, testClassificationConfig())

	n, err := engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(2), classifier.calls.Load(), "retries are bounded by MaxAttempts")
	assert.Zero(t, alerter.count())

	// cooling down: nothing is attempted
	_, err = engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), classifier.calls.Load())

	clk.Advance(time.Hour)
	_, err = engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(4), classifier.calls.Load())
	assert.Equal(t, 1, alerter.count())

	// the second requeue waits twice as long
	clk.Advance(time.Hour)
	_, err = engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(4), classifier.calls.Load())

	clk.Advance(time.Hour)
	_, err = engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(6), classifier.calls.Load())
	assert.Equal(t, 1, alerter.count(), "the alert is raised once per pair")

	// the pair is never skipped for good
	classifier.err = nil
	clk.Advance(3 * time.Hour)
	n, err = engine.ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, err := store.Classifications().Result(ctx, domain.ResultKey{PromptVersionID: "v1", PaperID: paper.ID})
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestClassifyPendingDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	seedPaper(t, store, "2411.00001", t0.Add(time.Minute))

	classifier := &fakeClassifier{err: errBroken}
	engine := newTestEngine(store, classifier, nil, nil, newClock(t0.Add(time.Hour)), testClassificationConfig())

	_, err := engine.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), classifier.calls.Load())
}

func TestClassifyPendingHonoursBackfill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	seedPaper(t, store, "2411.00001", t0.Add(-24*time.Hour))
	seedPaper(t, store, "2411.00002", t0.Add(time.Minute))

	classifier := &fakeClassifier{}
	clk := newClock(t0.Add(time.Hour))
	n, err := newTestEngine(store, classifier, nil, nil, clk, testClassificationConfig()).ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "papers older than the version are not classified by default")

	cfg := testClassificationConfig()
	cfg.Backfill = 48 * time.Hour
	n, err = newTestEngine(store, classifier, nil, nil, clk, cfg).ClassifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummaryFailureKeepsVerdict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	version := seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	paper := seedPaper(t, store, "2411.00001", t0)
	notRelevant := seedPaper(t, store, "2411.00002", t0)

	classifier := &fakeClassifier{relevant: map[string]bool{paper.ID: true}}
	broken := &fakeSummarizer{err: fmt.Errorf("%w: timeout", domain.ErrTransient)}
	clk := newClock(t0.Add(time.Hour))
	engine := newTestEngine(store, classifier, broken, nil, clk, testClassificationConfig())

	result, err := engine.Classify(ctx, version, paper)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictRelevant, result.Verdict)
	assert.Empty(t, result.Summary)

	_, err = engine.Classify(ctx, version, notRelevant)
	require.NoError(t, err)
	assert.Equal(t, int32(2), broken.calls.Load(), "only the relevant paper is summarized")

	working := &fakeSummarizer{}
	n, err := newTestEngine(store, classifier, working, nil, clk, testClassificationConfig()).SummarizePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.Classifications().Result(ctx, result.Key)
	require.NoError(t, err)
	assert.Equal(t, "Paper Overview\nTitle of 2411.00001", stored.Summary)
	assert.Equal(t, domain.VerdictRelevant, stored.Verdict)
}

func TestRequeueDelayIsCapped(t *testing.T) {
	t.Parallel()

	engine := NewEngine(EngineDeps{Config: config.ClassificationConfig{RequeueDelay: time.Hour, MaxRequeueDelay: 5 * time.Hour}, Logger: discard})
	assert.Equal(t, time.Hour, engine.requeueDelay(1))
	assert.Equal(t, 2*time.Hour, engine.requeueDelay(2))
	assert.Equal(t, 4*time.Hour, engine.requeueDelay(3))
	assert.Equal(t, 5*time.Hour, engine.requeueDelay(4))
	assert.Equal(t, 5*time.Hour, engine.requeueDelay(40))
}

func TestSummaryIsSharedAcrossPromptVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	seedUser(t, store, domain.User{ID: "u2"})
	first := seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	second := seedPromptVersion(t, store, "u2", "v2", "sparse attention", t0)
	paper := seedPaper(t, store, "2411.00001", t0)

	classifier := &fakeClassifier{relevant: map[string]bool{paper.ID: true}}
	summarizer := &fakeSummarizer{}
	engine := newTestEngine(store, classifier, summarizer, nil, newClock(t0.Add(time.Hour)), testClassificationConfig())

	a, err := engine.Classify(ctx, first, paper)
	require.NoError(t, err)
	b, err := engine.Classify(ctx, second, paper)
	require.NoError(t, err)

	assert.Equal(t, int32(2), classifier.calls.Load())
	assert.Equal(t, int32(1), summarizer.calls.Load(), "the summary is per paper")
	assert.Equal(t, "Paper Overview\nTitle of 2411.00001", a.Summary)
	assert.Equal(t, a.Summary, b.Summary)
}

func TestClassifyReturnsStoredSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedUser(t, store, domain.User{ID: "u1"})
	version := seedPromptVersion(t, store, "u1", "v1", "efficient transformers", t0)
	paper := seedPaper(t, store, "2411.00001", t0)
	_, err := store.Classifications().SaveSummary(ctx, domain.PaperSummary{PaperID: paper.ID, Summary: "earlier review", Model: "m", CreatedAt: t0})
	require.NoError(t, err)

	summarizer := &fakeSummarizer{}
	engine := newTestEngine(store, &fakeClassifier{relevant: map[string]bool{paper.ID: true}}, summarizer, nil, newClock(t0.Add(time.Hour)), testClassificationConfig())

	result, err := engine.Classify(ctx, version, paper)
	require.NoError(t, err)
	assert.Equal(t, "earlier review", result.Summary)
	assert.Zero(t, summarizer.calls.Load())
}
