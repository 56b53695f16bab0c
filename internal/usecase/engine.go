package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/metrics"
	"PaperDigest/internal/ports"
	"PaperDigest/internal/retry"
)

// EngineDeps wires the classification engine.
type EngineDeps struct {
	Prompts    ports.PromptRepository
	Results    ports.ClassificationRepository
	Classifier ports.RelevanceClassifier
	Summarizer ports.Summarizer
	Alerter    ports.Alerter
	Config     config.ClassificationConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine classifies (prompt version, paper) pairs exactly once each.
type Engine struct {
	prompts    ports.PromptRepository
	results    ports.ClassificationRepository
	classifier ports.RelevanceClassifier
	summarizer ports.Summarizer
	alerter    ports.Alerter
	cfg        config.ClassificationConfig
	logger     *slog.Logger
	now        func() time.Time

	// sem and limiter are shared by every model call the engine makes
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	retrier *retry.Retrier
}

// NewEngine constructs the classification component.
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	cfg := deps.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 10 * time.Minute
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 15 * time.Minute
	}
	if cfg.MaxRequeueDelay < cfg.RequeueDelay {
		cfg.MaxRequeueDelay = cfg.RequeueDelay
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 3
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}

	return &Engine{
		prompts:    deps.Prompts,
		results:    deps.Results,
		classifier: deps.Classifier,
		summarizer: deps.Summarizer,
		alerter:    deps.Alerter,
		cfg:        cfg,
		logger:     logger,
		now:        now,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:    rate.NewLimiter(limit, cfg.Concurrency),
		retrier: retry.New(retry.Config{
			MaxAttempts:  cfg.MaxAttempts,
			BaseDelay:    cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			JitterFactor: 0.2,
		}, domain.IsRetryable, logger),
	}
}

// Classify returns the stored result for the pair or produces it with one model call
// sequence. Concurrent callers may both reach the model, but only the first write is
// kept and everybody returns it.
func (e *Engine) Classify(ctx context.Context, version domain.PromptVersion, paper domain.Paper) (domain.ClassificationResult, error) {
	key := domain.ResultKey{PromptVersionID: version.ID, PaperID: paper.ID}

	cached, err := e.results.Result(ctx, key)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("load result %s/%s: %w", key.PromptVersionID, key.PaperID, err)
	}
	if cached != nil {
		return *cached, nil
	}

	if strings.TrimSpace(version.Body) == "" {
		return domain.ClassificationResult{}, fmt.Errorf("%w: prompt version %s has no body", domain.ErrConfiguration, version.ID)
	}
	if e.classifier == nil {
		return domain.ClassificationResult{}, fmt.Errorf("%w: no classifier configured", domain.ErrConfiguration)
	}

	var verdict domain.Classification
	err = e.call(ctx, "classify", func(ctx context.Context) error {
		var callErr error
		verdict, callErr = e.classifier.Classify(ctx, version.Body, paper)
		return callErr
	})
	if err != nil {
		return domain.ClassificationResult{}, err
	}

	result := domain.ClassificationResult{
		Key:         key,
		Verdict:     verdict.Verdict,
		Confidence:  verdict.Confidence,
		Reasoning:   verdict.Reasoning,
		Model:       verdict.Model,
		EvaluatedAt: e.now().UTC(),
	}
	inserted, err := e.results.SaveResult(ctx, result)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("save result %s/%s: %w", key.PromptVersionID, key.PaperID, err)
	}
	if !inserted {
		stored, err := e.results.Result(ctx, key)
		if err != nil {
			return domain.ClassificationResult{}, fmt.Errorf("load winning result %s/%s: %w", key.PromptVersionID, key.PaperID, err)
		}
		if stored == nil {
			return domain.ClassificationResult{}, fmt.Errorf("result %s/%s vanished: %w", key.PromptVersionID, key.PaperID, domain.ErrNotFound)
		}
		e.logger.Debug("discarding verdict of lost race", "prompt_version_id", key.PromptVersionID, "paper_id", key.PaperID)
		return *stored, nil
	}
	metrics.ClassificationsStored.WithLabelValues(string(result.Verdict)).Inc()

	if result.Verdict == domain.VerdictRelevant || e.cfg.SummarizeAll {
		summary, err := e.ensureSummary(ctx, paper)
		if err != nil {
			e.logger.Warn("summary failed, verdict kept", "paper_id", paper.ID, "error", err)
		} else {
			result.Summary = summary
		}
	}
	return result, nil
}

// ClassifyPending works through every active prompt version's unclassified papers and
// reports how many results were written. Individual pair failures are recorded and
// requeued; only cancellation or store failures end the run early.
func (e *Engine) ClassifyPending(ctx context.Context) (int, error) {
	now := e.now().UTC()
	versions, err := e.prompts.ActivePromptVersions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load active prompt versions: %w", err)
	}

	var classified atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, version := range versions {
		if strings.TrimSpace(version.Body) == "" {
			e.logger.Warn("skipping prompt version without body", "prompt_version_id", version.ID, "user_id", version.UserID)
			continue
		}

		since := version.ActiveFrom.Add(-e.cfg.Backfill)
		papers, err := e.results.PendingPairs(gctx, version, since, now, e.cfg.BatchSize)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			e.logger.Error("list pending pairs failed", "prompt_version_id", version.ID, "error", err)
			continue
		}

		for _, paper := range papers {
			g.Go(func() error {
				done, err := e.classifyClaimed(gctx, version, paper)
				if done {
					classified.Add(1)
				}
				return err
			})
		}
	}

	err = g.Wait()
	count := int(classified.Load())
	e.logger.Info("classification run finished", "versions", len(versions), "classified", count, "error", err)
	if err == nil {
		err = ctx.Err()
	}
	return count, err
}

// classifyClaimed leases the pair, classifies it and books the outcome. The returned
// error is reserved for cancellation.
func (e *Engine) classifyClaimed(ctx context.Context, version domain.PromptVersion, paper domain.Paper) (bool, error) {
	key := domain.ResultKey{PromptVersionID: version.ID, PaperID: paper.ID}
	now := e.now().UTC()

	claimed, err := e.results.ClaimPair(ctx, key, now, now.Add(e.cfg.LeaseDuration))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.logger.Error("claim failed", "prompt_version_id", key.PromptVersionID, "paper_id", key.PaperID, "error", err)
		return false, nil
	}
	if !claimed {
		return false, nil
	}

	if _, err := e.Classify(ctx, version, paper); err != nil {
		if ctx.Err() != nil {
			// the lease expires and the next run picks the pair up
			return false, ctx.Err()
		}
		e.recordFailure(ctx, key, err)
		return false, nil
	}
	return true, nil
}

func (e *Engine) recordFailure(ctx context.Context, key domain.ResultKey, cause error) {
	now := e.now().UTC()
	attempt, err := e.results.RecordFailure(ctx, key, cause.Error(), now, func(failures int) time.Time {
		return now.Add(e.requeueDelay(failures))
	})
	if err != nil {
		e.logger.Error("record classification failure", "prompt_version_id", key.PromptVersionID, "paper_id", key.PaperID, "error", err)
		return
	}
	metrics.ClassificationFailures.Inc()

	level := slog.LevelWarn
	if errors.Is(cause, domain.ErrConfiguration) {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "classification failed",
		"prompt_version_id", key.PromptVersionID,
		"paper_id", key.PaperID,
		"failures", attempt.Failures,
		"next_attempt_at", attempt.NextAttemptAt,
		"error", cause)

	if attempt.Failures < e.cfg.AlertThreshold || attempt.Alerted || e.alerter == nil {
		return
	}
	message := fmt.Sprintf("classification of paper %s for prompt version %s failed %d times: %v",
		key.PaperID, key.PromptVersionID, attempt.Failures, cause)
	if err := e.alerter.Alert(ctx, message); err != nil {
		e.logger.Error("raise alert", "paper_id", key.PaperID, "error", err)
		return
	}
	if err := e.results.MarkAlerted(ctx, key); err != nil {
		e.logger.Error("mark alerted", "paper_id", key.PaperID, "error", err)
	}
}

// requeueDelay doubles per failed cycle up to the configured cap.
func (e *Engine) requeueDelay(failures int) time.Duration {
	delay := e.cfg.RequeueDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= e.cfg.MaxRequeueDelay {
			return e.cfg.MaxRequeueDelay
		}
	}
	return delay
}

// SummarizePending backfills summaries of relevant papers whose summary stage failed earlier.
func (e *Engine) SummarizePending(ctx context.Context) (int, error) {
	if e.summarizer == nil {
		return 0, nil
	}
	papers, err := e.results.RelevantPapersWithoutSummary(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list papers without summary: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, paper := range papers {
		g.Go(func() error {
			if _, err := e.ensureSummary(gctx, paper); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("summary backfill failed", "paper_id", paper.ID, "error", err)
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(done.Load()), err
}

func (e *Engine) ensureSummary(ctx context.Context, paper domain.Paper) (string, error) {
	existing, err := e.results.Summary(ctx, paper.ID)
	if err != nil {
		return "", fmt.Errorf("load summary %s: %w", paper.ID, err)
	}
	if existing != nil {
		return existing.Summary, nil
	}
	if e.summarizer == nil {
		return "", nil
	}

	var summary domain.PaperSummary
	err = e.call(ctx, "summarize", func(ctx context.Context) error {
		var callErr error
		summary, callErr = e.summarizer.Summarize(ctx, paper)
		return callErr
	})
	if err != nil {
		return "", err
	}
	summary.PaperID = paper.ID
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = e.now().UTC()
	}
	inserted, err := e.results.SaveSummary(ctx, summary)
	if err != nil {
		return "", fmt.Errorf("save summary %s: %w", paper.ID, err)
	}
	if !inserted {
		stored, err := e.results.Summary(ctx, paper.ID)
		if err != nil {
			return "", fmt.Errorf("load winning summary %s: %w", paper.ID, err)
		}
		if stored != nil {
			return stored.Summary, nil
		}
	}
	return summary.Summary, nil
}

// call runs one external operation with retries, holding a semaphore slot and a rate
// token per attempt.
func (e *Engine) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.sem.Release(1)
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
	metrics.RecordModelCall(operation, err, time.Since(started).Seconds())
	return err
}
