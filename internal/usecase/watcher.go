package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/fingerprint"
	"PaperDigest/internal/metrics"
	"PaperDigest/internal/ports"
)

// WatcherDeps wires the adapters the ingestion watcher drives.
type WatcherDeps struct {
	Source    ports.ListingSource
	Papers    ports.PaperRepository
	Publisher ports.EventPublisher
	Config    config.IngestionConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// Watcher turns day listings into deduplicated papers and new-paper events.
type Watcher struct {
	source    ports.ListingSource
	papers    ports.PaperRepository
	publisher ports.EventPublisher
	cfg       config.IngestionConfig
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// PollStats counts what a poll did with the entries it saw.
type PollStats struct {
	Inserted  int
	Duplicate int
	Revised   int
	Unchanged int
	Skipped   int
}

func (s PollStats) kept() int {
	return s.Inserted + s.Revised
}

// NewWatcher constructs the ingestion component.
func NewWatcher(deps WatcherDeps) *Watcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.RevisionSimilarity <= 0 {
		cfg.RevisionSimilarity = 0.9
	}
	if cfg.RevisionGrowth <= 0 {
		cfg.RevisionGrowth = 0.1
	}
	return &Watcher{
		source:    deps.Source,
		papers:    deps.Papers,
		publisher: deps.Publisher,
		cfg:       cfg,
		logger:    logger.With("component", "watcher"),
		now:       now,
		sleep:     sleepContext,
	}
}

// Poll fetches the listing of day and stores every new entry page by page. Pages stored
// before a failure stay stored; the returned events cover them even when err is non-nil.
func (w *Watcher) Poll(ctx context.Context, day time.Time) ([]domain.NewPaperEvent, error) {
	if w.source == nil || w.papers == nil {
		return nil, fmt.Errorf("%w: watcher is missing its source or paper store", domain.ErrConfiguration)
	}

	var (
		events []domain.NewPaperEvent
		stats  PollStats
	)
	err := w.source.FetchListing(ctx, day, func(_ string, page []domain.ListingEntry) error {
		pageEvents, revisions, err := w.storePage(ctx, page, &stats)
		if err != nil {
			return err
		}
		w.publish(ctx, append(pageEvents, revisions...))
		events = append(events, pageEvents...)
		return nil
	})

	w.logger.Info("poll finished",
		"day", day.Format("2006-01-02"),
		"inserted", stats.Inserted,
		"duplicate", stats.Duplicate,
		"revised", stats.Revised,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"error", err)

	if err != nil {
		return events, fmt.Errorf("poll %s: kept %d papers: %w", day.Format("2006-01-02"), stats.kept(), err)
	}
	return events, nil
}

// Watch re-polls day several times so that late arrivals of a partial listing are picked up.
func (w *Watcher) Watch(ctx context.Context, day time.Time) ([]domain.NewPaperEvent, error) {
	rounds := w.cfg.RepollCount
	if rounds <= 0 {
		rounds = 1
	}

	var (
		events []domain.NewPaperEvent
		errs   []error
	)
	for round := 1; round <= rounds; round++ {
		got, err := w.Poll(ctx, day)
		events = append(events, got...)
		if err != nil {
			if ctx.Err() != nil {
				return events, err
			}
			errs = append(errs, fmt.Errorf("round %d: %w", round, err))
		}
		if round == rounds {
			break
		}
		if err := w.sleep(ctx, w.cfg.RepollInterval); err != nil {
			return events, err
		}
	}
	return events, errors.Join(errs...)
}

// Replay re-derives events for papers first seen in [since, until) and publishes them again.
func (w *Watcher) Replay(ctx context.Context, since, until time.Time) ([]domain.NewPaperEvent, error) {
	papers, err := w.papers.PapersFirstSeenBetween(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	events := make([]domain.NewPaperEvent, 0, len(papers))
	for _, p := range papers {
		events = append(events, domain.EventFor(p))
	}
	w.publish(ctx, events)
	return events, nil
}

// storePage returns the new-paper events and, separately, the revision events of page.
func (w *Watcher) storePage(ctx context.Context, page []domain.ListingEntry, stats *PollStats) ([]domain.NewPaperEvent, []domain.NewPaperEvent, error) {
	var events, revisions []domain.NewPaperEvent
	for _, entry := range page {
		if err := ctx.Err(); err != nil {
			return events, revisions, err
		}
		paper, outcome, err := w.store(ctx, entry)
		if err != nil {
			return events, revisions, err
		}
		metrics.PapersIngested.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case domain.OutcomeInserted:
			stats.Inserted++
			events = append(events, domain.EventFor(paper))
		case domain.OutcomeDuplicate:
			stats.Duplicate++
		case domain.OutcomeRevised:
			stats.Revised++
			revisions = append(revisions, domain.RevisionEventFor(paper))
		case domain.OutcomeUnchanged:
			stats.Unchanged++
		default:
			stats.Skipped++
		}
	}
	return events, revisions, nil
}

// store applies the dedup rules to one entry: a known fingerprint is a no-op, a known
// id with a materially different abstract marks the paper revised, anything else is new.
func (w *Watcher) store(ctx context.Context, entry domain.ListingEntry) (domain.Paper, domain.InsertOutcome, error) {
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" || strings.TrimSpace(entry.Title) == "" {
		w.logger.Debug("skipping listing entry without id or title", "source", entry.Source)
		return domain.Paper{}, "", nil
	}

	fp := fingerprint.Compute(entry.Title, entry.Abstract)
	existing, err := w.papers.PaperByFingerprint(ctx, fp)
	if err != nil {
		return domain.Paper{}, "", fmt.Errorf("lookup fingerprint of %s: %w", entry.ID, err)
	}
	if existing != nil {
		return *existing, domain.OutcomeDuplicate, nil
	}

	previous, err := w.papers.PaperByID(ctx, entry.ID)
	if err != nil {
		return domain.Paper{}, "", fmt.Errorf("lookup paper %s: %w", entry.ID, err)
	}
	if previous != nil {
		if !w.materiallyChanged(previous.Abstract, entry.Abstract) {
			return *previous, domain.OutcomeUnchanged, nil
		}
		revisedAt := w.now().UTC()
		marked, err := w.papers.MarkRevised(ctx, entry.ID, revisedAt)
		if err != nil {
			return domain.Paper{}, "", fmt.Errorf("mark %s revised: %w", entry.ID, err)
		}
		if !marked {
			return *previous, domain.OutcomeUnchanged, nil
		}
		w.logger.Info("paper revised", "paper_id", entry.ID)
		revised := *previous
		revised.Revised = true
		revised.RevisedAt = &revisedAt
		return revised, domain.OutcomeRevised, nil
	}

	paper := domain.Paper{
		ID:          entry.ID,
		Title:       strings.TrimSpace(entry.Title),
		Abstract:    strings.TrimSpace(entry.Abstract),
		Authors:     entry.Authors,
		Categories:  entry.Categories,
		Link:        entry.Link,
		Source:      entry.Source,
		Fingerprint: fp,
		FirstSeenAt: w.now().UTC(),
	}
	inserted, err := w.papers.InsertPaper(ctx, paper)
	if err != nil {
		return domain.Paper{}, "", fmt.Errorf("insert paper %s: %w", entry.ID, err)
	}
	if !inserted {
		// a concurrent poll stored it between the lookups and the insert
		return paper, domain.OutcomeDuplicate, nil
	}
	return paper, domain.OutcomeInserted, nil
}

func (w *Watcher) materiallyChanged(before, after string) bool {
	if fingerprint.Similarity(before, after) < w.cfg.RevisionSimilarity {
		return true
	}
	oldLen := len([]rune(strings.TrimSpace(before)))
	newLen := len([]rune(strings.TrimSpace(after)))
	if oldLen == 0 {
		return newLen > 0
	}
	return float64(newLen-oldLen)/float64(oldLen) >= w.cfg.RevisionGrowth
}

func (w *Watcher) publish(ctx context.Context, events []domain.NewPaperEvent) {
	if w.publisher == nil || len(events) == 0 {
		return
	}
	if err := w.publisher.Publish(ctx, events); err != nil {
		w.logger.Warn("publish paper events failed", "count", len(events), "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
