package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Jobs adapts the components to the periodic entry points shared by the CLI and the
// in-process scheduler.
type Jobs struct {
	Watcher  *Watcher
	Engine   *Engine
	Advisor  *Advisor
	Delivery *DeliveryScheduler
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

func (j *Jobs) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *Jobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Ingest polls today's listing.
func (j *Jobs) Ingest(ctx context.Context) error {
	if j.Watcher == nil {
		return nil
	}
	loc := j.Location
	if loc == nil {
		loc = time.UTC
	}
	events, err := j.Watcher.Poll(ctx, j.now().In(loc))
	j.logger().Info("ingest job done", "new_papers", len(events))
	return err
}

// Classify runs pending classifications, then backfills summaries.
func (j *Jobs) Classify(ctx context.Context) error {
	if j.Engine == nil {
		return nil
	}
	classified, err := j.Engine.ClassifyPending(ctx)
	if err != nil {
		return fmt.Errorf("classify pending: %w", err)
	}
	summarized, err := j.Engine.SummarizePending(ctx)
	if err != nil {
		return fmt.Errorf("summarize pending: %w", err)
	}
	j.logger().Info("classify job done", "classified", classified, "summarized", summarized)
	return nil
}

// Advise sweeps prompt versions for refinement suggestions.
func (j *Jobs) Advise(ctx context.Context) error {
	if j.Advisor == nil {
		return nil
	}
	_, err := j.Advisor.Sweep(ctx)
	return err
}

// Deliver builds the batches that became due.
func (j *Jobs) Deliver(ctx context.Context) error {
	if j.Delivery == nil {
		return nil
	}
	batches, err := j.Delivery.BuildDue(ctx, j.now())
	j.logger().Info("deliver job done", "batches", len(batches))
	return err
}
