package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

var resultColumns = []string{
	"r.prompt_version_id", "r.paper_id", "r.verdict", "r.confidence", "r.reasoning",
	"COALESCE(s.summary, '')", "r.model", "r.evaluated_at",
}

// classificationStore implements ports.ClassificationRepository.
type classificationStore struct {
	store *Store
}

var _ ports.ClassificationRepository = (*classificationStore)(nil)

// Classifications returns the results, attempts and summaries view.
func (s *Store) Classifications() ports.ClassificationRepository {
	return &classificationStore{store: s}
}

func (r *classificationStore) resultQuery() sq.SelectBuilder {
	return r.store.sb.Select(resultColumns...).
		From("classification_results r").
		LeftJoin("paper_summaries s ON s.paper_id = r.paper_id")
}

// Result returns nil when the pair has not been classified.
func (r *classificationStore) Result(ctx context.Context, key domain.ResultKey) (*domain.ClassificationResult, error) {
	row, err := queryRowBuilder(ctx, r.store.db, r.resultQuery().
		Where(sq.Eq{"r.prompt_version_id": key.PromptVersionID, "r.paper_id": key.PaperID}))
	if err != nil {
		return nil, err
	}
	result, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveResult inserts the verdict under the pair's primary key and drops the attempt row.
// It reports false when a result already existed; the stored row is left untouched.
func (r *classificationStore) SaveResult(ctx context.Context, result domain.ClassificationResult) (bool, error) {
	s := r.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	affected, err := execBuilder(ctx, tx, s.sb.Insert("classification_results").
		Columns("prompt_version_id", "paper_id", "verdict", "confidence", "reasoning", "model", "evaluated_at").
		Values(result.Key.PromptVersionID, result.Key.PaperID, string(result.Verdict), result.Confidence,
			result.Reasoning, result.Model, s.ts(result.EvaluatedAt)).
		Suffix("ON CONFLICT (prompt_version_id, paper_id) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert result %s/%s: %w", result.Key.PromptVersionID, result.Key.PaperID, err)
	}

	if _, err := execBuilder(ctx, tx, s.sb.Delete("classification_attempts").
		Where(sq.Eq{"prompt_version_id": result.Key.PromptVersionID, "paper_id": result.Key.PaperID})); err != nil {
		return false, fmt.Errorf("clear attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return affected == 1, nil
}

// PendingPairs lists papers in the version's window without a result whose attempt, if any,
// is neither leased nor cooling down at now.
func (r *classificationStore) PendingPairs(ctx context.Context, version domain.PromptVersion, since, now time.Time, limit int) ([]domain.Paper, error) {
	s := r.store
	q := s.sb.Select(paperColumns...).
		From("papers p").
		LeftJoin("classification_results r ON r.paper_id = p.id AND r.prompt_version_id = ?", version.ID).
		LeftJoin("classification_attempts a ON a.paper_id = p.id AND a.prompt_version_id = ?", version.ID).
		Where(sq.Eq{"r.paper_id": nil}).
		Where(sq.GtOrEq{"p.first_seen_at": s.ts(since)}).
		Where(sq.Or{sq.Eq{"a.leased_until": nil}, sq.LtOrEq{"a.leased_until": s.ts(now)}}).
		Where(sq.Or{sq.Eq{"a.next_attempt_at": nil}, sq.LtOrEq{"a.next_attempt_at": s.ts(now)}}).
		OrderBy("p.first_seen_at", "p.id")
	if version.ActiveTo != nil {
		q = q.Where(sq.Lt{"p.first_seen_at": s.ts(*version.ActiveTo)})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := queryBuilder(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("query pending pairs of %s: %w", version.ID, err)
	}
	return collectPapers(rows)
}

// ClaimPair takes the lease on a pair unless another worker holds it or the pair is cooling
// down after a failure. The conditional upsert makes the claim atomic.
func (r *classificationStore) ClaimPair(ctx context.Context, key domain.ResultKey, now, leaseUntil time.Time) (bool, error) {
	s := r.store
	affected, err := execBuilder(ctx, s.db, s.sb.Insert("classification_attempts").
		Columns("prompt_version_id", "paper_id", "status", "failures", "last_error", "leased_until", "alerted", "updated_at").
		Values(key.PromptVersionID, key.PaperID, string(domain.AttemptInProgress), 0, "", s.ts(leaseUntil), false, s.ts(now)).
		Suffix(`ON CONFLICT (prompt_version_id, paper_id) DO UPDATE
			SET status = excluded.status, leased_until = excluded.leased_until, updated_at = excluded.updated_at
			WHERE (classification_attempts.leased_until IS NULL OR classification_attempts.leased_until <= ?)
			  AND (classification_attempts.next_attempt_at IS NULL OR classification_attempts.next_attempt_at <= ?)`,
			s.ts(now), s.ts(now)))
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", key.PromptVersionID, key.PaperID, err)
	}
	return affected == 1, nil
}

// RecordFailure releases the lease, bumps the failure count and schedules the next attempt.
func (r *classificationStore) RecordFailure(ctx context.Context, key domain.ResultKey, reason string, now time.Time, next func(failures int) time.Time) (domain.ClassificationAttempt, error) {
	s := r.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ClassificationAttempt{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt := domain.ClassificationAttempt{Key: key, Status: domain.AttemptFailed, LastError: reason}

	row, err := queryRowBuilder(ctx, tx, s.sb.Select("failures", "alerted").
		From("classification_attempts").
		Where(sq.Eq{"prompt_version_id": key.PromptVersionID, "paper_id": key.PaperID}))
	if err != nil {
		return domain.ClassificationAttempt{}, err
	}
	if err := row.Scan(&attempt.Failures, &attempt.Alerted); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.ClassificationAttempt{}, fmt.Errorf("read attempt: %w", err)
	}

	attempt.Failures++
	attempt.NextAttemptAt = now
	if next != nil {
		attempt.NextAttemptAt = next(attempt.Failures)
	}

	if _, err := execBuilder(ctx, tx, s.sb.Insert("classification_attempts").
		Columns("prompt_version_id", "paper_id", "status", "failures", "last_error", "leased_until", "next_attempt_at", "alerted", "updated_at").
		Values(key.PromptVersionID, key.PaperID, string(attempt.Status), attempt.Failures, reason, nil,
			s.ts(attempt.NextAttemptAt), attempt.Alerted, s.ts(now)).
		Suffix(`ON CONFLICT (prompt_version_id, paper_id) DO UPDATE
			SET status = excluded.status, failures = excluded.failures, last_error = excluded.last_error,
			    leased_until = NULL, next_attempt_at = excluded.next_attempt_at, updated_at = excluded.updated_at`)); err != nil {
		return domain.ClassificationAttempt{}, fmt.Errorf("record failure %s/%s: %w", key.PromptVersionID, key.PaperID, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ClassificationAttempt{}, fmt.Errorf("commit: %w", err)
	}
	return attempt, nil
}

// MarkAlerted remembers that the operational alert for the pair was raised.
func (r *classificationStore) MarkAlerted(ctx context.Context, key domain.ResultKey) error {
	s := r.store
	if _, err := execBuilder(ctx, s.db, s.sb.Update("classification_attempts").
		Set("alerted", true).
		Where(sq.Eq{"prompt_version_id": key.PromptVersionID, "paper_id": key.PaperID})); err != nil {
		return fmt.Errorf("mark alerted %s/%s: %w", key.PromptVersionID, key.PaperID, err)
	}
	return nil
}

// SaveSummary stores the first summary produced for a paper.
func (r *classificationStore) SaveSummary(ctx context.Context, summary domain.PaperSummary) (bool, error) {
	s := r.store
	affected, err := execBuilder(ctx, s.db, s.sb.Insert("paper_summaries").
		Columns("paper_id", "summary", "model", "created_at").
		Values(summary.PaperID, summary.Summary, summary.Model, s.ts(summary.CreatedAt)).
		Suffix("ON CONFLICT (paper_id) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert summary %s: %w", summary.PaperID, err)
	}
	return affected == 1, nil
}

// Summary returns nil when the paper has no summary yet.
func (r *classificationStore) Summary(ctx context.Context, paperID string) (*domain.PaperSummary, error) {
	row, err := queryRowBuilder(ctx, r.store.db, r.store.sb.Select("paper_id", "summary", "model", "created_at").
		From("paper_summaries").
		Where(sq.Eq{"paper_id": paperID}))
	if err != nil {
		return nil, err
	}
	var (
		summary domain.PaperSummary
		created dbTime
	)
	if err := row.Scan(&summary.PaperID, &summary.Summary, &summary.Model, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan summary %s: %w", paperID, err)
	}
	summary.CreatedAt = created.Time
	return &summary, nil
}

// RelevantPapersWithoutSummary lists papers judged relevant by any version that still lack a summary.
func (r *classificationStore) RelevantPapersWithoutSummary(ctx context.Context, limit int) ([]domain.Paper, error) {
	s := r.store
	q := s.sb.Select(paperColumns...).
		From("papers p").
		LeftJoin("paper_summaries s ON s.paper_id = p.id").
		Where(sq.Eq{"s.paper_id": nil}).
		Where("EXISTS (SELECT 1 FROM classification_results r WHERE r.paper_id = p.id AND r.verdict = ?)", string(domain.VerdictRelevant)).
		OrderBy("p.first_seen_at", "p.id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := queryBuilder(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("query papers without summary: %w", err)
	}
	return collectPapers(rows)
}

// ResultsForVersion returns the version's results for the given papers keyed by paper id.
func (r *classificationStore) ResultsForVersion(ctx context.Context, versionID string, paperIDs []string) (map[string]domain.ClassificationResult, error) {
	results := make(map[string]domain.ClassificationResult, len(paperIDs))
	if len(paperIDs) == 0 {
		return results, nil
	}

	rows, err := queryBuilder(ctx, r.store.db, r.resultQuery().
		Where(sq.Eq{"r.prompt_version_id": versionID}).
		Where(sq.Eq{"r.paper_id": paperIDs}))
	if err != nil {
		return nil, fmt.Errorf("query results of %s: %w", versionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results[result.Key.PaperID] = result
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

func scanResult(row rowScanner) (domain.ClassificationResult, error) {
	var (
		res       domain.ClassificationResult
		verdict   string
		evaluated dbTime
	)
	if err := row.Scan(&res.Key.PromptVersionID, &res.Key.PaperID, &verdict, &res.Confidence, &res.Reasoning,
		&res.Summary, &res.Model, &evaluated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ClassificationResult{}, err
		}
		return domain.ClassificationResult{}, fmt.Errorf("scan result: %w", err)
	}
	res.Verdict = domain.Verdict(verdict)
	res.EvaluatedAt = evaluated.Time
	return res, nil
}
