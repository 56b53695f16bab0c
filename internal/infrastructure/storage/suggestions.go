package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

// suggestionStore implements ports.SuggestionRepository.
type suggestionStore struct {
	store *Store
}

var _ ports.SuggestionRepository = (*suggestionStore)(nil)

// Suggestions returns the advisory output view.
func (s *Store) Suggestions() ports.SuggestionRepository {
	return &suggestionStore{store: s}
}

// SaveAdvisoryRun writes the run record and its edits atomically.
func (r *suggestionStore) SaveAdvisoryRun(ctx context.Context, run domain.AdvisoryRun, edits []domain.SuggestedEdit) error {
	s := r.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := execBuilder(ctx, tx, s.sb.Insert("advisory_runs").
		Columns("id", "prompt_version_id", "ran_at", "outcome", "next_eligible_at").
		Values(run.ID, run.PromptVersionID, s.ts(run.RanAt), string(run.Outcome), s.ts(run.NextEligibleAt))); err != nil {
		return fmt.Errorf("insert advisory run %s: %w", run.ID, err)
	}

	if len(edits) > 0 {
		ins := s.sb.Insert("suggested_edits").Columns("id", "prompt_version_id", "run_id", "kind", "pattern",
			"evidence", "confidence", "suggested_text", "example_paper_ids", "status", "created_at")
		for _, edit := range edits {
			ids, err := encodeList(edit.ExamplePaperIDs)
			if err != nil {
				return err
			}
			ins = ins.Values(edit.ID, edit.PromptVersionID, run.ID, string(edit.Kind), edit.Pattern, edit.Evidence,
				edit.Confidence, edit.SuggestedText, ids, string(edit.Status), s.ts(edit.CreatedAt))
		}
		if _, err := execBuilder(ctx, tx, ins); err != nil {
			return fmt.Errorf("insert suggested edits: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestAdvisoryRun returns nil when the version was never analysed.
func (r *suggestionStore) LatestAdvisoryRun(ctx context.Context, versionID string) (*domain.AdvisoryRun, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select("id", "prompt_version_id", "ran_at", "outcome", "next_eligible_at").
		From("advisory_runs").
		Where(sq.Eq{"prompt_version_id": versionID}).
		OrderBy("ran_at DESC", "id DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}

	var (
		run          domain.AdvisoryRun
		outcome      string
		ranAt, until dbTime
	)
	if err := row.Scan(&run.ID, &run.PromptVersionID, &ranAt, &outcome, &until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan advisory run: %w", err)
	}
	run.RanAt = ranAt.Time
	run.Outcome = domain.AdvisoryOutcome(outcome)
	run.NextEligibleAt = until.Time
	return &run, nil
}

// LatestSuggestions returns the edits of the most recent run that produced any, strongest first.
func (r *suggestionStore) LatestSuggestions(ctx context.Context, versionID string) ([]domain.SuggestedEdit, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select("e.id", "e.prompt_version_id", "e.run_id", "e.kind", "e.pattern",
		"e.evidence", "e.confidence", "e.suggested_text", "e.example_paper_ids", "e.status", "e.created_at").
		From("suggested_edits e").
		Where(`e.run_id = (SELECT a.id FROM advisory_runs a WHERE a.prompt_version_id = ? AND a.outcome = ?
			ORDER BY a.ran_at DESC, a.id DESC LIMIT 1)`, versionID, string(domain.AdvisorySuggested)).
		OrderBy("e.confidence DESC", "e.id"))
	if err != nil {
		return nil, fmt.Errorf("query suggestions of %s: %w", versionID, err)
	}
	defer rows.Close()

	var edits []domain.SuggestedEdit
	for rows.Next() {
		var (
			e                 domain.SuggestedEdit
			kind, status, ids string
			createdAt         dbTime
		)
		if err := rows.Scan(&e.ID, &e.PromptVersionID, &e.RunID, &kind, &e.Pattern, &e.Evidence, &e.Confidence,
			&e.SuggestedText, &ids, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		if e.ExamplePaperIDs, err = decodeList(ids); err != nil {
			return nil, err
		}
		e.Kind = domain.EditKind(kind)
		e.Status = domain.SuggestionStatus(status)
		e.CreatedAt = createdAt.Time
		edits = append(edits, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return edits, nil
}

// CountPendingSuggestions counts edits the user has not acted upon yet.
func (r *suggestionStore) CountPendingSuggestions(ctx context.Context, versionID string) (int, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select("COUNT(*)").
		From("suggested_edits").
		Where(sq.Eq{"prompt_version_id": versionID, "status": string(domain.SuggestionPending)}))
	if err != nil {
		return 0, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending suggestions: %w", err)
	}
	return count, nil
}
