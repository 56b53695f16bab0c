package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

// voteStore implements ports.VoteRepository.
type voteStore struct {
	store *Store
}

var _ ports.VoteRepository = (*voteStore)(nil)

// Votes returns the append-only vote log view.
func (s *Store) Votes() ports.VoteRepository {
	return &voteStore{store: s}
}

// AppendVote stores the vote and returns it with its sequence number.
func (r *voteStore) AppendVote(ctx context.Context, vote domain.Vote) (domain.Vote, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Insert("votes").
		Columns("user_id", "paper_id", "prompt_version_id", "value", "cast_at").
		Values(vote.UserID, vote.PaperID, vote.PromptVersionID, string(vote.Value), s.ts(vote.CastAt)).
		Suffix("RETURNING seq"))
	if err != nil {
		return domain.Vote{}, err
	}
	if err := row.Scan(&vote.Seq); err != nil {
		return domain.Vote{}, fmt.Errorf("append vote: %w", err)
	}
	return vote, nil
}

// VotesByUser lists the user's votes cast in [since, until] in append order.
func (r *voteStore) VotesByUser(ctx context.Context, userID string, since, until time.Time) ([]domain.Vote, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select("seq", "user_id", "paper_id", "prompt_version_id", "value", "cast_at").
		From("votes").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"cast_at": s.ts(since)}).
		Where(sq.LtOrEq{"cast_at": s.ts(until)}).
		OrderBy("seq"))
	if err != nil {
		return nil, fmt.Errorf("query votes of %s: %w", userID, err)
	}
	defer rows.Close()

	var votes []domain.Vote
	for rows.Next() {
		var (
			v      domain.Vote
			value  string
			castAt dbTime
		)
		if err := rows.Scan(&v.Seq, &v.UserID, &v.PaperID, &v.PromptVersionID, &value, &castAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Value = domain.VoteValue(value)
		v.CastAt = castAt.Time
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return votes, nil
}
