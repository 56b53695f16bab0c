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

var paperColumns = []string{
	"p.id", "p.title", "p.abstract", "p.authors", "p.categories", "p.link",
	"p.source", "p.fingerprint", "p.first_seen_at", "p.revised", "p.revised_at",
}

// paperStore implements ports.PaperRepository.
type paperStore struct {
	store *Store
}

var _ ports.PaperRepository = (*paperStore)(nil)

// Papers returns the paper repository view.
func (s *Store) Papers() ports.PaperRepository {
	return &paperStore{store: s}
}

// InsertPaper relies on the id and fingerprint unique keys; a conflict on either is a no-op.
func (r *paperStore) InsertPaper(ctx context.Context, paper domain.Paper) (bool, error) {
	authors, err := encodeList(paper.Authors)
	if err != nil {
		return false, err
	}
	categories, err := encodeList(paper.Categories)
	if err != nil {
		return false, err
	}

	s := r.store
	affected, err := execBuilder(ctx, s.db, s.sb.Insert("papers").
		Columns("id", "title", "abstract", "authors", "categories", "link", "source", "fingerprint", "first_seen_at", "revised").
		Values(paper.ID, paper.Title, paper.Abstract, authors, categories, paper.Link, paper.Source,
			paper.Fingerprint, s.ts(paper.FirstSeenAt), false).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert paper %s: %w", paper.ID, err)
	}
	return affected == 1, nil
}

// PaperByFingerprint returns nil when no paper carries the fingerprint.
func (r *paperStore) PaperByFingerprint(ctx context.Context, fingerprint string) (*domain.Paper, error) {
	return r.one(ctx, sq.Eq{"p.fingerprint": fingerprint})
}

// PaperByID returns nil when the paper is unknown.
func (r *paperStore) PaperByID(ctx context.Context, id string) (*domain.Paper, error) {
	return r.one(ctx, sq.Eq{"p.id": id})
}

// MarkRevised sets the revised flag once; false means the paper was already flagged or is unknown.
func (r *paperStore) MarkRevised(ctx context.Context, id string, at time.Time) (bool, error) {
	s := r.store
	affected, err := execBuilder(ctx, s.db, s.sb.Update("papers").
		Set("revised", true).
		Set("revised_at", s.ts(at)).
		Where(sq.Eq{"id": id, "revised": false}))
	if err != nil {
		return false, fmt.Errorf("mark paper %s revised: %w", id, err)
	}
	return affected == 1, nil
}

// PapersFirstSeenBetween lists papers with since <= first_seen_at < until in insertion order.
func (r *paperStore) PapersFirstSeenBetween(ctx context.Context, since, until time.Time) ([]domain.Paper, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select(paperColumns...).
		From("papers p").
		Where(sq.GtOrEq{"p.first_seen_at": s.ts(since)}).
		Where(sq.Lt{"p.first_seen_at": s.ts(until)}).
		OrderBy("p.first_seen_at", "p.id"))
	if err != nil {
		return nil, fmt.Errorf("query papers by first seen: %w", err)
	}
	return collectPapers(rows)
}

func (r *paperStore) one(ctx context.Context, pred sq.Sqlizer) (*domain.Paper, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select(paperColumns...).From("papers p").Where(pred).Limit(1))
	if err != nil {
		return nil, err
	}
	paper, err := scanPaper(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &paper, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaper(row rowScanner) (domain.Paper, error) {
	var (
		p                   domain.Paper
		authors, categories string
		firstSeen, revised  dbTime
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Abstract, &authors, &categories, &p.Link, &p.Source,
		&p.Fingerprint, &firstSeen, &p.Revised, &revised); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Paper{}, err
		}
		return domain.Paper{}, fmt.Errorf("scan paper: %w", err)
	}

	var err error
	if p.Authors, err = decodeList(authors); err != nil {
		return domain.Paper{}, err
	}
	if p.Categories, err = decodeList(categories); err != nil {
		return domain.Paper{}, err
	}
	p.FirstSeenAt = firstSeen.Time
	p.RevisedAt = revised.ptr()
	return p, nil
}

func collectPapers(rows *sql.Rows) ([]domain.Paper, error) {
	defer rows.Close()

	var papers []domain.Paper
	for rows.Next() {
		paper, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate papers: %w", err)
	}
	return papers, nil
}
