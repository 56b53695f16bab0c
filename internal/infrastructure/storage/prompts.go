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

var (
	promptColumns = []string{"v.id", "v.prompt_id", "v.user_id", "v.version", "v.body", "v.active_from", "v.active_to"}
	userColumns   = []string{"u.id", "u.email", "u.name", "u.cadence", "u.preferred_weekday", "u.active"}
)

// PromptStore implements ports.PromptRepository. Users and prompt versions are owned by the
// account layer; SaveUser and SavePromptVersion exist for it and for seeding.
type PromptStore struct {
	store *Store
}

var _ ports.PromptRepository = (*PromptStore)(nil)

// Prompts returns the prompt and user repository view.
func (s *Store) Prompts() *PromptStore {
	return &PromptStore{store: s}
}

// SaveUser creates or updates a subscriber.
func (r *PromptStore) SaveUser(ctx context.Context, user domain.User) error {
	s := r.store
	_, err := execBuilder(ctx, s.db, s.sb.Insert("users").
		Columns("id", "email", "name", "cadence", "preferred_weekday", "active").
		Values(user.ID, user.Email, user.Name, string(user.Cadence), user.PreferredWeekday, user.Active).
		Suffix(`ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name,
			cadence = excluded.cadence, preferred_weekday = excluded.preferred_weekday, active = excluded.active`))
	if err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}

// SavePromptVersion records a new immutable version and closes the prompt's open version at
// the new version's ActiveFrom, so at most one version is active at any instant.
func (r *PromptStore) SavePromptVersion(ctx context.Context, version domain.PromptVersion) error {
	s := r.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := execBuilder(ctx, tx, s.sb.Update("prompt_versions").
		Set("active_to", s.ts(version.ActiveFrom)).
		Where(sq.Eq{"prompt_id": version.PromptID, "active_to": nil}).
		Where(sq.LtOrEq{"active_from": s.ts(version.ActiveFrom)})); err != nil {
		return fmt.Errorf("close previous version of %s: %w", version.PromptID, err)
	}

	if _, err := execBuilder(ctx, tx, s.sb.Insert("prompt_versions").
		Columns("id", "prompt_id", "user_id", "version", "body", "active_from", "active_to").
		Values(version.ID, version.PromptID, version.UserID, version.Version, version.Body,
			s.ts(version.ActiveFrom), s.tsPtr(version.ActiveTo))); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("prompt version %s: %w", version.ID, domain.ErrConstraintViolation)
		}
		return fmt.Errorf("insert prompt version %s: %w", version.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ActivePromptVersions lists versions effective at the instant whose owner is active.
func (r *PromptStore) ActivePromptVersions(ctx context.Context, at time.Time) ([]domain.PromptVersion, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select(promptColumns...).
		From("prompt_versions v").
		Join("users u ON u.id = v.user_id").
		Where(sq.Eq{"u.active": true}).
		Where(sq.LtOrEq{"v.active_from": s.ts(at)}).
		Where(sq.Or{sq.Eq{"v.active_to": nil}, sq.Gt{"v.active_to": s.ts(at)}}).
		OrderBy("v.id"))
	if err != nil {
		return nil, fmt.Errorf("query active prompt versions: %w", err)
	}
	return collectPromptVersions(rows)
}

// PromptVersion returns nil when the version is unknown.
func (r *PromptStore) PromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select(promptColumns...).From("prompt_versions v").Where(sq.Eq{"v.id": id}))
	if err != nil {
		return nil, err
	}
	version, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// PromptVersionsForUser lists the user's versions whose active range overlaps [from, to).
func (r *PromptStore) PromptVersionsForUser(ctx context.Context, userID string, from, to time.Time) ([]domain.PromptVersion, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select(promptColumns...).
		From("prompt_versions v").
		Where(sq.Eq{"v.user_id": userID}).
		Where(sq.Lt{"v.active_from": s.ts(to)}).
		Where(sq.Or{sq.Eq{"v.active_to": nil}, sq.Gt{"v.active_to": s.ts(from)}}).
		OrderBy("v.id"))
	if err != nil {
		return nil, fmt.Errorf("query prompt versions of %s: %w", userID, err)
	}
	return collectPromptVersions(rows)
}

// User returns nil when the user is unknown.
func (r *PromptStore) User(ctx context.Context, id string) (*domain.User, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select(userColumns...).From("users u").Where(sq.Eq{"u.id": id}))
	if err != nil {
		return nil, err
	}
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ActiveUsers lists subscribers that still receive deliveries.
func (r *PromptStore) ActiveUsers(ctx context.Context) ([]domain.User, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select(userColumns...).From("users u").Where(sq.Eq{"u.active": true}).OrderBy("u.id"))
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u       domain.User
		cadence string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &cadence, &u.PreferredWeekday, &u.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, err
		}
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Cadence = domain.Cadence(cadence)
	return u, nil
}

func scanPromptVersion(row rowScanner) (domain.PromptVersion, error) {
	var (
		v        domain.PromptVersion
		from, to dbTime
	)
	if err := row.Scan(&v.ID, &v.PromptID, &v.UserID, &v.Version, &v.Body, &from, &to); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PromptVersion{}, err
		}
		return domain.PromptVersion{}, fmt.Errorf("scan prompt version: %w", err)
	}
	v.ActiveFrom = from.Time
	v.ActiveTo = to.ptr()
	return v, nil
}

func collectPromptVersions(rows *sql.Rows) ([]domain.PromptVersion, error) {
	defer rows.Close()

	var versions []domain.PromptVersion
	for rows.Next() {
		v, err := scanPromptVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt versions: %w", err)
	}
	return versions, nil
}
