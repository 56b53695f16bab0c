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

var batchColumns = []string{"b.id", "b.user_id", "b.period_key", "b.period_start", "b.period_end", "b.created_at", "b.sent_at"}

// deliveryStore implements ports.DeliveryRepository.
type deliveryStore struct {
	store *Store
}

var _ ports.DeliveryRepository = (*deliveryStore)(nil)

// Deliveries returns the batch repository view.
func (s *Store) Deliveries() ports.DeliveryRepository {
	return &deliveryStore{store: s}
}

// Batch returns nil when no batch exists for the user and period.
func (r *deliveryStore) Batch(ctx context.Context, userID string, key domain.PeriodKey) (*domain.DeliveryBatch, error) {
	return r.loadBatch(ctx, sq.Eq{"b.user_id": userID, "b.period_key": string(key)})
}

// BatchByID returns nil when the batch is unknown.
func (r *deliveryStore) BatchByID(ctx context.Context, id string) (*domain.DeliveryBatch, error) {
	return r.loadBatch(ctx, sq.Eq{"b.id": id})
}

type candidate struct {
	paperID    string
	versionID  string
	confidence float64
}

// CreateBatch inserts the batch header and selects its members in one transaction. Members are
// relevant results of versionIDs evaluated inside the period whose paper the user never
// received; each paper appears once, under its most confident verdict. If the header or an
// item collides with a concurrent builder the transaction is rolled back and the stored
// batch is returned.
func (r *deliveryStore) CreateBatch(ctx context.Context, batch domain.DeliveryBatch, versionIDs []string) (domain.DeliveryBatch, error) {
	created, err := r.createBatchTx(ctx, batch, versionIDs)
	if err == nil && !created {
		err = domain.ErrConstraintViolation
	}
	if errors.Is(err, domain.ErrConstraintViolation) {
		existing, lookupErr := r.Batch(ctx, batch.UserID, batch.PeriodKey)
		if lookupErr != nil {
			return domain.DeliveryBatch{}, lookupErr
		}
		if existing != nil {
			return *existing, nil
		}
		return domain.DeliveryBatch{}, fmt.Errorf("batch %s for %s: %w", batch.PeriodKey, batch.UserID, err)
	}
	if err != nil {
		return domain.DeliveryBatch{}, err
	}

	stored, err := r.Batch(ctx, batch.UserID, batch.PeriodKey)
	if err != nil {
		return domain.DeliveryBatch{}, err
	}
	if stored == nil {
		return domain.DeliveryBatch{}, fmt.Errorf("batch %s for %s: %w", batch.PeriodKey, batch.UserID, domain.ErrNotFound)
	}
	return *stored, nil
}

func (r *deliveryStore) createBatchTx(ctx context.Context, batch domain.DeliveryBatch, versionIDs []string) (bool, error) {
	s := r.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	affected, err := execBuilder(ctx, tx, s.sb.Insert("delivery_batches").
		Columns("id", "user_id", "period_key", "period_start", "period_end", "created_at").
		Values(batch.ID, batch.UserID, string(batch.PeriodKey), s.ts(batch.PeriodStart), s.ts(batch.PeriodEnd), s.ts(batch.CreatedAt)).
		Suffix("ON CONFLICT (user_id, period_key) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert batch: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	members, err := r.selectMembers(ctx, tx, batch, versionIDs)
	if err != nil {
		return false, err
	}

	if len(members) > 0 {
		ins := s.sb.Insert("delivery_items").Columns("batch_id", "user_id", "paper_id", "prompt_version_id", "confidence", "position")
		for i, m := range members {
			ins = ins.Values(batch.ID, batch.UserID, m.paperID, m.versionID, m.confidence, i)
		}
		if _, err := execBuilder(ctx, tx, ins); err != nil {
			if isUniqueViolation(err) {
				return false, fmt.Errorf("insert items: %w", domain.ErrConstraintViolation)
			}
			return false, fmt.Errorf("insert items: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *deliveryStore) selectMembers(ctx context.Context, tx *sql.Tx, batch domain.DeliveryBatch, versionIDs []string) ([]candidate, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}

	s := r.store
	rows, err := queryBuilder(ctx, tx, s.sb.Select("r.paper_id", "r.prompt_version_id", "r.confidence").
		From("classification_results r").
		Where(sq.Eq{"r.prompt_version_id": versionIDs}).
		Where(sq.Eq{"r.verdict": string(domain.VerdictRelevant)}).
		Where(sq.GtOrEq{"r.evaluated_at": s.ts(batch.PeriodStart)}).
		Where(sq.Lt{"r.evaluated_at": s.ts(batch.PeriodEnd)}).
		Where("NOT EXISTS (SELECT 1 FROM delivery_items d WHERE d.user_id = ? AND d.paper_id = r.paper_id)", batch.UserID).
		OrderBy("r.confidence DESC", "r.paper_id", "r.prompt_version_id"))
	if err != nil {
		return nil, fmt.Errorf("select batch members: %w", err)
	}
	defer rows.Close()

	var (
		members []candidate
		seen    = map[string]struct{}{}
	)
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.paperID, &c.versionID, &c.confidence); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if _, dup := seen[c.paperID]; dup {
			continue
		}
		seen[c.paperID] = struct{}{}
		members = append(members, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// MarkSent records the transport confirmation once; false means it was already recorded.
func (r *deliveryStore) MarkSent(ctx context.Context, batchID string, at time.Time) (bool, error) {
	s := r.store
	affected, err := execBuilder(ctx, s.db, s.sb.Update("delivery_batches").
		Set("sent_at", s.ts(at)).
		Where(sq.Eq{"id": batchID, "sent_at": nil}))
	if err != nil {
		return false, fmt.Errorf("mark batch %s sent: %w", batchID, err)
	}
	if affected == 1 {
		return true, nil
	}

	existing, err := r.BatchByID(ctx, batchID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	}
	return false, nil
}

func (r *deliveryStore) loadBatch(ctx context.Context, pred sq.Sqlizer) (*domain.DeliveryBatch, error) {
	s := r.store
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select(batchColumns...).From("delivery_batches b").Where(pred).Limit(1))
	if err != nil {
		return nil, err
	}

	var (
		b                       domain.DeliveryBatch
		key                     string
		start, end, created, at dbTime
	)
	if err := row.Scan(&b.ID, &b.UserID, &key, &start, &end, &created, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.PeriodKey = domain.PeriodKey(key)
	b.PeriodStart = start.Time
	b.PeriodEnd = end.Time
	b.CreatedAt = created.Time
	b.SentAt = at.ptr()

	if b.Items, err = r.items(ctx, b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *deliveryStore) items(ctx context.Context, batchID string) ([]domain.DeliveryItem, error) {
	s := r.store
	rows, err := queryBuilder(ctx, s.db, s.sb.Select("i.paper_id", "i.prompt_version_id", "i.confidence", "i.position",
		"p.title", "p.authors", "p.link", "COALESCE(r.reasoning, '')", "COALESCE(s.summary, '')").
		From("delivery_items i").
		Join("papers p ON p.id = i.paper_id").
		LeftJoin("classification_results r ON r.prompt_version_id = i.prompt_version_id AND r.paper_id = i.paper_id").
		LeftJoin("paper_summaries s ON s.paper_id = i.paper_id").
		Where(sq.Eq{"i.batch_id": batchID}).
		OrderBy("i.position"))
	if err != nil {
		return nil, fmt.Errorf("query items of %s: %w", batchID, err)
	}
	defer rows.Close()

	var items []domain.DeliveryItem
	for rows.Next() {
		var (
			item    domain.DeliveryItem
			authors string
		)
		if err := rows.Scan(&item.PaperID, &item.PromptVersionID, &item.Confidence, &item.Position,
			&item.Title, &authors, &item.Link, &item.Reasoning, &item.Summary); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if item.Authors, err = decodeList(authors); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}
