package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/metrics"
	"PaperDigest/internal/ports"
)

const etAl = "et al."

// DeliveryDeps wires the delivery scheduler.
type DeliveryDeps struct {
	Prompts    ports.PromptRepository
	Deliveries ports.DeliveryRepository
	Config     config.DeliveryConfig
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// DeliveryScheduler builds one idempotent batch per user and period.
type DeliveryScheduler struct {
	prompts    ports.PromptRepository
	deliveries ports.DeliveryRepository
	loc        *time.Location
	maxAuthors int
	settle     time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

func NewDeliveryScheduler(deps DeliveryDeps) *DeliveryScheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	maxAuthors := deps.Config.MaxAuthorsDisplay
	if maxAuthors <= 0 {
		maxAuthors = 10
	}
	return &DeliveryScheduler{
		prompts:    deps.Prompts,
		deliveries: deps.Deliveries,
		loc:        deps.Config.Location(),
		maxAuthors: maxAuthors,
		settle:     deps.Config.SettleDelay,
		logger:     logger.With("component", "delivery"),
		now:        now,
		newID:      newID,
	}
}

// BuildBatch returns the user's batch for the period, creating it on first call. The
// period must have ended at least the settle delay ago; an earlier batch would miss
// verdicts still being written.
func (d *DeliveryScheduler) BuildBatch(ctx context.Context, userID string, key domain.PeriodKey) (domain.DeliveryBatch, error) {
	existing, err := d.deliveries.Batch(ctx, userID, key)
	if err != nil {
		return domain.DeliveryBatch{}, fmt.Errorf("load batch %s for %s: %w", key, userID, err)
	}
	if existing != nil {
		return d.present(*existing), nil
	}

	start, end, cadence, err := key.Bounds(d.loc)
	if err != nil {
		return domain.DeliveryBatch{}, err
	}
	now := d.now()
	if end.Add(d.settle).After(now) {
		return domain.DeliveryBatch{}, fmt.Errorf("%w: period %s has not settled", domain.ErrConfiguration, key)
	}

	user, err := d.prompts.User(ctx, userID)
	if err != nil {
		return domain.DeliveryBatch{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	if user == nil {
		return domain.DeliveryBatch{}, fmt.Errorf("%w: unknown user %s", domain.ErrConfiguration, userID)
	}

	versions, err := d.prompts.PromptVersionsForUser(ctx, userID, start, end)
	if err != nil {
		return domain.DeliveryBatch{}, fmt.Errorf("load prompt versions of %s: %w", userID, err)
	}
	ids := make([]string, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.ID)
	}

	batch, err := d.deliveries.CreateBatch(ctx, domain.DeliveryBatch{
		ID:          d.newID(),
		UserID:      userID,
		PeriodKey:   key,
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		CreatedAt:   now.UTC(),
	}, ids)
	if err != nil {
		return domain.DeliveryBatch{}, fmt.Errorf("create batch %s for %s: %w", key, userID, err)
	}

	metrics.BatchesBuilt.WithLabelValues(string(cadence)).Inc()
	d.logger.Info("batch built", "user_id", userID, "period", key, "items", len(batch.Items))
	return d.present(batch), nil
}

// BuildDue builds the most recently settled period of every active user.
func (d *DeliveryScheduler) BuildDue(ctx context.Context, now time.Time) ([]domain.DeliveryBatch, error) {
	users, err := d.prompts.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active users: %w", err)
	}

	var (
		batches []domain.DeliveryBatch
		errs    []error
	)
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		key, ok := DuePeriod(user, now.Add(-d.settle), d.loc)
		if !ok {
			continue
		}
		batch, err := d.BuildBatch(ctx, user.ID, key)
		if err != nil {
			d.logger.Error("build batch failed", "user_id", user.ID, "period", key, "error", err)
			errs = append(errs, fmt.Errorf("user %s: %w", user.ID, err))
			continue
		}
		batches = append(batches, batch)
	}
	return batches, errors.Join(errs...)
}

// DuePeriod names the latest completed period of user at now. Weekly periods are ISO
// weeks and become due on the user's preferred weekday.
func DuePeriod(user domain.User, now time.Time, loc *time.Location) (domain.PeriodKey, bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch user.Cadence {
	case domain.CadenceWeekly:
		weekday := isoWeekday(today)
		preferred := user.PreferredWeekday
		if preferred < 1 || preferred > 7 {
			preferred = 1
		}
		if weekday < preferred {
			return "", false
		}
		monday := today.AddDate(0, 0, -(weekday - 1))
		return domain.NewPeriodKey(monday.AddDate(0, 0, -7), domain.CadenceWeekly), true
	case domain.CadenceDaily, "":
		return domain.NewPeriodKey(today.AddDate(0, 0, -1), domain.CadenceDaily), true
	default:
		return "", false
	}
}

// isoWeekday maps Monday to 1 and Sunday to 7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// UnsentBatch returns the batch the transport should send, or nil when there is none
// or it was already confirmed.
func (d *DeliveryScheduler) UnsentBatch(ctx context.Context, userID string, key domain.PeriodKey) (*domain.DeliveryBatch, error) {
	batch, err := d.deliveries.Batch(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("load batch %s for %s: %w", key, userID, err)
	}
	if batch == nil || batch.Sent() {
		return nil, nil
	}
	presented := d.present(*batch)
	return &presented, nil
}

// MarkSent records the transport confirmation; repeated confirmations are no-ops.
func (d *DeliveryScheduler) MarkSent(ctx context.Context, batchID string) (bool, error) {
	changed, err := d.deliveries.MarkSent(ctx, batchID, d.now().UTC())
	if err != nil {
		return false, err
	}
	if changed {
		d.logger.Info("batch sent", "batch_id", batchID)
	}
	return changed, nil
}

func (d *DeliveryScheduler) present(batch domain.DeliveryBatch) domain.DeliveryBatch {
	items := make([]domain.DeliveryItem, len(batch.Items))
	for i, item := range batch.Items {
		item.Authors = truncateAuthors(item.Authors, d.maxAuthors)
		items[i] = item
	}
	batch.Items = items
	return batch
}

func truncateAuthors(authors []string, max int) []string {
	if len(authors) <= max {
		return authors
	}
	out := make([]string, 0, max+1)
	out = append(out, authors[:max]...)
	return append(out, etAl)
}
