package domain

import (
	"fmt"
	"strings"
	"time"
)

const periodDateLayout = "2006-01-02"

// PeriodKey names one delivery period, e.g. "2024-06-01..daily".
type PeriodKey string

// NewPeriodKey builds the key for the period starting on the day of start.
func NewPeriodKey(start time.Time, cadence Cadence) PeriodKey {
	return PeriodKey(start.Format(periodDateLayout) + ".." + string(cadence))
}

// Bounds resolves the key into [start, end) in loc.
func (k PeriodKey) Bounds(loc *time.Location) (time.Time, time.Time, Cadence, error) {
	day, cadenceRaw, ok := strings.Cut(string(k), "..")
	if !ok {
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: malformed period key %q", ErrConfiguration, k)
	}
	cadence := Cadence(cadenceRaw)
	if !cadence.Valid() {
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: unknown cadence in period key %q", ErrConfiguration, k)
	}
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(periodDateLayout, day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: period key %q: %v", ErrConfiguration, k, err)
	}
	end := start.AddDate(0, 0, 1)
	if cadence == CadenceWeekly {
		end = start.AddDate(0, 0, 7)
	}
	return start, end, cadence, nil
}

// DeliveryItem is one paper selected into a batch.
type DeliveryItem struct {
	PaperID         string
	PromptVersionID string
	Title           string
	Authors         []string
	Link            string
	Summary         string
	Reasoning       string
	Confidence      float64
	Position        int
}

// DeliveryBatch is the idempotent unit of what a user receives in one period.
type DeliveryBatch struct {
	ID          string
	UserID      string
	PeriodKey   PeriodKey
	PeriodStart time.Time
	PeriodEnd   time.Time
	Items       []DeliveryItem
	CreatedAt   time.Time
	SentAt      *time.Time
}

// Sent reports whether the transport confirmed the batch.
func (b DeliveryBatch) Sent() bool {
	return b.SentAt != nil
}

// PaperIDs lists batch membership in item order.
func (b DeliveryBatch) PaperIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		ids = append(ids, item.PaperID)
	}
	return ids
}
