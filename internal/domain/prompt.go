package domain

import "time"

// Cadence is how often a user receives a delivery batch.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Valid reports whether the cadence is one the scheduler understands.
func (c Cadence) Valid() bool {
	return c == CadenceDaily || c == CadenceWeekly
}

// User is the subscriber reference maintained by the account layer.
type User struct {
	ID    string
	Email string
	Name  string
	// PreferredWeekday uses 1=Monday .. 7=Sunday and only matters for weekly cadence.
	PreferredWeekday int
	Cadence          Cadence
	Active           bool
}

// PromptVersion is an immutable snapshot of a user's interest description.
type PromptVersion struct {
	ID         string
	PromptID   string
	UserID     string
	Version    int
	Body       string
	ActiveFrom time.Time
	ActiveTo   *time.Time
}

// ActiveAt reports whether the version was effective at t.
func (p PromptVersion) ActiveAt(t time.Time) bool {
	if t.Before(p.ActiveFrom) {
		return false
	}
	return p.ActiveTo == nil || t.Before(*p.ActiveTo)
}
