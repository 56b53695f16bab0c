package domain

import "time"

// Paper is a deduplicated listing entry owned by the paper store.
type Paper struct {
	ID          string
	Title       string
	Abstract    string
	Authors     []string
	Categories  []string
	Link        string
	Source      string
	Fingerprint string
	FirstSeenAt time.Time
	Revised     bool
	RevisedAt   *time.Time
}

// ListingEntry is a single row of an external listing before it becomes a Paper.
type ListingEntry struct {
	ID         string
	Title      string
	Abstract   string
	Authors    []string
	Categories []string
	Link       string
	Source     string
}

// EventType distinguishes first sightings from revisions of a known paper.
type EventType string

const (
	EventPaperNew     EventType = "paper.new"
	EventPaperRevised EventType = "paper.revised"
)

// NewPaperEvent announces a paper inserted or revised by the ingestion watcher.
type NewPaperEvent struct {
	Type        EventType  `json:"type"`
	PaperID     string     `json:"paper_id"`
	Title       string     `json:"title"`
	Source      string     `json:"source"`
	Categories  []string   `json:"categories"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	RevisedAt   *time.Time `json:"revised_at,omitempty"`
}

// EventFor builds the event emitted for a freshly inserted paper.
func EventFor(p Paper) NewPaperEvent {
	return NewPaperEvent{
		Type:        EventPaperNew,
		PaperID:     p.ID,
		Title:       p.Title,
		Source:      p.Source,
		Categories:  p.Categories,
		FirstSeenAt: p.FirstSeenAt,
	}
}

// RevisionEventFor builds the event emitted when p was marked revised.
func RevisionEventFor(p Paper) NewPaperEvent {
	ev := EventFor(p)
	ev.Type = EventPaperRevised
	ev.RevisedAt = p.RevisedAt
	return ev
}

// InsertOutcome tells what the store did with a listing entry.
type InsertOutcome string

const (
	OutcomeInserted  InsertOutcome = "inserted"
	OutcomeDuplicate InsertOutcome = "duplicate"
	OutcomeRevised   InsertOutcome = "revised"
	OutcomeUnchanged InsertOutcome = "unchanged"
)
