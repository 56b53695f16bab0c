package scanner

import (
	"context"
	"fmt"
	"time"

	"PaperDigest/internal/domain"
)

// Category describes a concrete section endpoint provided by config.
type Category struct {
	Name string
	URL  string
}

// Request carries all parameters required to execute a scan.
type Request struct {
	Day        time.Time
	SiteName   string
	Categories []Category
	Options    map[string]string
}

// PageFunc receives each listing page as soon as it is parsed.
type PageFunc func(page []domain.ListingEntry) error

// Scanner captures a single listing strategy implementation (arXiv HTML, arXiv RSS, etc.).
type Scanner interface {
	Name() string
	Scan(ctx context.Context, req Request, emit PageFunc) error
}

// Registry keeps a mapping from scanner names to their implementations.
type Registry struct {
	scanners map[string]Scanner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: map[string]Scanner{}}
}

// Register adds or replaces a scanner implementation.
func (r *Registry) Register(scanner Scanner) {
	if r.scanners == nil {
		r.scanners = map[string]Scanner{}
	}
	r.scanners[scanner.Name()] = scanner
}

// Resolve returns a scanner by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Scanner, error) {
	if scanner, ok := r.scanners[name]; ok {
		return scanner, nil
	}
	return nil, fmt.Errorf("%w: scanner %s is not registered", domain.ErrConfiguration, name)
}
