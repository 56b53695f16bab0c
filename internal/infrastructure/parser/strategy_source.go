package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
	"PaperDigest/internal/scanner"
)

// StrategySource implements ListingSource via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	sites    []config.SiteConfig
	logger   *slog.Logger
}

var _ ports.ListingSource = (*StrategySource)(nil)

// NewStrategySource wires scanner registry with config-defined sites.
func NewStrategySource(reg *scanner.Registry, sites []config.SiteConfig, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		sites:    sites,
		logger:   log,
	}
}

// errEmitAborted marks failures raised by the consumer rather than by a site.
type errEmitAborted struct{ err error }

func (e errEmitAborted) Error() string { return e.err.Error() }
func (e errEmitAborted) Unwrap() error { return e.err }

// FetchListing runs every site's scanner. A failing site does not stop the others; the
// combined error wraps ErrSourceUnavailable only when no site could be read at all.
// An emit error aborts immediately.
func (s *StrategySource) FetchListing(ctx context.Context, day time.Time, emit func(site string, page []domain.ListingEntry) error) error {
	if s.registry == nil {
		return fmt.Errorf("%w: scanner registry is not configured", domain.ErrConfiguration)
	}

	s.debug("fetch listing", "sites", len(s.sites), "day", day.Format("2006-01-02"))

	var (
		siteErrs  []error
		succeeded int
	)
	for _, site := range s.sites {
		s.debug("process site", "site", site.Name, "scanner", site.Scanner, "categories", len(site.Categories))
		strategy, err := s.registry.Resolve(site.Scanner)
		if err != nil {
			siteErrs = append(siteErrs, fmt.Errorf("site %s: %w", site.Name, err))
			continue
		}

		req := scanner.Request{
			Day:        day,
			SiteName:   site.Name,
			Options:    site.Options,
			Categories: toScannerCategories(site.Categories),
		}

		count := 0
		err = strategy.Scan(ctx, req, func(page []domain.ListingEntry) error {
			for i := range page {
				if page[i].Source == "" {
					page[i].Source = site.Name
				}
			}
			count += len(page)
			if err := emit(site.Name, page); err != nil {
				return errEmitAborted{err: err}
			}
			return nil
		})

		var aborted errEmitAborted
		if errors.As(err, &aborted) {
			return fmt.Errorf("site %s: %w", site.Name, aborted.err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.warn("site scan failed", "site", site.Name, "entries_kept", count, "error", err)
			siteErrs = append(siteErrs, fmt.Errorf("scan site %s: %w", site.Name, err))
			continue
		}

		succeeded++
		s.debug("site produced entries", "site", site.Name, "count", count)
	}

	if len(siteErrs) == 0 {
		return nil
	}
	joined := errors.Join(siteErrs...)
	if succeeded == 0 {
		return fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, joined)
	}
	return joined
}

func toScannerCategories(cfg []config.CategoryConfig) []scanner.Category {
	categories := make([]scanner.Category, 0, len(cfg))
	for _, cat := range cfg {
		categories = append(categories, scanner.Category{
			Name: cat.Name,
			URL:  cat.URL,
		})
	}
	return categories
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *StrategySource) warn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
