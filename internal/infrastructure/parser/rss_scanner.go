package parser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/retry"
	"PaperDigest/internal/scanner"
)

var (
	rssIDExpr       = regexp.MustCompile(`arXiv:([0-9]{4}\.[0-9]{4,5}|[a-z\-]+(?:\.[A-Z]{2})?/[0-9]{7})(?:v[0-9]+)?`)
	rssAbstractExpr = regexp.MustCompile(`(?s)Abstract:\s*(.*)$`)
)

// RSSScanner reads the daily announcement feeds (rss.arxiv.org/rss/<category>).
type RSSScanner struct {
	fetcher pageFetcher
	logger  *slog.Logger
}

var _ scanner.Scanner = (*RSSScanner)(nil)

// NewRSSScanner wires an HTTP client and retry policy.
func NewRSSScanner(client *http.Client, retrier *retry.Retrier, logger *slog.Logger) *RSSScanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RSSScanner{fetcher: newPageFetcher(client, retrier), logger: logger}
}

// Name identifies the strategy inside the registry.
func (r *RSSScanner) Name() string {
	return "arxiv-rss"
}

// Scan emits one page per category feed. Items dated on another day are skipped; undated
// items belong to the current announcement and are kept.
func (r *RSSScanner) Scan(ctx context.Context, req scanner.Request, emit scanner.PageFunc) error {
	if len(req.Categories) == 0 {
		return fmt.Errorf("%w: no categories provided for site %s", domain.ErrConfiguration, req.SiteName)
	}

	targetDay := truncateDay(req.Day)
	seen := map[string]struct{}{}

	for _, cat := range req.Categories {
		var feed *gofeed.Feed
		err := r.fetcher.get(ctx, cat.URL, func(body io.Reader) error {
			parsed, err := gofeed.NewParser().Parse(body)
			if err != nil {
				return fmt.Errorf("parse feed: %w", err)
			}
			feed = parsed
			return nil
		})
		if err != nil {
			return fmt.Errorf("category %s: %w", cat.Name, err)
		}

		page := make([]domain.ListingEntry, 0, len(feed.Items))
		for _, item := range feed.Items {
			if item.PublishedParsed != nil && !truncateDay(item.PublishedParsed.UTC()).Equal(targetDay) {
				continue
			}
			entry, ok := entryFromItem(item, req.SiteName, cat.Name)
			if !ok {
				continue
			}
			if _, dup := seen[entry.ID]; dup {
				continue
			}
			seen[entry.ID] = struct{}{}
			page = append(page, entry)
		}

		r.logger.Debug("feed parsed", "category", cat.Name, "items", len(feed.Items), "matched", len(page))
		if len(page) == 0 {
			continue
		}
		if err := emit(page); err != nil {
			return err
		}
	}

	return nil
}

func entryFromItem(item *gofeed.Item, siteName, category string) (domain.ListingEntry, bool) {
	id := ""
	if m := rssIDExpr.FindStringSubmatch(item.Description); m != nil {
		id = m[1]
	} else if idx := strings.LastIndex(item.Link, "/abs/"); idx >= 0 {
		id = strings.TrimSpace(item.Link[idx+len("/abs/"):])
	}
	if id == "" {
		return domain.ListingEntry{}, false
	}

	abstract := strings.TrimSpace(item.Description)
	if m := rssAbstractExpr.FindStringSubmatch(abstract); m != nil {
		abstract = strings.TrimSpace(m[1])
	}

	link := item.Link
	if link == "" {
		link = arxivBaseURL + "/abs/" + id
	}

	categories := append([]string(nil), item.Categories...)
	if len(categories) == 0 && category != "" {
		categories = []string{category}
	}

	return domain.ListingEntry{
		ID:         id,
		Title:      strings.TrimSpace(item.Title),
		Abstract:   abstract,
		Authors:    itemAuthors(item),
		Categories: categories,
		Link:       link,
		Source:     fmt.Sprintf("%s/%s", siteName, category),
	}, true
}

// itemAuthors reads authors from the feed, splitting arXiv's single comma-joined dc:creator.
func itemAuthors(item *gofeed.Item) []string {
	var raw []string
	for _, person := range item.Authors {
		if person != nil {
			raw = append(raw, person.Name)
		}
	}
	if len(raw) == 0 && item.DublinCoreExt != nil {
		raw = item.DublinCoreExt.Creator
	}

	var authors []string
	for _, r := range raw {
		for _, name := range strings.Split(r, ",") {
			if name = strings.TrimSpace(name); name != "" {
				authors = append(authors, name)
			}
		}
	}
	return authors
}
