package parser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/retry"
	"PaperDigest/internal/scanner"
)

const (
	arxivBaseURL    = "https://arxiv.org"
	defaultPageSize = 50
	defaultMaxPages = 5
)

var (
	dateExpr     = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)
	categoryExpr = regexp.MustCompile(`\(([a-z\-]+(?:\.[A-Za-z\-]+)?)\)`)
)

// ArxivScanner walks /list/<category>/recent pages and extracts entries of the requested day.
type ArxivScanner struct {
	fetcher  pageFetcher
	pageSize int
	maxPages int
	logger   *slog.Logger
}

var _ scanner.Scanner = (*ArxivScanner)(nil)

// NewArxivScanner wires an HTTP client and retry policy; the page size defaults to 50.
func NewArxivScanner(client *http.Client, retrier *retry.Retrier, logger *slog.Logger) *ArxivScanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ArxivScanner{
		fetcher:  newPageFetcher(client, retrier),
		pageSize: defaultPageSize,
		maxPages: defaultMaxPages,
		logger:   logger,
	}
}

// WithPaging overrides page size and page limit; non-positive values keep the defaults.
func (a *ArxivScanner) WithPaging(pageSize, maxPages int) *ArxivScanner {
	if pageSize > 0 {
		a.pageSize = pageSize
	}
	if maxPages > 0 {
		a.maxPages = maxPages
	}
	return a
}

// Name identifies the strategy inside the registry.
func (a *ArxivScanner) Name() string {
	return "arxiv"
}

// Scan emits every page that carries entries of the requested day, category by category.
// Pages already emitted stay emitted when a later page fails.
func (a *ArxivScanner) Scan(ctx context.Context, req scanner.Request, emit scanner.PageFunc) error {
	if len(req.Categories) == 0 {
		return fmt.Errorf("%w: no categories provided for site %s", domain.ErrConfiguration, req.SiteName)
	}

	targetDay := truncateDay(req.Day)
	seen := map[string]struct{}{}

	for _, cat := range req.Categories {
		foundTarget := false
		for page := 0; page < a.maxPages; page++ {
			pageURL, err := buildPageURL(cat.URL, page*a.pageSize, a.pageSize)
			if err != nil {
				return fmt.Errorf("category %s: %w", cat.Name, err)
			}

			var result pageResult
			err = a.fetcher.get(ctx, pageURL, func(body io.Reader) error {
				doc, err := goquery.NewDocumentFromReader(body)
				if err != nil {
					return fmt.Errorf("parse document: %w", err)
				}
				result = a.extractEntries(doc, targetDay, req.SiteName, cat.Name)
				return nil
			})
			if err != nil {
				return fmt.Errorf("category %s page %d: %w", cat.Name, page, err)
			}

			fresh := make([]domain.ListingEntry, 0, len(result.entries))
			for _, entry := range result.entries {
				if _, ok := seen[entry.ID]; ok {
					continue
				}
				seen[entry.ID] = struct{}{}
				fresh = append(fresh, entry)
			}
			if len(fresh) > 0 {
				if err := emit(fresh); err != nil {
					return err
				}
			}

			a.logger.Debug("listing page parsed",
				"category", cat.Name, "page", page, "entries", result.processed, "matched", len(result.entries))

			if !a.shouldContinue(result, foundTarget) {
				break
			}
			foundTarget = foundTarget || result.foundTarget
		}
	}

	return nil
}

type pageResult struct {
	entries     []domain.ListingEntry
	foundTarget bool
	pastTarget  bool
	processed   int
}

// shouldContinue keeps paging while the target day may still continue on the next page.
func (a *ArxivScanner) shouldContinue(res pageResult, foundBefore bool) bool {
	if res.processed < a.pageSize || res.pastTarget {
		return false
	}
	if len(res.entries) > 0 {
		return true
	}
	if foundBefore && !res.foundTarget {
		return false
	}
	return !foundBefore
}

func (a *ArxivScanner) extractEntries(doc *goquery.Document, targetDay time.Time, siteName, category string) pageResult {
	var (
		res        pageResult
		sectionDay time.Time
		hasHeaders = doc.Find("h3").Length() > 0
	)

	doc.Find("h3, dt").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "h3" {
			sectionDay = parseDay(sel.Text())
			if sectionDay.Equal(targetDay) {
				res.foundTarget = true
			}
			if !sectionDay.IsZero() && sectionDay.Before(targetDay) {
				res.pastTarget = true
			}
			return
		}

		res.processed++
		dd := sel.NextFiltered("dd")
		entry, entryDay, ok := parseEntry(sel, dd, siteName, category)
		if !ok {
			return
		}

		day := sectionDay
		if !hasHeaders || day.IsZero() {
			day = entryDay
		}
		if day.Equal(targetDay) {
			res.foundTarget = true
			res.entries = append(res.entries, entry)
		} else if !day.IsZero() && day.Before(targetDay) {
			res.pastTarget = true
		}
	})

	return res
}

func parseEntry(dt, dd *goquery.Selection, siteName, category string) (domain.ListingEntry, time.Time, bool) {
	link := dt.Find(`a[href*="/abs/"]`).First()
	id := strings.TrimSpace(link.Text())
	href, _ := link.Attr("href")
	if id == "" {
		id = strings.TrimPrefix(href, "/abs/")
	}
	id = strings.TrimSpace(strings.TrimPrefix(id, "arXiv:"))
	if id == "" || dd.Length() == 0 {
		return domain.ListingEntry{}, time.Time{}, false
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))

	abstract := dd.Find("p.mathjax").First().Text()
	abstract = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(abstract), "Abstract:"))

	var authors []string
	dd.Find(".list-authors a").Each(func(_ int, a *goquery.Selection) {
		if name := strings.TrimSpace(a.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	categories := parseCategories(dd.Find(".list-subjects").First().Text())
	if len(categories) == 0 && category != "" {
		categories = []string{category}
	}

	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}

	source := siteName
	if category != "" {
		source = fmt.Sprintf("%s/%s", siteName, category)
	}

	return domain.ListingEntry{
		ID:         id,
		Title:      title,
		Abstract:   abstract,
		Authors:    authors,
		Categories: categories,
		Link:       strings.TrimSuffix(arxivBaseURL, "/") + "/abs/" + id,
		Source:     source,
	}, parseDay(dateText), true
}

func parseCategories(subjects string) []string {
	matches := categoryExpr.FindAllStringSubmatch(subjects, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// parseDay pulls "17 Sep 2025" out of headers like "Wed, 17 Sep 2025 (showing 50 of 120 entries)".
func parseDay(text string) time.Time {
	match := dateExpr.FindString(text)
	if match == "" {
		return time.Time{}
	}
	parsed, err := time.Parse("2 Jan 2006", match)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid category url %s: %v", domain.ErrConfiguration, base, err)
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
