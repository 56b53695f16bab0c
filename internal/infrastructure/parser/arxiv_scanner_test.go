package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/retry"
	"PaperDigest/internal/scanner"
)

func TestBuildPageURL(t *testing.T) {
	t.Parallel()

	base := "https://arxiv.org/list/astro-ph.GA/recent"
	u, err := buildPageURL(base, 100, 50)
	if err != nil {
		t.Fatalf("buildPageURL returned error: %v", err)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}

	if parsed.Scheme != "https" || parsed.Host != "arxiv.org" || parsed.Path != "/list/astro-ph.GA/recent" {
		t.Fatalf("unexpected url: %s", u)
	}

	q := parsed.Query()
	if q.Get("skip") != "100" {
		t.Fatalf("expected skip=100, got %s", q.Get("skip"))
	}
	if q.Get("show") != "50" {
		t.Fatalf("expected show=50, got %s", q.Get("show"))
	}
}

func TestBuildPageURLRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := buildPageURL("://bad url", 0, 50)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestParseEntry(t *testing.T) {
	t.Parallel()

	html := `
	<dl>
	  <dt>
	    <a href="/abs/1234.56789" title="Abstract">arXiv:1234.56789</a>
	  </dt>
	  <dd>
	    <div class="list-date">Date: 8 Nov 2025</div>
	    <div class="list-title mathjax">Title: Sample Title</div>
	    <div class="list-authors"><a href="/a/one">Ann One</a>, <a href="/a/two">Bob Two</a></div>
	    <div class="list-subjects">Astrophysics of Galaxies (astro-ph.GA); Cosmology (astro-ph.CO)</div>
	    <p class="mathjax">Abstract: Sample abstract text.</p>
	  </dd>
	</dl>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("new document: %v", err)
	}

	entry, day, ok := parseEntry(doc.Find("dt").First(), doc.Find("dd").First(), "arxiv", "astro-ph.GA")
	if !ok {
		t.Fatal("parseEntry rejected a complete entry")
	}

	if entry.ID != "1234.56789" {
		t.Fatalf("unexpected id: %s", entry.ID)
	}
	if entry.Title != "Sample Title" {
		t.Fatalf("unexpected title: %s", entry.Title)
	}
	if entry.Abstract != "Sample abstract text." {
		t.Fatalf("unexpected abstract: %s", entry.Abstract)
	}
	if entry.Source != "arxiv/astro-ph.GA" {
		t.Fatalf("unexpected source: %s", entry.Source)
	}
	if entry.Link != "https://arxiv.org/abs/1234.56789" {
		t.Fatalf("unexpected link: %s", entry.Link)
	}
	if got := strings.Join(entry.Authors, "|"); got != "Ann One|Bob Two" {
		t.Fatalf("unexpected authors: %s", got)
	}
	if got := strings.Join(entry.Categories, ","); got != "astro-ph.GA,astro-ph.CO" {
		t.Fatalf("unexpected categories: %s", got)
	}
	if day.Format("2006-01-02") != "2025-11-08" {
		t.Fatalf("unexpected published date: %v", day)
	}
}

func TestParseEntryWithoutBody(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<dl><dt><a href="/abs/1.2">arXiv:1.2</a></dt></dl>`))
	if err != nil {
		t.Fatalf("new document: %v", err)
	}
	if _, _, ok := parseEntry(doc.Find("dt").First(), doc.Find("dd"), "arxiv", ""); ok {
		t.Fatal("expected entry without dd to be rejected")
	}
}

func TestParseDay(t *testing.T) {
	t.Parallel()

	got := parseDay("Fri, 7 Nov 2025 (showing 50 of 112 entries )")
	if got.Format("2006-01-02") != "2025-11-07" {
		t.Fatalf("unexpected day: %v", got)
	}
	if !parseDay("no date here").IsZero() {
		t.Fatal("expected zero day for text without a date")
	}
}

func listingEntry(id, title string) string {
	return fmt.Sprintf(`
	  <dt><a href="/abs/%[1]s" title="Abstract">arXiv:%[1]s</a></dt>
	  <dd>
	    <div class="list-title mathjax">Title: %[2]s</div>
	    <div class="list-authors"><a href="/a/x">A. Author</a></div>
	    <div class="list-subjects">Astrophysics of Galaxies (astro-ph.GA)</div>
	    <p class="mathjax">Abstract: about %[2]s.</p>
	  </dd>`, id, title)
}

func section(header string, entries ...string) string {
	return "<h3>" + header + "</h3><dl>" + strings.Join(entries, "") + "</dl>"
}

func collect(t *testing.T, sc *ArxivScanner, req scanner.Request) ([][]domain.ListingEntry, error) {
	t.Helper()
	var pages [][]domain.ListingEntry
	err := sc.Scan(context.Background(), req, func(page []domain.ListingEntry) error {
		pages = append(pages, page)
		return nil
	})
	return pages, err
}

func TestArxivScannerScanSections(t *testing.T) {
	t.Parallel()

	targetDay := time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(
			section("Sat, 8 Nov 2025 (showing 2 of 2 entries)",
				listingEntry("2511.00001", "Fresh One"),
				listingEntry("2511.00002", "Fresh Two")) +
				section("Fri, 7 Nov 2025 (showing 1 of 40 entries)",
					listingEntry("2511.00000", "Old One"))))
	}))
	defer server.Close()

	sc := NewArxivScanner(server.Client(), nil, nil).WithPaging(10, 5)
	pages, err := collect(t, sc, scanner.Request{
		Day:        targetDay,
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL + "/list/astro-ph.GA/recent"}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}

	if len(pages) != 1 || len(pages[0]) != 2 {
		t.Fatalf("expected one page with 2 entries, got %v", pages)
	}
	if pages[0][0].ID != "2511.00001" || pages[0][1].ID != "2511.00002" {
		t.Fatalf("unexpected entries order: %s, %s", pages[0][0].ID, pages[0][1].ID)
	}
	if pages[0][0].Abstract != "about Fresh One." {
		t.Fatalf("unexpected abstract: %s", pages[0][0].Abstract)
	}
}

func TestArxivScannerFallsBackToEntryDates(t *testing.T) {
	t.Parallel()

	targetDay := time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`
		<dl>
		  <dt><a href="/abs/2501.00001">arXiv:2501.00001</a></dt>
		  <dd>
		    <div class="list-date">Date: 8 Nov 2025</div>
		    <div class="list-title mathjax">Title: Fresh Article</div>
		    <p class="mathjax">Abstract: brand new.</p>
		  </dd>
		  <dt><a href="/abs/2501.00002">arXiv:2501.00002</a></dt>
		  <dd>
		    <div class="list-date">Date: 7 Nov 2025</div>
		    <div class="list-title mathjax">Title: Old Article</div>
		    <p class="mathjax">Abstract: older.</p>
		  </dd>
		</dl>`))
	}))
	defer server.Close()

	sc := NewArxivScanner(server.Client(), nil, nil).WithPaging(10, 0)
	pages, err := collect(t, sc, scanner.Request{
		Day:        targetDay,
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "cs.AI", URL: server.URL + "/list/cs.AI"}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(pages) != 1 || len(pages[0]) != 1 || pages[0][0].ID != "2501.00001" {
		t.Fatalf("unexpected pages: %v", pages)
	}
}

func TestArxivScannerPaginatesUntilPastTarget(t *testing.T) {
	t.Parallel()

	targetDay := time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC)
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Query().Get("skip") {
		case "0":
			_, _ = w.Write([]byte(section("Sat, 8 Nov 2025",
				listingEntry("2511.00001", "One"),
				listingEntry("2511.00002", "Two"))))
		case "2":
			_, _ = w.Write([]byte(section("Sat, 8 Nov 2025", listingEntry("2511.00003", "Three")) +
				section("Fri, 7 Nov 2025", listingEntry("2511.00000", "Old"))))
		default:
			t.Errorf("unexpected page request %s", r.URL.String())
		}
	}))
	defer server.Close()

	sc := NewArxivScanner(server.Client(), nil, nil).WithPaging(2, 5)
	pages, err := collect(t, sc, scanner.Request{
		Day:        targetDay,
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL + "/list/astro-ph.GA/recent"}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}

	if len(pages) != 2 || len(pages[0]) != 2 || len(pages[1]) != 1 {
		t.Fatalf("expected pages of 2 and 1 entries, got %v", pages)
	}
	if pages[1][0].ID != "2511.00003" {
		t.Fatalf("unexpected id on second page: %s", pages[1][0].ID)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestArxivScannerKeepsEmittedPagesOnFailure(t *testing.T) {
	t.Parallel()

	targetDay := time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("skip") == "0" {
			_, _ = w.Write([]byte(section("Sat, 8 Nov 2025",
				listingEntry("2511.00001", "One"),
				listingEntry("2511.00002", "Two"))))
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	retrier := retry.New(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}, domain.IsRetryable, nil)
	sc := NewArxivScanner(server.Client(), retrier, nil).WithPaging(2, 5)
	pages, err := collect(t, sc, scanner.Request{
		Day:        targetDay,
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL + "/list"}},
	})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(pages) != 1 || len(pages[0]) != 2 {
		t.Fatalf("expected first page to be emitted before the failure, got %v", pages)
	}
}

func TestArxivScannerRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	targetDay := time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(section("Sat, 8 Nov 2025", listingEntry("2511.00001", "One"))))
	}))
	defer server.Close()

	retrier := retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, domain.IsRetryable, nil)
	sc := NewArxivScanner(server.Client(), retrier, nil).WithPaging(10, 5)
	pages, err := collect(t, sc, scanner.Request{
		Day:        targetDay,
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL + "/list"}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(pages) != 1 || calls.Load() != 2 {
		t.Fatalf("expected one page after a retry, got %d pages and %d calls", len(pages), calls.Load())
	}
}

func TestArxivScannerDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	retrier := retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, domain.IsRetryable, nil)
	sc := NewArxivScanner(server.Client(), retrier, nil)
	_, err := collect(t, sc, scanner.Request{
		Day:        time.Now(),
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL + "/list"}},
	})
	if err == nil || errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single request, got %d", calls.Load())
	}
}

func TestArxivScannerRequiresCategories(t *testing.T) {
	t.Parallel()

	sc := NewArxivScanner(nil, nil, nil)
	err := sc.Scan(context.Background(), scanner.Request{SiteName: "arxiv"}, func([]domain.ListingEntry) error { return nil })
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
