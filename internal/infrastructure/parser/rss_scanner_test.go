package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/scanner"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss xmlns:dc="http://purl.org/dc/elements/1.1/" version="2.0">
<channel>
  <title>astro-ph.GA updates on arXiv.org</title>
  <link>http://rss.arxiv.org/rss/astro-ph.GA</link>
  <description>astro-ph.GA updates</description>
  <item>
    <title>Gas Flows in Dwarf Galaxies</title>
    <link>https://arxiv.org/abs/2511.00001</link>
    <description>arXiv:2511.00001v1 Announce Type: new
Abstract: We study gas flows in dwarf galaxies.</description>
    <category>astro-ph.GA</category>
    <pubDate>Sat, 08 Nov 2025 00:00:00 -0500</pubDate>
    <dc:creator>Ann One, Bob Two</dc:creator>
  </item>
  <item>
    <title>Yesterday's Paper</title>
    <link>https://arxiv.org/abs/2511.00000</link>
    <description>arXiv:2511.00000v2 Announce Type: replace
Abstract: Old news.</description>
    <pubDate>Fri, 07 Nov 2025 00:00:00 -0500</pubDate>
  </item>
  <item>
    <title>No identifier</title>
    <description>Nothing to see.</description>
  </item>
</channel>
</rss>`

func TestRSSScannerScan(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	sc := NewRSSScanner(server.Client(), nil, nil)
	require.Equal(t, "arxiv-rss", sc.Name())

	var pages [][]domain.ListingEntry
	err := sc.Scan(context.Background(), scanner.Request{
		Day:        time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC),
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL + "/rss/astro-ph.GA"}},
	}, func(page []domain.ListingEntry) error {
		pages = append(pages, page)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Len(t, pages[0], 1)

	entry := pages[0][0]
	assert.Equal(t, "2511.00001", entry.ID)
	assert.Equal(t, "Gas Flows in Dwarf Galaxies", entry.Title)
	assert.Equal(t, "We study gas flows in dwarf galaxies.", entry.Abstract)
	assert.Equal(t, []string{"Ann One", "Bob Two"}, entry.Authors)
	assert.Equal(t, []string{"astro-ph.GA"}, entry.Categories)
	assert.Equal(t, "https://arxiv.org/abs/2511.00001", entry.Link)
	assert.Equal(t, "arxiv/astro-ph.GA", entry.Source)
}

func TestRSSScannerDeduplicatesAcrossCategories(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	sc := NewRSSScanner(server.Client(), nil, nil)
	var total int
	err := sc.Scan(context.Background(), scanner.Request{
		Day:      time.Date(2025, time.November, 8, 0, 0, 0, 0, time.UTC),
		SiteName: "arxiv",
		Categories: []scanner.Category{
			{Name: "astro-ph.GA", URL: server.URL + "/rss/astro-ph.GA"},
			{Name: "astro-ph.CO", URL: server.URL + "/rss/astro-ph.CO"},
		},
	}, func(page []domain.ListingEntry) error {
		total += len(page)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRSSScannerRejectsBrokenFeed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html"))
	}))
	defer server.Close()

	sc := NewRSSScanner(server.Client(), nil, nil)
	err := sc.Scan(context.Background(), scanner.Request{
		Day:        time.Now(),
		SiteName:   "arxiv",
		Categories: []scanner.Category{{Name: "astro-ph.GA", URL: server.URL}},
	}, func([]domain.ListingEntry) error { return nil })
	require.Error(t, err)
}
