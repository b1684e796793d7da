package scraper

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/devpouya/swissnews/internal/model"
)

const feedURL = "https://www.beispiel.ch/rss/schweiz.xml"

const bundesratPage = `<html><body>
<header><p>Navigation und andere Dinge, die kein Artikeltext sind.</p></header>
<article>
  <h1>Bundesrat beschliesst neue Massnahmen gegen Inflation</h1>
  <p>Der Bundesrat hat am Mittwoch ein Paket gegen die Teuerung verabschiedet.</p>
  <p>Foto: Keystone</p>
  <p>Die Massnahmen sollen ab Juli gelten, teilte die Regierung mit.</p>
</article>
</body></html>`

type page struct {
	status int
	body   string
}

type mockClient struct {
	mu     sync.Mutex
	pages  map[string]page
	agents []string
	urls   []string
}

func (m *mockClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.agents = append(m.agents, req.Header.Get("User-Agent"))
	m.urls = append(m.urls, req.URL.String())
	p, ok := m.pages[req.URL.String()]
	m.mu.Unlock()

	if !ok {
		p = page{status: http.StatusNotFound}
	}
	return &http.Response{
		StatusCode: p.status,
		Body:       io.NopCloser(bytes.NewBufferString(p.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newTestClient(t *testing.T) *mockClient {
	t.Helper()
	return &mockClient{pages: map[string]page{
		feedURL: {status: http.StatusOK, body: loadFixture(t, "testdata/feed.xml")},
		"https://www.beispiel.ch/schweiz/bundesrat-inflation": {status: http.StatusOK, body: bundesratPage},
		"https://www.beispiel.ch/sport/derby":                 {status: http.StatusOK, body: "<html><body><div>Kein Artikel</div></body></html>"},
	}}
}

func newTestScraper(client HTTPClient) *Scraper {
	return New(client, "", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestScrape(t *testing.T) {
	client := newTestClient(t)
	s := newTestScraper(client)
	outlet := model.OutletConfig{
		Name:     "Beispiel",
		FeedURL:  feedURL,
		Language: "de",
		Filters: []model.Filter{
			{Kind: model.FilterExclude, Scope: model.ScopeTitle, Value: "publireportage"},
		},
	}

	got, err := s.Scrape(context.Background(), outlet)
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}

	want := []model.Candidate{
		{
			URL:   "https://www.beispiel.ch/schweiz/bundesrat-inflation",
			Title: "Bundesrat beschliesst neue Massnahmen gegen Inflation",
			BodyParagraphs: []string{
				"Der Bundesrat hat am Mittwoch ein Paket gegen die Teuerung verabschiedet.",
				"Die Massnahmen sollen ab Juli gelten, teilte die Regierung mit.",
			},
			Summary:         "Der Bundesrat reagiert auf die steigenden Preise.",
			Author:          "Anna Muster",
			PublicationDate: at("2025-03-03T06:30:00Z"),
			Language:        "de",
			Tags:            []string{"Schweiz", "Wirtschaft"},
			WordCount:       21,
		},
		{
			URL:   "https://www.beispiel.ch/schweiz/lawinen",
			Title: "Lawinengefahr im Wallis steigt",
			BodyParagraphs: []string{
				"Im Oberwallis gilt seit Sonntag die Gefahrenstufe vier.",
				"Mehrere Pässe sind gesperrt.",
			},
			Summary:         "Im Oberwallis gilt die Gefahrenstufe vier.",
			PublicationDate: at("2025-03-03T08:15:00Z"),
			Language:        "de",
			WordCount:       12,
		},
		{
			URL:             "https://www.beispiel.ch/sport/derby",
			Title:           "FC Basel gewinnt das Derby",
			BodyParagraphs:  []string{"Basel siegt mit 3:1."},
			Summary:         "Basel siegt mit 3:1.",
			PublicationDate: at("2025-03-02T20:45:00Z"),
			Language:        "de",
			WordCount:       4,
		},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Scrape() mismatch (-want +got):\n%s", diff)
	}

	for _, agent := range client.agents {
		if agent != DefaultUserAgent {
			t.Errorf("User-Agent = %q, want %q", agent, DefaultUserAgent)
		}
	}
	for _, u := range client.urls {
		if u == "https://www.beispiel.ch/promo/tessin" {
			t.Error("page of an item rejected by a title filter was fetched")
		}
	}
}

func TestScrapeContentFilterUsesPageBody(t *testing.T) {
	client := newTestClient(t)
	s := newTestScraper(client)
	outlet := model.OutletConfig{
		Name:    "Beispiel",
		FeedURL: feedURL,
		Filters: []model.Filter{
			// Only the fetched article page mentions Teuerung.
			{Kind: model.FilterExclude, Scope: model.ScopeContent, Value: "teuerung"},
			{Kind: model.FilterExcludeRe, Scope: model.ScopeAll, Value: `^publireportage`},
		},
	}

	got, err := s.Scrape(context.Background(), outlet)
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	var urls []string
	for _, c := range got {
		urls = append(urls, c.URL)
	}
	want := []string{
		"https://www.beispiel.ch/schweiz/lawinen",
		"https://www.beispiel.ch/sport/derby",
	}
	if diff := cmp.Diff(want, urls); diff != "" {
		t.Errorf("candidate urls mismatch (-want +got):\n%s", diff)
	}
}

func TestScrapeMaxArticlesAndUserAgent(t *testing.T) {
	client := newTestClient(t)
	s := newTestScraper(client)
	outlet := model.OutletConfig{
		Name:        "Beispiel",
		FeedURL:     feedURL,
		UserAgent:   "BeispielBot/2.0",
		MaxArticles: 2,
	}

	got, err := s.Scrape(context.Background(), outlet)
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	var urls []string
	for _, c := range got {
		urls = append(urls, c.URL)
	}
	want := []string{
		"https://www.beispiel.ch/schweiz/bundesrat-inflation",
		"https://www.beispiel.ch/promo/tessin",
	}
	if diff := cmp.Diff(want, urls); diff != "" {
		t.Errorf("candidate urls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"BeispielBot/2.0", "BeispielBot/2.0", "BeispielBot/2.0"}, client.agents); diff != "" {
		t.Errorf("user agents mismatch (-want +got):\n%s", diff)
	}
}

func TestScrapeErrors(t *testing.T) {
	tests := []struct {
		name   string
		outlet model.OutletConfig
		pages  map[string]page
	}{
		{
			name:   "missing feed url",
			outlet: model.OutletConfig{Name: "Beispiel"},
		},
		{
			name:   "http error status",
			outlet: model.OutletConfig{Name: "Beispiel", FeedURL: feedURL},
			pages:  map[string]page{feedURL: {status: http.StatusServiceUnavailable}},
		},
		{
			name: "invalid filter",
			outlet: model.OutletConfig{Name: "Beispiel", FeedURL: feedURL, Filters: []model.Filter{
				{Kind: model.FilterIncludeRe, Scope: model.ScopeAll, Value: "[x"},
			}},
			pages: map[string]page{feedURL: {status: http.StatusOK, body: "<rss></rss>"}},
		},
		{
			name:   "invalid feed",
			outlet: model.OutletConfig{Name: "Beispiel", FeedURL: feedURL},
			pages:  map[string]page{feedURL: {status: http.StatusOK, body: "not xml at all"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScraper(&mockClient{pages: tt.pages})
			if _, err := s.Scrape(context.Background(), tt.outlet); err == nil {
				t.Error("Scrape() error = nil, want error")
			}
		})
	}
}

func TestParagraphs(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{name: "empty", html: "  ", want: nil},
		{name: "plain text", html: "Ein  kurzer\nSatz.", want: []string{"Ein kurzer Satz."}},
		{name: "paragraphs", html: "<p>Erster.</p><p> </p><p>Zweiter <b>fett</b>.</p>", want: []string{"Erster.", "Zweiter fett."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Paragraphs(tt.html)); diff != "" {
				t.Errorf("Paragraphs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFeedLanguage(t *testing.T) {
	tests := map[string]string{
		"de-CH": "de",
		"fr":    "fr",
		"IT-ch": "it",
		"en-US": "",
		"":      "",
	}
	for tag, want := range tests {
		if got := feedLanguage(tag); got != want {
			t.Errorf("feedLanguage(%q) = %q, want %q", tag, got, want)
		}
	}
}
