// Package scraper downloads outlet feeds and article pages and turns them
// into candidate articles.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/devpouya/swissnews/internal/filter"
	"github.com/devpouya/swissnews/internal/model"
)

const (
	// DefaultUserAgent is sent when neither the outlet nor the scraper sets one.
	DefaultUserAgent = "SwissNewsAggregator/1.0"

	maxBodySize   = 5 * 1024 * 1024
	maxSummaryLen = 500
	// minParagraphLen drops captions, bylines and button labels from pages.
	minParagraphLen = 40
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Scraper fetches outlet feeds. Requests across all outlets share one rate
// limiter.
type Scraper struct {
	client    HTTPClient
	limiter   *rate.Limiter
	userAgent string
	log       *slog.Logger
}

// New creates a Scraper issuing at most rps requests per second. A
// non-positive rps disables limiting.
func New(client HTTPClient, userAgent string, rps float64, log *slog.Logger) *Scraper {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Scraper{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: userAgent,
		log:       log,
	}
}

// Scrape reads the outlet's feed, applies its filters and returns up to
// MaxArticles candidates. Article pages are fetched for the body text; when
// a page fails or has no usable paragraphs, the feed's own content is used.
func (s *Scraper) Scrape(ctx context.Context, o model.OutletConfig) ([]model.Candidate, error) {
	if o.FeedURL == "" {
		return nil, fmt.Errorf("outlet %s: no feed url", o.Name)
	}
	filters, err := filter.Compile(o.Filters)
	if err != nil {
		return nil, fmt.Errorf("outlet %s filters: %w", o.Name, err)
	}
	titleOnly := filters.TitleOnly()
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	data, err := s.get(ctx, o.FeedURL, s.agent(o))
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	log := s.log.With("outlet", o.Name)
	language := feedLanguage(feed.Language)
	var out []model.Candidate
	for _, item := range feed.Items {
		if o.MaxArticles > 0 && len(out) >= o.MaxArticles {
			break
		}
		link := strings.TrimSpace(item.Link)
		title := strings.TrimSpace(item.Title)
		if link == "" || title == "" {
			continue
		}

		// Title-only filters run before the page fetch; the rest need the body.
		if titleOnly && !filters.Match(filter.Item{Title: title}) {
			log.Debug("filtered out", "url", link)
			continue
		}

		feedParagraphs := Paragraphs(firstNonEmpty(item.Content, item.Description))
		body := s.pageParagraphs(ctx, log, link, s.agent(o))
		if len(body) == 0 {
			body = feedParagraphs
		}
		if !titleOnly {
			text := strings.Join(append(append([]string(nil), feedParagraphs...), body...), " ")
			if !filters.Match(filter.Item{Title: title, Content: text}) {
				log.Debug("filtered out", "url", link)
				continue
			}
		}

		c := model.Candidate{
			URL:             link,
			Title:           title,
			BodyParagraphs:  body,
			Summary:         summarize(item.Description),
			Author:          author(item),
			PublicationDate: published(item),
			Language:        language,
			Tags:            item.Categories,
		}
		for _, p := range c.BodyParagraphs {
			c.WordCount += len(strings.Fields(p))
		}
		out = append(out, c)
	}
	log.Debug("feed parsed", "items", len(feed.Items), "candidates", len(out))
	return out, nil
}

func (s *Scraper) pageParagraphs(ctx context.Context, log *slog.Logger, url, agent string) []string {
	body, err := s.get(ctx, url, agent)
	if err != nil {
		log.Debug("fetch article page", "url", url, "error", err)
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		log.Debug("parse article page", "url", url, "error", err)
		return nil
	}

	sel := doc.Find("article p")
	if sel.Length() == 0 {
		sel = doc.Find("main p")
	}
	var paragraphs []string
	sel.Each(func(_ int, p *goquery.Selection) {
		text := collapse(p.Text())
		if len([]rune(text)) >= minParagraphLen {
			paragraphs = append(paragraphs, text)
		}
	})
	return paragraphs
}

func (s *Scraper) get(ctx context.Context, url, agent string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", agent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (s *Scraper) agent(o model.OutletConfig) string {
	if o.UserAgent != "" {
		return o.UserAgent
	}
	return s.userAgent
}

// Paragraphs splits an HTML fragment into its paragraph texts. A fragment
// without <p> elements is returned as a single paragraph.
func Paragraphs(html string) []string {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var out []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := collapse(p.Text()); text != "" {
			out = append(out, text)
		}
	})
	if len(out) == 0 {
		if text := collapse(doc.Text()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func summarize(html string) string {
	text := strings.Join(Paragraphs(html), " ")
	if r := []rune(text); len(r) > maxSummaryLen {
		return string(r[:maxSummaryLen]) + "..."
	}
	return text
}

func author(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return item.DublinCoreExt.Creator[0]
	}
	return ""
}

func published(item *gofeed.Item) *time.Time {
	t := item.PublishedParsed
	if t == nil {
		t = item.UpdatedParsed
	}
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// feedLanguage maps a feed language tag such as "de-CH" to a supported code.
func feedLanguage(tag string) string {
	lang, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(tag)), "-")
	switch lang {
	case "de", "fr", "it", "rm":
		return lang
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
