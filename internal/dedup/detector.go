// Package dedup decides whether a scraped article is already stored, either
// under the same URL, with the same normalized content, with a similar
// title and body, or as a near-simultaneous report with a similar title.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/devpouya/swissnews/internal/hasher"
	"github.com/devpouya/swissnews/internal/metrics"
	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/internal/similarity"
	"github.com/devpouya/swissnews/internal/storage"
)

const (
	// RecallCutoff is the lowest combined score kept among scored candidates.
	RecallCutoff = 0.3
	// ProximityTitleCutoff is the title similarity a time-proximity match must exceed.
	ProximityTitleCutoff = 0.5
	// UpdateWordRatio is how much longer a re-scraped body must be to replace the stored one.
	UpdateWordRatio = 1.2
)

// Store is the subset of the article store the detector queries.
type Store interface {
	FindArticleByURL(ctx context.Context, url string) (*model.Article, error)
	FindArticlesByContentHash(ctx context.Context, hash string) ([]model.ArticleSummary, error)
	FindSimilarCandidates(ctx context.Context, title string, since time.Time) ([]model.ArticleSummary, error)
	FindArticlesByDateRange(ctx context.Context, title string, start, end time.Time) ([]model.ArticleSummary, error)
}

// Config tunes the detector.
type Config struct {
	SimilarityThreshold   float64
	TimeProximity         time.Duration
	MaxSimilaritySearch   time.Duration
	HashCacheSize         int
	EnableContentHashing  bool
	EnableTitleSimilarity bool
	EnableTimeProximity   bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:   0.80,
		TimeProximity:         24 * time.Hour,
		MaxSimilaritySearch:   90 * 24 * time.Hour,
		HashCacheSize:         hasher.DefaultCacheSize,
		EnableContentHashing:  true,
		EnableTitleSimilarity: true,
		EnableTimeProximity:   true,
	}
}

// Detector finds stored articles that duplicate a candidate. Store errors
// never escape: a failed lookup is logged and treated as "no match".
// A Detector is safe for concurrent use.
type Detector struct {
	store   Store
	cfg     Config
	hasher  *hasher.Hasher
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Detector. m may be nil.
func New(store Store, cfg Config, m *metrics.Metrics, log *slog.Logger) *Detector {
	return &Detector{
		store:   store,
		cfg:     cfg,
		hasher:  hasher.New(cfg.HashCacheSize),
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// CalculateContentHash returns the fingerprint of content after normalization.
func (d *Detector) CalculateContentHash(content string) string {
	return d.hasher.Hash(content)
}

// IsDuplicateURL reports whether an article with exactly this URL is stored.
func (d *Detector) IsDuplicateURL(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	existing, err := d.findByURL(ctx, url)
	if err != nil {
		d.log.Warn("check duplicate url", "url", url, "error", err)
		return false
	}
	if existing == nil {
		return false
	}
	d.metrics.IncDuplicate(string(model.MatchExactURL))
	return true
}

// IsDuplicateContent reports whether title and content duplicate a stored
// article, first by exact fingerprint and then by combined similarity.
func (d *Detector) IsDuplicateContent(ctx context.Context, title, content string) (bool, *model.MatchInfo) {
	start := time.Now()
	defer func() { d.metrics.ObserveDetection(time.Since(start)) }()

	if d.cfg.EnableContentHashing {
		matches, err := d.hashMatches(ctx, content)
		switch {
		case err != nil:
			d.log.Warn("check content hash", "error", err)
		case len(matches) > 0:
			return true, d.matchInfo(model.MatchExactContent, 1, matches, start)
		}
	}

	if d.cfg.EnableTitleSimilarity && title != "" {
		matches, err := d.scoredMatches(ctx, title, content)
		switch {
		case err != nil:
			d.log.Warn("check content similarity", "title", title, "error", err)
		case len(matches) > 0 && matches[0].SimilarityScore >= d.cfg.SimilarityThreshold:
			return true, d.matchInfo(model.MatchSimilarContent, matches[0].SimilarityScore, matches, start)
		}
	}

	d.log.Debug("no duplicate content", "title", title, "detection_time_ms", time.Since(start).Milliseconds())
	return false, nil
}

// FindSimilarArticles merges URL, fingerprint, similarity and time-proximity
// matches for c, deduplicated by article and ranked by score. Any failing
// lookup makes it return an empty list.
func (d *Detector) FindSimilarArticles(ctx context.Context, c model.Candidate) []model.DuplicateMatch {
	matches, err := d.findSimilar(ctx, c)
	if err != nil {
		d.log.Error("find similar articles", "url", c.URL, "error", err)
		return []model.DuplicateMatch{}
	}
	return matches
}

// ShouldUpdateArticle reports whether a re-scraped candidate carries better
// data than the stored article with the same URL.
func (d *Detector) ShouldUpdateArticle(existing *model.Article, c model.Candidate) bool {
	if existing == nil || existing.URL != c.URL {
		return false
	}

	content := c.Content()
	if d.hasher.Hash(existing.Content) != d.hasher.Hash(content) {
		return true
	}
	if float64(WordCount(c)) > UpdateWordRatio*float64(existing.WordCount) {
		return true
	}
	if existing.Author == "" && c.Author != "" {
		return true
	}
	if existing.PublicationDate == nil && c.PublicationDate != nil {
		return true
	}
	return false
}

// WordCount returns the candidate's word count, counting its body when the
// scraper did not.
func WordCount(c model.Candidate) int {
	if c.WordCount > 0 {
		return c.WordCount
	}
	n := 0
	for _, p := range c.BodyParagraphs {
		n += len(strings.Fields(p))
	}
	return n
}

func (d *Detector) findSimilar(ctx context.Context, c model.Candidate) ([]model.DuplicateMatch, error) {
	var all []model.DuplicateMatch

	if c.URL != "" {
		existing, err := d.findByURL(ctx, c.URL)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			all = append(all, model.DuplicateMatch{
				ArticleSummary:  existing.AsSummary(),
				MatchType:       model.MatchExactURL,
				SimilarityScore: 1,
			})
		}
	}

	content := c.Content()
	if d.cfg.EnableContentHashing {
		matches, err := d.hashMatches(ctx, content)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}

	if d.cfg.EnableTitleSimilarity && c.Title != "" {
		matches, err := d.scoredMatches(ctx, c.Title, content)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.SimilarityScore >= d.cfg.SimilarityThreshold {
				all = append(all, m)
			}
		}
	}

	if d.cfg.EnableTimeProximity && c.PublicationDate != nil && c.Title != "" {
		matches, err := d.proximityMatches(ctx, c.Title, *c.PublicationDate)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}

	seen := make(map[int64]struct{}, len(all))
	unique := make([]model.DuplicateMatch, 0, len(all))
	for _, m := range all {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		unique = append(unique, m)
	}
	sortByScore(unique)
	return unique, nil
}

// findByURL returns nil without error when no article has this URL.
func (d *Detector) findByURL(ctx context.Context, url string) (*model.Article, error) {
	a, err := d.store.FindArticleByURL(ctx, url)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find article by url: %w", err)
	}
	return a, nil
}

func (d *Detector) hashMatches(ctx context.Context, content string) ([]model.DuplicateMatch, error) {
	hash := d.hasher.Hash(content)
	if hash == "" {
		return nil, nil
	}
	found, err := d.store.FindArticlesByContentHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("find articles by hash: %w", err)
	}
	matches := make([]model.DuplicateMatch, 0, len(found))
	for _, a := range found {
		matches = append(matches, model.DuplicateMatch{
			ArticleSummary:  a,
			MatchType:       model.MatchExactContent,
			SimilarityScore: 1,
		})
	}
	return matches, nil
}

// scoredMatches scores every prefiltered candidate and returns those at or
// above RecallCutoff, best first.
func (d *Detector) scoredMatches(ctx context.Context, title, content string) ([]model.DuplicateMatch, error) {
	since := d.now().Add(-d.cfg.MaxSimilaritySearch)
	candidates, err := d.store.FindSimilarCandidates(ctx, title, since)
	if err != nil {
		return nil, fmt.Errorf("find similar candidates: %w", err)
	}

	var matches []model.DuplicateMatch
	for _, a := range candidates {
		ts := similarity.Title(title, a.Title)
		cs := similarity.Content(content, a.Content)
		score := similarity.Combined(ts, cs)
		if score < RecallCutoff {
			continue
		}
		matches = append(matches, model.DuplicateMatch{
			ArticleSummary:    a,
			MatchType:         model.MatchSimilarContent,
			SimilarityScore:   score,
			TitleSimilarity:   ts,
			ContentSimilarity: cs,
		})
	}
	sortByScore(matches)
	return matches, nil
}

func (d *Detector) proximityMatches(ctx context.Context, title string, published time.Time) ([]model.DuplicateMatch, error) {
	start, end := published.Add(-d.cfg.TimeProximity), published.Add(d.cfg.TimeProximity)
	candidates, err := d.store.FindArticlesByDateRange(ctx, title, start, end)
	if err != nil {
		return nil, fmt.Errorf("find articles by date range: %w", err)
	}

	var matches []model.DuplicateMatch
	for _, a := range candidates {
		if a.PublicationDate == nil || a.PublicationDate.Before(start) || a.PublicationDate.After(end) {
			continue
		}
		ts := similarity.Title(title, a.Title)
		if ts <= ProximityTitleCutoff {
			continue
		}
		matches = append(matches, model.DuplicateMatch{
			ArticleSummary:  a,
			MatchType:       model.MatchTimeProximity,
			SimilarityScore: ts,
			TitleSimilarity: ts,
		})
	}
	return matches, nil
}

func (d *Detector) matchInfo(mt model.MatchType, score float64, matches []model.DuplicateMatch, start time.Time) *model.MatchInfo {
	elapsed := time.Since(start)
	d.metrics.IncDuplicate(string(mt))
	d.log.Debug("duplicate content", "match_type", mt, "score", score, "matches", len(matches),
		"detection_time_ms", elapsed.Milliseconds())
	return &model.MatchInfo{
		MatchType:       mt,
		SimilarityScore: score,
		Matches:         matches,
		DetectionTime:   elapsed,
	}
}

func sortByScore(matches []model.DuplicateMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].SimilarityScore > matches[j].SimilarityScore
	})
}
