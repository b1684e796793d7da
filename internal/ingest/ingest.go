// Package ingest stores scraped candidates, updating or skipping the ones
// the duplicate detector recognizes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/devpouya/swissnews/internal/dedup"
	"github.com/devpouya/swissnews/internal/langdetect"
	"github.com/devpouya/swissnews/internal/metrics"
	"github.com/devpouya/swissnews/internal/model"
)

// Action is the outcome of ingesting one candidate.
type Action string

// Supported actions.
const (
	Created Action = "created"
	Updated Action = "updated"
	Skipped Action = "skipped"
)

const romansh = "rm"

// ErrInvalidCandidate is returned for candidates missing a URL or title.
var ErrInvalidCandidate = errors.New("invalid candidate")

// Store is the persistence the service writes through.
type Store interface {
	dedup.Store
	InsertArticle(ctx context.Context, a *model.Article) error
	UpdateArticle(ctx context.Context, a *model.Article) error
	RecordDetectionStats(ctx context.Context, stats model.DetectionStats) error
	EnsureOutlet(ctx context.Context, o *model.Outlet) error
}

// Service ingests candidates. It is safe for concurrent use.
type Service struct {
	store    Store
	detector *dedup.Detector
	metrics  *metrics.Metrics
	log      *slog.Logger
	detect   func(string) string
	now      func() time.Time

	mu        sync.Mutex
	outletIDs map[string]int64
}

// New creates a Service. m may be nil.
func New(store Store, detector *dedup.Detector, m *metrics.Metrics, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		detector:  detector,
		metrics:   m,
		log:       log,
		detect:    langdetect.Detect,
		now:       time.Now,
		outletIDs: make(map[string]int64),
	}
}

// Ingest stores c for outlet unless it duplicates a stored article. A
// duplicate replaces the stored article only when it carries better data.
func (s *Service) Ingest(ctx context.Context, outlet model.OutletConfig, c model.Candidate) (Action, error) {
	if err := validate(c); err != nil {
		return "", err
	}
	c.WordCount = dedup.WordCount(c)

	start := time.Now()
	stats := model.DetectionStats{Date: s.now(), ArticlesProcessed: 1}
	action, err := s.ingest(ctx, outlet, c, &stats)
	if err != nil {
		return "", err
	}
	stats.TotalDetectionTimeMS = time.Since(start).Milliseconds()

	switch action {
	case Updated:
		stats.ArticlesUpdated = 1
	case Skipped:
		stats.ArticlesSkipped = 1
	}
	if err := s.store.RecordDetectionStats(ctx, stats); err != nil {
		s.log.Warn("record detection stats", "error", err)
	}
	s.metrics.IncArticle(string(action))
	s.log.Debug("ingest article", "outlet", outlet.Name, "url", c.URL, "action", action)
	return action, nil
}

func (s *Service) ingest(ctx context.Context, outlet model.OutletConfig, c model.Candidate, stats *model.DetectionStats) (Action, error) {
	if s.detector.IsDuplicateURL(ctx, c.URL) {
		stats.DuplicatesURL = 1
		existing, err := s.store.FindArticleByURL(ctx, c.URL)
		if err != nil {
			return "", fmt.Errorf("load duplicate article: %w", err)
		}
		if !s.detector.ShouldUpdateArticle(existing, c) {
			return Skipped, nil
		}
		if err := s.update(ctx, outlet, existing, c); err != nil {
			return "", err
		}
		return Updated, nil
	}

	if dup, info := s.detector.IsDuplicateContent(ctx, c.Title, c.Content()); dup {
		stats.DuplicatesContent = 1
		best := info.Matches[0]
		s.log.Debug("duplicate content", "url", c.URL, "match_url", best.URL,
			"match_type", info.MatchType, "score", info.SimilarityScore)
		if !s.detector.ShouldUpdateArticle(summaryArticle(best.ArticleSummary), c) {
			return Skipped, nil
		}
		existing, err := s.store.FindArticleByURL(ctx, best.URL)
		if err != nil {
			return "", fmt.Errorf("load duplicate article: %w", err)
		}
		if err := s.update(ctx, outlet, existing, c); err != nil {
			return "", err
		}
		return Updated, nil
	}

	outletID, err := s.outletID(ctx, outlet)
	if err != nil {
		return "", err
	}
	a := &model.Article{
		URL:             c.URL,
		Title:           c.Title,
		Content:         c.StoredContent(),
		Summary:         c.Summary,
		Author:          c.Author,
		PublicationDate: c.PublicationDate,
		Language:        s.language(outlet, c),
		OutletID:        outletID,
		WordCount:       c.WordCount,
		Tags:            c.Tags,
		ContentHash:     s.detector.CalculateContentHash(c.Content()),
	}
	if err := s.store.InsertArticle(ctx, a); err != nil {
		return "", err
	}
	return Created, nil
}

// update overwrites existing with the fields c provides.
func (s *Service) update(ctx context.Context, outlet model.OutletConfig, existing *model.Article, c model.Candidate) error {
	existing.Title = c.Title
	existing.Content = c.StoredContent()
	existing.ContentHash = s.detector.CalculateContentHash(c.Content())
	existing.WordCount = c.WordCount
	if c.Summary != "" {
		existing.Summary = c.Summary
	}
	if c.Author != "" {
		existing.Author = c.Author
	}
	if c.PublicationDate != nil {
		existing.PublicationDate = c.PublicationDate
	}
	if len(c.Tags) > 0 {
		existing.Tags = c.Tags
	}
	if existing.Language == "" {
		existing.Language = s.language(outlet, c)
	}
	return s.store.UpdateArticle(ctx, existing)
}

// language prefers the candidate's own language, then detection, then the
// outlet's configured language. Detection only knows de, fr and it, so
// Romansh outlets keep their configured language.
func (s *Service) language(outlet model.OutletConfig, c model.Candidate) string {
	if c.Language != "" {
		return c.Language
	}
	if outlet.Language == romansh {
		return outlet.Language
	}
	if lang := s.detect(c.Title + "\n" + c.Content()); lang != "" {
		return lang
	}
	return outlet.Language
}

func (s *Service) outletID(ctx context.Context, cfg model.OutletConfig) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.outletIDs[cfg.Name]; ok {
		return id, nil
	}
	o := &model.Outlet{
		Name:       cfg.Name,
		URL:        cfg.URL,
		Language:   cfg.Language,
		Owner:      cfg.Owner,
		City:       cfg.City,
		Canton:     cfg.Canton,
		Occurrence: cfg.Occurrence,
		Status:     cfg.Status,
	}
	if err := s.store.EnsureOutlet(ctx, o); err != nil {
		return 0, fmt.Errorf("ensure outlet %s: %w", cfg.Name, err)
	}
	s.outletIDs[cfg.Name] = o.ID
	return o.ID, nil
}

func validate(c model.Candidate) error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidCandidate)
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: missing title for %s", ErrInvalidCandidate, c.URL)
	}
	return nil
}

func summaryArticle(m model.ArticleSummary) *model.Article {
	return &model.Article{
		ID:              m.ID,
		URL:             m.URL,
		Title:           m.Title,
		Content:         m.Content,
		Author:          m.Author,
		PublicationDate: m.PublicationDate,
		WordCount:       m.WordCount,
		ContentHash:     m.ContentHash,
		ScrapedAt:       m.ScrapedAt,
	}
}
