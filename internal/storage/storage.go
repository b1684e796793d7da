// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/devpouya/swissnews/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Candidate query limits.
const (
	SimilarCandidateLimit   = 50
	DateRangeCandidateLimit = 20
	// TrigramCutoff is the prefilter threshold applied to candidate titles.
	TrigramCutoff = 0.3
)

// ArticleStore persists articles and answers duplicate candidate queries.
type ArticleStore interface {
	FindArticleByURL(ctx context.Context, url string) (*model.Article, error)
	FindArticlesByContentHash(ctx context.Context, hash string) ([]model.ArticleSummary, error)
	FindSimilarCandidates(ctx context.Context, title string, since time.Time) ([]model.ArticleSummary, error)
	FindArticlesByDateRange(ctx context.Context, title string, start, end time.Time) ([]model.ArticleSummary, error)
	InsertArticle(ctx context.Context, a *model.Article) error
	UpdateArticle(ctx context.Context, a *model.Article) error
	RecordDetectionStats(ctx context.Context, stats model.DetectionStats) error
	GetDetectionStats(ctx context.Context, date time.Time) (*model.DetectionStats, error)
}

// OutletStore persists outlets.
type OutletStore interface {
	EnsureOutlet(ctx context.Context, o *model.Outlet) error
	GetOutletByName(ctx context.Context, name string) (*model.Outlet, error)
	ListOutlets(ctx context.Context) ([]model.Outlet, error)
}

// RunStore persists scraping runs and their per-outlet rows.
// Run updates only apply while the run is still running.
type RunStore interface {
	InsertRun(ctx context.Context, run *model.ScrapingRun) error
	UpdateRun(ctx context.Context, run *model.ScrapingRun) (bool, error)
	AbortRun(ctx context.Context, runID, message string, at time.Time) (bool, error)
	GetRun(ctx context.Context, runID string) (*model.ScrapingRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]model.ScrapingRun, error)
	InsertRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) error
	UpdateRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) (bool, error)
	ListRunOutlets(ctx context.Context, runID string) ([]model.ScrapingRunOutlet, error)
}

// Storage is the interface for all persistence operations.
type Storage interface {
	ArticleStore
	OutletStore
	RunStore

	Close() error
}

// MaxErrorMessageLen bounds error text stored in run records.
const MaxErrorMessageLen = 4000

// TruncateError shortens an error message to MaxErrorMessageLen bytes
// without splitting a UTF-8 sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	cut := MaxErrorMessageLen
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
