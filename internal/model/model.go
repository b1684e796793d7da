// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// Article is a stored news article.
type Article struct {
	ID              int64
	URL             string
	Title           string
	Content         string
	Summary         string
	Author          string
	PublicationDate *time.Time
	Language        string
	OutletID        int64
	WordCount       int
	Tags            []string
	ContentHash     string
	ScrapedAt       time.Time
	UpdatedAt       time.Time
}

// ArticleSummary is the projection returned by duplicate candidate queries.
type ArticleSummary struct {
	ID              int64
	URL             string
	Title           string
	Content         string
	Author          string
	PublicationDate *time.Time
	WordCount       int
	ContentHash     string
	ScrapedAt       time.Time
}

// AsSummary returns the candidate projection of an article.
func (a *Article) AsSummary() ArticleSummary {
	return ArticleSummary{
		ID:              a.ID,
		URL:             a.URL,
		Title:           a.Title,
		Content:         a.Content,
		Author:          a.Author,
		PublicationDate: a.PublicationDate,
		WordCount:       a.WordCount,
		ContentHash:     a.ContentHash,
		ScrapedAt:       a.ScrapedAt,
	}
}

// Candidate is an article extracted by a scraper that has not been stored yet.
type Candidate struct {
	URL             string
	Title           string
	BodyParagraphs  []string
	Summary         string
	Author          string
	PublicationDate *time.Time
	Language        string
	Tags            []string
	WordCount       int
}

// Content joins the body paragraphs the way the detector compares them.
func (c Candidate) Content() string {
	return strings.Join(c.BodyParagraphs, " ")
}

// StoredContent joins the body paragraphs the way articles are persisted.
func (c Candidate) StoredContent() string {
	return strings.Join(c.BodyParagraphs, "\n\n")
}

// OutletStatus tells whether an outlet is still publishing.
type OutletStatus string

// Supported outlet statuses.
const (
	OutletActive  OutletStatus = "active"
	OutletDefunct OutletStatus = "defunct"
)

// Outlet is a news source stored in the database.
type Outlet struct {
	ID         int64
	Name       string
	URL        string
	Language   string
	Owner      string
	City       string
	Canton     string
	Occurrence string
	Status     OutletStatus
}

// OutletConfig describes how to scrape one outlet.
type OutletConfig struct {
	Name        string
	URL         string
	FeedURL     string
	Language    string
	Owner       string
	City        string
	Canton      string
	Occurrence  string
	Status      OutletStatus
	UserAgent   string
	MaxArticles int
	Timeout     time.Duration
	Filters     []Filter
}

// FilterKind defines the type of filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of a feed item a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
)

// Filter is a single include or exclude rule attached to an outlet.
type Filter struct {
	Kind  FilterKind
	Scope FilterScope
	Value string
}

// MatchType names the check that produced a duplicate match.
type MatchType string

// Supported match types.
const (
	MatchExactURL       MatchType = "exact_url"
	MatchExactContent   MatchType = "exact_content"
	MatchSimilarContent MatchType = "similar_content"
	MatchTimeProximity  MatchType = "time_proximity"
)

// DuplicateMatch is a stored article that matched a candidate.
type DuplicateMatch struct {
	ArticleSummary
	MatchType         MatchType
	SimilarityScore   float64
	TitleSimilarity   float64
	ContentSimilarity float64
}

// MatchInfo describes why a candidate was judged a duplicate.
type MatchInfo struct {
	MatchType       MatchType
	SimilarityScore float64
	Matches         []DuplicateMatch
	DetectionTime   time.Duration
}

// RunStatus is the lifecycle state of a scraping run.
type RunStatus string

// Supported run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
	RunSkipped   RunStatus = "skipped"
)

// ScrapingRun is the durable record of one scheduled cycle.
type ScrapingRun struct {
	RunID                string
	Status               RunStatus
	StartedAt            time.Time
	CompletedAt          *time.Time
	ArticlesScraped      int
	ArticlesUpdated      int
	ArticlesSkipped      int
	OutletsProcessed     int
	OutletsFailed        int
	TotalDurationSeconds float64
	ErrorMessage         string
	LockFilePath         string
}

// OutletRunStatus is the state of one outlet within a run.
type OutletRunStatus string

// Supported outlet run statuses.
const (
	OutletProcessing OutletRunStatus = "processing"
	OutletSuccess    OutletRunStatus = "success"
	OutletFailed     OutletRunStatus = "failed"
)

// ScrapingRunOutlet records the outcome for one outlet within a run.
type ScrapingRunOutlet struct {
	ID              int64
	RunID           string
	OutletName      string
	OutletURL       string
	Status          OutletRunStatus
	ArticlesFound   int
	ArticlesScraped int
	DurationSeconds float64
	ErrorMessage    string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// DetectionStats are daily duplicate detection counters.
type DetectionStats struct {
	Date                 time.Time
	ArticlesProcessed    int
	DuplicatesURL        int
	DuplicatesContent    int
	ArticlesUpdated      int
	ArticlesSkipped      int
	TotalDetectionTimeMS int64
}
