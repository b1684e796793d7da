package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/internal/similarity"
	"github.com/devpouya/swissnews/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// sqliteScanLimit caps how many recent rows are scored in Go when looking
// for similar titles, since SQLite has no trigram index.
const sqliteScanLimit = 2000

const articleSummaryColumns = `id, url, title, content, author, publication_date, word_count, content_hash, scraped_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// In-memory databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// FindArticleByURL returns the article stored under url or ErrNotFound.
func (s *SQLite) FindArticleByURL(ctx context.Context, url string) (*model.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, content, summary, author, publication_date, language, outlet_id,
		        word_count, tags, content_hash, scraped_at, updated_at
		 FROM articles WHERE url = ?`, url,
	)
	return scanArticle(row)
}

// FindArticlesByContentHash returns all articles sharing a fingerprint.
func (s *SQLite) FindArticlesByContentHash(ctx context.Context, hash string) ([]model.ArticleSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleSummaryColumns+` FROM articles WHERE content_hash = ? ORDER BY id`, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("query articles by hash: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSummaries(rows)
}

// FindSimilarCandidates returns up to SimilarCandidateLimit articles scraped
// since the given time whose title trigram similarity exceeds TrigramCutoff,
// best first.
func (s *SQLite) FindSimilarCandidates(ctx context.Context, title string, since time.Time) ([]model.ArticleSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleSummaryColumns+` FROM articles
		 WHERE scraped_at >= ?
		 ORDER BY scraped_at DESC, id DESC
		 LIMIT ?`,
		since.UTC().Format(timeLayout), sqliteScanLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recent, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	return rankByTitle(recent, title, TrigramCutoff, SimilarCandidateLimit), nil
}

// FindArticlesByDateRange returns up to DateRangeCandidateLimit articles
// published within [start, end], ranked by title trigram similarity.
func (s *SQLite) FindArticlesByDateRange(ctx context.Context, title string, start, end time.Time) ([]model.ArticleSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleSummaryColumns+` FROM articles
		 WHERE publication_date IS NOT NULL
		   AND publication_date >= ? AND publication_date <= ?
		 ORDER BY publication_date DESC, id DESC
		 LIMIT ?`,
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout), sqliteScanLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query articles by date: %w", err)
	}
	defer func() { _ = rows.Close() }()

	inRange, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	return rankByTitle(inRange, title, 0, DateRangeCandidateLimit), nil
}

// InsertArticle stores a new article and populates its ID and timestamps.
func (s *SQLite) InsertArticle(ctx context.Context, a *model.Article) error {
	now := s.now().UTC()
	if a.ScrapedAt.IsZero() {
		a.ScrapedAt = now
	}
	a.ScrapedAt = a.ScrapedAt.UTC()

	tags, err := encodeTags(a.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO articles (url, title, content, summary, author, publication_date, language, outlet_id,
		                       word_count, tags, content_hash, scraped_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.URL, a.Title, a.Content, a.Summary, a.Author, formatNullableTime(a.PublicationDate), a.Language,
		a.OutletID, a.WordCount, tags, a.ContentHash, a.ScrapedAt.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.ScrapedAt = a.ScrapedAt.Truncate(time.Second)
	a.UpdatedAt = now.Truncate(time.Second)
	return nil
}

// UpdateArticle persists the mutable fields of an existing article.
func (s *SQLite) UpdateArticle(ctx context.Context, a *model.Article) error {
	now := s.now().UTC()
	tags, err := encodeTags(a.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE articles SET title = ?, content = ?, summary = ?, author = ?, publication_date = ?,
		        language = ?, word_count = ?, tags = ?, content_hash = ?, updated_at = ?
		 WHERE id = ?`,
		a.Title, a.Content, a.Summary, a.Author, formatNullableTime(a.PublicationDate),
		a.Language, a.WordCount, tags, a.ContentHash, now.Format(timeLayout), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update article %d: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = now.Truncate(time.Second)
	return nil
}

// RecordDetectionStats adds stats to the counters of their day.
func (s *SQLite) RecordDetectionStats(ctx context.Context, st model.DetectionStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO duplicate_detection_stats (date, articles_processed, duplicates_url, duplicates_content,
		                                        articles_updated, articles_skipped, total_detection_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
		     articles_processed      = articles_processed + excluded.articles_processed,
		     duplicates_url          = duplicates_url + excluded.duplicates_url,
		     duplicates_content      = duplicates_content + excluded.duplicates_content,
		     articles_updated        = articles_updated + excluded.articles_updated,
		     articles_skipped        = articles_skipped + excluded.articles_skipped,
		     total_detection_time_ms = total_detection_time_ms + excluded.total_detection_time_ms`,
		st.Date.UTC().Format(time.DateOnly), st.ArticlesProcessed, st.DuplicatesURL, st.DuplicatesContent,
		st.ArticlesUpdated, st.ArticlesSkipped, st.TotalDetectionTimeMS,
	)
	if err != nil {
		return fmt.Errorf("record detection stats: %w", err)
	}
	return nil
}

// GetDetectionStats returns the counters recorded for the day of date.
func (s *SQLite) GetDetectionStats(ctx context.Context, date time.Time) (*model.DetectionStats, error) {
	day := date.UTC().Format(time.DateOnly)
	st := model.DetectionStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT articles_processed, duplicates_url, duplicates_content, articles_updated,
		        articles_skipped, total_detection_time_ms
		 FROM duplicate_detection_stats WHERE date = ?`, day,
	).Scan(&st.ArticlesProcessed, &st.DuplicatesURL, &st.DuplicatesContent, &st.ArticlesUpdated,
		&st.ArticlesSkipped, &st.TotalDetectionTimeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan detection stats: %w", err)
	}
	st.Date, _ = time.Parse(time.DateOnly, day)
	return &st, nil
}

// EnsureOutlet inserts the outlet if its name is unknown, refreshes its
// metadata otherwise, and populates o.ID.
func (s *SQLite) EnsureOutlet(ctx context.Context, o *model.Outlet) error {
	now := s.now().UTC().Format(timeLayout)
	if o.Status == "" {
		o.Status = model.OutletActive
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outlets (name, url, language, owner, city, canton, occurrence, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     url = excluded.url, language = excluded.language, owner = excluded.owner,
		     city = excluded.city, canton = excluded.canton, occurrence = excluded.occurrence,
		     status = excluded.status, updated_at = excluded.updated_at
		 RETURNING id`,
		o.Name, o.URL, o.Language, o.Owner, o.City, o.Canton, o.Occurrence, string(o.Status), now, now,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("upsert outlet: %w", err)
	}
	return nil
}

// GetOutletByName returns the outlet with the given name or ErrNotFound.
func (s *SQLite) GetOutletByName(ctx context.Context, name string) (*model.Outlet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, language, owner, city, canton, occurrence, status
		 FROM outlets WHERE name = ?`, name,
	)
	o, err := scanOutlet(row)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOutlets returns all outlets ordered by name.
func (s *SQLite) ListOutlets(ctx context.Context) ([]model.Outlet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, language, owner, city, canton, occurrence, status
		 FROM outlets ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query outlets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outlets []model.Outlet
	for rows.Next() {
		o, err := scanOutlet(rows)
		if err != nil {
			return nil, err
		}
		outlets = append(outlets, o)
	}
	return outlets, rows.Err()
}

// InsertRun stores a new scraping run.
func (s *SQLite) InsertRun(ctx context.Context, run *model.ScrapingRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scraping_runs (run_id, status, started_at, lock_file_path) VALUES (?, ?, ?, ?)`,
		run.RunID, string(run.Status), run.StartedAt.UTC().Format(timeLayout), run.LockFilePath,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun writes status, counters and outcome of a run that is still
// running. It reports whether a row was changed.
func (s *SQLite) UpdateRun(ctx context.Context, run *model.ScrapingRun) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_runs
		 SET status = ?, completed_at = ?, articles_scraped = ?, articles_updated = ?, articles_skipped = ?,
		     outlets_processed = ?, outlets_failed = ?, total_duration_seconds = ?, error_message = ?
		 WHERE run_id = ? AND status = 'running'`,
		string(run.Status), formatNullableTime(run.CompletedAt), run.ArticlesScraped, run.ArticlesUpdated,
		run.ArticlesSkipped, run.OutletsProcessed, run.OutletsFailed, run.TotalDurationSeconds,
		TruncateError(run.ErrorMessage), run.RunID,
	)
	if err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}
	return affected(res)
}

// AbortRun marks a still running run as aborted.
func (s *SQLite) AbortRun(ctx context.Context, runID, message string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_runs
		 SET status = 'aborted', completed_at = ?, error_message = ?,
		     total_duration_seconds = (julianday(?) - julianday(started_at)) * 86400.0
		 WHERE run_id = ? AND status = 'running'`,
		at.UTC().Format(timeLayout), TruncateError(message), at.UTC().Format(timeLayout), runID,
	)
	if err != nil {
		return false, fmt.Errorf("abort run: %w", err)
	}
	return affected(res)
}

// GetRun returns a run by id or ErrNotFound.
func (s *SQLite) GetRun(ctx context.Context, runID string) (*model.ScrapingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, started_at, completed_at, articles_scraped, articles_updated, articles_skipped,
		        outlets_processed, outlets_failed, total_duration_seconds, error_message, lock_file_path
		 FROM scraping_runs WHERE run_id = ?`, runID,
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRecentRuns returns the newest runs first.
func (s *SQLite) ListRecentRuns(ctx context.Context, limit int) ([]model.ScrapingRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, started_at, completed_at, articles_scraped, articles_updated, articles_skipped,
		        outlets_processed, outlets_failed, total_duration_seconds, error_message, lock_file_path
		 FROM scraping_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertRunOutlet stores a per-outlet row and populates its ID.
func (s *SQLite) InsertRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scraping_run_outlets (run_id, outlet_name, outlet_url, status, articles_found,
		                                   articles_scraped, duration_seconds, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.OutletName, o.OutletURL, string(o.Status), o.ArticlesFound, o.ArticlesScraped,
		o.DurationSeconds, TruncateError(o.ErrorMessage), o.StartedAt.UTC().Format(timeLayout),
		formatNullableTime(o.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run outlet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	o.ID = id
	return nil
}

// UpdateRunOutlet completes the processing row of (run, outlet). It reports
// whether such a row existed.
func (s *SQLite) UpdateRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_run_outlets
		 SET status = ?, articles_found = ?, articles_scraped = ?, duration_seconds = ?,
		     error_message = ?, completed_at = ?
		 WHERE run_id = ? AND outlet_name = ? AND status = 'processing'`,
		string(o.Status), o.ArticlesFound, o.ArticlesScraped, o.DurationSeconds,
		TruncateError(o.ErrorMessage), formatNullableTime(o.CompletedAt), o.RunID, o.OutletName,
	)
	if err != nil {
		return false, fmt.Errorf("update run outlet: %w", err)
	}
	return affected(res)
}

// ListRunOutlets returns the per-outlet rows of a run in insertion order.
func (s *SQLite) ListRunOutlets(ctx context.Context, runID string) ([]model.ScrapingRunOutlet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, outlet_name, outlet_url, status, articles_found, articles_scraped,
		        duration_seconds, error_message, started_at, completed_at
		 FROM scraping_run_outlets WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run outlets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outlets []model.ScrapingRunOutlet
	for rows.Next() {
		var o model.ScrapingRunOutlet
		var status, started string
		var completed sql.NullString
		if err := rows.Scan(&o.ID, &o.RunID, &o.OutletName, &o.OutletURL, &status, &o.ArticlesFound,
			&o.ArticlesScraped, &o.DurationSeconds, &o.ErrorMessage, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan run outlet: %w", err)
		}
		o.Status = model.OutletRunStatus(status)
		o.StartedAt, _ = time.Parse(timeLayout, started)
		o.CompletedAt = parseNullableTime(completed)
		outlets = append(outlets, o)
	}
	return outlets, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanArticle(row scannable) (*model.Article, error) {
	var a model.Article
	var pubDate sql.NullString
	var tags, scraped, updated string
	err := row.Scan(&a.ID, &a.URL, &a.Title, &a.Content, &a.Summary, &a.Author, &pubDate, &a.Language,
		&a.OutletID, &a.WordCount, &tags, &a.ContentHash, &scraped, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan article: %w", err)
	}
	a.PublicationDate = parseNullableTime(pubDate)
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	a.ScrapedAt, _ = time.Parse(timeLayout, scraped)
	a.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &a, nil
}

func scanSummaries(rows *sql.Rows) ([]model.ArticleSummary, error) {
	var out []model.ArticleSummary
	for rows.Next() {
		var a model.ArticleSummary
		var pubDate sql.NullString
		var scraped string
		if err := rows.Scan(&a.ID, &a.URL, &a.Title, &a.Content, &a.Author, &pubDate, &a.WordCount,
			&a.ContentHash, &scraped); err != nil {
			return nil, fmt.Errorf("scan article summary: %w", err)
		}
		a.PublicationDate = parseNullableTime(pubDate)
		a.ScrapedAt, _ = time.Parse(timeLayout, scraped)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanOutlet(row scannable) (model.Outlet, error) {
	var o model.Outlet
	var status string
	err := row.Scan(&o.ID, &o.Name, &o.URL, &o.Language, &o.Owner, &o.City, &o.Canton, &o.Occurrence, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("scan outlet: %w", err)
	}
	o.Status = model.OutletStatus(status)
	return o, nil
}

func scanRun(row scannable) (model.ScrapingRun, error) {
	var r model.ScrapingRun
	var status, started string
	var completed sql.NullString
	err := row.Scan(&r.RunID, &status, &started, &completed, &r.ArticlesScraped, &r.ArticlesUpdated,
		&r.ArticlesSkipped, &r.OutletsProcessed, &r.OutletsFailed, &r.TotalDurationSeconds, &r.ErrorMessage,
		&r.LockFilePath)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.Status = model.RunStatus(status)
	r.StartedAt, _ = time.Parse(timeLayout, started)
	r.CompletedAt = parseNullableTime(completed)
	return r, nil
}

// rankByTitle keeps summaries whose title trigram similarity exceeds cutoff,
// best first, at most limit of them.
func rankByTitle(in []model.ArticleSummary, title string, cutoff float64, limit int) []model.ArticleSummary {
	type scored struct {
		a     model.ArticleSummary
		score float64
	}
	var kept []scored
	for _, a := range in {
		score := similarity.Trigram(title, a.Title)
		if cutoff > 0 && score <= cutoff {
			continue
		}
		kept = append(kept, scored{a: a, score: score})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]model.ArticleSummary, 0, len(kept))
	for _, k := range kept {
		out = append(out, k.a)
	}
	return out
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
