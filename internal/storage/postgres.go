package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/migrations"
)

const pgSummaryColumns = `id, url, title, content, author, publication_date, word_count, content_hash, scraped_at`

const pgRunColumns = `run_id::text, status, started_at, completed_at, articles_scraped, articles_updated,
	articles_skipped, outlets_processed, outlets_failed, total_duration_seconds, error_message, lock_file_path`

// Postgres implements Storage backed by PostgreSQL with the pg_trgm
// extension providing the title prefilter.
type Postgres struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// NewPostgres connects to dsn and runs pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Postgres{pool: pool, db: db}, nil
}

// Close releases all connections.
func (p *Postgres) Close() error {
	err := p.db.Close()
	p.pool.Close()
	return err
}

// FindArticleByURL returns the article stored under url or ErrNotFound.
func (p *Postgres) FindArticleByURL(ctx context.Context, url string) (*model.Article, error) {
	var a model.Article
	err := p.pool.QueryRow(ctx,
		`SELECT id, url, title, content, summary, author, publication_date, language, outlet_id,
		        word_count, tags, content_hash, scraped_at, updated_at
		 FROM articles WHERE url = $1`, url,
	).Scan(&a.ID, &a.URL, &a.Title, &a.Content, &a.Summary, &a.Author, &a.PublicationDate, &a.Language,
		&a.OutletID, &a.WordCount, &a.Tags, &a.ContentHash, &a.ScrapedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan article: %w", err)
	}
	return &a, nil
}

// FindArticlesByContentHash returns all articles sharing a fingerprint.
func (p *Postgres) FindArticlesByContentHash(ctx context.Context, hash string) ([]model.ArticleSummary, error) {
	return p.querySummaries(ctx,
		`SELECT `+pgSummaryColumns+` FROM articles WHERE content_hash = $1 ORDER BY id`, hash)
}

// FindSimilarCandidates uses pg_trgm similarity to return up to
// SimilarCandidateLimit recent articles with a similar title.
func (p *Postgres) FindSimilarCandidates(ctx context.Context, title string, since time.Time) ([]model.ArticleSummary, error) {
	return p.querySummaries(ctx,
		`SELECT `+pgSummaryColumns+` FROM articles
		 WHERE scraped_at >= $1 AND similarity(title, $2) > $3
		 ORDER BY similarity(title, $2) DESC, id DESC
		 LIMIT $4`,
		since.UTC(), title, TrigramCutoff, SimilarCandidateLimit)
}

// FindArticlesByDateRange returns up to DateRangeCandidateLimit articles
// published within [start, end], most similar titles first.
func (p *Postgres) FindArticlesByDateRange(ctx context.Context, title string, start, end time.Time) ([]model.ArticleSummary, error) {
	return p.querySummaries(ctx,
		`SELECT `+pgSummaryColumns+` FROM articles
		 WHERE publication_date BETWEEN $1 AND $2
		 ORDER BY similarity(title, $3) DESC, id DESC
		 LIMIT $4`,
		start.UTC(), end.UTC(), title, DateRangeCandidateLimit)
}

// InsertArticle stores a new article and populates its ID and timestamps.
func (p *Postgres) InsertArticle(ctx context.Context, a *model.Article) error {
	if a.ScrapedAt.IsZero() {
		a.ScrapedAt = time.Now().UTC()
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO articles (url, title, content, summary, author, publication_date, language, outlet_id,
		                       word_count, tags, content_hash, scraped_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		 RETURNING id, updated_at`,
		a.URL, a.Title, a.Content, a.Summary, a.Author, a.PublicationDate, a.Language, a.OutletID,
		a.WordCount, tags, a.ContentHash, a.ScrapedAt.UTC(),
	).Scan(&a.ID, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

// UpdateArticle persists the mutable fields of an existing article.
func (p *Postgres) UpdateArticle(ctx context.Context, a *model.Article) error {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	err := p.pool.QueryRow(ctx,
		`UPDATE articles SET title = $1, content = $2, summary = $3, author = $4, publication_date = $5,
		        language = $6, word_count = $7, tags = $8, content_hash = $9, updated_at = now()
		 WHERE id = $10
		 RETURNING updated_at`,
		a.Title, a.Content, a.Summary, a.Author, a.PublicationDate, a.Language, a.WordCount, tags,
		a.ContentHash, a.ID,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update article %d: %w", a.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	return nil
}

// RecordDetectionStats adds stats to the counters of their day.
func (p *Postgres) RecordDetectionStats(ctx context.Context, st model.DetectionStats) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO duplicate_detection_stats AS s (date, articles_processed, duplicates_url, duplicates_content,
		                                             articles_updated, articles_skipped, total_detection_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (date) DO UPDATE SET
		     articles_processed      = s.articles_processed + EXCLUDED.articles_processed,
		     duplicates_url          = s.duplicates_url + EXCLUDED.duplicates_url,
		     duplicates_content      = s.duplicates_content + EXCLUDED.duplicates_content,
		     articles_updated        = s.articles_updated + EXCLUDED.articles_updated,
		     articles_skipped        = s.articles_skipped + EXCLUDED.articles_skipped,
		     total_detection_time_ms = s.total_detection_time_ms + EXCLUDED.total_detection_time_ms`,
		day(st.Date), st.ArticlesProcessed, st.DuplicatesURL, st.DuplicatesContent,
		st.ArticlesUpdated, st.ArticlesSkipped, st.TotalDetectionTimeMS,
	)
	if err != nil {
		return fmt.Errorf("record detection stats: %w", err)
	}
	return nil
}

// GetDetectionStats returns the counters recorded for the day of date.
func (p *Postgres) GetDetectionStats(ctx context.Context, date time.Time) (*model.DetectionStats, error) {
	st := model.DetectionStats{Date: day(date)}
	err := p.pool.QueryRow(ctx,
		`SELECT articles_processed, duplicates_url, duplicates_content, articles_updated,
		        articles_skipped, total_detection_time_ms
		 FROM duplicate_detection_stats WHERE date = $1`, st.Date,
	).Scan(&st.ArticlesProcessed, &st.DuplicatesURL, &st.DuplicatesContent, &st.ArticlesUpdated,
		&st.ArticlesSkipped, &st.TotalDetectionTimeMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan detection stats: %w", err)
	}
	return &st, nil
}

// EnsureOutlet inserts or refreshes the outlet by name and populates o.ID.
func (p *Postgres) EnsureOutlet(ctx context.Context, o *model.Outlet) error {
	if o.Status == "" {
		o.Status = model.OutletActive
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO outlets (name, url, language, owner, city, canton, occurrence, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE SET
		     url = EXCLUDED.url, language = EXCLUDED.language, owner = EXCLUDED.owner,
		     city = EXCLUDED.city, canton = EXCLUDED.canton, occurrence = EXCLUDED.occurrence,
		     status = EXCLUDED.status, updated_at = now()
		 RETURNING id`,
		o.Name, o.URL, o.Language, o.Owner, o.City, o.Canton, o.Occurrence, string(o.Status),
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("upsert outlet: %w", err)
	}
	return nil
}

// GetOutletByName returns the outlet with the given name or ErrNotFound.
func (p *Postgres) GetOutletByName(ctx context.Context, name string) (*model.Outlet, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, url, language, owner, city, canton, occurrence, status
		 FROM outlets WHERE name = $1`, name,
	)
	o, err := scanOutlet(pgRow{row})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOutlets returns all outlets ordered by name.
func (p *Postgres) ListOutlets(ctx context.Context) ([]model.Outlet, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, url, language, owner, city, canton, occurrence, status FROM outlets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query outlets: %w", err)
	}
	defer rows.Close()

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
func (p *Postgres) InsertRun(ctx context.Context, run *model.ScrapingRun) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO scraping_runs (run_id, status, started_at, lock_file_path) VALUES ($1, $2, $3, $4)`,
		run.RunID, string(run.Status), run.StartedAt.UTC(), run.LockFilePath,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun writes status, counters and outcome of a run that is still running.
func (p *Postgres) UpdateRun(ctx context.Context, run *model.ScrapingRun) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE scraping_runs
		 SET status = $1, completed_at = $2, articles_scraped = $3, articles_updated = $4, articles_skipped = $5,
		     outlets_processed = $6, outlets_failed = $7, total_duration_seconds = $8, error_message = $9
		 WHERE run_id = $10 AND status = 'running'`,
		string(run.Status), run.CompletedAt, run.ArticlesScraped, run.ArticlesUpdated, run.ArticlesSkipped,
		run.OutletsProcessed, run.OutletsFailed, run.TotalDurationSeconds, TruncateError(run.ErrorMessage),
		run.RunID,
	)
	if err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AbortRun marks a still running run as aborted.
func (p *Postgres) AbortRun(ctx context.Context, runID, message string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE scraping_runs
		 SET status = 'aborted', completed_at = $1, error_message = $2,
		     total_duration_seconds = EXTRACT(EPOCH FROM ($1 - started_at))
		 WHERE run_id = $3 AND status = 'running'`,
		at.UTC(), TruncateError(message), runID,
	)
	if err != nil {
		return false, fmt.Errorf("abort run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRun returns a run by id or ErrNotFound.
func (p *Postgres) GetRun(ctx context.Context, runID string) (*model.ScrapingRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM scraping_runs WHERE run_id = $1`, runID)
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRecentRuns returns the newest runs first.
func (p *Postgres) ListRecentRuns(ctx context.Context, limit int) ([]model.ScrapingRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgRunColumns+` FROM scraping_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ScrapingRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertRunOutlet stores a per-outlet row and populates its ID.
func (p *Postgres) InsertRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO scraping_run_outlets (run_id, outlet_name, outlet_url, status, articles_found,
		                                   articles_scraped, duration_seconds, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		o.RunID, o.OutletName, o.OutletURL, string(o.Status), o.ArticlesFound, o.ArticlesScraped,
		o.DurationSeconds, TruncateError(o.ErrorMessage), o.StartedAt.UTC(), o.CompletedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert run outlet: %w", err)
	}
	return nil
}

// UpdateRunOutlet completes the processing row of (run, outlet).
func (p *Postgres) UpdateRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE scraping_run_outlets
		 SET status = $1, articles_found = $2, articles_scraped = $3, duration_seconds = $4,
		     error_message = $5, completed_at = $6
		 WHERE run_id = $7 AND outlet_name = $8 AND status = 'processing'`,
		string(o.Status), o.ArticlesFound, o.ArticlesScraped, o.DurationSeconds,
		TruncateError(o.ErrorMessage), o.CompletedAt, o.RunID, o.OutletName,
	)
	if err != nil {
		return false, fmt.Errorf("update run outlet: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRunOutlets returns the per-outlet rows of a run in insertion order.
func (p *Postgres) ListRunOutlets(ctx context.Context, runID string) ([]model.ScrapingRunOutlet, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id::text, outlet_name, outlet_url, status, articles_found, articles_scraped,
		        duration_seconds, error_message, started_at, completed_at
		 FROM scraping_run_outlets WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run outlets: %w", err)
	}
	defer rows.Close()

	var outlets []model.ScrapingRunOutlet
	for rows.Next() {
		var o model.ScrapingRunOutlet
		var status string
		if err := rows.Scan(&o.ID, &o.RunID, &o.OutletName, &o.OutletURL, &status, &o.ArticlesFound,
			&o.ArticlesScraped, &o.DurationSeconds, &o.ErrorMessage, &o.StartedAt, &o.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan run outlet: %w", err)
		}
		o.Status = model.OutletRunStatus(status)
		outlets = append(outlets, o)
	}
	return outlets, rows.Err()
}

func (p *Postgres) querySummaries(ctx context.Context, query string, args ...any) ([]model.ArticleSummary, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query article summaries: %w", err)
	}
	defer rows.Close()

	var out []model.ArticleSummary
	for rows.Next() {
		var a model.ArticleSummary
		if err := rows.Scan(&a.ID, &a.URL, &a.Title, &a.Content, &a.Author, &a.PublicationDate, &a.WordCount,
			&a.ContentHash, &a.ScrapedAt); err != nil {
			return nil, fmt.Errorf("scan article summary: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// pgRow adapts pgx.Row so sql.ErrNoRows handling in scanOutlet also
// covers pgx.ErrNoRows.
type pgRow struct{ pgx.Row }

func (r pgRow) Scan(dest ...any) error {
	err := r.Row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return sql.ErrNoRows
	}
	return err
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func scanPgRun(row scannable) (model.ScrapingRun, error) {
	var r model.ScrapingRun
	var status string
	err := row.Scan(&r.RunID, &status, &r.StartedAt, &r.CompletedAt, &r.ArticlesScraped, &r.ArticlesUpdated,
		&r.ArticlesSkipped, &r.OutletsProcessed, &r.OutletsFailed, &r.TotalDurationSeconds, &r.ErrorMessage,
		&r.LockFilePath)
	if err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.Status = model.RunStatus(status)
	return r, nil
}
