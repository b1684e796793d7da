// Package scheduler runs scraping cycles: one lock, one run record, every
// configured outlet scraped in order and its articles ingested.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/devpouya/swissnews/internal/ingest"
	"github.com/devpouya/swissnews/internal/lock"
	"github.com/devpouya/swissnews/internal/metrics"
	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/internal/storage"
)

// errAborted stops the outlet loop after Abort or context cancellation.
var errAborted = errors.New("scraping run aborted")

// Scraper extracts candidate articles from one outlet.
type Scraper interface {
	Scrape(ctx context.Context, outlet model.OutletConfig) ([]model.Candidate, error)
}

// Ingester stores one candidate.
type Ingester interface {
	Ingest(ctx context.Context, outlet model.OutletConfig, c model.Candidate) (ingest.Action, error)
}

// OutletSource lists the outlets to scrape, in order.
type OutletSource interface {
	Outlets() ([]model.OutletConfig, error)
}

// RunStore records runs and their per-outlet rows.
type RunStore interface {
	InsertRun(ctx context.Context, run *model.ScrapingRun) error
	UpdateRun(ctx context.Context, run *model.ScrapingRun) (bool, error)
	AbortRun(ctx context.Context, runID, message string, at time.Time) (bool, error)
	InsertRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) error
	UpdateRunOutlet(ctx context.Context, o *model.ScrapingRunOutlet) (bool, error)
}

// Locker guards a cycle against concurrent cycles.
type Locker interface {
	Acquire() (bool, error)
	Release() error
	Path() string
}

// Reporter is told about every cycle that was not skipped.
type Reporter interface {
	Report(ctx context.Context, res Result) error
}

// OutletResult summarizes one outlet within a cycle.
type OutletResult struct {
	Name            string                `json:"name"`
	Status          model.OutletRunStatus `json:"status"`
	ArticlesFound   int                   `json:"articles_found"`
	ArticlesScraped int                   `json:"articles_scraped"`
	Error           string                `json:"error,omitempty"`
}

// Result summarizes one cycle.
type Result struct {
	RunID            string          `json:"run_id"`
	Status           model.RunStatus `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	DurationSeconds  float64         `json:"duration_seconds"`
	ArticlesScraped  int             `json:"articles_scraped"`
	ArticlesUpdated  int             `json:"articles_updated"`
	ArticlesSkipped  int             `json:"articles_skipped"`
	OutletsProcessed int             `json:"outlets_processed"`
	OutletsFailed    int             `json:"outlets_failed"`
	Error            string          `json:"error,omitempty"`
	Outlets          []OutletResult  `json:"outlets,omitempty"`
}

// Scheduler runs scraping cycles. Cycles are sequential; Abort may be
// called from another goroutine.
type Scheduler struct {
	scraper  Scraper
	ingester Ingester
	outlets  OutletSource
	runs     RunStore
	reporter Reporter
	metrics  *metrics.Metrics
	log      *slog.Logger
	newLock  func(runID string) Locker
	newID    func() string
	now      func() time.Time

	cancelled atomic.Bool

	mu      sync.Mutex
	runID   string
	lock    Locker
	current *Result
}

// New creates a Scheduler that locks lockPath for every cycle. m may be nil.
func New(scraper Scraper, ingester Ingester, outlets OutletSource, runs RunStore, lockPath string, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	return &Scheduler{
		scraper:  scraper,
		ingester: ingester,
		outlets:  outlets,
		runs:     runs,
		metrics:  m,
		log:      log,
		newLock: func(runID string) Locker {
			return lock.New(lockPath, runID, log)
		},
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// SetReporter sets where cycle summaries are sent.
func (s *Scheduler) SetReporter(r Reporter) {
	s.reporter = r
}

// Run executes a cycle on every tick of the cron schedule spec, blocking
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		res := s.RunCycle(ctx)
		s.log.Info("scheduled run finished", "run_id", res.RunID, "status", res.Status)
	}); err != nil {
		return fmt.Errorf("parse cron schedule %q: %w", spec, err)
	}

	c.Start()
	s.log.Info("scheduler started", "schedule", spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunCycle performs one scraping cycle and returns its summary. A cycle
// that finds the lock held is skipped without touching the database.
func (s *Scheduler) RunCycle(ctx context.Context) Result {
	start := s.now()
	res := Result{RunID: s.newID(), StartedAt: start.UTC()}
	log := s.log.With("run_id", res.RunID)

	if s.cancelled.Load() {
		log.Info("scheduler aborted, not starting run")
		res.Status = model.RunAborted
		res.Error = "scheduler aborted"
		return res
	}

	lk := s.newLock(res.RunID)
	ok, err := lk.Acquire()
	if err != nil {
		log.Error("acquire lock", "path", lk.Path(), "error", err)
		res.Status = model.RunFailed
		res.Error = err.Error()
		s.metrics.ObserveRun(string(res.Status), 0)
		return res
	}
	if !ok {
		log.Info("lock held by another run, skipping", "path", lk.Path())
		res.Status = model.RunSkipped
		s.metrics.ObserveRun(string(res.Status), 0)
		return res
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Error("release lock", "path", lk.Path(), "error", err)
		}
	}()

	s.setCurrent(res.RunID, lk, &res)
	defer s.setCurrent("", nil, nil)

	// Bookkeeping must survive cancellation of ctx.
	dbctx := context.WithoutCancel(ctx)

	run := &model.ScrapingRun{
		RunID:        res.RunID,
		Status:       model.RunRunning,
		StartedAt:    start,
		LockFilePath: lk.Path(),
	}
	if err := s.runs.InsertRun(dbctx, run); err != nil {
		log.Error("insert run", "error", err)
		s.setCurrent("", nil, nil)
		res.Status = model.RunFailed
		res.Error = err.Error()
		s.metrics.ObserveRun(string(res.Status), 0)
		return res
	}
	log.Info("scraping run started", "lock", lk.Path())

	err = s.process(ctx, dbctx, log, &res)
	s.setCurrent("", nil, nil)
	s.finalize(dbctx, log, run, &res, err)
	return res
}

// Abort stops the current cycle before its next outlet, marks its run
// aborted and releases its lock. An aborted Scheduler starts no further
// cycles.
func (s *Scheduler) Abort(ctx context.Context, reason string) {
	s.cancelled.Store(true)

	s.mu.Lock()
	runID, lk := s.runID, s.lock
	var partial Result
	if s.current != nil {
		partial = *s.current
	}
	s.mu.Unlock()

	if runID == "" {
		s.log.Info("abort requested with no run in progress", "reason", reason)
		return
	}
	log := s.log.With("run_id", runID)
	updated, err := s.runs.AbortRun(ctx, runID, storage.TruncateError(reason), s.now())
	switch {
	case err != nil:
		log.Error("abort run", "error", err)
	case updated:
		log.Warn("scraping run aborted", "reason", reason,
			"outlets_processed", partial.OutletsProcessed, "articles_scraped", partial.ArticlesScraped)
	}
	if err := lk.Release(); err != nil {
		log.Error("release lock", "path", lk.Path(), "error", err)
	}
}

func (s *Scheduler) process(ctx, dbctx context.Context, log *slog.Logger, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during scraping run: %v", r)
		}
	}()

	outlets, err := s.outlets.Outlets()
	if err != nil {
		return fmt.Errorf("load outlets: %w", err)
	}
	log.Info("scraping outlets", "count", len(outlets))

	for _, o := range outlets {
		if s.cancelled.Load() || ctx.Err() != nil {
			return errAborted
		}
		out := s.processOutlet(ctx, dbctx, log, res.RunID, o)
		s.mu.Lock()
		res.Outlets = append(res.Outlets, out.result)
		res.ArticlesScraped += out.created
		res.ArticlesUpdated += out.updated
		res.ArticlesSkipped += out.skipped
		if out.result.Status == model.OutletFailed {
			res.OutletsFailed++
		} else {
			res.OutletsProcessed++
		}
		s.mu.Unlock()
	}
	return nil
}

type outletTally struct {
	result  OutletResult
	created int
	updated int
	skipped int
}

func (s *Scheduler) processOutlet(ctx, dbctx context.Context, log *slog.Logger, runID string, o model.OutletConfig) outletTally {
	log = log.With("outlet", o.Name)
	start := s.now()
	row := &model.ScrapingRunOutlet{
		RunID:      runID,
		OutletName: o.Name,
		OutletURL:  o.URL,
		Status:     model.OutletProcessing,
		StartedAt:  start,
	}
	if err := s.runs.InsertRunOutlet(dbctx, row); err != nil {
		log.Warn("insert run outlet", "error", err)
	}

	// A panic fails the whole run, but the outlet row is closed first.
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncOutletFailure(o.Name)
			row.Status = model.OutletFailed
			row.ErrorMessage = storage.TruncateError(fmt.Sprintf("panic: %v", r))
			s.completeRunOutlet(dbctx, log, row, start)
			panic(r)
		}
	}()

	var t outletTally
	candidates, err := s.scraper.Scrape(ctx, o)
	if err != nil {
		log.Error("scrape outlet", "error", err)
		s.metrics.IncOutletFailure(o.Name)
		row.Status = model.OutletFailed
		row.ErrorMessage = storage.TruncateError(err.Error())
	} else {
		for _, c := range candidates {
			action, err := s.ingester.Ingest(ctx, o, c)
			if err != nil {
				log.Warn("ingest article", "url", c.URL, "error", err)
				continue
			}
			switch action {
			case ingest.Created:
				t.created++
			case ingest.Updated:
				t.updated++
			case ingest.Skipped:
				t.skipped++
			}
		}
		row.Status = model.OutletSuccess
		row.ArticlesFound = len(candidates)
		row.ArticlesScraped = t.created
		log.Info("outlet scraped", "found", len(candidates), "created", t.created,
			"updated", t.updated, "skipped", t.skipped)
	}

	s.completeRunOutlet(dbctx, log, row, start)

	t.result = OutletResult{
		Name:            o.Name,
		Status:          row.Status,
		ArticlesFound:   row.ArticlesFound,
		ArticlesScraped: row.ArticlesScraped,
		Error:           row.ErrorMessage,
	}
	return t
}

func (s *Scheduler) completeRunOutlet(ctx context.Context, log *slog.Logger, row *model.ScrapingRunOutlet, start time.Time) {
	completed := s.now()
	row.CompletedAt = &completed
	row.DurationSeconds = completed.Sub(start).Seconds()
	s.saveRunOutlet(ctx, log, row)
}

// saveRunOutlet finalizes the processing row, inserting the final row when
// the initial insert did not happen.
func (s *Scheduler) saveRunOutlet(ctx context.Context, log *slog.Logger, row *model.ScrapingRunOutlet) {
	updated, err := s.runs.UpdateRunOutlet(ctx, row)
	if err != nil {
		log.Error("update run outlet", "error", err)
		return
	}
	if updated {
		return
	}
	if err := s.runs.InsertRunOutlet(ctx, row); err != nil {
		log.Error("insert run outlet", "error", err)
	}
}

func (s *Scheduler) finalize(ctx context.Context, log *slog.Logger, run *model.ScrapingRun, res *Result, err error) {
	switch {
	case errors.Is(err, errAborted):
		res.Status = model.RunAborted
		res.Error = "scraping run cancelled"
	case err != nil:
		res.Status = model.RunFailed
		res.Error = err.Error()
	default:
		res.Status = model.RunCompleted
	}

	completed := s.now()
	elapsed := completed.Sub(run.StartedAt)
	res.DurationSeconds = elapsed.Seconds()

	run.Status = res.Status
	run.CompletedAt = &completed
	run.ArticlesScraped = res.ArticlesScraped
	run.ArticlesUpdated = res.ArticlesUpdated
	run.ArticlesSkipped = res.ArticlesSkipped
	run.OutletsProcessed = res.OutletsProcessed
	run.OutletsFailed = res.OutletsFailed
	run.TotalDurationSeconds = res.DurationSeconds
	run.ErrorMessage = storage.TruncateError(res.Error)

	updated, uerr := s.runs.UpdateRun(ctx, run)
	switch {
	case uerr != nil:
		log.Error("update run", "error", uerr)
	case !updated:
		// Abort already finalized the record.
		res.Status = model.RunAborted
		if res.Error == "" {
			res.Error = "scraping run aborted"
		}
	}

	logArgs := []any{
		"status", res.Status, "duration_s", res.DurationSeconds,
		"outlets_processed", res.OutletsProcessed, "outlets_failed", res.OutletsFailed,
		"articles_scraped", res.ArticlesScraped, "articles_updated", res.ArticlesUpdated,
		"articles_skipped", res.ArticlesSkipped,
	}
	if res.Status == model.RunCompleted {
		log.Info("scraping run finished", logArgs...)
	} else {
		log.Error("scraping run finished", append(logArgs, "error", res.Error)...)
	}
	s.metrics.ObserveRun(string(res.Status), elapsed)

	if s.reporter != nil {
		if err := s.reporter.Report(ctx, *res); err != nil {
			log.Warn("send run report", "error", err)
		}
	}
}

func (s *Scheduler) setCurrent(runID string, lk Locker, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.lock = lk
	s.current = res
}
