package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/devpouya/swissnews/internal/config"
	"github.com/devpouya/swissnews/internal/dedup"
	"github.com/devpouya/swissnews/internal/ingest"
	"github.com/devpouya/swissnews/internal/lock"
	"github.com/devpouya/swissnews/internal/metrics"
	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/internal/notify"
	"github.com/devpouya/swissnews/internal/outlets"
	"github.com/devpouya/swissnews/internal/scheduler"
	"github.com/devpouya/swissnews/internal/scraper"
	"github.com/devpouya/swissnews/internal/storage"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

const (
	modeManual = "manual"
	modeCron   = "cron"
	modeDaemon = "daemon"
)

const statusRuns = 10

type options struct {
	mode    string
	dryRun  bool
	status  bool
	json    bool
	envFile string
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", modeManual, "run mode: manual, cron or daemon")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "validate configuration and list outlets without scraping")
	flag.BoolVar(&opts.status, "status", false, "show recent runs and the lock holder")
	flag.BoolVar(&opts.json, "json", false, "print results as JSON")
	flag.StringVar(&opts.envFile, "env", "", "load environment variables from this file")
	flag.Parse()

	os.Exit(run(opts))
}

func run(opts options) int {
	switch opts.mode {
	case modeManual, modeCron, modeDaemon:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", opts.mode)
		return exitConfig
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		slog.Error("load config", "error", err)
		return exitConfig
	}

	log := newLogger(cfg.LogLevel, opts.mode == modeCron)

	loader := outlets.NewLoader(cfg.OutletsFile, outlets.Defaults{
		UserAgent:   cfg.UserAgent,
		MaxArticles: cfg.MaxArticlesPerOutlet,
		Timeout:     cfg.FetchTimeout(),
	})

	// Outlets are reloaded every cycle; a broken file must still stop the
	// binary before it takes the lock.
	var active []model.OutletConfig
	if !opts.status {
		active, err = loader.Outlets()
		if err != nil {
			log.Error("load outlets", "path", cfg.OutletsFile, "error", err)
			return exitConfig
		}
	}

	if opts.dryRun {
		return dryRun(os.Stdout, cfg, active, opts.json, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Error("open database", "driver", cfg.DatabaseDriver, "error", err)
		return exitFailed
	}
	defer func() { _ = store.Close() }()

	if opts.status {
		return showStatus(ctx, os.Stdout, store, cfg.LockFile, opts.json, log)
	}

	m := metrics.New()
	detector := dedup.New(store, cfg.Dedup(), m, log)
	svc := ingest.New(store, detector, m, log)
	sc := scraper.New(&http.Client{Timeout: cfg.FetchTimeout()}, cfg.UserAgent, cfg.RequestsPerSecond, log)
	sched := scheduler.New(sc, svc, loader, store, cfg.LockFile, m, log)

	if r := newReporter(cfg, log); r != nil {
		sched.SetReporter(r)
	}

	if opts.mode == modeDaemon {
		return daemon(ctx, cfg, sched, m, log)
	}
	return once(ctx, sched, opts.json, log)
}

// once runs a single cycle. A signal aborts the run and exits with failure.
func once(ctx context.Context, sched *scheduler.Scheduler, asJSON bool, log *slog.Logger) int {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan scheduler.Result, 1)
	go func() { done <- sched.RunCycle(runCtx) }()

	var res scheduler.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		log.Warn("received shutdown signal, aborting run")
		sched.Abort(context.Background(), "terminated by signal")
		cancel()
		res = <-done
		printResult(os.Stdout, res, asJSON)
		return exitFailed
	}

	printResult(os.Stdout, res, asJSON)
	switch res.Status {
	case model.RunCompleted, model.RunSkipped:
		return exitOK
	default:
		return exitFailed
	}
}

func daemon(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, m *metrics.Metrics, log *slog.Logger) int {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()

	// Abort an in-flight cycle as soon as a signal arrives so its run is
	// not left marked running.
	go func() {
		<-ctx.Done()
		sched.Abort(context.Background(), "terminated by signal")
	}()

	err := sched.Run(ctx, cfg.CronSchedule)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err != nil {
		log.Error("run scheduler", "error", err)
		return exitConfig
	}
	log.Info("daemon stopped")
	return exitFailed
}

func dryRun(w io.Writer, cfg *config.Config, active []model.OutletConfig, asJSON bool, log *slog.Logger) int {
	holder, err := lock.ReadHolder(cfg.LockFile)
	if err != nil && !errors.Is(err, lock.ErrNotHeld) {
		log.Warn("read lock file", "path", cfg.LockFile, "error", err)
	}

	if asJSON {
		names := make([]string, 0, len(active))
		for _, o := range active {
			names = append(names, o.Name)
		}
		writeJSON(w, map[string]any{
			"dry_run":  true,
			"driver":   cfg.DatabaseDriver,
			"outlets":  names,
			"lock":     cfg.LockFile,
			"holder":   holder,
			"schedule": cfg.CronSchedule,
		})
		return exitOK
	}

	fmt.Fprintf(w, "Dry run: %d active outlets would be scraped (%s storage)\n", len(active), cfg.DatabaseDriver)
	for _, o := range active {
		fmt.Fprintf(w, "  %s [%s] %s (max %d, timeout %s, %d filters)\n",
			o.Name, o.Language, o.FeedURL, o.MaxArticles, o.Timeout, len(o.Filters))
	}
	if holder != nil {
		fmt.Fprintf(w, "Lock %s is held by pid %d; a run now would be skipped\n", cfg.LockFile, holder.PID)
	}
	return exitOK
}

func showStatus(ctx context.Context, w io.Writer, store storage.RunStore, lockPath string, asJSON bool, log *slog.Logger) int {
	runs, err := store.ListRecentRuns(ctx, statusRuns)
	if err != nil {
		log.Error("list runs", "error", err)
		return exitFailed
	}
	holder, err := lock.ReadHolder(lockPath)
	if err != nil && !errors.Is(err, lock.ErrNotHeld) {
		log.Warn("read lock file", "path", lockPath, "error", err)
	}

	if asJSON {
		running := 0
		for _, r := range runs {
			if r.Status == model.RunRunning {
				running++
			}
		}
		writeJSON(w, map[string]any{"runs": runs, "running": running, "holder": holder})
		return exitOK
	}
	fmt.Fprint(w, notify.FormatRunList(runs, holder))
	return exitOK
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.DatabaseDriver == config.DriverPostgres {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	sq, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return sq, nil
}

func printResult(w io.Writer, res scheduler.Result, asJSON bool) {
	if asJSON {
		writeJSON(w, res)
		return
	}
	if res.Status == model.RunSkipped {
		fmt.Fprintln(w, "Scraping run skipped: another run holds the lock")
		return
	}
	fmt.Fprint(w, notify.FormatRunReport(res))
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// newTelegram is replaced in tests.
var newTelegram = func(token string, chatID int64, log *slog.Logger) (scheduler.Reporter, error) {
	return notify.NewTelegram(token, chatID, log)
}

// newReporter returns nil when reports are disabled or Telegram cannot be
// reached; scraping goes on without them.
func newReporter(cfg *config.Config, log *slog.Logger) scheduler.Reporter {
	if !cfg.NotifyEnabled() {
		return nil
	}
	r, err := newTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, log)
	if err != nil {
		log.Warn("telegram unavailable, run reports disabled", "error", err)
		return nil
	}
	return r
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
