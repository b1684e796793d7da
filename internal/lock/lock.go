// Package lock provides a file-based lock that keeps scraping cycles from
// overlapping across processes.
package lock

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
)

// DefaultPath is where the scraper keeps its lock file.
const DefaultPath = "/tmp/swissnews/scraper.lock"

var (
	// ErrNotHeld is returned by ReadHolder when no lock file exists.
	ErrNotHeld = errors.New("lock not held")
	// ErrInvalidLock is returned for lock files that cannot be parsed.
	ErrInvalidLock = errors.New("invalid lock file")
)

// Holder describes the process owning a lock file.
type Holder struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
	RunID   string    `json:"run_id"`
	Host    string    `json:"host"`
}

// Lock is one process's claim on a lock file for a single run.
type Lock struct {
	path  string
	runID string
	pid   int
	log   *slog.Logger
	alive func(pid int) bool
	now   func() time.Time

	mu   sync.Mutex
	held bool
}

// New returns an unacquired lock on path for the given run.
func New(path, runID string, log *slog.Logger) *Lock {
	return &Lock{
		path:  path,
		runID: runID,
		pid:   os.Getpid(),
		log:   log,
		alive: processAlive,
		now:   time.Now,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire creates the lock file. It returns false without error when a live
// process holds the lock. A stale lock, left by a dead process or one
// running a different program, or a lock file that cannot be parsed, is
// removed and the create retried once.
func (l *Lock) Acquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := l.create()
		if err != nil {
			return false, err
		}
		if created {
			l.held = true
			return true, nil
		}

		stale, err := l.stale()
		if err != nil {
			return false, err
		}
		if !stale {
			return false, nil
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return false, nil
}

// Release removes the lock file if it still names this process and run.
// A lock taken over by someone else is left in place.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	h, err := ReadHolder(l.path)
	switch {
	case errors.Is(err, ErrNotHeld):
		l.log.Warn("lock file already removed", "path", l.path)
		return nil
	case errors.Is(err, ErrInvalidLock):
		l.log.Warn("leave unreadable lock file", "path", l.path, "error", err)
		return nil
	case err != nil:
		return err
	}
	if h.PID != l.pid || h.RunID != l.runID {
		l.log.Warn("lock owned by another run", "path", l.path, "pid", h.PID, "run_id", h.RunID)
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// ReadHolder parses the lock file at path.
func ReadHolder(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return parseHolder(data)
}

func (l *Lock) create() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock: %w", err)
	}

	host, _ := os.Hostname()
	h := Holder{PID: l.pid, Started: l.now().UTC(), RunID: l.runID, Host: host}
	_, werr := f.Write(formatHolder(h))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write lock: %w", err)
	}
	return true, nil
}

// stale reports whether the existing lock file may be reclaimed.
func (l *Lock) stale() (bool, error) {
	h, err := ReadHolder(l.path)
	switch {
	case errors.Is(err, ErrNotHeld):
		return true, nil
	case errors.Is(err, ErrInvalidLock):
		l.log.Warn("reclaim unreadable lock", "path", l.path, "error", err)
		return true, nil
	case err != nil:
		return false, err
	}
	if l.alive(h.PID) {
		l.log.Info("lock held", "path", l.path, "pid", h.PID, "run_id", h.RunID)
		return false, nil
	}
	l.log.Warn("reclaim stale lock", "path", l.path, "pid", h.PID, "run_id", h.RunID)
	return true, nil
}

func formatHolder(h Holder) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "PID=%d\n", h.PID)
	fmt.Fprintf(&b, "STARTED=%s\n", h.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "RUN_ID=%s\n", h.RunID)
	fmt.Fprintf(&b, "HOST=%s\n", h.Host)
	return b.Bytes()
}

func parseHolder(data []byte) (*Holder, error) {
	h := &Holder{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "PID":
			pid, err := strconv.Atoi(value)
			if err != nil || pid <= 0 {
				return nil, fmt.Errorf("%w: pid %q", ErrInvalidLock, value)
			}
			h.PID = pid
		case "STARTED":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("%w: started %q", ErrInvalidLock, value)
			}
			h.Started = t
		case "RUN_ID":
			h.RunID = value
		case "HOST":
			h.Host = value
		}
	}
	if h.PID == 0 {
		return nil, fmt.Errorf("%w: missing pid", ErrInvalidLock)
	}
	return h, nil
}

// processAlive reports whether pid is running the same program as this
// process. Without /proc it only checks that pid exists.
func processAlive(pid int) bool {
	procFS, err := procfs.NewDefaultFS()
	if err != nil {
		return signalAlive(pid)
	}
	p, err := procFS.Proc(pid)
	if err != nil {
		return false
	}
	comm, err := p.Comm()
	if err != nil {
		return false
	}
	self, err := procFS.Self()
	if err != nil {
		return true
	}
	own, err := self.Comm()
	if err != nil {
		return true
	}
	return comm == own
}

func signalAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
