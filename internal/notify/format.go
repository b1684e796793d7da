package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/devpouya/swissnews/internal/lock"
	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/internal/scheduler"
)

const timeFormat = "2006-01-02 15:04 UTC"

// FormatRunReport formats a run summary as a chat message.
func FormatRunReport(res scheduler.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scraping run %s [%s]\n", shortID(res.RunID), res.Status)
	fmt.Fprintf(&b, "Started: %s\n", res.StartedAt.UTC().Format(timeFormat))
	fmt.Fprintf(&b, "Duration: %s\n", (time.Duration(res.DurationSeconds * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(&b, "\nOutlets: %d ok, %d failed\n", res.OutletsProcessed, res.OutletsFailed)
	fmt.Fprintf(&b, "Articles: %d new, %d updated, %d skipped\n", res.ArticlesScraped, res.ArticlesUpdated, res.ArticlesSkipped)

	var failed []scheduler.OutletResult
	for _, o := range res.Outlets {
		if o.Status == model.OutletFailed {
			failed = append(failed, o)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nFailed outlets:\n")
		for _, o := range failed {
			fmt.Fprintf(&b, "  %s: %s\n", o.Name, o.Error)
		}
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "\nError: %s\n", res.Error)
	}
	return b.String()
}

// FormatRunList formats recent runs and the current lock holder for display.
func FormatRunList(runs []model.ScrapingRun, holder *lock.Holder) string {
	var b strings.Builder
	if holder != nil {
		fmt.Fprintf(&b, "Lock held by pid %d on %s (run %s) since %s\n\n",
			holder.PID, holder.Host, shortID(holder.RunID), holder.Started.UTC().Format(timeFormat))
	} else {
		b.WriteString("Lock free\n\n")
	}

	if len(runs) == 0 {
		b.WriteString("No scraping runs recorded yet.\n")
		return b.String()
	}

	running := 0
	for _, r := range runs {
		if r.Status == model.RunRunning {
			running++
		}
	}
	fmt.Fprintf(&b, "Recent runs (%d running):\n", running)
	for _, r := range runs {
		fmt.Fprintf(&b, "\n%s  %s [%s]\n", r.StartedAt.UTC().Format(timeFormat), shortID(r.RunID), r.Status)
		if r.Status == model.RunRunning {
			continue
		}
		fmt.Fprintf(&b, "   %d outlets ok, %d failed; %d new, %d updated, %d skipped; %.0fs\n",
			r.OutletsProcessed, r.OutletsFailed, r.ArticlesScraped, r.ArticlesUpdated, r.ArticlesSkipped,
			r.TotalDurationSeconds)
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, "   error: %s\n", firstLine(r.ErrorMessage))
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
