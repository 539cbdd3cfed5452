// Package report prints run results for people.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/beekhof/roster-sync/internal/history"
	"github.com/beekhof/roster-sync/internal/roster"
	"github.com/beekhof/roster-sync/internal/sync"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold).SprintFunc()
	okColor     = color.New(color.FgGreen).SprintFunc()
	warnColor   = color.New(color.FgRed, color.Bold).SprintFunc()
	subtle      = color.New(color.FgHiBlack).SprintFunc()
)

// Summary prints the end-of-run counts.
func Summary(w io.Writer, s sync.Summary) {
	title := "Sync complete"
	if s.DryRun {
		title = "Dry run complete (calendar not modified)"
	}
	fmt.Fprintln(w, headerColor(title))
	counts(w, s)
}

// Aborted prints the counts reached before err stopped the run.
func Aborted(w io.Writer, s sync.Summary, err error) {
	fmt.Fprintln(w, warnColor("Sync aborted: ")+err.Error())
	counts(w, s)
}

func counts(w io.Writer, s sync.Summary) {
	fmt.Fprintf(w, "  %-9s %d\n", "Inserted:", s.Inserted)
	fmt.Fprintf(w, "  %-9s %d\n", "Updated:", s.Updated)
	fmt.Fprintf(w, "  %-9s %d\n", "Skipped:", s.Skipped)

	errs := fmt.Sprintf("%d", s.Errors())
	if s.Errors() > 0 {
		errs = warnColor(errs) + subtle(fmt.Sprintf(" (%d failed, %d unreadable)", s.Failed, s.Rejected))
	}
	fmt.Fprintf(w, "  %-9s %s\n", "Errors:", errs)
}

// Downloads prints the outcome of a test download. pathOf returns where a
// month was cached, or "" when it was not.
func Downloads(w io.Writer, results []sync.MonthDownload, pathOf func(time.Time) string) {
	fmt.Fprintln(w, headerColor("Test download"))
	for _, r := range results {
		label := roster.Label(r.Month)
		if r.Err != nil {
			fmt.Fprintf(w, "  %s  %s %v\n", label, warnColor("failed:"), r.Err)
			continue
		}
		line := fmt.Sprintf("  %s  %s %d shifts (%d bytes)", label, okColor("ok:"), r.Shifts, r.Bytes)
		if r.Rejected > 0 {
			line += warnColor(fmt.Sprintf(", %d unreadable", r.Rejected))
		}
		if pathOf != nil {
			if p := pathOf(r.Month); p != "" {
				line += " " + subtle(p)
			}
		}
		fmt.Fprintln(w, line)
	}
}

// History prints recorded runs, newest first, in loc.
func History(w io.Writer, entries []history.Entry, loc *time.Location) {
	if len(entries) == 0 {
		fmt.Fprintln(w, subtle("No sync runs recorded yet."))
		return
	}
	fmt.Fprintln(w, headerColor(fmt.Sprintf("%-16s  %7s  %7s  %7s  %6s  %s", "When", "Created", "Updated", "Skipped", "Errors", "Note")))
	for _, e := range entries {
		errs := fmt.Sprintf("%6d", e.Errors)
		if e.Errors > 0 {
			errs = warnColor(errs)
		}
		fmt.Fprintf(w, "%-16s  %7d  %7d  %7d  %s  %s\n",
			e.Time.In(loc).Format("2006-01-02 15:04"), e.Created, e.Updated, e.Skipped, errs, e.Note)
	}
}
