package shift

import (
	"fmt"
	"sort"
	"time"
)

// Record is a single shift parsed from a roster download.
//
// There is no stable identifier: the portal regenerates UIDs on every export,
// so records are matched against calendar events by time, never by UID.
type Record struct {
	Start time.Time
	End   time.Time
	Title string
	Notes string
}

// Duration returns the length of the shift.
func (r Record) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// String renders the record for log output.
func (r Record) String() string {
	return fmt.Sprintf("%s (%s -> %s)", r.Title, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// SortByStart orders records by start time. Records with equal starts keep
// their relative order.
func SortByStart(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Start.Before(records[j].Start)
	})
}

// ParseError reports a calendar component that could not be turned into a Record.
type ParseError struct {
	// Component names the offending component, e.g. "VEVENT #3" or "VCALENDAR #1".
	Component string
	// Summary is the SUMMARY of the component, when it could be read.
	Summary string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("parse %s (%q): %v", e.Component, e.Summary, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Component, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
