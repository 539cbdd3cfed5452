// Package roster downloads shift rosters from the workforce portal.
package roster

import (
	"context"
	"fmt"
	"time"
)

// Fetcher retrieves the raw iCalendar export for the month containing month.
type Fetcher interface {
	Fetch(ctx context.Context, month time.Time) ([]byte, error)
}

// AuthError means the portal rejected the credentials or the session expired.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "portal authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// FetchError means the roster export could not be downloaded.
type FetchError struct {
	Month time.Time
	// Status is the HTTP status of the export response, or 0 for transport errors.
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch roster %s: HTTP %d: %v", e.Month.Format("2006-01"), e.Status, e.Err)
	}
	return fmt.Sprintf("fetch roster %s: %v", e.Month.Format("2006-01"), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Months returns the first instant of the current and the following month in loc.
func Months(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	return first, first.AddDate(0, 1, 0)
}

// Label formats month the way cached downloads are named, e.g. "2025-06".
func Label(month time.Time) string {
	return month.Format("2006-01")
}
