// Package calendar reads and writes shift events in the target calendar.
// Both Google Calendar and CalDAV servers are supported behind the same interfaces.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/beekhof/roster-sync/internal/shift"
)

// Event is a timed event already present in the target calendar.
type Event struct {
	// ID is assigned by the calendar store and is opaque to callers.
	ID    string
	Start time.Time
	End   time.Time
	Title string
	Notes string
}

// Reader lists existing events.
type Reader interface {
	// ListEvents returns the timed events intersecting [timeMin, timeMax).
	// All-day and cancelled events are omitted.
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
}

// Writer creates and modifies events.
type Writer interface {
	// InsertEvent creates an event for rec and returns its ID.
	InsertEvent(ctx context.Context, calendarID string, rec shift.Record) (string, error)
	// UpdateEvent overwrites the times, title and notes of an existing event.
	UpdateEvent(ctx context.Context, calendarID, eventID string, rec shift.Record) error
}

// Client is a generic interface for calendar operations.
// Both Google Calendar and CalDAV clients implement this interface.
type Client interface {
	Reader
	Writer
}

// WriteError reports a failed insert or update.
type WriteError struct {
	Op      string
	EventID string
	// Code is the HTTP status returned by the store, or 0 when none is known.
	Code int
	Err  error
}

func (e *WriteError) Error() string {
	msg := e.Op
	if e.EventID != "" {
		msg += " " + e.EventID
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Code)
	}
	return msg + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
