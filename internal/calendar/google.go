package calendar

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/roster-sync/internal/shift"
)

// GoogleClient is a wrapper around the Google Calendar API service.
type GoogleClient struct {
	service *gcal.Service
}

// NewGoogleClient creates a new Google Calendar API client using the provided HTTP client.
// Extra options (for example option.WithEndpoint) are passed to the service.
func NewGoogleClient(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*GoogleClient, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create calendar service")
	}

	return &GoogleClient{service: service}, nil
}

// ListEvents retrieves events from a calendar within the specified time window.
// SingleEvents is set so recurring events are expanded into instances.
func (c *GoogleClient) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	var events []Event
	call := c.service.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		OrderBy("startTime")

	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			ev, ok, err := fromGoogleEvent(item)
			if err != nil {
				log.Warn().Err(err).Str("event_id", item.Id).Msg("Skipping unreadable calendar event")
				continue
			}
			if ok {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}

	return events, nil
}

// InsertEvent inserts a new event into a calendar.
// Notifications are disabled with sendUpdates="none".
func (c *GoogleClient) InsertEvent(ctx context.Context, calendarID string, rec shift.Record) (string, error) {
	created, err := c.service.Events.Insert(calendarID, toGoogleEvent(rec)).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return "", writeError("insert", "", err)
	}

	return created.Id, nil
}

// UpdateEvent patches the shift fields of an existing event, leaving
// reminders, colour and any other user edits untouched.
func (c *GoogleClient) UpdateEvent(ctx context.Context, calendarID, eventID string, rec shift.Record) error {
	_, err := c.service.Events.Patch(calendarID, eventID, toGoogleEvent(rec)).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return writeError("update", eventID, err)
	}

	return nil
}

func writeError(op, eventID string, err error) *WriteError {
	werr := &WriteError{Op: op, EventID: eventID, Err: err}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		werr.Code = gerr.Code
	}
	return werr
}

// fromGoogleEvent converts an API event. ok is false for events that are not
// timed shifts (all-day or cancelled).
func fromGoogleEvent(item *gcal.Event) (Event, bool, error) {
	if item.Status == "cancelled" || item.Start == nil || item.End == nil {
		return Event{}, false, nil
	}
	if item.Start.DateTime == "" || item.End.DateTime == "" {
		// All-day events only carry Date.
		return Event{}, false, nil
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return Event{}, false, errors.Wrap(err, "invalid start")
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return Event{}, false, errors.Wrap(err, "invalid end")
	}

	return Event{
		ID:    item.Id,
		Start: start,
		End:   end,
		Title: item.Summary,
		Notes: item.Description,
	}, true, nil
}

func toGoogleEvent(rec shift.Record) *gcal.Event {
	return &gcal.Event{
		Summary:     rec.Title,
		Description: rec.Notes,
		Start:       toEventDateTime(rec.Start),
		End:         toEventDateTime(rec.End),
		// An empty description must still be sent so a patch clears stale notes.
		ForceSendFields: []string{"Description", "Summary"},
	}
}

func toEventDateTime(t time.Time) *gcal.EventDateTime {
	edt := &gcal.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if name := t.Location().String(); name != "Local" && name != "UTC" && strings.Contains(name, "/") {
		edt.TimeZone = name
	}
	return edt
}
