package calendar

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/beekhof/roster-sync/internal/shift"
)

const productID = "-//roster-sync//EN"

// CalDAVClient talks to a CalDAV server (iCloud, Nextcloud, Radicale, ...).
// Calendar IDs are collection paths such as "/dav/calendars/user/work/",
// and event IDs are the object paths inside them.
type CalDAVClient struct {
	client *caldav.Client
	now    func() time.Time
}

// NewCalDAVClient creates a client for endpoint. Basic auth is used when
// username is set; app-specific passwords are expected for iCloud.
func NewCalDAVClient(endpoint, username, password string) (*CalDAVClient, error) {
	var httpClient webdav.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	if username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}
	cl, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "error creating caldav client")
	}
	return &CalDAVClient{client: cl, now: time.Now}, nil
}

// ListEvents runs a calendar-query REPORT restricted to VEVENTs in the range.
func (c *CalDAVClient) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: timeMin.UTC(),
				End:   timeMax.UTC(),
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query calendar")
	}

	var events []Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		ev, ok, err := fromICalObject(obj.Path, obj.Data)
		if err != nil {
			log.Warn().Err(err).Str("path", obj.Path).Msg("Skipping unreadable calendar object")
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// InsertEvent stores rec as a new object named after a fresh UUID.
func (c *CalDAVClient) InsertEvent(ctx context.Context, calendarID string, rec shift.Record) (string, error) {
	uid := uuid.NewString()
	objectPath := strings.TrimSuffix(calendarID, "/") + "/" + uid + ".ics"

	obj, err := c.client.PutCalendarObject(ctx, objectPath, toICalendar(uid, rec, c.now()))
	if err != nil {
		return "", &WriteError{Op: "insert", Err: err}
	}
	if obj != nil && obj.Path != "" {
		return obj.Path, nil
	}
	return objectPath, nil
}

// UpdateEvent replaces the object at eventID. The UID is kept so clients that
// track it see the same event.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, calendarID, eventID string, rec shift.Record) error {
	uid := strings.TrimSuffix(path.Base(eventID), ".ics")
	if _, err := c.client.PutCalendarObject(ctx, eventID, toICalendar(uid, rec, c.now())); err != nil {
		return &WriteError{Op: "update", EventID: eventID, Err: err}
	}
	return nil
}

// fromICalObject converts the first VEVENT of a calendar object.
// ok is false for all-day or cancelled events.
func fromICalObject(objectPath string, cal *ical.Calendar) (Event, bool, error) {
	var vevent *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			vevent = comp
			break
		}
	}
	if vevent == nil {
		return Event{}, false, nil
	}

	if status := vevent.Props.Get("STATUS"); status != nil && strings.EqualFold(status.Value, "CANCELLED") {
		return Event{}, false, nil
	}

	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	dtend := vevent.Props.Get(ical.PropDateTimeEnd)
	if dtstart == nil || dtend == nil {
		return Event{}, false, errors.New("missing DTSTART or DTEND")
	}
	if strings.EqualFold(dtstart.Params.Get("VALUE"), "DATE") || !strings.Contains(dtstart.Value, "T") {
		return Event{}, false, nil
	}

	start, err := dtstart.DateTime(time.Local)
	if err != nil {
		return Event{}, false, errors.Wrap(err, "invalid DTSTART")
	}
	end, err := dtend.DateTime(time.Local)
	if err != nil {
		return Event{}, false, errors.Wrap(err, "invalid DTEND")
	}

	return Event{
		ID:    objectPath,
		Start: start,
		End:   end,
		Title: propText(vevent, ical.PropSummary),
		Notes: propText(vevent, ical.PropDescription),
	}, true, nil
}

func toICalendar(uid string, rec shift.Record, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeStart, rec.Start.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, rec.End.UTC())
	vevent.Props.SetText(ical.PropSummary, rec.Title)
	if rec.Notes != "" {
		vevent.Props.SetText(ical.PropDescription, rec.Notes)
	}
	cal.Children = append(cal.Children, vevent)

	return cal
}

func propText(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}
