package shift

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/pkg/errors"
)

var (
	ErrAllDay       = errors.New("all-day events are not supported")
	ErrMissingStart = errors.New("missing DTSTART")
	ErrMissingEnd   = errors.New("missing DTEND")
	ErrEndNotAfter  = errors.New("end is not after start")
	ErrNoCalendar   = errors.New("no calendar data")
)

const (
	compTimezone  = "VTIMEZONE"
	propTZID      = "TZID"
	propOffsetTo  = "TZOFFSETTO"
	localDateTime = "20060102T150405"
)

// Parser turns roster downloads into shift records.
type Parser struct {
	// Location is used for floating DTSTART/DTEND values (no TZID, no trailing Z).
	// It is the portal's local time zone.
	Location *time.Location
}

// NewParser creates a Parser that interprets floating times in loc.
// A nil loc means time.Local.
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{Location: loc}
}

// Result is the outcome of parsing a single download.
type Result struct {
	// Records holds one entry per accepted VEVENT, ordered by start.
	Records []Record
	// Rejected holds one error per VEVENT that could not be used.
	Rejected []*ParseError
}

// Parse decodes data, which may contain several VCALENDAR objects.
//
// Undecodable data fails the whole call with a *ParseError naming the calendar
// object. Individual VEVENTs that cannot be used (all-day, missing times,
// non-positive length) are reported in Result.Rejected and parsing continues.
func (p *Parser) Parse(data []byte) (*Result, error) {
	dec := ical.NewDecoder(bytes.NewReader(data))

	result := &Result{}
	calendars := 0
	events := 0
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		calendars++
		if err != nil {
			return nil, &ParseError{
				Component: fmt.Sprintf("%s #%d", ical.CompCalendar, calendars),
				Err:       err,
			}
		}

		zones := calendarZones(cal)
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			events++
			rec, perr := p.parseEvent(comp, events, zones)
			if perr != nil {
				result.Rejected = append(result.Rejected, perr)
				continue
			}
			result.Records = append(result.Records, rec)
		}
	}

	if calendars == 0 {
		return nil, &ParseError{
			Component: fmt.Sprintf("%s #1", ical.CompCalendar),
			Err:       ErrNoCalendar,
		}
	}

	SortByStart(result.Records)
	return result, nil
}

func (p *Parser) parseEvent(comp *ical.Component, index int, zones map[string]*time.Location) (Record, *ParseError) {
	summary := textProp(comp, ical.PropSummary)
	fail := func(err error) (Record, *ParseError) {
		return Record{}, &ParseError{
			Component: fmt.Sprintf("%s #%d", ical.CompEvent, index),
			Summary:   summary,
			Err:       err,
		}
	}

	start, err := p.dateTime(comp, ical.PropDateTimeStart, ErrMissingStart, zones)
	if err != nil {
		return fail(err)
	}
	end, err := p.dateTime(comp, ical.PropDateTimeEnd, ErrMissingEnd, zones)
	if err != nil {
		return fail(err)
	}
	if !end.After(start) {
		return fail(ErrEndNotAfter)
	}

	return Record{
		Start: start,
		End:   end,
		Title: summary,
		Notes: textProp(comp, ical.PropDescription),
	}, nil
}

// dateTime reads a DTSTART/DTEND. A TZID missing from the tz database (Windows
// names such as "AUS Eastern Standard Time" are common in roster exports) is
// resolved from the calendar's own VTIMEZONE when that has a single fixed
// offset, and otherwise read as wall-clock time in the portal zone.
func (p *Parser) dateTime(comp *ical.Component, name string, missing error, zones map[string]*time.Location) (time.Time, error) {
	prop := comp.Props.Get(name)
	if prop == nil || strings.TrimSpace(prop.Value) == "" {
		return time.Time{}, missing
	}
	if isDateOnly(prop) {
		return time.Time{}, ErrAllDay
	}
	t, err := prop.DateTime(p.Location)
	if err == nil {
		return t, nil
	}

	tzid := prop.Params.Get(propTZID)
	if tzid == "" {
		return time.Time{}, errors.Wrapf(err, "invalid %s %q", name, prop.Value)
	}
	if _, lerr := time.LoadLocation(tzid); lerr == nil {
		// The zone is known, so the value itself is bad.
		return time.Time{}, errors.Wrapf(err, "invalid %s %q", name, prop.Value)
	}
	loc := zones[tzid]
	if loc == nil {
		loc = p.Location
	}
	t, perr := time.ParseInLocation(localDateTime, strings.TrimSpace(prop.Value), loc)
	if perr != nil {
		return time.Time{}, errors.Wrapf(perr, "invalid %s %q", name, prop.Value)
	}
	return t, nil
}

// calendarZones returns the VTIMEZONEs of cal that have exactly one
// observance, as fixed zones keyed by TZID.
func calendarZones(cal *ical.Calendar) map[string]*time.Location {
	zones := make(map[string]*time.Location)
	for _, comp := range cal.Children {
		if comp.Name != compTimezone || len(comp.Children) != 1 {
			continue
		}
		id := comp.Props.Get(propTZID)
		to := comp.Children[0].Props.Get(propOffsetTo)
		if id == nil || to == nil {
			continue
		}
		offset, ok := parseUTCOffset(to.Value)
		if !ok {
			continue
		}
		zones[id.Value] = time.FixedZone(id.Value, offset)
	}
	return zones
}

// parseUTCOffset parses an RFC 5545 UTC-OFFSET (+HHMM or +HHMMSS) into seconds.
func parseUTCOffset(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if len(v) != 5 && len(v) != 7 {
		return 0, false
	}
	sign := 1
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, false
	}
	secs := 0
	for i, unit := range []int{3600, 60, 1} {
		lo := 1 + 2*i
		if lo >= len(v) {
			break
		}
		n, err := strconv.Atoi(v[lo : lo+2])
		if err != nil {
			return 0, false
		}
		secs += n * unit
	}
	return sign * secs, true
}

// isDateOnly reports whether a DTSTART/DTEND carries a date without a time,
// either via VALUE=DATE or a bare YYYYMMDD value.
func isDateOnly(prop *ical.Prop) bool {
	if strings.EqualFold(prop.Params.Get("VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		text = prop.Value
	}
	return strings.TrimSpace(text)
}
