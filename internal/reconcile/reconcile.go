// Package reconcile decides, for every parsed shift, whether the target
// calendar needs a new event, an updated event, or nothing at all.
//
// Shifts carry no stable identifier, so matching is done purely on start time:
// a record matches the existing event whose start lies closest to its own,
// provided the two starts are at most MatchWindow apart. This assumes at most
// one shift per person inside any such window; split or overlapping shifts
// are matched on a best-effort basis only.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/beekhof/roster-sync/internal/calendar"
	"github.com/beekhof/roster-sync/internal/shift"
)

// MatchWindow is the maximum distance between a record's start and an
// existing event's start for the two to be considered the same shift.
// The window is inclusive at both ends.
const MatchWindow = 5 * time.Hour

// Kind identifies what must happen to the calendar for one record.
type Kind int

const (
	Insert Kind = iota
	Update
	Skip
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Action is the decision made for a single record.
// EventID is empty for Insert.
type Action struct {
	Kind    Kind
	EventID string
	Record  shift.Record
}

// ConsistencyError means the inputs broke an invariant the reconciler relies on.
// It indicates a bug upstream and is fatal to the run.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return "reconcile: inconsistent input: " + e.Reason
}

// Reconcile returns one Action per record, in ascending start order.
//
// Each existing event is matched by at most one record. Pairs are claimed in
// order of increasing distance between starts, so when two records compete
// for one event the closer record gets it. Equal distances go to the earlier
// record, then to the lexicographically smallest event ID.
// Neither slice is modified.
func Reconcile(records []shift.Record, events []calendar.Event) ([]Action, error) {
	pool, err := newPool(events)
	if err != nil {
		return nil, err
	}

	ordered := make([]shift.Record, len(records))
	copy(ordered, records)
	shift.SortByStart(ordered)

	for _, rec := range ordered {
		if !rec.End.After(rec.Start) {
			return nil, &ConsistencyError{
				Reason: fmt.Sprintf("record %q ends at or before its start", rec.Title),
			}
		}
	}

	matched := pool.assign(ordered)

	actions := make([]Action, 0, len(ordered))
	for i, rec := range ordered {
		evIdx := matched[i]
		if evIdx < 0 {
			actions = append(actions, Action{Kind: Insert, Record: rec})
			continue
		}

		ev := pool.events[evIdx]
		kind := Update
		if eventsEqual(ev, rec) {
			kind = Skip
		}
		actions = append(actions, Action{Kind: kind, EventID: ev.ID, Record: rec})
	}

	return actions, nil
}

// eventsEqual reports whether ev already reflects rec exactly.
// Times are compared as instants so differing zone representations still match.
func eventsEqual(ev calendar.Event, rec shift.Record) bool {
	return ev.Start.Equal(rec.Start) &&
		ev.End.Equal(rec.End) &&
		ev.Title == rec.Title &&
		ev.Notes == rec.Notes
}

// pool holds the existing events, ordered by ID.
type pool struct {
	events []calendar.Event
}

func newPool(events []calendar.Event) (*pool, error) {
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			return nil, &ConsistencyError{Reason: fmt.Sprintf("event %q has no ID", ev.Title)}
		}
		if _, dup := seen[ev.ID]; dup {
			return nil, &ConsistencyError{Reason: fmt.Sprintf("duplicate event ID %q", ev.ID)}
		}
		seen[ev.ID] = struct{}{}
	}

	sorted := make([]calendar.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	return &pool{events: sorted}, nil
}

// candidate is a record and an event whose starts lie within MatchWindow.
type candidate struct {
	record int
	event  int
	dist   time.Duration
}

// assign matches records (already in start order) to events one-to-one and
// returns, per record, the index of its event or -1.
func (p *pool) assign(records []shift.Record) []int {
	var cands []candidate
	for i, rec := range records {
		for j, ev := range p.events {
			dist := absDuration(ev.Start.Sub(rec.Start))
			if dist > MatchWindow {
				continue
			}
			cands = append(cands, candidate{record: i, event: j, dist: dist})
		}
	}

	// Events are ordered by ID, so the event index breaks the last tie.
	sort.Slice(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.dist != cb.dist {
			return ca.dist < cb.dist
		}
		if ca.record != cb.record {
			return ca.record < cb.record
		}
		return ca.event < cb.event
	})

	matched := make([]int, len(records))
	for i := range matched {
		matched[i] = -1
	}
	used := make([]bool, len(p.events))
	for _, c := range cands {
		if matched[c.record] >= 0 || used[c.event] {
			continue
		}
		matched[c.record] = c.event
		used[c.event] = true
	}
	return matched
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Counts tallies actions by kind.
func Counts(actions []Action) map[Kind]int {
	counts := make(map[Kind]int, 3)
	for _, a := range actions {
		counts[a.Kind]++
	}
	return counts
}
