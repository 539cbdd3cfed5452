package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/beekhof/roster-sync/internal/calendar"
	"github.com/beekhof/roster-sync/internal/reconcile"
	"github.com/beekhof/roster-sync/internal/roster"
	"github.com/beekhof/roster-sync/internal/shift"
)

// Options configures a Syncer.
type Options struct {
	CalendarID string
	// Location is the portal time zone. Months and floating times are taken in it.
	Location *time.Location
	// DryRun computes and logs actions without writing to the calendar.
	DryRun bool
}

// Summary counts what a run did.
type Summary struct {
	Inserted int
	Updated  int
	Skipped  int
	// Failed counts actions the calendar rejected.
	Failed int
	// Rejected counts calendar components or downloads that could not be parsed.
	Rejected int
	DryRun   bool
}

// Errors is the number of shifts that did not make it into the calendar as intended.
func (s Summary) Errors() int {
	return s.Failed + s.Rejected
}

// Syncer handles the synchronization of the roster into the target calendar.
type Syncer struct {
	fetcher roster.Fetcher
	parser  *shift.Parser
	client  calendar.Client
	opts    Options
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(fetcher roster.Fetcher, client calendar.Client, opts Options) *Syncer {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Syncer{
		fetcher: fetcher,
		parser:  shift.NewParser(opts.Location),
		client:  client,
		opts:    opts,
	}
}

// Sync runs one full pass over the current and the next month.
//
// Fetch and authentication failures abort the run before the calendar is
// touched. Unparseable components and failed writes are logged, counted in the
// summary and skipped. A ConsistencyError from the reconciler is returned as is.
func (s *Syncer) Sync(ctx context.Context, now time.Time) (Summary, error) {
	summary := Summary{DryRun: s.opts.DryRun}

	first, next := roster.Months(now, s.opts.Location)
	var records []shift.Record
	for _, month := range []time.Time{first, next} {
		recs, rejected, err := s.fetchMonth(ctx, month)
		if err != nil {
			return summary, err
		}
		summary.Rejected += rejected
		records = append(records, recs...)
	}
	shift.SortByStart(records)

	timeMin, timeMax := readSpan(first, first.AddDate(0, 2, 0), records)
	log.Debug().Time("from", timeMin).Time("to", timeMax).Msg("Reading existing events")
	events, err := s.client.ListEvents(ctx, s.opts.CalendarID, timeMin, timeMax)
	if err != nil {
		return summary, errors.Wrap(err, "failed to read calendar")
	}

	actions, err := reconcile.Reconcile(records, events)
	if err != nil {
		return summary, err
	}
	log.Info().
		Int("shifts", len(records)).
		Int("existing", len(events)).
		Msg("Reconciled roster with calendar")

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.apply(ctx, action, &summary)
	}

	return summary, nil
}

func (s *Syncer) fetchMonth(ctx context.Context, month time.Time) ([]shift.Record, int, error) {
	data, err := s.fetcher.Fetch(ctx, month)
	if err != nil {
		return nil, 0, err
	}

	result, err := s.parser.Parse(data)
	if err != nil {
		log.Error().Err(err).Str("month", roster.Label(month)).Msg("Discarding unreadable roster download")
		return nil, 1, nil
	}
	for _, perr := range result.Rejected {
		log.Warn().
			Err(perr.Err).
			Str("month", roster.Label(month)).
			Str("component", perr.Component).
			Str("title", perr.Summary).
			Msg("Skipping roster entry")
	}
	log.Info().
		Str("month", roster.Label(month)).
		Int("shifts", len(result.Records)).
		Int("rejected", len(result.Rejected)).
		Msg("Parsed roster")

	return result.Records, len(result.Rejected), nil
}

func (s *Syncer) apply(ctx context.Context, action reconcile.Action, summary *Summary) {
	rec := action.Record
	logger := log.With().
		Str("action", action.Kind.String()).
		Str("title", rec.Title).
		Time("start", rec.Start).
		Time("end", rec.End).
		Str("event_id", action.EventID).
		Logger()

	switch action.Kind {
	case reconcile.Skip:
		summary.Skipped++
		logger.Debug().Msg("Shift already up to date")
		return
	case reconcile.Insert:
		if !s.opts.DryRun {
			id, err := s.client.InsertEvent(ctx, s.opts.CalendarID, rec)
			if err != nil {
				summary.Failed++
				logger.Error().Err(err).Msg("Failed to insert shift")
				return
			}
			logger = logger.With().Str("event_id", id).Logger()
		}
		summary.Inserted++
		logger.Info().Bool("dry_run", s.opts.DryRun).Msg("Inserted shift")
	case reconcile.Update:
		if !s.opts.DryRun {
			if err := s.client.UpdateEvent(ctx, s.opts.CalendarID, action.EventID, rec); err != nil {
				summary.Failed++
				logger.Error().Err(err).Msg("Failed to update shift")
				return
			}
		}
		summary.Updated++
		logger.Info().Bool("dry_run", s.opts.DryRun).Msg("Updated shift")
	}
}

// readSpan covers both months and every parsed shift, widened by the match
// window so events that could match a boundary shift are read too.
func readSpan(from, to time.Time, records []shift.Record) (time.Time, time.Time) {
	for _, rec := range records {
		if rec.Start.Before(from) {
			from = rec.Start
		}
		if rec.End.After(to) {
			to = rec.End
		}
	}
	return from.Add(-reconcile.MatchWindow), to.Add(reconcile.MatchWindow)
}

// MonthDownload describes one month fetched by Download.
type MonthDownload struct {
	Month    time.Time
	Bytes    int
	Shifts   int
	Rejected int
	Err      error
}

// Download fetches and parses both months without touching the calendar.
// Each month is reported separately so one failure does not hide the other.
func (s *Syncer) Download(ctx context.Context, now time.Time) []MonthDownload {
	first, next := roster.Months(now, s.opts.Location)
	var out []MonthDownload
	for _, month := range []time.Time{first, next} {
		md := MonthDownload{Month: month}
		data, err := s.fetcher.Fetch(ctx, month)
		if err != nil {
			md.Err = err
			out = append(out, md)
			continue
		}
		md.Bytes = len(data)
		result, err := s.parser.Parse(data)
		if err != nil {
			md.Err = err
		} else {
			md.Shifts = len(result.Records)
			md.Rejected = len(result.Rejected)
		}
		out = append(out, md)
	}
	return out
}
