// Package schedule runs the daily sync.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one scheduled sync. Its error is logged, never fatal to the loop.
type Job func(ctx context.Context) error

// CronSpec is the five-field expression for a run at hour:00 every day.
func CronSpec(hour int) (string, error) {
	if hour < 0 || hour > 23 {
		return "", errors.Errorf("hour must be between 0 and 23, got %d", hour)
	}
	return fmt.Sprintf("0 %d * * *", hour), nil
}

// Suggestion returns a crontab line that runs exe in sync-only mode.
// Crontab runs in the system time zone, so the hour is converted from loc.
func Suggestion(exe string, hour int, loc *time.Location, now time.Time) (string, error) {
	next, err := NextRun(now, hour, loc)
	if err != nil {
		return "", err
	}
	local := next.In(time.Local)
	return fmt.Sprintf("%d %d * * * %s --sync", local.Minute(), local.Hour(), exe), nil
}

// NextRun returns the first scheduled time strictly after now.
func NextRun(now time.Time, hour int, loc *time.Location) (time.Time, error) {
	spec, err := CronSpec(hour)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse schedule")
	}
	return sched.Next(now.In(loc)), nil
}

// Run calls job every day at hour in loc until ctx is cancelled. A run still
// in progress when the next one is due causes that one to be skipped.
func Run(ctx context.Context, loc *time.Location, hour int, job Job) error {
	spec, err := CronSpec(hour)
	if err != nil {
		return err
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(spec, func() {
		if err := job(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduled sync failed")
		}
	})
	if err != nil {
		return errors.Wrap(err, "failed to schedule daily sync")
	}

	c.Start()
	log.Info().Time("next", c.Entry(id).Next).Str("timezone", loc.String()).Msg("Daily sync scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("Daily sync stopped")
	return nil
}

// cronLogger sends cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
