package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/beekhof/roster-sync/internal/calendar"
	"github.com/beekhof/roster-sync/internal/config"
	"github.com/beekhof/roster-sync/internal/roster"
	"github.com/beekhof/roster-sync/internal/shift"
)

func TestParseArgs(t *testing.T) {
	opts, fs, err := parseArgs([]string{"--sync", "-v", "--config", "/tmp/rs.yaml", "--calendar-id", "work", "--dry-run"})
	if err != nil {
		t.Fatalf("parseArgs() returned an error: %v", err)
	}
	if !opts.syncOnly || !opts.verbose || opts.configPath != "/tmp/rs.yaml" {
		t.Errorf("parseArgs() options = %+v", opts)
	}
	if f := fs.Lookup("calendar-id"); f == nil || f.Value.String() != "work" {
		t.Errorf("calendar-id flag not registered or not parsed: %v", f)
	}
	if f := fs.Lookup("dry-run"); f == nil || !f.Changed {
		t.Error("dry-run flag not parsed")
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := [][]string{
		{"--sync", "--daemon"},
		{"--no-such-flag"},
	}
	for _, args := range tests {
		if _, _, err := parseArgs(args); err == nil {
			t.Errorf("parseArgs(%v) should fail", args)
		}
	}
}

func TestPrintHelp(t *testing.T) {
	_, fs, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs() returned an error: %v", err)
	}
	var buf bytes.Buffer
	printHelp(&buf, fs)
	for _, want := range []string{"--sync", "--daemon", "--store-password", "--portal-url", "ROSTERSYNC_PORTAL_PASSWORD"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("help text missing %q", want)
		}
	}
}

func TestRun_BadFlagsExitCode(t *testing.T) {
	if code := run([]string{"--sync", "--daemon"}); code != exitConfig {
		t.Errorf("run() = %d, want %d", code, exitConfig)
	}
}

// stubFetcher serves one day shift on the first of each requested month.
type stubFetcher struct {
	err error
}

func (f *stubFetcher) Fetch(ctx context.Context, month time.Time) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	day := month.Format("20060102")
	return []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:day-" + day + "\r\nDTSTART:" + day + "T090000\r\nDTEND:" + day + "T170000\r\n" +
		"SUMMARY:Day\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"), nil
}

// stubCalendar is a calendar.Client whose reads and writes can be made to fail.
type stubCalendar struct {
	listErr  error
	writeErr error
	inserted int
}

func (c *stubCalendar) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]calendar.Event, error) {
	return nil, c.listErr
}

func (c *stubCalendar) InsertEvent(ctx context.Context, calendarID string, rec shift.Record) (string, error) {
	if c.writeErr != nil {
		return "", c.writeErr
	}
	c.inserted++
	return "ev" + rec.Start.Format("0102"), nil
}

func (c *stubCalendar) UpdateEvent(ctx context.Context, calendarID, eventID string, rec shift.Record) error {
	return c.writeErr
}

func newSyncApp(f roster.Fetcher, c calendar.Client) (*app, *bytes.Buffer) {
	color.NoColor = true
	cfg := &config.Config{
		Portal: config.PortalConfig{URL: "https://roster.example.org", Username: "nurse", Password: "secret"},
		Calendar: config.CalendarConfig{
			Type:            config.CalendarGoogle,
			ID:              "primary",
			CredentialsPath: "credentials.json",
			TokenPath:       "token.json",
		},
		Timezone: "UTC",
	}
	var out bytes.Buffer
	a := &app{
		cfg: cfg,
		out: &out,
		newClient: func(ctx context.Context) (calendar.Client, error) {
			return c, nil
		},
		newFetcher: func() *roster.CachingFetcher {
			return roster.NewCachingFetcher(f, "")
		},
	}
	return a, &out
}

func TestSyncOnly_Succeeds(t *testing.T) {
	client := &stubCalendar{}
	a, out := newSyncApp(&stubFetcher{}, client)

	if code := a.syncOnly(context.Background()); code != exitOK {
		t.Errorf("syncOnly() = %d, want %d", code, exitOK)
	}
	if client.inserted != 2 {
		t.Errorf("inserted %d shifts, want 2", client.inserted)
	}
	if !strings.Contains(out.String(), "Sync complete") {
		t.Errorf("summary not printed:\n%s", out)
	}
}

func TestSyncOnly_AuthFailureExitsNonZero(t *testing.T) {
	fetcher := &stubFetcher{err: &roster.AuthError{Reason: "login rejected"}}
	a, out := newSyncApp(fetcher, &stubCalendar{})

	if code := a.syncOnly(context.Background()); code != exitFailed {
		t.Errorf("syncOnly() = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(out.String(), "Sync aborted:") {
		t.Errorf("aborted summary not printed:\n%s", out)
	}
}

func TestSyncOnly_FetchFailureExitsNonZero(t *testing.T) {
	a, _ := newSyncApp(&stubFetcher{err: errors.New("connection refused")}, &stubCalendar{})

	if code := a.syncOnly(context.Background()); code != exitFailed {
		t.Errorf("syncOnly() = %d, want %d", code, exitFailed)
	}
}

func TestSyncOnly_WriteFailuresExitZero(t *testing.T) {
	client := &stubCalendar{writeErr: &calendar.WriteError{Op: "insert", Code: 500, Err: errors.New("backend error")}}
	a, out := newSyncApp(&stubFetcher{}, client)

	if code := a.syncOnly(context.Background()); code != exitOK {
		t.Errorf("syncOnly() = %d, want %d", code, exitOK)
	}
	for _, want := range []string{"Sync complete", "Errors:   2", "(2 failed, 0 unreadable)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSyncOnly_CalendarReadFailurePrintsSummary(t *testing.T) {
	client := &stubCalendar{listErr: errors.New("503 service unavailable")}
	a, out := newSyncApp(&stubFetcher{}, client)

	if code := a.syncOnly(context.Background()); code != exitFailed {
		t.Errorf("syncOnly() = %d, want %d", code, exitFailed)
	}
	for _, want := range []string{"Sync aborted: failed to read calendar: 503 service unavailable", "Inserted: 0", "Errors:   0"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSyncOnly_InvalidConfig(t *testing.T) {
	a, _ := newSyncApp(&stubFetcher{}, &stubCalendar{})
	a.cfg.Portal.Password = ""

	if code := a.syncOnly(context.Background()); code != exitConfig {
		t.Errorf("syncOnly() = %d, want %d", code, exitConfig)
	}
}
