package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/beekhof/roster-sync/internal/auth"
	"github.com/beekhof/roster-sync/internal/calendar"
	"github.com/beekhof/roster-sync/internal/config"
	"github.com/beekhof/roster-sync/internal/history"
	"github.com/beekhof/roster-sync/internal/keyring"
	"github.com/beekhof/roster-sync/internal/logger"
	"github.com/beekhof/roster-sync/internal/report"
	"github.com/beekhof/roster-sync/internal/roster"
	"github.com/beekhof/roster-sync/internal/schedule"
	"github.com/beekhof/roster-sync/internal/sync"
	"github.com/beekhof/roster-sync/internal/ui"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

type options struct {
	help          bool
	verbose       bool
	configPath    string
	syncOnly      bool
	daemon        bool
	showHistory   bool
	printSchedule bool
	storePassword bool
	showBrowser   bool
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `Roster Sync

Copies shifts from the work roster portal into a personal calendar
(Google Calendar or any CalDAV server). Each run downloads this month and
next month, matches every shift against events already in the calendar and
inserts or updates only what changed. Running it twice does nothing new.

USAGE:
    %s [OPTIONS]

Without --sync or --daemon an interactive menu is shown.

OPTIONS:
%s
CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (ROSTERSYNC_PORTAL_URL, ROSTERSYNC_CALENDAR_ID, ...)
    3. Config file (--config, default %s)
    4. Defaults

    The portal password is read from ROSTERSYNC_PORTAL_PASSWORD, the config
    file, or the OS keyring (see --store-password).

EXAMPLES:
    # Interactive menu
    %s

    # One sync, suitable for cron
    %s --sync

    # Show what would change without touching the calendar
    %s --sync --dry-run

    # Keep running and sync every day at daily_sync.hour
    %s --daemon
`, os.Args[0], fs.FlagUsages(), config.DefaultPath(), os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func parseArgs(args []string) (*options, *flag.FlagSet, error) {
	opts := &options{}
	fs := flag.NewFlagSet("roster-sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVarP(&opts.help, "help", "h", false, "show this help message and exit")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output (debug logs)")
	fs.StringVar(&opts.configPath, "config", "", "path to the YAML config file")
	fs.BoolVar(&opts.syncOnly, "sync", false, "run one sync without the interactive menu")
	fs.BoolVar(&opts.daemon, "daemon", false, "sync every day at daily_sync.hour until interrupted")
	fs.BoolVar(&opts.showHistory, "history", false, "print recorded sync runs and exit")
	fs.BoolVar(&opts.printSchedule, "print-schedule", false, "print a crontab line for the daily sync and exit")
	fs.BoolVar(&opts.storePassword, "store-password", false, "save the portal password in the OS keyring and exit")
	fs.BoolVar(&opts.showBrowser, "show-browser", false, "show the browser window during portal login")
	config.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if opts.syncOnly && opts.daemon {
		return nil, fs, errors.New("--sync and --daemon cannot be used together")
	}
	return opts, fs, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, fs, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nUse --help for more information.\n", err)
		return exitConfig
	}
	if opts.help {
		printHelp(os.Stdout, fs)
		return exitOK
	}

	// Console-only until the config says where the log file goes.
	if _, err := logger.Init(logger.Config{Verbose: opts.verbose}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	cfg, err := config.Load(opts.configPath, fs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return exitConfig
	}

	closer, err := logger.Init(logger.Config{Level: cfg.Log.Level, Verbose: opts.verbose, File: cfg.Log.File})
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up logging")
		return exitConfig
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:         cfg,
		configPath:  opts.configPath,
		showBrowser: opts.showBrowser,
		keyring:     keyring.New(),
		out:         os.Stdout,
	}
	if a.configPath == "" {
		a.configPath = config.DefaultPath()
	}

	if opts.storePassword {
		return a.storePassword(ctx)
	}

	cfg.ResolvePassword(a.keyring)

	if opts.printSchedule {
		return a.printSchedule()
	}

	if cfg.HistoryPath != "" {
		a.history, err = history.Open(cfg.HistoryPath)
		if err != nil {
			log.Warn().Err(err).Msg("Run history unavailable")
		} else {
			defer a.history.Close()
		}
	}

	switch {
	case opts.showHistory:
		return a.printHistory(ctx)
	case opts.syncOnly:
		return a.syncOnly(ctx)
	case opts.daemon:
		return a.daemon(ctx)
	}

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Configuration incomplete, use Edit settings")
	}
	if err := ui.Loop(ctx, ui.Choose, a.handlers(), a.out); err != nil {
		log.Error().Err(err).Msg("Interactive mode failed")
		return exitFailed
	}
	return exitOK
}

// app carries what the run modes share.
type app struct {
	cfg         *config.Config
	configPath  string
	showBrowser bool
	keyring     *keyring.Store
	history     history.Store
	out         io.Writer

	// newClient and newFetcher default to the configured calendar and portal.
	newClient  func(ctx context.Context) (calendar.Client, error)
	newFetcher func() *roster.CachingFetcher
}

// syncOnly is the --sync mode. Per-shift write failures do not change the
// exit code; a run that could not complete does.
func (a *app) syncOnly(ctx context.Context) int {
	if err := a.cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitConfig
	}
	if _, err := a.runSync(ctx, "sync-only"); err != nil {
		return exitFailed
	}
	return exitOK
}

func (a *app) handlers() ui.Handlers {
	h := ui.Handlers{
		Sync: func(ctx context.Context) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			_, err := a.runSync(ctx, "interactive")
			return err
		},
		Download: func(ctx context.Context) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.testDownload(ctx)
		},
		Settings: func(ctx context.Context) error {
			return ui.EditSettings(ctx, a.configPath, a.cfg, a.keyring, a.out)
		},
	}
	if a.history != nil {
		h.History = func(ctx context.Context) error {
			if code := a.printHistory(ctx); code != exitOK {
				return errors.New("failed to read history")
			}
			return nil
		}
	}
	return h
}

func (a *app) calendarClient(ctx context.Context) (calendar.Client, error) {
	if a.newClient != nil {
		return a.newClient(ctx)
	}
	switch a.cfg.Calendar.Type {
	case config.CalendarCalDAV:
		client, err := calendar.NewCalDAVClient(a.cfg.Calendar.CalDAVURL, a.cfg.Calendar.CalDAVUsername, a.cfg.Calendar.CalDAVPassword)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		oauthConfig, err := config.LoadGoogleCredentials(a.cfg.Calendar.CredentialsPath)
		if err != nil {
			return nil, err
		}
		httpClient, err := auth.GetAuthenticatedClient(ctx, oauthConfig, auth.NewFileTokenStore(a.cfg.Calendar.TokenPath), auth.PrintPrompt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to authenticate with Google")
		}
		client, err := calendar.NewGoogleClient(ctx, httpClient)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (a *app) fetcher() *roster.CachingFetcher {
	if a.newFetcher != nil {
		return a.newFetcher()
	}
	portal := roster.NewPortalFetcher(roster.PortalOptions{
		BaseURL:     a.cfg.Portal.URL,
		Username:    a.cfg.Portal.Username,
		Password:    a.cfg.Portal.Password,
		Timeout:     time.Duration(a.cfg.Portal.Timeout),
		ShowBrowser: a.showBrowser,
	})
	return roster.NewCachingFetcher(portal, a.cfg.DownloadDir)
}

// runSync runs one full sync, prints the summary and records it in the history.
func (a *app) runSync(ctx context.Context, note string) (sync.Summary, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid time zone")
		return sync.Summary{}, err
	}

	client, err := a.calendarClient(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up calendar")
		report.Aborted(a.out, sync.Summary{}, err)
		a.record(ctx, sync.Summary{}, err, note)
		return sync.Summary{}, err
	}

	syncer := sync.NewSyncer(a.fetcher(), client, sync.Options{
		CalendarID: a.cfg.Calendar.ID,
		Location:   loc,
		DryRun:     a.cfg.DryRun,
	})

	summary, err := syncer.Sync(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Sync failed")
		report.Aborted(a.out, summary, err)
		a.record(ctx, summary, err, note)
		return summary, err
	}

	report.Summary(a.out, summary)
	if summary.DryRun {
		note += " (dry run)"
	}
	a.record(ctx, summary, nil, note)
	return summary, nil
}

// record appends the run to the history. A run that failed outright counts
// as one more error.
func (a *app) record(ctx context.Context, s sync.Summary, failed error, note string) {
	if a.history == nil {
		return
	}
	errs := s.Errors()
	if failed != nil {
		errs++
		note += ": " + failed.Error()
	}
	entry := history.NewEntry(time.Now(), s.Inserted, s.Updated, s.Skipped, errs, note)
	if err := a.history.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record run history")
	}
}

func (a *app) testDownload(ctx context.Context) error {
	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	fetcher := a.fetcher()
	// Download never touches the calendar.
	syncer := sync.NewSyncer(fetcher, nil, sync.Options{Location: loc})
	results := syncer.Download(ctx, time.Now())
	report.Downloads(a.out, results, func(month time.Time) string {
		if fetcher.Dir == "" {
			return ""
		}
		return fetcher.Path(month)
	})
	for _, r := range results {
		if r.Err != nil {
			return errors.Wrapf(r.Err, "download of %s failed", roster.Label(r.Month))
		}
	}
	return nil
}

func (a *app) daemon(ctx context.Context) int {
	if err := a.cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitConfig
	}
	loc, err := a.cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid time zone")
		return exitConfig
	}
	err = schedule.Run(ctx, loc, a.cfg.DailySync.Hour, func(ctx context.Context) error {
		_, err := a.runSync(ctx, "scheduled")
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("Daily sync failed to start")
		return exitConfig
	}
	return exitOK
}

func (a *app) printHistory(ctx context.Context) int {
	if a.history == nil {
		log.Error().Msg("No run history configured")
		return exitFailed
	}
	entries, err := a.history.List(ctx, 0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read run history")
		return exitFailed
	}
	loc, err := a.cfg.Location()
	if err != nil {
		loc = time.Local
	}
	report.History(a.out, entries, loc)
	return exitOK
}

func (a *app) printSchedule() int {
	loc, err := a.cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid time zone")
		return exitConfig
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	line, err := schedule.Suggestion(exe, a.cfg.DailySync.Hour, loc, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Invalid schedule")
		return exitConfig
	}
	fmt.Fprintln(a.out, line)
	return exitOK
}

func (a *app) storePassword(ctx context.Context) int {
	if a.cfg.Portal.Username == "" {
		log.Error().Msg("portal.username must be configured before storing a password")
		return exitConfig
	}
	if !a.keyring.IsAvailable() {
		log.Error().Err(keyring.ErrKeyringUnavailable).Msg("Cannot store password")
		return exitFailed
	}
	password, err := ui.PromptPassword(ctx, a.cfg.Portal.Username)
	if err != nil {
		log.Error().Err(err).Msg("No password entered")
		return exitFailed
	}
	if err := a.keyring.Set(a.cfg.Portal.Username, password); err != nil {
		log.Error().Err(err).Msg("Failed to store password")
		return exitFailed
	}
	fmt.Fprintf(a.out, "Password for %s saved to the OS keyring.\n", a.cfg.Portal.Username)
	return exitOK
}
