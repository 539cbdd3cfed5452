package ui

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/beekhof/roster-sync/internal/config"
)

// PasswordStore keeps the portal password outside the config file.
type PasswordStore interface {
	Set(username, password string) error
	IsAvailable() bool
}

// settingsForm holds the editable values as strings, the way huh binds them.
type settingsForm struct {
	PortalURL    string
	Username     string
	Password     string
	CalendarType string
	CalendarID   string
	CalDAVURL    string
	Timezone     string
	DailySync    bool
	Hour         string
}

func newSettingsForm(cfg *config.Config) *settingsForm {
	return &settingsForm{
		PortalURL:    cfg.Portal.URL,
		Username:     cfg.Portal.Username,
		CalendarType: cfg.Calendar.Type,
		CalendarID:   cfg.Calendar.ID,
		CalDAVURL:    cfg.Calendar.CalDAVURL,
		Timezone:     cfg.Timezone,
		DailySync:    cfg.DailySync.Enabled,
		Hour:         strconv.Itoa(cfg.DailySync.Hour),
	}
}

func validateHour(s string) error {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("hour must be a number")
	}
	if h < 0 || h > 23 {
		return fmt.Errorf("hour must be 0-23")
	}
	return nil
}

func validateTimezone(s string) error {
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("unknown time zone")
	}
	return nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		return nil
	}
}

func (f *settingsForm) build() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Portal URL").
				Value(&f.PortalURL).
				Validate(required("portal URL")),
			huh.NewInput().
				Title("Username").
				Value(&f.Username).
				Validate(required("username")),
			huh.NewInput().
				Title("Password").
				Description("Leave empty to keep the stored password").
				EchoMode(huh.EchoModePassword).
				Value(&f.Password),
		).Title("Roster portal"),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Calendar type").
				Options(
					huh.NewOption("Google Calendar", config.CalendarGoogle),
					huh.NewOption("CalDAV", config.CalendarCalDAV),
				).
				Value(&f.CalendarType),
			huh.NewInput().
				Title("Calendar ID").
				Description("Google calendar ID, or the CalDAV collection path").
				Value(&f.CalendarID).
				Validate(required("calendar ID")),
			huh.NewInput().
				Title("CalDAV server URL").
				Description("Only used for CalDAV").
				Value(&f.CalDAVURL),
		).Title("Calendar"),
		huh.NewGroup(
			huh.NewInput().
				Title("Time zone").
				Value(&f.Timezone).
				Validate(validateTimezone),
			huh.NewConfirm().
				Title("Daily sync").
				Value(&f.DailySync),
			huh.NewInput().
				Title("Daily sync hour (0-23)").
				Value(&f.Hour).
				Validate(validateHour),
		).Title("Schedule"),
	).WithTheme(huh.ThemeCharm())
}

// apply copies the form into cfg. The password is returned rather than set
// so the caller decides where it is stored.
func (f *settingsForm) apply(cfg *config.Config) (string, error) {
	if err := validateHour(f.Hour); err != nil {
		return "", err
	}
	if err := validateTimezone(f.Timezone); err != nil {
		return "", err
	}
	hour, _ := strconv.Atoi(strings.TrimSpace(f.Hour))

	cfg.Portal.URL = f.PortalURL
	cfg.Portal.Username = f.Username
	cfg.Calendar.Type = f.CalendarType
	cfg.Calendar.ID = f.CalendarID
	cfg.Calendar.CalDAVURL = strings.TrimSpace(f.CalDAVURL)
	cfg.Timezone = f.Timezone
	cfg.DailySync.Enabled = f.DailySync
	cfg.DailySync.Hour = hour
	cfg.Normalize()
	return f.Password, nil
}

// SaveSettings stores cfg at path. The password (a new one, or the one
// already in cfg) goes to the keyring when one is available and into the
// config file otherwise.
func SaveSettings(path string, cfg *config.Config, password string, store PasswordStore, out io.Writer) error {
	if password != "" {
		cfg.Portal.Password = password
	}
	toSave := *cfg
	toSave.Portal.Password = ""

	if pw := cfg.Portal.Password; pw != "" {
		if store != nil && store.IsAvailable() {
			if err := store.Set(cfg.Portal.Username, pw); err != nil {
				return errors.Wrap(err, "failed to store password")
			}
			if password != "" {
				fmt.Fprintln(out, subtleStyle.Render("Password saved to the OS keyring."))
			}
		} else {
			if password != "" {
				log.Warn().Msg("OS keyring unavailable, saving password in the config file")
			}
			toSave.Portal.Password = pw
		}
	}

	if err := config.Save(path, &toSave); err != nil {
		return err
	}
	fmt.Fprintln(out, okStyle.Render("Settings saved to "+path))
	return nil
}

// EditSettings runs the settings form and saves the result.
func EditSettings(ctx context.Context, path string, cfg *config.Config, store PasswordStore, out io.Writer) error {
	form := newSettingsForm(cfg)
	if err := form.build().RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(out, subtleStyle.Render("Settings unchanged."))
			return nil
		}
		return errors.Wrap(err, "settings form failed")
	}

	password, err := form.apply(cfg)
	if err != nil {
		return err
	}
	return SaveSettings(path, cfg, password, store, out)
}

// PromptPassword asks for the portal password without echoing it.
func PromptPassword(ctx context.Context, username string) (string, error) {
	var password string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Portal password for " + username).
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(required("password")),
		),
	).WithTheme(huh.ThemeCharm())

	if err := form.RunWithContext(ctx); err != nil {
		return "", errors.Wrap(err, "password prompt failed")
	}
	return password, nil
}
