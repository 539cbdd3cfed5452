// Package config loads roster-sync settings.
//
// Values are layered with the following precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (ROSTERSYNC_PORTAL_URL, ROSTERSYNC_CALENDAR_ID, ...)
//  3. The YAML config file
//  4. Defaults
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	AppName   = "roster-sync"
	envPrefix = "ROSTERSYNC_"

	CalendarGoogle = "google"
	CalendarCalDAV = "caldav"

	DefaultTimezone      = "Australia/Melbourne"
	DefaultDailySyncHour = 7
)

// Duration is a time.Duration written as "90s" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type PortalConfig struct {
	URL      string   `koanf:"url" yaml:"url"`
	Username string   `koanf:"username" yaml:"username"`
	Password string   `koanf:"password" yaml:"password,omitempty"`
	Timeout  Duration `koanf:"timeout" yaml:"timeout"`
}

type CalendarConfig struct {
	Type            string `koanf:"type" yaml:"type"`
	ID              string `koanf:"id" yaml:"id"`
	CredentialsPath string `koanf:"credentials_path" yaml:"credentials_path"`
	TokenPath       string `koanf:"token_path" yaml:"token_path"`
	CalDAVURL       string `koanf:"caldav_url" yaml:"caldav_url,omitempty"`
	CalDAVUsername  string `koanf:"caldav_username" yaml:"caldav_username,omitempty"`
	CalDAVPassword  string `koanf:"caldav_password" yaml:"caldav_password,omitempty"`
}

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
	File  string `koanf:"file" yaml:"file"`
}

type DailySyncConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	Hour    int  `koanf:"hour" yaml:"hour"`
}

// Config holds the configuration for the roster sync tool.
type Config struct {
	Portal      PortalConfig    `koanf:"portal" yaml:"portal"`
	Calendar    CalendarConfig  `koanf:"calendar" yaml:"calendar"`
	Timezone    string          `koanf:"timezone" yaml:"timezone"`
	DownloadDir string          `koanf:"download_dir" yaml:"download_dir"`
	HistoryPath string          `koanf:"history_path" yaml:"history_path"`
	Log         LogConfig       `koanf:"log" yaml:"log"`
	DailySync   DailySyncConfig `koanf:"daily_sync" yaml:"daily_sync"`
	DryRun      bool            `koanf:"dry_run" yaml:"dry_run"`
}

// Dir returns the directory holding the config file, tokens, history and logs.
func Dir() string {
	if dir := os.Getenv(envPrefix + "HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, AppName)
}

// DefaultPath is where the config file lives unless --config says otherwise.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// defaults returns the flattened default values. Every known key is present,
// which is also what lets env and flag names be mapped back to keys.
func defaults() map[string]interface{} {
	dir := Dir()
	return map[string]interface{}{
		"portal.url":                "",
		"portal.username":           "",
		"portal.password":           "",
		"portal.timeout":            "60s",
		"calendar.type":             CalendarGoogle,
		"calendar.id":               "",
		"calendar.credentials_path": filepath.Join(dir, "credentials.json"),
		"calendar.token_path":       filepath.Join(dir, "token.json"),
		"calendar.caldav_url":       "",
		"calendar.caldav_username":  "",
		"calendar.caldav_password":  "",
		"timezone":                  DefaultTimezone,
		"download_dir":              filepath.Join(dir, "downloads"),
		"history_path":              filepath.Join(dir, "history.db"),
		"log.level":                 "info",
		"log.file":                  filepath.Join(dir, "sync.log"),
		"daily_sync.enabled":        false,
		"daily_sync.hour":           DefaultDailySyncHour,
		"dry_run":                   false,
	}
}

// flagName turns a key such as "calendar.credentials_path" into
// "calendar-credentials-path".
func flagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// envName turns a key such as "portal.url" into "ROSTERSYNC_PORTAL_URL".
func envName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

var flagUsage = map[string]string{
	"portal.url":      "roster portal base URL",
	"portal.username": "roster portal username",
	"portal.timeout":  "browser login timeout",
	"calendar.type":   "target calendar type (google or caldav)",
	"calendar.id":     "target calendar ID (Google) or collection path (CalDAV)",
	"timezone":        "portal time zone (IANA name)",
	"download_dir":    "directory for downloaded roster files",
	"history_path":    "run history file (.json or SQLite)",
	"log.level":       "log level (debug, info, warn, error)",
	"daily_sync.hour": "hour of day for the daily sync (0-23)",
	"dry_run":         "compute actions without writing to the calendar",
}

// RegisterFlags adds the config overrides to fs. Secrets are not exposed as flags.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String(flagName("portal.url"), "", flagUsage["portal.url"])
	fs.String(flagName("portal.username"), "", flagUsage["portal.username"])
	fs.Duration(flagName("portal.timeout"), 60*time.Second, flagUsage["portal.timeout"])
	fs.String(flagName("calendar.type"), CalendarGoogle, flagUsage["calendar.type"])
	fs.String(flagName("calendar.id"), "", flagUsage["calendar.id"])
	fs.String(flagName("timezone"), DefaultTimezone, flagUsage["timezone"])
	fs.String(flagName("download_dir"), "", flagUsage["download_dir"])
	fs.String(flagName("history_path"), "", flagUsage["history_path"])
	fs.String(flagName("log.level"), "info", flagUsage["log.level"])
	fs.Int(flagName("daily_sync.hour"), DefaultDailySyncHour, flagUsage["daily_sync.hour"])
	fs.Bool(flagName("dry_run"), false, flagUsage["dry_run"])
}

// Load reads the config file at path (DefaultPath when empty), then
// environment variables, then any flags registered with RegisterFlags on fs.
// A missing file is only an error when path was given explicitly.
func Load(path string, fs *flag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defs := defaults()
	for key, val := range defs {
		if err := k.Set(key, val); err != nil {
			return nil, errors.Wrapf(err, "failed to set default %s", key)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	envKeys := make(map[string]string, len(defs))
	flagKeys := make(map[string]string, len(defs))
	for key := range defs {
		envKeys[envName(key)] = key
		flagKeys[flagName(key)] = key
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *flag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, errors.Wrap(err, "failed to load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	cfg.Normalize()
	return &cfg, nil
}

// Normalize trims values and fills in anything left empty.
func (c *Config) Normalize() {
	c.Portal.URL = strings.TrimSuffix(strings.TrimSpace(c.Portal.URL), "/")
	c.Portal.Username = strings.TrimSpace(c.Portal.Username)
	c.Calendar.Type = strings.ToLower(strings.TrimSpace(c.Calendar.Type))
	c.Calendar.ID = strings.TrimSpace(c.Calendar.ID)
	c.Timezone = strings.TrimSpace(c.Timezone)

	if c.Calendar.Type == "" {
		c.Calendar.Type = CalendarGoogle
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Portal.Timeout <= 0 {
		c.Portal.Timeout = Duration(60 * time.Second)
	}
}

// PasswordSource looks up a stored portal password.
type PasswordSource interface {
	Get(username string) (string, error)
}

// ResolvePassword fills Portal.Password from src when the config leaves it empty.
// Lookup failures are ignored; Validate reports the missing password.
func (c *Config) ResolvePassword(src PasswordSource) {
	if c.Portal.Password != "" || src == nil {
		return
	}
	if pw, err := src.Get(c.Portal.Username); err == nil {
		c.Portal.Password = pw
	}
}

// Validate returns an error if any required value is missing or invalid.
func (c *Config) Validate() error {
	if c.Portal.URL == "" {
		return errors.New("portal.url must be provided via --portal-url flag, ROSTERSYNC_PORTAL_URL environment variable, or config file")
	}
	if c.Portal.Username == "" {
		return errors.New("portal.username must be provided via --portal-username flag, ROSTERSYNC_PORTAL_USERNAME environment variable, or config file")
	}
	if c.Portal.Password == "" {
		return errors.New("portal.password must be provided via ROSTERSYNC_PORTAL_PASSWORD, the config file, or the OS keyring (--store-password)")
	}
	if c.Calendar.ID == "" {
		return errors.New("calendar.id must be provided via --calendar-id flag, ROSTERSYNC_CALENDAR_ID environment variable, or config file")
	}

	switch c.Calendar.Type {
	case CalendarGoogle:
		if c.Calendar.CredentialsPath == "" {
			return errors.New("calendar.credentials_path must be provided for Google Calendar")
		}
		if c.Calendar.TokenPath == "" {
			return errors.New("calendar.token_path must be provided for Google Calendar")
		}
	case CalendarCalDAV:
		if c.Calendar.CalDAVURL == "" {
			return errors.New("calendar.caldav_url must be provided for CalDAV")
		}
	default:
		return errors.Errorf("calendar.type must be 'google' or 'caldav', got '%s'", c.Calendar.Type)
	}

	if c.DailySync.Hour < 0 || c.DailySync.Hour > 23 {
		return errors.Errorf("daily_sync.hour must be between 0 and 23, got %d", c.DailySync.Hour)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured portal time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", c.Timezone)
	}
	return loc, nil
}

// LoadGoogleCredentials builds the OAuth client config from a credentials JSON
// file downloaded from Google Cloud Console (desktop or web client).
func LoadGoogleCredentials(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read credentials file")
	}

	oauthConfig, err := google.ConfigFromJSON(data, gcal.CalendarEventsScope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse credentials file")
	}
	return oauthConfig, nil
}

// Save writes cfg to path as YAML, atomically and readable only by the owner.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.Wrap(err, "failed to set permissions")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "failed to replace config file")
	}
	return nil
}
