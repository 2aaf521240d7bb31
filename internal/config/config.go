// Package config resolves the daemon settings from defaults, an optional
// config.json in the data directory and RACECARD_* environment variables.
// Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/racecard/common"
	"github.com/warpdl/racecard/internal/scheduler"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.json"

// Defaults.
const (
	DefaultAddr            = "127.0.0.1:8787"
	DefaultDatabase        = "racecard.db"
	DefaultZone            = "Europe/Paris"
	DefaultHarvestCron     = "0 9 * * *"
	DefaultExportCron      = "30 0 * * *"
	DefaultOffset          = 3 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration read from strings such as "3m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"3m\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Export configures the daily snapshot export.
type Export struct {
	// URL is file:///dir, sftp://user@host/dir, ftp:// or ftps://.
	// Empty disables the export.
	URL        string `json:"url,omitempty"`
	Cron       string `json:"cron,omitempty"`
	KnownHosts string `json:"known_hosts,omitempty"`
	SSHKey     string `json:"ssh_key,omitempty"`
}

// Config is the resolved daemon configuration.
type Config struct {
	// Home is the data directory. It is never read from the file.
	Home string `json:"-"`

	Addr   string `json:"addr"`
	Secret string `json:"secret,omitempty"`
	// Database is a SQLite path, relative to Home unless absolute, or a
	// postgres:// DSN.
	Database string `json:"database"`
	Zone     string `json:"zone"`

	CardURL     string   `json:"card_url,omitempty"`
	UserAgent   string   `json:"user_agent,omitempty"`
	HarvestCron string   `json:"harvest_cron"`
	Offset      Duration `json:"offset"`
	// RetryAfter > 0 retries a failed scheduled collection once.
	RetryAfter Duration `json:"retry_after,omitempty"`
	Missed     string   `json:"missed"`

	Export Export `json:"export"`

	LogFile         string   `json:"log_file,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Default returns the built-in settings for home.
func Default(home string) Config {
	return Config{
		Home:            home,
		Addr:            DefaultAddr,
		Database:        DefaultDatabase,
		Zone:            DefaultZone,
		HarvestCron:     DefaultHarvestCron,
		Offset:          Duration(DefaultOffset),
		Missed:          scheduler.CatchUp.String(),
		Export:          Export{Cron: DefaultExportCron},
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
	}
}

// DefaultHome returns $RACECARD_HOME or <user config dir>/racecard.
func DefaultHome(getenv func(string) string) (string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if dir := getenv(common.HomeEnv); dir != "" {
		return filepath.Abs(dir)
	}
	cdr, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(cdr, "racecard"), nil
}

// Load builds the configuration for home: defaults, then home/config.json
// when it exists, then the environment. The result is not validated so
// flags can still be applied; call Validate afterwards.
func Load(fs afero.Fs, home string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default(home)
	path := filepath.Join(home, FileName)
	b, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, fmt.Errorf("config: read %s: %w", path, err)
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(getenv); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		common.AddrEnv:       &c.Addr,
		common.SecretEnv:     &c.Secret,
		common.DatabaseEnv:   &c.Database,
		common.ZoneEnv:       &c.Zone,
		common.MissedEnv:     &c.Missed,
		common.ExportURLEnv:  &c.Export.URL,
		common.ExportCronEnv: &c.Export.Cron,
		common.LogFileEnv:    &c.LogFile,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	dur := map[string]*Duration{
		common.OffsetEnv:     &c.Offset,
		common.RetryAfterEnv: &c.RetryAfter,
	}
	for name, dst := range dur {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = Duration(d)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("%w: data directory is empty", ErrInvalid)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is empty", ErrInvalid)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: database is empty", ErrInvalid)
	}
	if _, err := time.LoadLocation(c.Zone); err != nil {
		return fmt.Errorf("%w: zone %q: %v", ErrInvalid, c.Zone, err)
	}
	if !scheduler.ValidCron(c.HarvestCron) {
		return fmt.Errorf("%w: harvest_cron %q", ErrInvalid, c.HarvestCron)
	}
	if c.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrInvalid)
	}
	if c.RetryAfter < 0 {
		return fmt.Errorf("%w: retry_after must not be negative", ErrInvalid)
	}
	if _, err := scheduler.ParseMissedPolicy(c.Missed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Export.URL != "" && !scheduler.ValidCron(c.Export.Cron) {
		return fmt.Errorf("%w: export cron %q", ErrInvalid, c.Export.Cron)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdown_timeout must not be negative", ErrInvalid)
	}
	return nil
}

// Location loads the configured zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Zone)
}

// MissedPolicy parses the configured restart policy.
func (c Config) MissedPolicy() (scheduler.MissedPolicy, error) {
	return scheduler.ParseMissedPolicy(c.Missed)
}

// IsPostgres reports whether Database is a Postgres DSN.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.Database, "postgres://") || strings.HasPrefix(c.Database, "postgresql://")
}

// DatabasePath returns the SQLite path resolved against Home.
func (c Config) DatabasePath() string {
	if c.Database == ":memory:" || filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(c.Home, c.Database)
}

// Path joins name to the data directory.
func (c Config) Path(name string) string {
	return filepath.Join(c.Home, name)
}

// KnownHostsPath defaults to known_hosts in the data directory.
func (c Config) KnownHostsPath() string {
	if c.Export.KnownHosts != "" {
		return c.Export.KnownHosts
	}
	return c.Path("known_hosts")
}

// Save writes c to home/config.json with mode 0600, creating home.
func (c Config) Save(fs afero.Fs) error {
	if err := fs.MkdirAll(c.Home, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", c.Home, err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, c.Path(FileName), append(b, '\n'), 0o600)
}
