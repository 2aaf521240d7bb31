package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"github.com/warpdl/racecard/internal/config"
	"github.com/warpdl/racecard/internal/export"
	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/store"
	"github.com/warpdl/racecard/internal/store/pgstore"
	"github.com/warpdl/racecard/internal/store/sqlite"
	"github.com/warpdl/racecard/pkg/credman"
	"github.com/warpdl/racecard/pkg/credman/keyring"
	"github.com/warpdl/racecard/pkg/logger"
	"github.com/warpdl/racecard/pkg/rcclient"
)

// Swappable for tests.
var (
	osFs    afero.Fs  = afero.NewOsFs()
	getenv            = os.Getenv
	stdout  io.Writer = os.Stdout
	stderr  io.Writer = os.Stderr
	stdin   io.Reader = os.Stdin
	nowFunc           = time.Now
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "home",
		Usage: "data directory holding config.json, the database and the pid file",
	},
	cli.StringFlag{
		Name:  "addr, a",
		Usage: "ops server address (default: " + config.DefaultAddr + ")",
	},
	cli.StringFlag{
		Name:  "secret",
		Usage: "bearer token for the JSON-RPC endpoints",
	},
}

// loadConfig resolves the configuration: defaults, config.json, environment,
// then global and command flags.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	home := ctx.GlobalString("home")
	if home == "" {
		var err error
		if home, err = config.DefaultHome(getenv); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(osFs, home, getenv)
	if err != nil {
		return cfg, err
	}
	if v := ctx.GlobalString("addr"); v != "" {
		cfg.Addr = v
	}
	if v := ctx.GlobalString("secret"); v != "" {
		cfg.Secret = v
	}
	if err := applyDaemonFlags(ctx, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyDaemonFlags copies the command flags that exist on ctx into cfg.
func applyDaemonFlags(ctx *cli.Context, cfg *config.Config) error {
	str := map[string]*string{
		"db":          &cfg.Database,
		"zone":        &cfg.Zone,
		"missed":      &cfg.Missed,
		"export-url":  &cfg.Export.URL,
		"export-cron": &cfg.Export.Cron,
		"log-file":    &cfg.LogFile,
		"card-url":    &cfg.CardURL,
	}
	for name, dst := range str {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	dur := map[string]*config.Duration{
		"offset":      &cfg.Offset,
		"retry-after": &cfg.RetryAfter,
	}
	for name, dst := range dur {
		if !ctx.IsSet(name) {
			continue
		}
		d, err := time.ParseDuration(ctx.String(name))
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		*dst = config.Duration(d)
	}
	return nil
}

// newLogger writes to stderr and, when configured, appends to the log file.
func newLogger(cfg config.Config) (logger.Logger, error) {
	console := logger.NewStandardLogger(log.New(stderr, "", log.LstdFlags))
	if cfg.LogFile == "" {
		return console, nil
	}
	path := cfg.LogFile
	if !filepath.IsAbs(path) {
		path = cfg.Path(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	file := logger.NewFileLogger(log.New(f, "", log.LstdFlags), f.Close)
	return logger.NewMultiLogger(console, file), nil
}

// durableStore is a race store that also persists the schedule.
type durableStore interface {
	store.Store
	scheduler.TriggerStore
}

// openStore opens Postgres for postgres:// DSNs and SQLite otherwise.
func openStore(ctx context.Context, cfg config.Config) (durableStore, error) {
	if cfg.IsPostgres() {
		return pgstore.Open(ctx, cfg.Database, pgstore.Options{})
	}
	if err := osFs.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return sqlite.Open(cfg.DatabasePath())
}

// newCredentials returns the keyring-backed password store with the
// encrypted file in the data directory as fallback.
func newCredentials(cfg config.Config, l logger.Logger) *credman.Manager {
	return credman.New(keyring.NewKeyring(), keyring.NewFileStore(osFs, cfg.Home), l)
}

// newExporter wires an exporter writing to cfg.Export.URL, or rawURL when set.
func newExporter(cfg config.Config, src export.SnapshotReader, loc *time.Location, l logger.Logger, rawURL string) *export.Exporter {
	if rawURL == "" {
		rawURL = cfg.Export.URL
	}
	opts := export.SinkOptions{
		Secrets:        newCredentials(cfg, l),
		KnownHostsPath: cfg.KnownHostsPath(),
		SSHKeyPath:     cfg.Export.SSHKey,
		OS:             osFs,
	}
	return export.New(export.Options{
		Source: src,
		Open: func(ctx context.Context) (export.Sink, error) {
			return export.OpenSink(ctx, rawURL, opts)
		},
		Location: loc,
		Logger:   l,
		Now:      nowFunc,
	})
}

// cliVersion is the version the CLI was built with. Execute sets it.
var cliVersion string

// newClient returns a client for the configured daemon and warns on stderr
// when the daemon runs another version.
func newClient(ctx context.Context, cfg config.Config) *rcclient.Client {
	c := rcclient.New(cfg.Addr, cfg.Secret)
	c.CheckVersionMismatch(ctx, cliVersion)
	return c
}

// withTimeout bounds a single CLI request to the daemon.
func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DEF_TIMEOUT)
}
