package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/card"
	"github.com/warpdl/racecard/internal/config"
	"github.com/warpdl/racecard/internal/daemon"
	"github.com/warpdl/racecard/internal/jobs"
	"github.com/warpdl/racecard/internal/page/htmldriver"
	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/server"
	"github.com/warpdl/racecard/pkg/logger"
)

var daemonFlags = []cli.Flag{
	cli.StringFlag{Name: "db", Usage: "SQLite path (relative to the data directory) or postgres:// DSN"},
	cli.StringFlag{Name: "zone", Usage: "IANA zone post times are read in (default: " + config.DefaultZone + ")"},
	cli.StringFlag{Name: "offset", Usage: "collect each race this long before post time (default: 3m)"},
	cli.StringFlag{Name: "retry-after", Usage: "retry a failed collection once after this delay (default: disabled)"},
	cli.StringFlag{Name: "missed", Usage: "overdue triggers on restart: catch-up or drop (default: catch-up)"},
	cli.StringFlag{Name: "export-url", Usage: "export yesterday's snapshots every night to this URL"},
	cli.StringFlag{Name: "export-cron", Usage: "schedule of the nightly export (default: " + config.DefaultExportCron + ")"},
	cli.StringFlag{Name: "card-url", Usage: "race card page to harvest"},
	cli.StringFlag{Name: "log-file", Usage: "also append logs to this file"},
}

// DaemonComponents holds everything the daemon command wires together.
type DaemonComponents struct {
	Config    config.Config
	Store     durableStore
	Scheduler *scheduler.Scheduler
	Server    *server.Server
	Harvester *jobs.Harvester
	Collector *jobs.Collector
	Runner    *daemon.Runner
	logger    logger.Logger
}

// Close releases the store and the log file. The runner calls it on the way out.
func (c *DaemonComponents) Close() error {
	return errors.Join(c.Store.Close(), c.logger.Close())
}

// bootScheduler arms the recurring triggers once the persisted schedule is loaded.
type bootScheduler struct {
	*scheduler.Scheduler
	boot func(ctx context.Context) error
}

func (b bootScheduler) Start(ctx context.Context) error {
	if err := b.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := b.boot(ctx); err != nil {
		_ = b.Scheduler.Shutdown(context.Background())
		return err
	}
	return nil
}

// initDaemonComponents builds the daemon from cfg. On error, partially
// initialized components are released before returning.
var initDaemonComponents = func(ctx context.Context, cfg config.Config, bArgs BuildArgs, l logger.Logger) (*DaemonComponents, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	missed, err := cfg.MissedPolicy()
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sched := scheduler.New(scheduler.Options{
		Store:    st,
		Location: loc,
		Missed:   missed,
		Logger:   l,
		Now:      nowFunc,
	})
	h, c := newJobs(cfg, st, sched, loc, l, nil)
	jobs.Register(sched, h, c)
	if cfg.Export.URL != "" {
		sched.Register(jobs.ActionExport, newExporter(cfg, st, loc, l, "").Action)
	}

	srv := server.New(server.Deps{
		Addr:       cfg.Addr,
		Secret:     cfg.Secret,
		Version:    bArgs.Version,
		Commit:     bArgs.Commit,
		BuildType:  bArgs.BuildType,
		Store:      st,
		Dispatcher: sched,
		Triggers:   sched,
		Location:   loc,
		Logger:     l,
		Now:        nowFunc,
	})
	sched.OnEvent(srv.Notifier().PublishJob)

	comps := &DaemonComponents{
		Config:    cfg,
		Store:     st,
		Scheduler: sched,
		Server:    srv,
		Harvester: h,
		Collector: c,
		logger:    l,
	}
	runner, err := daemon.New(&daemon.Config{
		PidFile:         cfg.Path(daemon.PidFileName),
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
	}, &daemon.Dependencies{
		Scheduler:    bootScheduler{Scheduler: sched, boot: comps.armRecurring},
		Server:       srv,
		Logger:       l,
		ShutdownFunc: comps.Close,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	comps.Runner = runner
	return comps, nil
}

// newJobs builds the harvester and the collector over one browser launcher.
// progress may be nil.
func newJobs(cfg config.Config, st durableStore, sched *scheduler.Scheduler, loc *time.Location, l logger.Logger, progress func(done, total int)) (*jobs.Harvester, *jobs.Collector) {
	launcher := htmldriver.New(htmldriver.Options{UserAgent: cfg.UserAgent, Logger: l})

	cardCfg := card.DefaultConfig()
	collectCfg := jobs.DefaultCollectConfig()
	if cfg.CardURL != "" {
		cardCfg.URL = cfg.CardURL
		collectCfg.CardURL = cfg.CardURL
	}
	collectCfg.RetryAfter = cfg.RetryAfter.Std()

	h := jobs.NewHarvester(jobs.HarvesterDeps{
		Launcher:  launcher,
		Tiles:     card.NewExtractor(cardCfg, logger.Named(l, "card")),
		Store:     st,
		Scheduler: sched,
		Location:  loc,
		Offset:    cfg.Offset.Std(),
		Logger:    l,
		Progress:  progress,
		Now:       nowFunc,
	})
	c := jobs.NewCollector(jobs.CollectorDeps{
		Config:    collectCfg,
		Launcher:  launcher,
		Store:     st,
		Scheduler: sched,
		Location:  loc,
		Logger:    l,
		Now:       nowFunc,
	})
	return h, c
}

// armRecurring registers the daily harvest and, when configured, the
// nightly export. A stale export trigger is removed when export is off.
func (c *DaemonComponents) armRecurring(ctx context.Context) error {
	t, changed, err := c.Scheduler.EnsureRecurring(ctx, jobs.DailyTriggerID, c.Config.HarvestCron, jobs.ActionHarvest)
	if err != nil {
		return fmt.Errorf("arm %s: %w", jobs.DailyTriggerID, err)
	}
	if changed {
		c.logger.Info("daily harvest armed for %s", t.FireAt.Format(time.RFC3339))
	}
	if c.Config.Export.URL == "" {
		return c.Scheduler.Remove(ctx, jobs.ExportTriggerID)
	}
	t, changed, err = c.Scheduler.EnsureRecurring(ctx, jobs.ExportTriggerID, c.Config.Export.Cron, jobs.ActionExport)
	if err != nil {
		return fmt.Errorf("arm %s: %w", jobs.ExportTriggerID, err)
	}
	if changed {
		c.logger.Info("nightly export armed for %s", t.FireAt.Format(time.RFC3339))
	}
	return nil
}

func daemonCmd(bArgs BuildArgs) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			common.PrintRuntimeErr(ctx, "daemon", "load_config", err)
			return nil
		}
		l, err := newLogger(cfg)
		if err != nil {
			common.PrintRuntimeErr(ctx, "daemon", "new_logger", err)
			return nil
		}
		sigCtx, cancel := setupShutdownHandler()
		defer cancel()

		comps, err := initDaemonComponents(sigCtx, cfg, bArgs, l)
		if err != nil {
			_ = l.Close()
			common.PrintRuntimeErr(ctx, "daemon", "init", err)
			return nil
		}
		l.Info("racecard %s starting (data dir %s, zone %s)", bArgs.Version, cfg.Home, cfg.Zone)
		if err := comps.Runner.Start(sigCtx); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				_ = comps.Close()
			}
			return err
		}
		return nil
	}
}

func stopDaemon(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "stop", "load_config", err)
		return nil
	}
	pid, err := daemon.Stop(cfg.Path(daemon.PidFileName))
	switch {
	case errors.Is(err, daemon.ErrNotRunning), os.IsNotExist(err):
		fmt.Println("Daemon is not running")
		return nil
	case err != nil:
		common.PrintRuntimeErr(ctx, "stop", "kill", err)
		return nil
	}
	fmt.Printf("Daemon (PID %d) stopped\n", pid)
	return nil
}
