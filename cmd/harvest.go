package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/config"
	"github.com/warpdl/racecard/internal/daemon"
	"github.com/warpdl/racecard/internal/jobs"
	"github.com/warpdl/racecard/internal/scheduler"
)

var harvestFlags = []cli.Flag{
	cli.BoolFlag{
		Name:  "local, l",
		Usage: "read the card in this process and write the schedule to the database",
	},
	cli.StringFlag{Name: "db", Usage: "SQLite path or postgres:// DSN (with --local)"},
	cli.StringFlag{Name: "zone", Usage: "IANA zone post times are read in (with --local)"},
	cli.StringFlag{Name: "offset", Usage: "collect each race this long before post time (with --local)"},
	cli.StringFlag{Name: "card-url", Usage: "race card page to harvest (with --local)"},
}

func harvest(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "harvest", "load_config", err)
		return nil
	}
	if ctx.Bool("local") {
		return harvestLocal(ctx, cfg)
	}
	rctx, cancel := withTimeout()
	defer cancel()
	client := newClient(rctx, cfg)
	defer client.Close()
	res, err := client.Collect(rctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "harvest", "collect", err)
		return nil
	}
	fmt.Fprintf(stdout, "Daemon accepted: %s\n", res.Status)
	fmt.Fprintln(stdout, `Follow the schedule with "racecard triggers".`)
	return nil
}

// harvestLocal runs one harvest in the foreground. The daemon owns the
// schedule while it runs, so a live PID file refuses the local run.
func harvestLocal(ctx *cli.Context, cfg config.Config) error {
	if pid, ok := daemon.Running(cfg.Path(daemon.PidFileName)); ok {
		common.PrintRuntimeErr(ctx, "harvest", "local", fmt.Errorf("daemon (PID %d) is running, drop --local", pid))
		return nil
	}
	loc, err := cfg.Location()
	if err != nil {
		common.PrintRuntimeErr(ctx, "harvest", "zone", err)
		return nil
	}
	l, err := newLogger(cfg)
	if err != nil {
		common.PrintRuntimeErr(ctx, "harvest", "new_logger", err)
		return nil
	}
	defer l.Close()

	bg := context.Background()
	st, err := openStore(bg, cfg)
	if err != nil {
		common.PrintRuntimeErr(ctx, "harvest", "open_store", err)
		return nil
	}
	defer st.Close()

	sched := scheduler.New(scheduler.Options{Store: st, Location: loc, Logger: l, Now: nowFunc})
	p := mpb.New(mpb.WithOutput(stdout), mpb.WithWidth(64))
	bar := common.InitHarvestBar(p, "")
	h, c := newJobs(cfg, st, sched, loc, l, harvestProgress(bar))
	jobs.Register(sched, h, c)

	rep, err := h.Run(bg)
	if !bar.Completed() {
		bar.Abort(false)
	}
	p.Wait()
	if err != nil {
		common.PrintRuntimeErr(ctx, "harvest", "run", err)
		return nil
	}
	printHarvestReport(stdout, rep, loc)
	return nil
}

// harvestProgress sizes the bar on the first tile and advances it per tile.
func harvestProgress(bar *mpb.Bar) func(done, total int) {
	return func(done, total int) {
		if done == 1 {
			bar.SetTotal(int64(total), false)
			bar.EnableTriggerComplete()
		}
		bar.Increment()
	}
}

func printHarvestReport(w io.Writer, rep *jobs.HarvestReport, loc *time.Location) {
	fmt.Fprintf(w, "Read %d tiles: %d scheduled, %d skipped, %d failed.\n",
		rep.Tiles, rep.Scheduled, rep.Skipped, rep.Failed)
	if len(rep.Races) == 0 {
		return
	}
	txt := fmt.Sprintf("\n|%s|%s|\n", common.Beaut("Race", 14), common.Beaut("Post time", 18))
	txt += "|--------------|------------------|\n"
	for _, r := range rep.Races {
		txt += fmt.Sprintf("|%s|%s|\n",
			common.Beaut(r.ID, 14),
			common.Beaut(r.PostTime.In(loc).Format(DEF_DAY_FMT+" "+DEF_TIME_FMT), 18),
		)
	}
	fmt.Fprint(w, txt)
}
