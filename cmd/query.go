package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/store"
	"github.com/warpdl/racecard/pkg/rcclient"
)

var racesFlags = []cli.Flag{
	cli.IntFlag{
		Name:  "limit, n",
		Usage: "maximum number of races, 0 for all (default: 50)",
	},
	cli.StringFlag{
		Name:  "day, d",
		Usage: "day to list as YYYY-MM-DD (default: today)",
	},
}

func scrape(ctx *cli.Context) error {
	id := strings.TrimSpace(ctx.Args().First())
	if id == "" {
		return common.PrintErrWithCmdHelp(ctx, errors.New("race id is required"))
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "scrape", "load_config", err)
		return nil
	}
	rctx, cancel := withTimeout()
	defer cancel()
	client := newClient(rctx, cfg)
	defer client.Close()
	res, err := client.Scrape(rctx, id)
	if err != nil {
		common.PrintRuntimeErr(ctx, "scrape", "race.scrape", err)
		return nil
	}
	fmt.Fprintf(stdout, "Daemon accepted: %s\n", res.Status)
	return nil
}

func races(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "races", "load_config", err)
		return nil
	}
	var limit *int
	if ctx.IsSet("limit") {
		n := ctx.Int("limit")
		limit = &n
	}
	rctx, cancel := withTimeout()
	defer cancel()
	client := newClient(rctx, cfg)
	defer client.Close()
	res, err := client.Races(rctx, ctx.String("day"), limit)
	if err != nil {
		common.PrintRuntimeErr(ctx, "races", "race.list", err)
		return nil
	}
	if len(res.Races) == 0 {
		fmt.Fprintf(stdout, "No races on %s.\n", res.Day)
		return nil
	}
	txt := fmt.Sprintf("Races on %s\n\n", res.Day)
	txt += fmt.Sprintf("|%s|%s|%s|\n", common.Beaut("Race", 14), common.Beaut("Post", 7), common.Beaut("Starts", 18))
	txt += "|--------------|-------|------------------|\n"
	now := nowFunc()
	for _, r := range res.Races {
		txt += fmt.Sprintf("|%s|%s|%s|\n",
			common.Beaut(r.RaceID, 14),
			common.Beaut(r.LocalTime, 7),
			common.Beaut(humanize.RelTime(r.PostTime, now, "ago", "from now"), 18),
		)
	}
	fmt.Fprint(stdout, txt)
	return nil
}

func latest(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "latest", "load_config", err)
		return nil
	}
	rctx, cancel := withTimeout()
	defer cancel()
	client := newClient(rctx, cfg)
	defer client.Close()
	snap, err := client.Latest(rctx)
	switch {
	case errors.Is(err, rcclient.ErrNotFound):
		fmt.Fprintln(stdout, "No snapshot collected yet.")
		return nil
	case err != nil:
		common.PrintRuntimeErr(ctx, "latest", "snapshot.latest", err)
		return nil
	}
	printSnapshot(stdout, snap)
	return nil
}

func snapshot(ctx *cli.Context) error {
	id := strings.TrimSpace(ctx.Args().First())
	if id == "" {
		return common.PrintErrWithCmdHelp(ctx, errors.New("race id is required"))
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "snapshot", "load_config", err)
		return nil
	}
	rctx, cancel := withTimeout()
	defer cancel()
	client := newClient(rctx, cfg)
	defer client.Close()
	snap, err := client.Snapshot(rctx, id)
	switch {
	case errors.Is(err, rcclient.ErrNotFound):
		fmt.Fprintf(stdout, "No snapshot for %s.\n", id)
		return nil
	case err != nil:
		common.PrintRuntimeErr(ctx, "snapshot", "snapshot.get", err)
		return nil
	}
	printSnapshot(stdout, snap)
	return nil
}

func printSnapshot(w io.Writer, s *store.Snapshot) {
	fmt.Fprintf(w, "Race:      %s\n", s.RaceID)
	fmt.Fprintf(w, "Snapshot:  %s\n", s.ID)
	fmt.Fprintf(w, "Collected: %s (%s)\n", s.CollectedAt.Format(DEF_DAY_FMT+" "+DEF_TIME_FMT), humanize.RelTime(s.CollectedAt, nowFunc(), "ago", "from now"))
	fmt.Fprintf(w, "Payload:   %s\n", humanize.Bytes(uint64(len(s.Payload))))
	var out strings.Builder
	if err := indentJSON(&out, s.Payload); err != nil {
		fmt.Fprintf(w, "%s\n", s.Payload)
		return
	}
	fmt.Fprintln(w, out.String())
}

func indentJSON(w *strings.Builder, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	w.Write(b)
	return nil
}

func triggers(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "triggers", "load_config", err)
		return nil
	}
	rctx, cancel := withTimeout()
	defer cancel()
	client := newClient(rctx, cfg)
	defer client.Close()
	res, err := client.Triggers(rctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "triggers", "trigger.list", err)
		return nil
	}
	if len(res.Triggers) == 0 {
		fmt.Fprintln(stdout, "No pending triggers.")
		return nil
	}
	txt := fmt.Sprintf("|%s|%s|%s|%s|\n",
		common.Beaut("Trigger", 15), common.Beaut("Action", 9), common.Beaut("Schedule", 11), common.Beaut("Fires", 20))
	txt += "|---------------|---------|-----------|--------------------|\n"
	for _, t := range res.Triggers {
		sched := t.CronExpr
		if sched == "" {
			sched = "once"
		}
		txt += fmt.Sprintf("|%s|%s|%s|%s|\n",
			common.Beaut(t.ID, 15),
			common.Beaut(t.Action, 9),
			common.Beaut(sched, 11),
			common.Beaut(humanize.Time(t.FireAt), 20),
		)
	}
	fmt.Fprint(stdout, txt)
	return nil
}
