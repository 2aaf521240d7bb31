package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/export"
)

var exportFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "day, d",
		Usage: "day to export as YYYY-MM-DD (default: yesterday)",
	},
	cli.StringFlag{
		Name:  "url, u",
		Usage: "destination (default: export.url from config.json)",
	},
	cli.StringFlag{Name: "db", Usage: "SQLite path or postgres:// DSN"},
	cli.StringFlag{Name: "zone", Usage: "IANA zone days are cut in"},
}

// exportCmd reads the store directly so it also works without a daemon.
func exportCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "export", "load_config", err)
		return nil
	}
	rawURL := ctx.String("url")
	if rawURL == "" && cfg.Export.URL == "" {
		return common.PrintErrWithCmdHelp(ctx, errors.New("no export URL: pass --url or set export.url"))
	}
	loc, err := cfg.Location()
	if err != nil {
		common.PrintRuntimeErr(ctx, "export", "zone", err)
		return nil
	}
	day := nowFunc().In(loc).AddDate(0, 0, -1)
	if v := ctx.String("day"); v != "" {
		if day, err = time.ParseInLocation(export.DayLayout, v, loc); err != nil {
			return common.PrintErrWithCmdHelp(ctx, fmt.Errorf("--day %q: want YYYY-MM-DD", v))
		}
	}
	l, err := newLogger(cfg)
	if err != nil {
		common.PrintRuntimeErr(ctx, "export", "new_logger", err)
		return nil
	}
	defer l.Close()

	bg := context.Background()
	st, err := openStore(bg, cfg)
	if err != nil {
		common.PrintRuntimeErr(ctx, "export", "open_store", err)
		return nil
	}
	defer st.Close()

	res, err := newExporter(cfg, st, loc, l, rawURL).Export(bg, day)
	if err != nil {
		common.PrintRuntimeErr(ctx, "export", "write", err)
		return nil
	}
	dest := rawURL
	if dest == "" {
		dest = cfg.Export.URL
	}
	fmt.Fprintf(stdout, "Exported %d snapshots of %s to %s/%s (%s)\n",
		res.Snapshots, res.Day, export.StripURLCredentials(dest), res.Name, humanize.Bytes(uint64(res.Bytes)))
	return nil
}
