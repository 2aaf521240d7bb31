package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/config"
)

var configInitFlags = append([]cli.Flag{
	cli.BoolFlag{Name: "force, f", Usage: "overwrite an existing config.json"},
}, daemonFlags...)

// configShow prints the effective configuration with the secret masked.
func configShow(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "config", "load_config", err)
		return nil
	}
	if cfg.Secret != "" {
		cfg.Secret = "********"
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		common.PrintRuntimeErr(ctx, "config", "encode", err)
		return nil
	}
	fmt.Fprintf(stdout, "# %s\n%s\n", cfg.Path(config.FileName), b)
	return nil
}

// configInit writes the effective configuration to config.json.
func configInit(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "config", "load_config", err)
		return nil
	}
	path := cfg.Path(config.FileName)
	exists, err := afero.Exists(osFs, path)
	if err != nil {
		common.PrintRuntimeErr(ctx, "config", "stat", err)
		return nil
	}
	if exists && !ctx.Bool("force") {
		common.PrintRuntimeErr(ctx, "config", "init", fmt.Errorf("%s exists, pass --force to overwrite", path))
		return nil
	}
	if err := cfg.Save(osFs); err != nil {
		common.PrintRuntimeErr(ctx, "config", "save", err)
		return nil
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}
