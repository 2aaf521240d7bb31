// Package cmd implements the racecard command line: the daemon and the
// commands that talk to it.
package cmd

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli"
	"github.com/warpdl/racecard/cmd/common"
)

type BuildArgs struct {
	Version   string
	BuildType string
	Date      string
	Commit    string
}

func Execute(args []string, bArgs BuildArgs) error {
	app := newApp(bArgs)
	common.VersionCmdStr = fmt.Sprintf("%s %s (%s_%s)\nBuild: %s=%s\n",
		app.Name,
		app.Version,
		runtime.GOOS,
		runtime.GOARCH,
		bArgs.Date, bArgs.Commit,
	)
	cliVersion = bArgs.Version
	return app.Run(args)
}

func newApp(bArgs BuildArgs) *cli.App {
	return &cli.App{
		Name:                  "racecard",
		HelpName:              "racecard",
		Usage:                 "Follows the daily race card and snapshots every race before it starts.",
		Version:               fmt.Sprintf("%s-%s", bArgs.Version, bArgs.BuildType),
		UsageText:             "racecard [global options] <command> [arguments...]",
		Description:           DESCRIPTION,
		CustomAppHelpTemplate: HELP_TEMPL,
		OnUsageError:          common.UsageErrorCallback,
		Writer:                stdout,
		ErrWriter:             stderr,
		Flags:                 globalFlags,
		Commands: []cli.Command{
			{
				Name:               "daemon",
				Usage:              "runs the scheduler and the ops server",
				Action:             daemonCmd(bArgs),
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        DaemonDescription,
				Flags:              daemonFlags,
			},
			{
				Name:   "stop",
				Usage:  "stops the running daemon",
				Action: stopDaemon,
			},
			{
				Name:                   "harvest",
				Aliases:                []string{"c"},
				Usage:                  "reads today's card and schedules every race",
				Action:                 harvest,
				OnUsageError:           common.UsageErrorCallback,
				CustomHelpTemplate:     CMD_HELP_TEMPL,
				Description:            HarvestDescription,
				UseShortOptionHandling: true,
				Flags:                  harvestFlags,
			},
			{
				Name:               "scrape",
				Aliases:            []string{"s"},
				Usage:              "snapshots one race now",
				ArgsUsage:          "<race-id>",
				UsageText:          "<race-id>",
				Action:             scrape,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        ScrapeDescription,
			},
			{
				Name:                   "races",
				Aliases:                []string{"l"},
				Usage:                  "lists the races of a day",
				Action:                 races,
				OnUsageError:           common.UsageErrorCallback,
				CustomHelpTemplate:     CMD_HELP_TEMPL,
				Description:            RacesDescription,
				UseShortOptionHandling: true,
				Flags:                  racesFlags,
			},
			{
				Name:   "latest",
				Usage:  "prints the most recent snapshot",
				Action: latest,
			},
			{
				Name:               "snapshot",
				Usage:              "prints the latest snapshot of a race",
				ArgsUsage:          "<race-id>",
				UsageText:          "<race-id>",
				Action:             snapshot,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        SnapshotDescription,
			},
			{
				Name:   "triggers",
				Usage:  "lists the pending triggers",
				Action: triggers,
			},
			{
				Name:               "export",
				Aliases:            []string{"e"},
				Usage:              "writes a day of snapshots to the export URL",
				Action:             exportCmd,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        ExportDescription,
				Flags:              exportFlags,
			},
			{
				Name:        "creds",
				Usage:       "manages export passwords",
				Description: CredsDescription,
				Subcommands: []cli.Command{
					{
						Name:      "set",
						Usage:     "stores the password read from stdin",
						ArgsUsage: "[url]",
						Action:    credsSet,
					},
					{
						Name:      "get",
						Usage:     "tells whether a password is stored",
						ArgsUsage: "[url]",
						Action:    credsGet,
					},
					{
						Name:      "delete",
						Usage:     "removes the stored password",
						ArgsUsage: "[url]",
						Action:    credsDelete,
					},
				},
			},
			{
				Name:  "config",
				Usage: "shows or writes config.json",
				Subcommands: []cli.Command{
					{
						Name:   "show",
						Usage:  "prints the effective configuration",
						Action: configShow,
					},
					{
						Name:   "init",
						Usage:  "writes the effective configuration to config.json",
						Flags:  configInitFlags,
						Action: configInit,
					},
				},
			},
			{
				Name:    "help",
				Aliases: []string{"h"},
				Usage:   "prints the help message",
				Action:  common.Help,
			},
			{
				Name:               "version",
				Aliases:            []string{"v"},
				Usage:              "prints installed version of racecard",
				UsageText:          " ",
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Action:             common.GetVersion,
			},
		},
		HideHelp:    true,
		HideVersion: true,
	}
}
