package cmd

import "time"

const (
	DEF_TIMEOUT  = time.Second * 30
	DEF_DAY_FMT  = "2006-01-02"
	DEF_TIME_FMT = "15:04"
)

const DESCRIPTION = `
racecard follows the daily horse racing card. Every morning it reads
the list of races and their post times, then takes one snapshot of
each race view a few minutes before the start. Snapshots are kept in
SQLite or Postgres and can be exported every night.
`

const (
	DaemonDescription = `The daemon command runs the scheduler and the ops server
in the foreground until interrupted. It harvests the card
every day at 09:00 (Europe/Paris) and collects each race
3 minutes before its post time.

Example:
        racecard daemon --addr 127.0.0.1:8787

`
	HarvestDescription = `The harvest command reads today's race card now and
schedules a collection for every race. Without --local the
running daemon does the work.

Example:
        racecard harvest
                    OR
        racecard harvest --local

`
	ScrapeDescription = `The scrape command asks the daemon to take a snapshot
of one race right away. The race does not need to be known.

Example:
        racecard scrape R42

`
	RacesDescription = `The races command lists the races of a day ordered by
post time, in the configured zone.

Example:
        racecard races --limit 10 --day 2024-05-01

`
	SnapshotDescription = `The snapshot command prints the latest snapshot stored
for a race.

Example:
        racecard snapshot R42

`
	ExportDescription = `The export command writes every snapshot of a day as JSON
lines to snapshots-YYYY-MM-DD.jsonl on the export URL.
The day defaults to yesterday.

Supported URLs:
        file:///var/backups/racecard
        sftp://user@host/racecard
        ftp://user@host/racecard, ftps://user@host/racecard

Example:
        racecard export --url sftp://ops@backup.example/racecard --day 2024-05-01

`
	CredsDescription = `The creds command keeps export passwords in the OS keyring,
or in an encrypted file in the data directory when no
keyring is available. The password is read from stdin.

Example:
        racecard creds set sftp://ops@backup.example/racecard

`
)

const HELP_TEMPL = `Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
{{.Description}}{{if .VisibleCommands}}
Commands:{{range .VisibleCategories}}{{if .Name}}

{{.Name}}:{{range .VisibleCommands}}
  {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{else}}{{range .VisibleCommands}}
{{"\t"}}{{index .Names 0}}{{"\t:\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{end}}{{if .VisibleFlags}}

Global Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

Use "{{.HelpName}} help <command>" for more information about any command.

`

const CMD_HELP_TEMPL = `{{if .Description}}{{.Description}}{{else}}{{.HelpName}} - {{.Usage}}

{{end}}Usage:
        {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[arguments...]{{end}}{{if .VisibleFlags}}

Supported Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

`
