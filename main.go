package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/warpdl/racecard/cmd"
)

var (
	version   string
	commit    string
	date      string
	buildType string = "unclassified"
)

var osExit = os.Exit

func main() {
	osExit(runMain(os.Args, func(args []string) error {
		return cmd.Execute(args, cmd.BuildArgs{
			Version:   version,
			Commit:    commit,
			Date:      date,
			BuildType: buildType,
		})
	}))
}

func runMain(args []string, run func([]string) error) int {
	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "racecard: %s\n", err.Error())
		return 1
	}
	return 0
}
