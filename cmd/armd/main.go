package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Serve   ServeCommand   `command:"serve" description:"Run the arm controller daemon"`
	Setup   SetupCommand   `command:"setup" description:"Interactively generate the arm configuration"`
	Monitor MonitorCommand `command:"monitor" alias:"mon" description:"Live telemetry view of a running daemon"`
	Home    HomeCmd        `command:"home" description:"Ask a running daemon to home the arm"`
	EStop   EStopCmd       `command:"estop" description:"Emergency-stop a running daemon"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "armd - controller daemon for the Arctos six-axis arm"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
