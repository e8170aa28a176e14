package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"cairn/internal/logging"
)

// Version is set at build time.
var Version = "development"

func newApp() *cli.App {
	flags := NewFlags()
	return &cli.App{
		Name:    "cairn",
		Usage:   "journaled block store for versioned objects",
		Version: Version,
		Flags:   flags.F,
		Before: func(c *cli.Context) error {
			if err := logging.SetUp(flags.Args.LogLevel, flags.Args.LogJSON); err != nil {
				return errors.Wrap(err, "failed to prepare logger")
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(flags.Args),
			formatCommand(flags.Args),
			checkCommand(flags.Args),
			dumpJournalCommand(flags.Args),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("cairn failed")
	}
}
