package main

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	defaultLogLevel       = logrus.InfoLevel
	defaultMetricsAddress = "127.0.0.1:9469"
)

// Args holds the global flags shared by every command.
type Args struct {
	ConfigPath    string
	LogLevel      string
	LogJSON       bool
	DataDevice    string
	MetaDevice    string
	JournalDevice string
	Set           cli.StringSlice
}

type Flags struct {
	Args *Args
	F    []cli.Flag
}

func buildFlags(args *Args) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to the TOML configuration file",
			EnvVars:     []string{"CAIRN_CONFIG"},
			Destination: &args.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Value:       defaultLogLevel.String(),
			Usage:       "set the logging level [trace, debug, info, warn, error, fatal, panic]",
			Destination: &args.LogLevel,
		},
		&cli.BoolFlag{
			Name:        "log-json",
			Usage:       "write logs as JSON",
			Destination: &args.LogJSON,
		},
		&cli.StringFlag{
			Name:        "data-device",
			Usage:       "data device, overrides data_device of the configuration file",
			Destination: &args.DataDevice,
		},
		&cli.StringFlag{
			Name:        "meta-device",
			Usage:       "metadata device, overrides meta_device",
			Destination: &args.MetaDevice,
		},
		&cli.StringFlag{
			Name:        "journal-device",
			Usage:       "journal device, overrides journal_device",
			Destination: &args.JournalDevice,
		},
		&cli.StringSliceFlag{
			Name:        "set",
			Usage:       "override one configuration key, as key=value",
			Destination: &args.Set,
		},
	}
}

func NewFlags() *Flags {
	var args Args
	return &Flags{
		Args: &args,
		F:    buildFlags(&args),
	}
}
