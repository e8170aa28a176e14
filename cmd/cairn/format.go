package main

import (
	"fmt"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"cairn/internal/disk"
	"cairn/pkg/blockstore"
)

func formatCommand(args *Args) *cli.Command {
	var force bool
	return &cli.Command{
		Name:  "format",
		Usage: "wipe the metadata superblock and the journal start record",
		Description: "The next start initializes an empty store on the configured devices. " +
			"Data blocks are left in place but become unreachable.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "force",
				Usage:       "confirm that every object of the store is lost",
				Destination: &force,
			},
		},
		Action: func(c *cli.Context) error {
			if !force {
				return errors.New("format destroys the store, pass --force to confirm")
			}
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			layout, err := openLayout(cfg)
			if err != nil {
				return err
			}
			defer layout.Close()

			if err := wipe(layout.Meta, layout.MetaOffset, layout.MetaBlockSize); err != nil {
				return errors.Wrap(err, "wipe metadata superblock")
			}
			if err := wipe(layout.Journal, layout.JournalOffset, layout.JournalBlockSize); err != nil {
				return errors.Wrap(err, "wipe journal start")
			}
			fmt.Fprintf(c.App.Writer, "formatted %s\n", layout.DataDevice)
			return nil
		},
	}
}

// openLayout opens the devices named by cfg without starting a store.
func openLayout(cfg map[string]string) (*disk.Layout, error) {
	c, err := blockstore.ParseConfig(cfg)
	if err != nil {
		return nil, err
	}
	layout, err := disk.NewLayout(&c.Disk)
	if err != nil {
		return nil, err
	}
	if err := layout.Open(nil); err != nil {
		return nil, err
	}
	return layout, nil
}

func wipe(dev disk.Device, off uint64, size uint32) error {
	if _, err := dev.WriteAt(directio.AlignedBlock(int(size)), int64(off)); err != nil {
		return err
	}
	return dev.Sync()
}
