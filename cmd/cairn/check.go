package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

func checkCommand(args *Args) *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "run startup recovery and print a summary of the store",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := s.start(c.Context); err != nil {
				_ = s.bs.Close()
				return err
			}

			st := s.bs.Stats()
			bsize := uint64(st.BlockSize)
			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "id:\t%s\n", s.bs.ID())
			fmt.Fprintf(w, "block size:\t%s\n", humanize.IBytes(bsize))
			fmt.Fprintf(w, "blocks:\t%s (%s)\n", humanize.Comma(int64(st.BlockCount)), humanize.IBytes(st.BlockCount*bsize))
			fmt.Fprintf(w, "free:\t%s (%s)\n", humanize.Comma(int64(st.FreeBlocks)), humanize.IBytes(st.FreeBlocks*bsize))
			fmt.Fprintf(w, "objects:\t%d\n", st.CleanObjects)
			fmt.Fprintf(w, "dirty versions:\t%d\n", st.DirtyVersions)
			fmt.Fprintf(w, "replayed entries:\t%d\n", st.Replayed)
			fmt.Fprintf(w, "journal:\t%s of %s used\n", humanize.IBytes(st.JournalUsed), humanize.IBytes(st.JournalSize))
			if err := w.Flush(); err != nil {
				return err
			}
			return s.stop(c.Context)
		},
	}
}
