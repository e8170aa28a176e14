package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"cairn/internal/disk"
	"cairn/internal/journal"
	"cairn/internal/mmap"
)

func dumpJournalCommand(args *Args) *cli.Command {
	return &cli.Command{
		Name:  "dump-journal",
		Usage: "print the journal entries recovery would replay",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			layout, err := openLayout(cfg)
			if err != nil {
				return err
			}
			defer layout.Close()
			return dumpJournal(c.App.Writer, layout)
		},
	}
}

func dumpJournal(w io.Writer, layout *disk.Layout) error {
	buf, err := mmap.New(int(layout.JournalLen))
	if err != nil {
		return err
	}
	defer mmap.Free(buf)
	if _, err := layout.Journal.ReadAt(buf, int64(layout.JournalOffset)); err != nil {
		return errors.Wrap(err, "read journal")
	}

	bs := layout.JournalBlockSize
	start, err := journal.DecodeStart(buf[:bs], bs, layout.JournalLen)
	if errors.Is(err, journal.ErrEmpty) {
		fmt.Fprintln(w, "journal is not initialized")
		return nil
	}
	if err != nil {
		return err
	}
	res := journal.Replay(buf, bs, layout.BitmapSize(), start)

	fmt.Fprintf(w, "start %d, crc %08x\n", start.JournalStart, start.CRC32Prev)
	for _, e := range res.Entries {
		switch e.Type {
		case journal.TypeStable:
			fmt.Fprintf(w, "%8d %-12s", e.Sector, e.Type)
			for _, ov := range e.Stable {
				fmt.Fprintf(w, " %s", ov)
			}
			fmt.Fprintln(w)
		case journal.TypeDelete:
			fmt.Fprintf(w, "%8d %-12s %s v%d\n", e.Sector, e.Type, e.Oid, e.Version)
		default:
			fmt.Fprintf(w, "%8d %-12s %s v%d offset %d len %s at %d\n",
				e.Sector, e.Type, e.Oid, e.Version, e.Offset, humanize.IBytes(uint64(e.Len)), e.Location)
		}
	}
	fmt.Fprintf(w, "%d entries, next free %d, %d skipped\n", len(res.Entries), res.NextFree, res.Skipped)
	return nil
}
