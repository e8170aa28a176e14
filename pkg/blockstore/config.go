package blockstore

import (
	"strconv"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"cairn/internal/disk"
)

const (
	DefaultFlusherCount         = 4
	DefaultJournalSectorBuffers = 32
	DefaultRingDepth            = 128
	DefaultRingWorkers          = 8
)

// Config is the complete store configuration: device geometry plus the
// engine settings.
type Config struct {
	Disk disk.Config

	// DisableFsync skips every device sync. Only safe on devices without a
	// volatile write cache.
	DisableFsync bool
	// InmemoryMetadata keeps the whole metadata region in memory instead
	// of reading metadata blocks on demand.
	InmemoryMetadata bool
	FlusherCount     int
	// JournalSectorBuffers is the number of in-memory journal sectors.
	JournalSectorBuffers int
	// SmallWriteThreshold is the write size from which writes go straight
	// to a data block instead of the journal.
	SmallWriteThreshold uint32
	RingDepth           int
	RingWorkers         int
}

// ParseConfig reads a configuration mapping. Unknown keys are ignored and
// invalid values are configuration errors.
func ParseConfig(m map[string]string) (*Config, error) {
	d, err := disk.ParseConfig(m)
	if err != nil {
		return nil, err
	}
	c := &Config{
		Disk:             *d,
		InmemoryMetadata: true,
	}
	if c.DisableFsync, err = disk.ParseBool(m, "disable_fsync"); err != nil {
		return nil, err
	}
	if v, ok := m["inmemory_metadata"]; ok && v != "" {
		if c.InmemoryMetadata, err = disk.ParseBool(m, "inmemory_metadata"); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"flusher_count", &c.FlusherCount, DefaultFlusherCount},
		{"journal_sector_buffer_count", &c.JournalSectorBuffers, DefaultJournalSectorBuffers},
		{"ring_depth", &c.RingDepth, DefaultRingDepth},
		{"ring_workers", &c.RingWorkers, DefaultRingWorkers},
	}
	for _, i := range ints {
		v, ok := m[i.key]
		if !ok || v == "" {
			*i.dst = i.def
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Wrapf(disk.ErrConfig, "%s: invalid count %q", i.key, v)
		}
		*i.dst = n
	}
	if c.JournalSectorBuffers < 2 {
		return nil, errors.Wrap(disk.ErrConfig, "journal_sector_buffer_count must be at least 2")
	}

	c.SmallWriteThreshold = c.Disk.BlockSize
	if v, ok := m["small_write_threshold"]; ok && v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil || n < 0 || n > int64(c.Disk.BlockSize) {
			return nil, errors.Wrapf(disk.ErrConfig, "small_write_threshold: invalid size %q", v)
		}
		c.SmallWriteThreshold = uint32(n)
	}
	return c, nil
}

// minRingDepth is the slot count the largest single read needs: one piece
// per aligned unit of a block in the worst case.
func (c *Config) minRingDepth() int {
	return int(c.Disk.BlockSize/c.Disk.DiskAlignment) + 4
}
