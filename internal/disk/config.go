package disk

import (
	"strconv"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

const (
	DefaultBlockOrder        = 17
	DefaultBlockSize         = 1 << DefaultBlockOrder
	MinBlockSize             = 4 * 1024
	MaxBlockSize             = 128 * 1024 * 1024
	DefaultDiskAlignment     = 4096
	DefaultJournalBlockSize  = 4096
	DefaultMetaBlockSize     = 4096
	DefaultBitmapGranularity = 4096
	DefaultJournalSize       = 16 * 1024 * 1024
	MinJournalSize           = 1024 * 1024

	// DirectIOAlignment is the smallest sector size direct I/O is expected to
	// work with. Every alignment setting must be a multiple of it.
	DirectIOAlignment = 512

	// CleanEntryHeaderSize is the fixed part of one metadata slot: the
	// object id and the version.
	CleanEntryHeaderSize = 24
)

var (
	ErrConfig = errors.New("disk: invalid configuration")
	ErrDevice = errors.New("disk: device error")
)

// Config is the device and geometry part of the store configuration.
type Config struct {
	DataDevice string
	DataOffset uint64
	// DataSize limits the data area. Zero uses everything available.
	DataSize uint64

	MetaDevice string
	MetaOffset uint64

	JournalDevice string
	JournalOffset uint64
	// JournalSize limits the journal. Zero uses DefaultJournalSize when the
	// journal shares its device with the metadata and the rest of the device
	// otherwise.
	JournalSize uint64

	BlockSize         uint32
	DiskAlignment     uint32
	JournalBlockSize  uint32
	MetaBlockSize     uint32
	BitmapGranularity uint32

	DisableDeviceLock bool
	// DisableDirectIO opens devices through the page cache. It exists for
	// filesystems without O_DIRECT support such as tmpfs.
	DisableDirectIO bool
}

// ParseConfig reads the recognized keys of a configuration mapping, applies
// defaults and validates everything that does not depend on device sizes.
// Unknown keys are ignored.
func ParseConfig(m map[string]string) (*Config, error) {
	var (
		c   Config
		err error
	)
	c.DataDevice = m["data_device"]
	c.MetaDevice = m["meta_device"]
	c.JournalDevice = m["journal_device"]

	sizes := []struct {
		key string
		dst *uint64
	}{
		{"data_offset", &c.DataOffset},
		{"data_size", &c.DataSize},
		{"meta_offset", &c.MetaOffset},
		{"journal_offset", &c.JournalOffset},
		{"journal_size", &c.JournalSize},
	}
	for _, s := range sizes {
		if *s.dst, err = parseSize(m, s.key); err != nil {
			return nil, err
		}
	}

	small := []struct {
		key string
		dst *uint32
		def uint32
	}{
		{"block_size", &c.BlockSize, DefaultBlockSize},
		{"disk_alignment", &c.DiskAlignment, DefaultDiskAlignment},
		{"journal_block_size", &c.JournalBlockSize, DefaultJournalBlockSize},
		{"meta_block_size", &c.MetaBlockSize, DefaultMetaBlockSize},
		{"bitmap_granularity", &c.BitmapGranularity, DefaultBitmapGranularity},
	}
	for _, s := range small {
		v, err := parseSize(m, s.key)
		if err != nil {
			return nil, err
		}
		if v > MaxBlockSize {
			return nil, errors.Wrapf(ErrConfig, "%s %d is too large", s.key, v)
		}
		if v == 0 {
			v = uint64(s.def)
		}
		*s.dst = uint32(v)
	}

	if c.DisableDeviceLock, err = ParseBool(m, "disable_device_lock"); err != nil {
		return nil, err
	}
	if c.DisableDirectIO, err = ParseBool(m, "disable_direct_io"); err != nil {
		return nil, err
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the static geometry rules and fills in the device
// defaults: the metadata lives on the data device and the journal lives on
// the metadata device unless configured otherwise.
func (c *Config) Validate() error {
	if c.DataDevice == "" {
		return errors.Wrap(ErrConfig, "data_device is not set")
	}
	if c.MetaDevice == "" {
		c.MetaDevice = c.DataDevice
	}
	if c.JournalDevice == "" {
		c.JournalDevice = c.MetaDevice
	}

	if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize || c.BlockSize&(c.BlockSize-1) != 0 {
		return errors.Wrapf(ErrConfig, "block_size %d must be a power of two between %d and %d",
			c.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if c.DiskAlignment%DirectIOAlignment != 0 {
		return errors.Wrapf(ErrConfig, "disk_alignment %d must be a multiple of %d", c.DiskAlignment, DirectIOAlignment)
	}
	if c.BlockSize%c.DiskAlignment != 0 {
		return errors.Wrapf(ErrConfig, "block_size %d must be a multiple of disk_alignment %d", c.BlockSize, c.DiskAlignment)
	}
	if c.JournalBlockSize%DirectIOAlignment != 0 {
		return errors.Wrapf(ErrConfig, "journal_block_size %d must be a multiple of %d", c.JournalBlockSize, DirectIOAlignment)
	}
	if c.MetaBlockSize%DirectIOAlignment != 0 {
		return errors.Wrapf(ErrConfig, "meta_block_size %d must be a multiple of %d", c.MetaBlockSize, DirectIOAlignment)
	}
	if c.DataOffset%uint64(c.DiskAlignment) != 0 {
		return errors.Wrapf(ErrConfig, "data_offset %d must be a multiple of disk_alignment %d", c.DataOffset, c.DiskAlignment)
	}
	if c.BitmapGranularity%c.DiskAlignment != 0 {
		return errors.Wrapf(ErrConfig, "bitmap_granularity %d must be a multiple of disk_alignment %d",
			c.BitmapGranularity, c.DiskAlignment)
	}
	if c.BlockSize%c.BitmapGranularity != 0 {
		return errors.Wrapf(ErrConfig, "block_size %d must be a multiple of bitmap_granularity %d",
			c.BlockSize, c.BitmapGranularity)
	}
	if c.BlockSize/c.BitmapGranularity < 8 {
		return errors.Wrapf(ErrConfig, "block_size %d must hold at least 8 granules of %d bytes",
			c.BlockSize, c.BitmapGranularity)
	}
	if c.MetaOffset%uint64(c.MetaBlockSize) != 0 {
		return errors.Wrapf(ErrConfig, "meta_offset %d must be a multiple of meta_block_size %d", c.MetaOffset, c.MetaBlockSize)
	}
	if c.JournalOffset%uint64(c.JournalBlockSize) != 0 {
		return errors.Wrapf(ErrConfig, "journal_offset %d must be a multiple of journal_block_size %d",
			c.JournalOffset, c.JournalBlockSize)
	}
	if c.MetaBlockSize < c.CleanEntrySize() {
		return errors.Wrapf(ErrConfig, "meta_block_size %d cannot hold a %d byte metadata entry",
			c.MetaBlockSize, c.CleanEntrySize())
	}
	return nil
}

// BitmapSize is the size of one partial-write bitmap in a metadata entry.
func (c *Config) BitmapSize() uint32 {
	return c.BlockSize / c.BitmapGranularity / 8
}

// CleanEntrySize is the size of one metadata slot: header plus two bitmaps.
func (c *Config) CleanEntrySize() uint32 {
	return CleanEntryHeaderSize + 2*c.BitmapSize()
}

func parseSize(m map[string]string, key string) (uint64, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrConfig, "%s: invalid size %q", key, v)
	}
	return uint64(n), nil
}

// ParseBool reads a boolean option. Missing keys are false.
func ParseBool(m map[string]string, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(ErrConfig, "%s: invalid boolean %q", key, v)
	}
	return b, nil
}
