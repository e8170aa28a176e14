package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	c, err := ParseConfig(map[string]string{"data_device": "/dev/sdz"})
	require.NoError(t, err)

	assert.Equal(t, uint32(DefaultBlockSize), c.BlockSize)
	assert.Equal(t, uint32(DefaultDiskAlignment), c.DiskAlignment)
	assert.Equal(t, uint32(DefaultBitmapGranularity), c.BitmapGranularity)
	assert.Equal(t, "/dev/sdz", c.MetaDevice)
	assert.Equal(t, "/dev/sdz", c.JournalDevice)
	// 128 KiB / 4 KiB / 8 = 4 byte bitmaps, 24 + 2*4 byte entries.
	assert.Equal(t, uint32(4), c.BitmapSize())
	assert.Equal(t, uint32(32), c.CleanEntrySize())
}

func TestParseConfigUnits(t *testing.T) {
	c, err := ParseConfig(map[string]string{
		"data_device":        "data",
		"journal_device":     "journal",
		"journal_size":       "16MiB",
		"block_size":         "64k",
		"bitmap_granularity": "4096",
		"disable_fsync":      "true",
		"unknown_key":        "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<20), c.JournalSize)
	assert.Equal(t, uint32(64<<10), c.BlockSize)
	assert.Equal(t, "data", c.MetaDevice)
	assert.Equal(t, "journal", c.JournalDevice)
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"no device":          {},
		"not power of two":   {"data_device": "d", "block_size": "100000"},
		"block too small":    {"data_device": "d", "block_size": "2048"},
		"block too large":    {"data_device": "d", "block_size": "256MiB"},
		"alignment":          {"data_device": "d", "disk_alignment": "1000"},
		"data offset":        {"data_device": "d", "data_offset": "512"},
		"granularity":        {"data_device": "d", "bitmap_granularity": "6144"},
		"meta offset":        {"data_device": "d", "meta_offset": "1024"},
		"journal offset":     {"data_device": "d", "journal_offset": "100"},
		"bad bool":           {"data_device": "d", "disable_device_lock": "maybe"},
		"bad size":           {"data_device": "d", "journal_size": "lots"},
		"journal block size": {"data_device": "d", "journal_block_size": "1000"},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(m)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}
