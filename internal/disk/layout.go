package disk

import (
	"math/bits"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Layout is the validated geometry of a store together with its opened
// devices. The data, metadata and journal regions may share devices; a
// region that starts below another region on the same device is clipped at
// the start of that region.
type Layout struct {
	Config

	BlockOrder uint32
	BlockCount uint64

	DataLen    uint64
	MetaLen    uint64
	JournalLen uint64

	// MetaAreaLen is the space available to the metadata region, which may
	// exceed the MetaLen that the block count requires.
	MetaAreaLen uint64

	DataDeviceSize    uint64
	MetaDeviceSize    uint64
	JournalDeviceSize uint64

	Data    Device
	Meta    Device
	Journal Device

	devices map[string]Device
}

// NewLayout validates cfg. Device dependent checks happen in Open.
func NewLayout(cfg *Config) (*Layout, error) {
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Layout{
		Config:     c,
		BlockOrder: uint32(bits.TrailingZeros32(c.BlockSize)),
	}, nil
}

// Open opens every distinct device once, checks sizes and sector
// alignment, locks the devices unless disabled and computes the region
// lengths. On failure every device opened so far is closed again.
func (l *Layout) Open(open Opener) (err error) {
	if open == nil {
		open = OpenFile
	}
	l.devices = make(map[string]Device)
	defer func() {
		if err != nil {
			_ = l.Close()
		}
	}()

	get := func(path string) (Device, error) {
		if d, ok := l.devices[path]; ok {
			return d, nil
		}
		d, err := open(path, !l.DisableDirectIO)
		if err != nil {
			return nil, err
		}
		l.devices[path] = d
		if !l.DisableDeviceLock {
			if err = d.Lock(); err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	if l.Data, err = get(l.DataDevice); err != nil {
		return err
	}
	if l.Meta, err = get(l.MetaDevice); err != nil {
		return err
	}
	if l.Journal, err = get(l.JournalDevice); err != nil {
		return err
	}

	l.DataDeviceSize = l.Data.Size()
	l.MetaDeviceSize = l.Meta.Size()
	l.JournalDeviceSize = l.Journal.Size()

	if err = l.checkSizes(); err != nil {
		return err
	}
	return l.CalcLengths()
}

func (l *Layout) checkSizes() error {
	checks := []struct {
		name   string
		dev    Device
		offset uint64
		align  uint32
	}{
		{"data", l.Data, l.DataOffset, l.DiskAlignment},
		{"meta", l.Meta, l.MetaOffset, l.MetaBlockSize},
		{"journal", l.Journal, l.JournalOffset, l.JournalBlockSize},
	}
	for _, c := range checks {
		sect := c.dev.SectorSize()
		if sect > c.align || c.align%sect != 0 {
			return errors.Wrapf(ErrConfig, "%s alignment %d must be a multiple of the device sector size %d",
				c.name, c.align, sect)
		}
		if c.offset >= c.dev.Size() {
			return errors.Wrapf(ErrConfig, "%s offset %d exceeds device size %d", c.name, c.offset, c.dev.Size())
		}
	}
	return nil
}

// CalcLengths derives region lengths and the block count from the device
// sizes and the configured offsets.
func (l *Layout) CalcLengths() error {
	// data
	l.DataLen = l.DataDeviceSize - l.DataOffset
	if l.DataDevice == l.MetaDevice && l.DataOffset < l.MetaOffset {
		l.DataLen = min(l.DataLen, l.MetaOffset-l.DataOffset)
	}
	if l.DataDevice == l.JournalDevice && l.DataOffset < l.JournalOffset {
		l.DataLen = min(l.DataLen, l.JournalOffset-l.DataOffset)
	}
	if l.DataSize != 0 {
		if l.DataLen < l.DataSize {
			return errors.Wrapf(ErrConfig, "data area (%d bytes) is smaller than data_size %d", l.DataLen, l.DataSize)
		}
		l.DataLen = l.DataSize
	}

	// meta
	l.MetaAreaLen = l.MetaDeviceSize - l.MetaOffset
	if l.MetaDevice == l.DataDevice && l.MetaOffset <= l.DataOffset {
		l.MetaAreaLen = min(l.MetaAreaLen, l.DataOffset-l.MetaOffset)
	}
	if l.MetaDevice == l.JournalDevice && l.MetaOffset <= l.JournalOffset {
		l.MetaAreaLen = min(l.MetaAreaLen, l.JournalOffset-l.MetaOffset)
	}

	// journal
	available := l.JournalDeviceSize - l.JournalOffset
	if l.JournalDevice == l.DataDevice && l.JournalOffset <= l.DataOffset {
		available = min(available, l.DataOffset-l.JournalOffset)
	}
	if l.JournalDevice == l.MetaDevice && l.JournalOffset <= l.MetaOffset {
		available = min(available, l.MetaOffset-l.JournalOffset)
	}

	l.BlockCount = l.DataLen >> l.BlockOrder
	if l.BlockCount == 0 {
		return errors.Wrapf(ErrConfig, "data area (%d bytes) holds no %d byte block", l.DataLen, l.BlockSize)
	}
	l.MetaLen = l.RequiredMetaLen()
	if l.MetaAreaLen < l.MetaLen {
		return errors.Wrapf(ErrConfig, "metadata area is too small, need at least %d bytes", l.MetaLen)
	}

	size := l.JournalSize
	if size == 0 {
		size = available
		if l.JournalDevice == l.MetaDevice || l.JournalDevice == l.DataDevice {
			size = min(available, DefaultJournalSize)
		}
	}
	if size > available {
		return errors.Wrapf(ErrConfig, "journal_size %d is larger than the %d bytes available", size, available)
	}
	l.JournalLen = size - size%uint64(l.JournalBlockSize)
	if l.JournalLen < MinJournalSize {
		return errors.Wrapf(ErrConfig, "journal is too small, need at least %d bytes", MinJournalSize)
	}
	return nil
}

// EntriesPerMetaBlock is the number of metadata slots in one metadata
// block. Slots never straddle blocks.
func (l *Layout) EntriesPerMetaBlock() uint64 {
	return uint64(l.MetaBlockSize / l.CleanEntrySize())
}

// RequiredMetaLen is the metadata size for BlockCount slots plus the
// superblock.
func (l *Layout) RequiredMetaLen() uint64 {
	per := l.EntriesPerMetaBlock()
	return (1 + (l.BlockCount+per-1)/per) * uint64(l.MetaBlockSize)
}

// Close closes every opened device once.
func (l *Layout) Close() error {
	var result *multierror.Error
	for path, d := range l.devices {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, &DeviceError{Path: path, Op: "close", Err: err})
		}
	}
	l.devices = nil
	return result.ErrorOrNil()
}
