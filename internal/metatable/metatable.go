// Package metatable is the on-disk format of the metadata region: a
// superblock in the first metadata block followed by one fixed-size slot per
// data block.
package metatable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cairn/internal/base"
	"cairn/internal/disk"
)

const (
	// Magic starts every superblock.
	Magic uint64 = 0x31544d4e52494143
	// FormatVersion is the metadata format written by this package.
	FormatVersion = 1

	SuperblockSize = 52
	// SlotHeaderSize is the object id and version part of a slot.
	SlotHeaderSize = disk.CleanEntryHeaderSize
)

var (
	ErrEmpty     = errors.New("metatable: not initialized")
	ErrCorrupted = errors.New("metatable: corrupted superblock")
)

// Superblock identifies a formatted store. Layout, little endian:
//
//	magic u64 | format_version u32 | block_size u32 | granularity u32 |
//	reserved u32 | block_count u64 | uuid [16] | crc32 u32
type Superblock struct {
	Version           uint32
	BlockSize         uint32
	BitmapGranularity uint32
	BlockCount        uint64
	ID                uuid.UUID
}

func EncodeSuperblock(block []byte, sb Superblock) {
	clear(block[:SuperblockSize])
	le := binary.LittleEndian
	le.PutUint64(block[0:], Magic)
	le.PutUint32(block[8:], sb.Version)
	le.PutUint32(block[12:], sb.BlockSize)
	le.PutUint32(block[16:], sb.BitmapGranularity)
	le.PutUint64(block[24:], sb.BlockCount)
	copy(block[32:48], sb.ID[:])
	le.PutUint32(block[48:], crc32.ChecksumIEEE(block[:48]))
}

// DecodeSuperblock parses the first metadata block. A zeroed block reports
// ErrEmpty.
func DecodeSuperblock(block []byte) (Superblock, error) {
	var sb Superblock
	if len(block) < SuperblockSize {
		return sb, errors.Wrap(ErrCorrupted, "short superblock")
	}
	if isZero(block[:SuperblockSize]) {
		return sb, ErrEmpty
	}
	le := binary.LittleEndian
	if le.Uint64(block[0:]) != Magic {
		return sb, errors.Wrap(ErrCorrupted, "bad magic")
	}
	if le.Uint32(block[48:]) != crc32.ChecksumIEEE(block[:48]) {
		return sb, errors.Wrap(ErrCorrupted, "bad checksum")
	}
	sb.Version = le.Uint32(block[8:])
	sb.BlockSize = le.Uint32(block[12:])
	sb.BitmapGranularity = le.Uint32(block[16:])
	sb.BlockCount = le.Uint64(block[24:])
	copy(sb.ID[:], block[32:48])
	return sb, nil
}

// Compatible checks that a store formatted as sb can be opened with the
// geometry of want. A mismatch is a configuration error.
func (sb Superblock) Compatible(want Superblock) error {
	switch {
	case sb.Version != FormatVersion:
		return errors.Wrapf(disk.ErrConfig, "metadata format version %d is not supported", sb.Version)
	case sb.BlockSize != want.BlockSize:
		return errors.Wrapf(disk.ErrConfig, "store was formatted with block_size %d, configured %d", sb.BlockSize, want.BlockSize)
	case sb.BitmapGranularity != want.BitmapGranularity:
		return errors.Wrapf(disk.ErrConfig, "store was formatted with bitmap_granularity %d, configured %d",
			sb.BitmapGranularity, want.BitmapGranularity)
	case sb.BlockCount != want.BlockCount:
		return errors.Wrapf(disk.ErrConfig, "store was formatted with %d blocks, configured geometry has %d",
			sb.BlockCount, want.BlockCount)
	}
	return nil
}

// Entry is the content of one slot. An unused slot has version zero.
type Entry struct {
	Oid     base.ObjectID
	Version uint64
	// Bitmap marks the granules of the block holding written data.
	Bitmap []byte
	// ExtBitmap marks the granules the last flush relocated from the
	// journal.
	ExtBitmap []byte
}

// Table addresses slots inside the metadata region. Slot i describes data
// block i and lives in metadata block 1 + i/PerBlock.
type Table struct {
	MetaBlockSize uint32
	BitmapSize    uint32
	EntrySize     uint32
	PerBlock      uint64
	BlockCount    uint64
}

func NewTable(metaBlockSize, bitmapSize uint32, blockCount uint64) *Table {
	entry := SlotHeaderSize + 2*bitmapSize
	return &Table{
		MetaBlockSize: metaBlockSize,
		BitmapSize:    bitmapSize,
		EntrySize:     entry,
		PerBlock:      uint64(metaBlockSize / entry),
		BlockCount:    blockCount,
	}
}

// Len is the size of the region: superblock plus every slot block.
func (t *Table) Len() uint64 {
	return (1 + (t.BlockCount+t.PerBlock-1)/t.PerBlock) * uint64(t.MetaBlockSize)
}

// Locate returns the region offset of the metadata block holding the slot of
// block and the slot offset inside it.
func (t *Table) Locate(block uint64) (uint64, uint32) {
	mb := 1 + block/t.PerBlock
	return mb * uint64(t.MetaBlockSize), uint32(block%t.PerBlock) * t.EntrySize
}

// Put stores e in the slot at pos of a metadata block image.
func (t *Table) Put(metaBlock []byte, pos uint32, e Entry) {
	b := metaBlock[pos : pos+t.EntrySize]
	clear(b)
	base.PutObjectID(b, e.Oid)
	binary.LittleEndian.PutUint64(b[16:], e.Version)
	copy(b[SlotHeaderSize:SlotHeaderSize+t.BitmapSize], e.Bitmap)
	copy(b[SlotHeaderSize+t.BitmapSize:], e.ExtBitmap)
}

// Clear empties the slot at pos.
func (t *Table) Clear(metaBlock []byte, pos uint32) {
	clear(metaBlock[pos : pos+t.EntrySize])
}

// Get decodes the slot at pos. The bitmaps alias metaBlock.
func (t *Table) Get(metaBlock []byte, pos uint32) Entry {
	b := metaBlock[pos : pos+t.EntrySize]
	return Entry{
		Oid:       base.DecodeObjectID(b),
		Version:   binary.LittleEndian.Uint64(b[16:]),
		Bitmap:    b[SlotHeaderSize : SlotHeaderSize+t.BitmapSize],
		ExtBitmap: b[SlotHeaderSize+t.BitmapSize:],
	}
}

// Parse calls fn for every used slot in chunk, a run of whole metadata
// blocks starting at region offset off. The superblock is skipped.
func (t *Table) Parse(chunk []byte, off uint64, fn func(block uint64, e Entry)) {
	mbs := uint64(t.MetaBlockSize)
	for at := uint64(0); at+mbs <= uint64(len(chunk)); at += mbs {
		mb := (off + at) / mbs
		if mb == 0 {
			continue
		}
		first := (mb - 1) * t.PerBlock
		for i := uint64(0); i < t.PerBlock && first+i < t.BlockCount; i++ {
			e := t.Get(chunk[at:at+mbs], uint32(i)*t.EntrySize)
			if e.Version == 0 {
				continue
			}
			fn(first+i, e)
		}
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
