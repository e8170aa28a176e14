package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"cairn/internal/base"
)

// Magic marks every journal entry.
const Magic = 0xCA17

// FormatVersion is recorded in the start record.
const FormatVersion = 1

type Type uint16

const (
	TypeStart Type = iota + 1
	TypeSmallWrite
	TypeBigWrite
	TypeStable
	TypeDelete
)

func (t Type) String() string {
	switch t {
	case TypeStart:
		return "start"
	case TypeSmallWrite:
		return "small_write"
	case TypeBigWrite:
		return "big_write"
	case TypeStable:
		return "stable"
	case TypeDelete:
		return "delete"
	}
	return "unknown"
}

// Entry layout, little endian:
//
//	header       crc32 u32 | magic u16 | type u16 | size u32 | crc32_prev u32
//	start        journal_start u64 | format_version u32
//	small_write  oid | version u64 | offset u32 | len u32 | location u64 | data_crc32 u32
//	big_write    oid | version u64 | offset u32 | len u32 | location u64 | bitmap
//	stable       count u32 | count * (oid | version u64)
//	delete       oid | version u64
//
// crc32 covers everything after itself. crc32_prev chains every entry to
// its predecessor so that stale sectors from an earlier pass over the ring
// are never mistaken for live ones.
const (
	HeaderSize     = 16
	StartSize      = HeaderSize + 12
	SmallWriteSize = HeaderSize + base.ObjectIDSize + 8 + 4 + 4 + 8 + 4
	BigWriteSize   = HeaderSize + base.ObjectIDSize + 8 + 4 + 4 + 8
	StableSize     = HeaderSize + 4
	StableItemSize = base.ObjectIDSize + 8
	DeleteSize     = HeaderSize + base.ObjectIDSize + 8
)

var (
	ErrEmpty     = errors.New("journal: not initialized")
	ErrCorrupted = errors.New("journal: corrupted")
	errInvalid   = errors.New("journal: invalid entry")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum is the data checksum used by small write entries.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Entry is one decoded journal record.
type Entry struct {
	Type      Type
	CRC32     uint32
	CRC32Prev uint32

	Oid     base.ObjectID
	Version uint64
	Offset  uint32
	Len     uint32
	// Location is the journal position of the payload of a small write or
	// the data area byte offset of a big write.
	Location  uint64
	DataCRC32 uint32
	Bitmap    []byte
	Stable    []base.ObjVerID

	// Sector is the journal position of the sector holding the entry.
	Sector uint64
}

// StableBatchSize is how many object versions fit into one stable entry of
// a sector with blockSize bytes.
func StableBatchSize(blockSize uint32) int {
	return int((blockSize - StableSize) / StableItemSize)
}

// Size is the encoded size of e.
func (e *Entry) Size() uint32 {
	switch e.Type {
	case TypeStart:
		return StartSize
	case TypeSmallWrite:
		return SmallWriteSize
	case TypeBigWrite:
		return BigWriteSize + uint32(len(e.Bitmap))
	case TypeStable:
		return StableSize + uint32(len(e.Stable))*StableItemSize
	case TypeDelete:
		return DeleteSize
	}
	return 0
}

// Encode serializes e into buf chained to crcPrev and records the
// resulting checksums in e.
func (e *Entry) Encode(buf []byte, crcPrev uint32) {
	size := e.Size()
	b := buf[:size]
	le := binary.LittleEndian
	le.PutUint16(b[4:], Magic)
	le.PutUint16(b[6:], uint16(e.Type))
	le.PutUint32(b[8:], size)
	le.PutUint32(b[12:], crcPrev)

	p := b[HeaderSize:]
	switch e.Type {
	case TypeStart:
		le.PutUint64(p[0:], e.Location)
		le.PutUint32(p[8:], FormatVersion)
	case TypeSmallWrite, TypeBigWrite:
		base.PutObjectID(p, e.Oid)
		le.PutUint64(p[16:], e.Version)
		le.PutUint32(p[24:], e.Offset)
		le.PutUint32(p[28:], e.Len)
		le.PutUint64(p[32:], e.Location)
		if e.Type == TypeSmallWrite {
			le.PutUint32(p[40:], e.DataCRC32)
		} else {
			copy(p[40:], e.Bitmap)
		}
	case TypeStable:
		le.PutUint32(p[0:], uint32(len(e.Stable)))
		for i, ov := range e.Stable {
			item := p[4+i*StableItemSize:]
			base.PutObjectID(item, ov.Oid)
			le.PutUint64(item[16:], ov.Version)
		}
	case TypeDelete:
		base.PutObjectID(p, e.Oid)
		le.PutUint64(p[16:], e.Version)
	}

	e.CRC32Prev = crcPrev
	e.CRC32 = crc32.Checksum(b[4:], castagnoli)
	le.PutUint32(b[0:], e.CRC32)
}

// Decode parses the entry at the start of buf. It fails when the entry is
// not intact or when it does not chain to crcPrev.
func Decode(buf []byte, crcPrev uint32, bitmapSize uint32) (*Entry, uint32, error) {
	if len(buf) < HeaderSize {
		return nil, 0, errInvalid
	}
	le := binary.LittleEndian
	if le.Uint16(buf[4:]) != Magic {
		return nil, 0, errInvalid
	}
	size := le.Uint32(buf[8:])
	if size < HeaderSize || size > uint32(len(buf)) {
		return nil, 0, errInvalid
	}
	b := buf[:size]
	e := &Entry{
		Type:      Type(le.Uint16(b[6:])),
		CRC32:     le.Uint32(b[0:]),
		CRC32Prev: le.Uint32(b[12:]),
	}
	if crc32.Checksum(b[4:], castagnoli) != e.CRC32 {
		return nil, 0, errInvalid
	}
	if e.Type != TypeStart && e.CRC32Prev != crcPrev {
		return nil, 0, errInvalid
	}

	p := b[HeaderSize:]
	switch e.Type {
	case TypeStart:
		if size != StartSize {
			return nil, 0, errInvalid
		}
		e.Location = le.Uint64(p[0:])
	case TypeSmallWrite, TypeBigWrite:
		want := uint32(SmallWriteSize)
		if e.Type == TypeBigWrite {
			want = BigWriteSize + bitmapSize
		}
		if size != want {
			return nil, 0, errInvalid
		}
		e.Oid = base.DecodeObjectID(p)
		e.Version = le.Uint64(p[16:])
		e.Offset = le.Uint32(p[24:])
		e.Len = le.Uint32(p[28:])
		e.Location = le.Uint64(p[32:])
		if e.Type == TypeSmallWrite {
			e.DataCRC32 = le.Uint32(p[40:])
		} else {
			e.Bitmap = append([]byte(nil), p[40:]...)
		}
	case TypeStable:
		if size < StableSize {
			return nil, 0, errInvalid
		}
		n := le.Uint32(p[0:])
		if size != StableSize+n*StableItemSize {
			return nil, 0, errInvalid
		}
		e.Stable = make([]base.ObjVerID, n)
		for i := range e.Stable {
			item := p[4+uint32(i)*StableItemSize:]
			e.Stable[i] = base.ObjVerID{Oid: base.DecodeObjectID(item), Version: le.Uint64(item[16:])}
		}
	case TypeDelete:
		if size != DeleteSize {
			return nil, 0, errInvalid
		}
		e.Oid = base.DecodeObjectID(p)
		e.Version = le.Uint64(p[16:])
	default:
		return nil, 0, errInvalid
	}
	return e, size, nil
}

// Start is the record kept in the first journal block. It names the oldest
// position replay has to start from and the chain value expected there.
type Start struct {
	JournalStart uint64
	CRC32Prev    uint32
}

// EncodeStart fills block with the start record.
func EncodeStart(block []byte, s Start) {
	clear(block)
	e := &Entry{Type: TypeStart, Location: s.JournalStart}
	e.Encode(block, s.CRC32Prev)
}

// DecodeStart parses the first journal block. An all-zero block reports
// ErrEmpty, anything else that does not parse reports ErrCorrupted.
func DecodeStart(block []byte, blockSize uint32, journalLen uint64) (Start, error) {
	if isZero(block) {
		return Start{}, ErrEmpty
	}
	e, _, err := Decode(block, 0, 0)
	if err != nil || e.Type != TypeStart {
		return Start{}, errors.Wrap(ErrCorrupted, "invalid start record")
	}
	pos := e.Location
	if pos < uint64(blockSize) || pos >= journalLen || pos%uint64(blockSize) != 0 {
		return Start{}, errors.Wrapf(ErrCorrupted, "start position %d out of range", pos)
	}
	return Start{JournalStart: pos, CRC32Prev: e.CRC32Prev}, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
