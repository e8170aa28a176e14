package journal

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"cairn/internal/arena"
	"cairn/internal/disk"
	"cairn/internal/ringloop"
)

var (
	// ErrNoBuffer means every sector buffer is still being written.
	ErrNoBuffer = errors.New("journal: no free sector buffer")
	// ErrNoSpace means the ring has no room until the trim pointer moves.
	ErrNoSpace = errors.New("journal: not enough free space")
)

// Sector is one in-memory sector buffer bound to a journal position.
type Sector struct {
	ringloop.BlockWriter

	// Pos is the journal position of the sector.
	Pos uint64
	// FirstCRC is the chain value the first entry of the sector links to.
	FirstCRC uint32
	Entries  int
}

type usedSector struct {
	pos      uint64
	refs     int
	firstCRC uint32
}

// Journal is the writer side of the journal ring. Positions are byte
// offsets inside the journal region; position 0 holds the start record and
// sectors and small write payloads live in [BlockSize, Len).
//
// UsedStart is the durable trim pointer and NextFree the write pointer. The
// live part of the ring runs from UsedStart to NextFree, wrapping at Len.
type Journal struct {
	Dev       disk.Device
	Offset    uint64
	Len       uint64
	BlockSize uint32

	UsedStart uint64
	NextFree  uint64
	CRC32Last uint32

	sectors     []*Sector
	cur         int
	inSectorPos uint32
	sealed      bool
	used        *btree.BTreeG[usedSector]
	start       *ringloop.BlockWriter
	buffers     *arena.Arena

	ticket  uint64
	pending map[uint64]struct{}
}

// New creates a journal with sectorCount sector buffers. The journal is
// empty until Reset or a replay result positions it.
func New(dev disk.Device, offset, length uint64, blockSize uint32, sectorCount int) (*Journal, error) {
	if sectorCount < 2 {
		sectorCount = 2
	}
	buffers, err := arena.New(sectorCount+1, int(blockSize))
	if err != nil {
		return nil, err
	}
	j := &Journal{
		Dev:       dev,
		Offset:    offset,
		Len:       length,
		BlockSize: blockSize,
		UsedStart: uint64(blockSize),
		NextFree:  uint64(blockSize),
		cur:       -1,
		used: btree.NewG[usedSector](8, func(a, b usedSector) bool {
			return a.pos < b.pos
		}),
		buffers: buffers,
		pending: make(map[uint64]struct{}),
	}
	for i := 0; i < sectorCount; i++ {
		buf, _ := buffers.Allocate()
		j.sectors = append(j.sectors, &Sector{BlockWriter: ringloop.BlockWriter{Dev: dev, Buf: buf}})
	}
	startBuf, _ := buffers.Allocate()
	j.start = &ringloop.BlockWriter{Dev: dev, Offset: offset, Buf: startBuf}
	return j, nil
}

// Close releases the sector buffers.
func (j *Journal) Close() error {
	return j.buffers.Free()
}

// Position places the write pointer after replay.
func (j *Journal) Position(usedStart, nextFree uint64, crcLast uint32) {
	j.UsedStart = usedStart
	j.NextFree = nextFree
	j.CRC32Last = crcLast
	j.cur = -1
	j.inSectorPos = 0
	j.sealed = false
	j.wrap()
}

// wrap moves the write pointer back to the first sector once not even one
// more block fits before the end of the ring. Every allocation is a whole
// number of blocks, so this never changes where the next one lands.
func (j *Journal) wrap() {
	if j.NextFree+uint64(j.BlockSize) > j.Len {
		j.NextFree = uint64(j.BlockSize)
	}
}

// Free is the number of bytes that can be consumed before the write
// pointer reaches the trim pointer.
func (j *Journal) Free() uint64 {
	bs := uint64(j.BlockSize)
	if j.NextFree >= j.UsedStart {
		return (j.Len - j.NextFree) + (j.UsedStart - bs)
	}
	return j.UsedStart - j.NextFree
}

// Used is the number of live bytes in the ring.
func (j *Journal) Used() uint64 {
	return j.Len - uint64(j.BlockSize) - j.Free()
}

// Check reports whether entries of the given sizes followed by a payload of
// dataLen bytes fit into the journal right now. It returns ErrNoBuffer or
// ErrNoSpace when they do not.
func (j *Journal) Check(sizes []uint32, dataLen uint32) error {
	bs := uint64(j.BlockSize)
	pos := j.NextFree
	in := j.inSectorPos
	idx := j.cur
	sealed := j.sealed
	fresh := 0
	var consumed uint64
	for _, sz := range sizes {
		if idx < 0 || sealed || in+sz > j.BlockSize {
			sealed = false
			idx = (idx + 1) % len(j.sectors)
			fresh++
			if fresh >= len(j.sectors) || j.sectors[idx].Busy() {
				return ErrNoBuffer
			}
			if pos+bs > j.Len {
				consumed += j.Len - pos
				pos = bs
			}
			consumed += bs
			pos += bs
			in = 0
		}
		in += sz
	}
	if dataLen > 0 {
		aligned := j.align(dataLen)
		if pos+aligned > j.Len {
			consumed += j.Len - pos
			pos = bs
		}
		consumed += aligned
	}
	if consumed >= j.Free() {
		return ErrNoSpace
	}
	return nil
}

// Fit returns how many of n entries of size bytes can be appended without
// exceeding the sector buffers, ignoring ring space.
func (j *Journal) Fit(size uint32, n int) int {
	perSector := int(j.BlockSize / size)
	room := 0
	if j.cur >= 0 && !j.sealed {
		room = int((j.BlockSize - j.inSectorPos) / size)
	}
	room += perSector * (len(j.sectors) - 1)
	return min(room, n)
}

func (j *Journal) align(n uint32) uint64 {
	bs := uint64(j.BlockSize)
	return (uint64(n) + bs - 1) / bs * bs
}

// Write appends e to the current sector, opening a new sector when it does
// not fit, and returns the sector holding it. The caller has checked space
// with Check and must flush the returned sector.
func (j *Journal) Write(e *Entry) *Sector {
	size := e.Size()
	if j.cur < 0 || j.sealed || j.inSectorPos+size > j.BlockSize {
		j.newSector()
	}
	s := j.sectors[j.cur]
	e.Encode(s.Buf[j.inSectorPos:], j.CRC32Last)
	e.Sector = s.Pos
	j.CRC32Last = e.CRC32
	j.inSectorPos += size
	s.Entries++
	s.Modified()
	return s
}

// Reserve makes sure an entry of size bytes goes into the current sector,
// opening a new one if needed. Payloads allocated after Reserve then follow
// that sector.
func (j *Journal) Reserve(size uint32) {
	if j.cur < 0 || j.sealed || j.inSectorPos+size > j.BlockSize {
		j.newSector()
	}
}

// Seal closes the current sector: the next entry opens a new one, so that
// the trim pointer can move past everything written so far.
func (j *Journal) Seal() {
	if j.cur >= 0 && j.sectors[j.cur].Entries > 0 {
		j.sealed = true
	}
}

// Flush writes the sector s. Every flush takes a ticket; WrittenBefore
// tells whether all flushes issued before a ticket have completed.
func (j *Journal) Flush(r *ringloop.Ring, s *Sector, cb func(error)) bool {
	if s.NeedsSlot() && r.SpaceLeft() == 0 {
		return false
	}
	t := j.ticket
	j.ticket++
	j.pending[t] = struct{}{}
	return s.BlockWriter.Flush(r, func(err error) {
		delete(j.pending, t)
		cb(err)
	})
}

// Ticket is the ticket the next sector flush will take.
func (j *Journal) Ticket() uint64 {
	return j.ticket
}

// WrittenBefore reports whether every sector flush with a ticket below t
// has completed. A journal fsync issued after that covers them all.
func (j *Journal) WrittenBefore(t uint64) bool {
	for p := range j.pending {
		if p < t {
			return false
		}
	}
	return true
}

// Flushing is the number of sector flushes still in flight.
func (j *Journal) Flushing() int {
	return len(j.pending)
}

func (j *Journal) newSector() {
	next := (j.cur + 1) % len(j.sectors)
	s := j.sectors[next]
	if s.Busy() {
		panic("journal: sector buffer reused while busy")
	}
	bs := uint64(j.BlockSize)
	if j.NextFree+bs > j.Len {
		j.NextFree = bs
	}
	s.Pos = j.NextFree
	s.Retarget(j.Dev, j.Offset+s.Pos)
	clear(s.Buf)
	s.FirstCRC = j.CRC32Last
	s.Entries = 0
	j.NextFree += bs
	j.wrap()
	j.cur = next
	j.inSectorPos = 0
	j.sealed = false
}

// AllocData reserves room for a payload of n bytes and returns its journal
// position. Payloads follow the sector of the entry describing them.
func (j *Journal) AllocData(n uint32) uint64 {
	aligned := j.align(n)
	if j.NextFree+aligned > j.Len {
		j.NextFree = uint64(j.BlockSize)
	}
	pos := j.NextFree
	j.NextFree += aligned
	j.wrap()
	return pos
}

// Ref pins the sector at pos. Sectors are pinned by every dirty entry
// written into them and by reads of payloads that follow them.
func (j *Journal) Ref(pos uint64, firstCRC uint32) {
	u, ok := j.used.Get(usedSector{pos: pos})
	if !ok {
		u = usedSector{pos: pos, firstCRC: firstCRC}
	}
	u.refs++
	j.used.ReplaceOrInsert(u)
}

// RefExisting pins a sector that is already pinned. It reports false when
// the sector is not pinned.
func (j *Journal) RefExisting(pos uint64) bool {
	u, ok := j.used.Get(usedSector{pos: pos})
	if !ok {
		return false
	}
	u.refs++
	j.used.ReplaceOrInsert(u)
	return true
}

// Unref drops one pin of the sector at pos.
func (j *Journal) Unref(pos uint64) {
	u, ok := j.used.Get(usedSector{pos: pos})
	if !ok {
		panic("journal: unref of an unpinned sector")
	}
	u.refs--
	if u.refs == 0 {
		j.used.Delete(u)
		return
	}
	j.used.ReplaceOrInsert(u)
}

// Pinned is the number of pinned sectors.
func (j *Journal) Pinned() int {
	return j.used.Len()
}

// TrimTarget returns the oldest position that replay still needs and the
// chain value expected there.
func (j *Journal) TrimTarget() (uint64, uint32) {
	var (
		found usedSector
		ok    bool
	)
	j.used.AscendGreaterOrEqual(usedSector{pos: j.UsedStart}, func(u usedSector) bool {
		found, ok = u, true
		return false
	})
	if !ok {
		j.used.Ascend(func(u usedSector) bool {
			found, ok = u, true
			return false
		})
	}
	if ok {
		return found.pos, found.firstCRC
	}
	if j.cur >= 0 && !j.sealed && j.sectors[j.cur].Entries > 0 {
		s := j.sectors[j.cur]
		return s.Pos, s.FirstCRC
	}
	return j.NextFree, j.CRC32Last
}

// Live reports whether pos lies in the live part of the ring.
func (j *Journal) Live(pos uint64) bool {
	if j.UsedStart <= j.NextFree {
		return pos >= j.UsedStart && pos < j.NextFree
	}
	return pos >= j.UsedStart || pos < j.NextFree
}

// WriteStart writes the start record naming pos as the oldest needed
// position. The trim pointer itself moves with SetUsedStart once the
// record is durable.
func (j *Journal) WriteStart(r *ringloop.Ring, s Start, cb func(error)) bool {
	if j.start.NeedsSlot() && r.SpaceLeft() == 0 {
		return false
	}
	EncodeStart(j.start.Buf, s)
	j.start.Modified()
	return j.start.Flush(r, cb)
}

// SetUsedStart moves the trim pointer.
func (j *Journal) SetUsedStart(pos uint64) {
	j.UsedStart = pos
}

// StartBuffer exposes the start block image, used to format the journal.
func (j *Journal) StartBuffer() []byte {
	return j.start.Buf
}
