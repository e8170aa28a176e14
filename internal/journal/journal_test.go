package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cairn/internal/base"
	"cairn/internal/disk"
	"cairn/internal/ringloop"
)

const testBlock = 4096

func newTestJournal(t *testing.T, length uint64, sectors int) *Journal {
	t.Helper()
	j, err := New(disk.NewMemory(length), 0, length, testBlock, sectors)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// fullSector builds a stable entry that leaves no room for another one in
// its sector.
func fullSector() *Entry {
	return &Entry{Type: TypeStable, Stable: make([]base.ObjVerID, StableBatchSize(testBlock))}
}

func TestWritePositions(t *testing.T) {
	j := newTestJournal(t, 64*1024, 4)
	oid := base.ObjectID{Inode: 5}

	require.NoError(t, j.Check([]uint32{DeleteSize}, 0))
	s := j.Write(&Entry{Type: TypeDelete, Oid: oid, Version: 1})
	assert.Equal(t, uint64(testBlock), s.Pos)
	assert.Equal(t, uint64(2*testBlock), j.NextFree)
	assert.Equal(t, 1, s.Entries)

	require.NoError(t, j.Check([]uint32{SmallWriteSize}, 5000))
	j.Reserve(SmallWriteSize)
	loc := j.AllocData(5000)
	assert.Equal(t, uint64(2*testBlock), loc)
	small := &Entry{Type: TypeSmallWrite, Oid: oid, Version: 2, Len: 5000, Location: loc}
	s2 := j.Write(small)
	assert.Same(t, s, s2)
	assert.Equal(t, s.Pos, small.Sector)
	assert.Equal(t, uint64(4*testBlock), j.NextFree)
	assert.Equal(t, small.CRC32, j.CRC32Last)

	s3 := j.Write(fullSector())
	assert.NotSame(t, s, s3)
	assert.Equal(t, uint64(4*testBlock), s3.Pos)
	assert.Equal(t, small.CRC32, s3.FirstCRC)
}

func TestCheckSpace(t *testing.T) {
	j := newTestJournal(t, 64*1024, 4)
	assert.Equal(t, uint64(60*1024), j.Free())
	assert.Equal(t, uint64(0), j.Used())

	assert.NoError(t, j.Check([]uint32{SmallWriteSize}, 52*1024))
	assert.ErrorIs(t, j.Check([]uint32{SmallWriteSize}, 56*1024), ErrNoSpace)

	j.Write(&Entry{Type: TypeDelete, Version: 1})
	assert.Equal(t, uint64(testBlock), j.Used())

	// A new sector may never make the write pointer reach the trim pointer.
	j.Position(2*testBlock, testBlock, 0)
	assert.Equal(t, uint64(testBlock), j.Free())
	assert.ErrorIs(t, j.Check([]uint32{DeleteSize}, 0), ErrNoSpace)
}

func TestCheckBuffers(t *testing.T) {
	j := newTestJournal(t, 64*1024, 2)
	r := ringloop.New(4, 1)
	defer r.Close()

	s := j.Write(&Entry{Type: TypeDelete, Version: 1})
	require.True(t, j.Flush(r, s, func(error) {}))
	assert.Equal(t, 1, j.Flushing())
	assert.False(t, j.WrittenBefore(j.Ticket()))

	j.Write(fullSector())
	assert.NoError(t, j.Check([]uint32{HeaderSize}, 0))
	assert.ErrorIs(t, j.Check([]uint32{DeleteSize}, 0), ErrNoBuffer)
}

func TestFitCountsSectorBuffers(t *testing.T) {
	j := newTestJournal(t, 1<<20, 4)
	size := uint32(BigWriteSize + 4)
	perSector := int(testBlock / size)
	assert.Equal(t, 3*perSector, j.Fit(size, 1000))
	assert.Equal(t, 7, j.Fit(size, 7))

	j.Write(&Entry{Type: TypeBigWrite, Bitmap: make([]byte, 4)})
	assert.Equal(t, perSector-1+3*perSector, j.Fit(size, 1000))
}

func TestRefAndTrimTarget(t *testing.T) {
	j := newTestJournal(t, 64*1024, 4)

	pos, crc := j.TrimTarget()
	assert.Equal(t, uint64(testBlock), pos)
	assert.Equal(t, uint32(0), crc)

	first := &Entry{Type: TypeDelete, Version: 1}
	a := j.Write(first)
	j.Ref(a.Pos, a.FirstCRC)
	b := j.Write(fullSector())
	require.NotEqual(t, a.Pos, b.Pos)

	pos, _ = j.TrimTarget()
	assert.Equal(t, a.Pos, pos)
	assert.True(t, j.RefExisting(a.Pos))
	assert.False(t, j.RefExisting(b.Pos))
	assert.Equal(t, 1, j.Pinned())

	j.Unref(a.Pos)
	pos, _ = j.TrimTarget()
	assert.Equal(t, a.Pos, pos)
	j.Unref(a.Pos)
	assert.Equal(t, 0, j.Pinned())

	pos, crc = j.TrimTarget()
	assert.Equal(t, b.Pos, pos)
	assert.Equal(t, first.CRC32, crc)

	assert.Panics(t, func() { j.Unref(a.Pos) })
}

func TestLive(t *testing.T) {
	j := newTestJournal(t, 64*1024, 4)
	j.Position(3*testBlock, 6*testBlock, 0)
	assert.False(t, j.Live(2*testBlock))
	assert.True(t, j.Live(3*testBlock))
	assert.True(t, j.Live(5*testBlock))
	assert.False(t, j.Live(6*testBlock))

	j.Position(12*testBlock, 2*testBlock, 0)
	assert.True(t, j.Live(14*testBlock))
	assert.True(t, j.Live(testBlock))
	assert.False(t, j.Live(5*testBlock))
}

func TestSeal(t *testing.T) {
	j := newTestJournal(t, 64*1024, 4)

	j.Seal()
	a := j.Write(&Entry{Type: TypeDelete, Version: 1})
	pos, _ := j.TrimTarget()
	assert.Equal(t, a.Pos, pos)

	j.Seal()
	pos, crc := j.TrimTarget()
	assert.Equal(t, j.NextFree, pos)
	assert.Equal(t, j.CRC32Last, crc)
	assert.Equal(t, 3*int(testBlock/DeleteSize), j.Fit(DeleteSize, 1<<20))

	b := j.Write(&Entry{Type: TypeDelete, Version: 2})
	assert.NotSame(t, a, b)
	assert.Equal(t, a.Pos+testBlock, b.Pos)
	assert.Equal(t, 1, b.Entries)
}
