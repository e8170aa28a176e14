package blockstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"cairn/internal/base"
	"cairn/internal/disk"
)

const testBlockSize = 128 << 10

type testStore struct {
	t     *testing.T
	cfg   map[string]string
	devs  map[string]*disk.Memory
	bs    *Blockstore
	fatal error
}

func testConfig(overrides map[string]string) map[string]string {
	cfg := map[string]string{
		"data_device":    "data",
		"meta_device":    "meta",
		"journal_device": "journal",
		"block_size":     "128k",
	}
	for k, v := range overrides {
		cfg[k] = v
	}
	return cfg
}

// newTestStore opens a store on fresh in-memory devices: 32 data blocks,
// a 1 MiB journal.
func newTestStore(t *testing.T, overrides map[string]string) *testStore {
	t.Helper()
	ts := &testStore{
		t:   t,
		cfg: testConfig(overrides),
		devs: map[string]*disk.Memory{
			"data":    disk.NewMemory(32 * testBlockSize),
			"meta":    disk.NewMemory(64 << 10),
			"journal": disk.NewMemory(1 << 20),
		},
	}
	ts.open()
	t.Cleanup(func() {
		if ts.bs != nil {
			_ = ts.bs.Close()
		}
	})
	return ts
}

func (ts *testStore) open() {
	ts.t.Helper()
	ts.fatal = nil
	ts.bs = ts.start()
	ts.run(func() bool { return ts.bs.IsStarted() || ts.fatal != nil })
	require.NoError(ts.t, ts.fatal)
}

func (ts *testStore) start() *Blockstore {
	ts.t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	bs, err := New(ts.cfg,
		WithOpener(disk.MemoryOpener(ts.devs)),
		WithFatalHandler(func(err error) { ts.fatal = err }),
		WithLogger(logrus.NewEntry(log)),
	)
	require.NoError(ts.t, err)
	return bs
}

// reopen closes the store and opens it again. With crash set only data
// that was synced survives.
func (ts *testStore) reopen(crash bool) {
	ts.t.Helper()
	require.NoError(ts.t, ts.bs.Close())
	if crash {
		for name, d := range ts.devs {
			ts.devs[name] = d.Crash()
		}
	}
	ts.open()
}

func (ts *testStore) run(done func() bool) {
	ts.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(ts.t, ts.bs.Run(ctx, done))
}

func (ts *testStore) exec(op *Op) *Op {
	ts.t.Helper()
	done := false
	op.Callback = func(*Op) { done = true }
	ts.bs.Enqueue(op)
	ts.run(func() bool { return done })
	return op
}

func (ts *testStore) write(oid ObjectID, offset uint32, data []byte) *Op {
	ts.t.Helper()
	return ts.exec(&Op{Kind: OpWrite, Oid: oid, Offset: offset, Len: uint32(len(data)), Buf: data})
}

func (ts *testStore) sync() int {
	ts.t.Helper()
	return ts.exec(&Op{Kind: OpSync}).Retval
}

func (ts *testStore) stable(ovs ...ObjVerID) int {
	ts.t.Helper()
	return ts.exec(&Op{Kind: OpStable, Versions: ovs}).Retval
}

func (ts *testStore) read(oid ObjectID, version uint64, offset, n uint32) *Op {
	ts.t.Helper()
	return ts.exec(&Op{Kind: OpRead, Oid: oid, Version: version, Offset: offset, Len: n, Buf: make([]byte, n)})
}

// commit writes data, syncs and stabilizes it and waits for the flushers.
func (ts *testStore) commit(oid ObjectID, offset uint32, data []byte) uint64 {
	ts.t.Helper()
	op := ts.write(oid, offset, data)
	require.Equal(ts.t, len(data), op.Retval)
	require.Equal(ts.t, 0, ts.sync())
	require.Equal(ts.t, 0, ts.stable(ObjVerID{Oid: oid, Version: op.Version}))
	ts.drain()
	return op.Version
}

func (ts *testStore) drain() {
	ts.t.Helper()
	ts.run(ts.bs.IsSafeToStop)
	require.NoError(ts.t, ts.fatal)
}

func fill(c byte, n int) []byte {
	return bytes.Repeat([]byte{c}, n)
}

func TestWriteSyncStableRead(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 1, Stripe: 0}

	w := ts.write(oid, 0, fill('A', 4096))
	require.Equal(t, 4096, w.Retval)
	assert.Equal(t, uint64(1), w.Version)
	require.Len(t, ts.bs.DirtyEntries(oid), 1)
	assert.Equal(t, base.StateJWritten, ts.bs.DirtyEntries(oid)[0].State)
	assert.Equal(t, map[ObjectID]uint64{oid: 1}, ts.bs.UnstableWrites())

	require.Equal(t, 0, ts.sync())
	assert.Equal(t, base.StateJSynced, ts.bs.DirtyEntries(oid)[0].State)

	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 1}))
	assert.Empty(t, ts.bs.UnstableWrites())
	ts.drain()

	c, ok := ts.bs.CleanEntry(oid)
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Version)
	assert.Empty(t, ts.bs.DirtyEntries(oid))

	r := ts.read(oid, VersionStable, 0, 4096)
	require.Equal(t, 4096, r.Retval)
	assert.Equal(t, uint64(1), r.Version)
	assert.Equal(t, fill('A', 4096), r.Buf)

	ts.reopen(true)
	r = ts.read(oid, VersionLatest, 0, 4096)
	require.Equal(t, 4096, r.Retval)
	assert.Equal(t, fill('A', 4096), r.Buf)
}

func TestReadMissingObject(t *testing.T) {
	ts := newTestStore(t, nil)
	r := &Op{Kind: OpRead, Oid: ObjectID{Inode: 9}, Version: VersionLatest, Len: 8192, Buf: fill(0xff, 8192)}
	ts.exec(r)
	require.Equal(t, 8192, r.Retval)
	assert.Equal(t, uint64(0), r.Version)
	assert.Equal(t, make([]byte, 8192), r.Buf)
}

func TestReadPartialWrite(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 2}
	ts.write(oid, 8192, fill('z', 4096))

	r := ts.read(oid, VersionLatest, 0, testBlockSize)
	require.Equal(t, testBlockSize, r.Retval)
	want := make([]byte, testBlockSize)
	copy(want[8192:], fill('z', 4096))
	assert.Equal(t, want, r.Buf)

	// Still the same after the write is folded into a data block.
	ts.commit(oid, 0, fill('a', 4096))
	r = ts.read(oid, VersionStable, 0, testBlockSize)
	copy(want, fill('a', 4096))
	assert.Equal(t, want, r.Buf)
	assert.Equal(t, uint64(2), r.Version)
}

func TestReadExactVersion(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 3}
	ts.write(oid, 0, fill('1', 8192))
	ts.write(oid, 4096, fill('2', 8192))

	r := ts.read(oid, 1, 0, 12288)
	assert.Equal(t, append(fill('1', 8192), make([]byte, 4096)...), r.Buf)
	assert.Equal(t, uint64(1), r.Version)

	r = ts.read(oid, VersionLatest, 0, 12288)
	assert.Equal(t, append(fill('1', 4096), fill('2', 8192)...), r.Buf)
	assert.Equal(t, uint64(2), r.Version)

	// Nothing is stable yet.
	r = ts.read(oid, VersionStable, 0, 4096)
	assert.Equal(t, uint64(0), r.Version)
	assert.Equal(t, make([]byte, 4096), r.Buf)
}

func TestInvalidOps(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 4}
	einval := errno(unix.EINVAL)

	cases := []*Op{
		{Kind: OpWrite, Oid: oid, Offset: 100, Len: 4096, Buf: make([]byte, 4096)},
		{Kind: OpWrite, Oid: oid, Len: 1000, Buf: make([]byte, 1000)},
		{Kind: OpWrite, Oid: oid, Offset: testBlockSize - 4096, Len: 8192, Buf: make([]byte, 8192)},
		{Kind: OpWrite, Oid: oid, Len: 4096, Buf: make([]byte, 10)},
		{Kind: OpWrite, Oid: oid},
		{Kind: OpRead, Oid: oid, Offset: 512, Len: 4096, Buf: make([]byte, 4096)},
		{Kind: OpKind(42)},
	}
	for i, op := range cases {
		var got *Op
		op.Callback = func(o *Op) { got = o }
		ts.bs.Enqueue(op)
		require.NotNil(t, got, "case %d completes right away", i)
		assert.Equal(t, einval, got.Retval, "case %d", i)
		assert.Equal(t, unix.EINVAL, got.Err(), "case %d", i)
	}
}

func TestExplicitVersions(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 5}

	w := ts.exec(&Op{Kind: OpWrite, Oid: oid, Version: 5, Len: 4096, Buf: fill('v', 4096)})
	require.Equal(t, 4096, w.Retval)
	assert.Equal(t, uint64(5), w.Version)

	w = ts.exec(&Op{Kind: OpWrite, Oid: oid, Version: 5, Len: 4096, Buf: fill('w', 4096)})
	assert.Equal(t, errno(unix.EEXIST), w.Retval)

	w = ts.write(oid, 0, fill('x', 4096))
	assert.Equal(t, uint64(6), w.Version)
}

func TestDelete(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 6}

	d := ts.exec(&Op{Kind: OpDelete, Oid: oid})
	assert.Equal(t, errno(unix.ENOENT), d.Retval)

	ts.commit(oid, 0, fill('d', testBlockSize))
	_, ok := ts.bs.CleanEntry(oid)
	require.True(t, ok)

	d = ts.exec(&Op{Kind: OpDelete, Oid: oid})
	require.Equal(t, 0, d.Retval)
	assert.Equal(t, uint64(2), d.Version)

	again := ts.exec(&Op{Kind: OpDelete, Oid: oid})
	assert.Equal(t, errno(unix.ENOENT), again.Retval)

	r := ts.read(oid, VersionLatest, 0, 4096)
	assert.Equal(t, make([]byte, 4096), r.Buf)
	assert.Equal(t, uint64(2), r.Version)

	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 2}))
	ts.drain()
	_, ok = ts.bs.CleanEntry(oid)
	assert.False(t, ok)
	assert.Empty(t, ts.bs.DirtyEntries(oid))

	ts.reopen(true)
	_, ok = ts.bs.CleanEntry(oid)
	assert.False(t, ok)
	r = ts.read(oid, VersionStable, 0, 4096)
	assert.Equal(t, make([]byte, 4096), r.Buf)
}

// A recreated object continues the versions of its deleted incarnation, so
// replaying the old records cannot shadow the new data.
func TestRecreateAfterDelete(t *testing.T) {
	ts := newTestStore(t, nil)
	held := ObjectID{Inode: 30}
	oid := ObjectID{Inode: 31}

	// An unstable write keeps the journal from being trimmed.
	require.Equal(t, 4096, ts.write(held, 0, fill('h', 4096)).Retval)
	require.Equal(t, 0, ts.sync())

	assert.Equal(t, uint64(1), ts.commit(oid, 0, fill('O', 4096)))
	d := ts.exec(&Op{Kind: OpDelete, Oid: oid})
	require.Equal(t, 0, d.Retval)
	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: d.Version}))
	ts.drain()
	_, ok := ts.bs.CleanEntry(oid)
	require.False(t, ok)

	again := ts.exec(&Op{Kind: OpDelete, Oid: oid})
	assert.Equal(t, errno(unix.ENOENT), again.Retval)
	stale := ts.exec(&Op{Kind: OpWrite, Oid: oid, Version: 2, Len: 4096, Buf: fill('S', 4096)})
	assert.Equal(t, errno(unix.EEXIST), stale.Retval)
	r := ts.read(oid, VersionLatest, 0, 4096)
	assert.Equal(t, uint64(0), r.Version)

	assert.Equal(t, uint64(3), ts.commit(oid, 0, fill('N', 4096)))

	ts.reopen(true)
	ts.drain()
	c, ok := ts.bs.CleanEntry(oid)
	require.True(t, ok)
	assert.Equal(t, uint64(3), c.Version)
	r = ts.read(oid, VersionStable, 0, 4096)
	assert.Equal(t, uint64(3), r.Version)
	assert.Equal(t, fill('N', 4096), r.Buf)
	assert.Equal(t, map[ObjectID]uint64{held: 1}, ts.bs.UnstableWrites())
}

// Replay folds the deleted incarnation again when the recreated version
// was not flushed before the crash.
func TestRecreateAfterDeleteReplaysInOrder(t *testing.T) {
	ts := newTestStore(t, nil)
	held := ObjectID{Inode: 32}
	oid := ObjectID{Inode: 33}

	require.Equal(t, 4096, ts.write(held, 0, fill('h', 4096)).Retval)
	require.Equal(t, 0, ts.sync())
	ts.commit(oid, 0, fill('O', 8192))
	d := ts.exec(&Op{Kind: OpDelete, Oid: oid})
	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: d.Version}))
	ts.drain()

	w := ts.write(oid, 0, fill('N', 4096))
	assert.Equal(t, uint64(3), w.Version)
	require.Equal(t, 0, ts.sync())

	ts.reopen(true)
	ts.drain()
	_, ok := ts.bs.CleanEntry(oid)
	assert.False(t, ok)
	assert.Equal(t, map[ObjectID]uint64{held: 1, oid: 3}, ts.bs.UnstableWrites())

	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 3}))
	ts.drain()
	r := ts.read(oid, VersionStable, 0, 8192)
	assert.Equal(t, uint64(3), r.Version)
	assert.Equal(t, append(fill('N', 4096), make([]byte, 4096)...), r.Buf)
}

func TestStableErrors(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 7}

	assert.Equal(t, errno(unix.ENOENT), ts.stable(ObjVerID{Oid: oid, Version: 1}))

	ts.write(oid, 0, fill('s', 4096))
	assert.Equal(t, errno(unix.EBUSY), ts.stable(ObjVerID{Oid: oid, Version: 1}))

	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 1}))
	// Stabilizing again, before and after the flush, is a no-op.
	assert.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 1}))
	ts.drain()
	assert.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 1}))
}

func TestStableCommitsOlderVersions(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 8}
	ts.write(oid, 0, fill('1', 4096))
	ts.write(oid, 4096, fill('2', 4096))
	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 2}))
	ts.drain()

	c, ok := ts.bs.CleanEntry(oid)
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.Version)
	r := ts.read(oid, VersionStable, 0, 8192)
	assert.Equal(t, append(fill('1', 4096), fill('2', 4096)...), r.Buf)
}

func TestBigWrites(t *testing.T) {
	ts := newTestStore(t, map[string]string{"small_write_threshold": "64k"})
	oid := ObjectID{Inode: 10, Stripe: 1}
	free := ts.bs.FreeBlocks()

	w := ts.write(oid, 0, fill('X', testBlockSize))
	require.Equal(t, testBlockSize, w.Retval)
	assert.Equal(t, base.StateDWritten, ts.bs.DirtyEntries(oid)[0].State)
	assert.Equal(t, free-1, ts.bs.FreeBlocks())

	w = ts.write(oid, 64<<10, fill('Y', 64<<10))
	require.Equal(t, 64<<10, w.Retval)
	want := append(fill('X', 64<<10), fill('Y', 64<<10)...)
	r := ts.read(oid, VersionLatest, 0, testBlockSize)
	assert.Equal(t, want, r.Buf)

	require.Equal(t, 0, ts.sync())
	for _, e := range ts.bs.DirtyEntries(oid) {
		assert.Equal(t, base.StateDMetaSynced, e.State)
	}
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 2}))
	ts.drain()

	c, ok := ts.bs.CleanEntry(oid)
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.Version)
	slot, ok := ts.bs.meta.slot(c.Location >> ts.bs.layout.BlockOrder)
	require.True(t, ok)
	assert.Equal(t, oid, slot.Oid)
	assert.Equal(t, uint64(2), slot.Version)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, slot.Bitmap)

	ts.reopen(true)
	r = ts.read(oid, VersionStable, 0, testBlockSize)
	assert.Equal(t, want, r.Buf)
	assert.Equal(t, uint64(2), r.Version)
}

func TestCrashKeepsOnlySyncedWrites(t *testing.T) {
	for _, inmem := range []string{"true", "false"} {
		t.Run("inmemory_metadata="+inmem, func(t *testing.T) {
			ts := newTestStore(t, map[string]string{"inmemory_metadata": inmem})
			a := ObjectID{Inode: 1}
			b := ObjectID{Inode: 2}

			ts.commit(a, 0, fill('A', 4096))
			ts.commit(b, 0, fill('B', 4096))
			ts.write(b, 0, fill('C', 4096))
			require.Equal(t, 0, ts.sync())
			w := ts.write(b, 0, fill('D', 4096))
			require.Equal(t, 4096, w.Retval)
			assert.Equal(t, uint64(3), w.Version)

			ts.reopen(true)

			r := ts.read(a, VersionStable, 0, 4096)
			assert.Equal(t, fill('A', 4096), r.Buf)
			r = ts.read(b, VersionStable, 0, 4096)
			assert.Equal(t, fill('B', 4096), r.Buf)
			assert.Equal(t, uint64(1), r.Version)
			r = ts.read(b, VersionLatest, 0, 4096)
			assert.Equal(t, fill('C', 4096), r.Buf)
			assert.Equal(t, uint64(2), r.Version)

			dirty := ts.bs.DirtyEntries(b)
			require.Len(t, dirty, 1)
			assert.Equal(t, uint64(2), dirty[0].Version)
			assert.Equal(t, base.StateJSynced, dirty[0].State)
			assert.Equal(t, map[ObjectID]uint64{b: 2}, ts.bs.UnstableWrites())

			// The lost version number is handed out again.
			w = ts.write(b, 0, fill('E', 4096))
			assert.Equal(t, uint64(3), w.Version)
		})
	}
}

func TestCrashBeforeFlush(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 11}
	ts.write(oid, 0, fill('q', 4096))
	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ObjVerID{Oid: oid, Version: 1}))

	// Close before the flushers ran: the stable record alone has to carry
	// the state over.
	ts.reopen(true)
	r := ts.read(oid, VersionStable, 0, 4096)
	assert.Equal(t, uint64(1), r.Version)
	assert.Equal(t, fill('q', 4096), r.Buf)
	ts.drain()
	c, ok := ts.bs.CleanEntry(oid)
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Version)
}

func TestJournalWraparound(t *testing.T) {
	ts := newTestStore(t, nil)
	oids := []ObjectID{{Inode: 1}, {Inode: 2}, {Inode: 3}, {Inode: 4}}
	last := make(map[ObjectID]byte)

	// 300 small writes with their records need more than the 1 MiB ring.
	for i := 0; i < 300; i++ {
		oid := oids[i%len(oids)]
		c := byte('a' + i%26)
		ts.commit(oid, uint32(i%8)*4096, fill(c, 4096))
		last[oid] = c
	}
	used, total := ts.bs.JournalUsage()
	assert.Less(t, used, total)

	ts.reopen(true)
	for i, oid := range oids {
		// The last write of oids[i] was number 296+i, at offset (296+i)%8.
		off := uint32((296+i)%8) * 4096
		r := ts.read(oid, VersionStable, off, 4096)
		assert.Equal(t, fill(last[oid], 4096), r.Buf, "object %s", oid)
		assert.Equal(t, uint64(75), r.Version)
	}
}

// Flushers share a minimal ring with concurrent writes and never queue
// more requests than it has slots.
func TestFlushRespectsRingDepth(t *testing.T) {
	ts := newTestStore(t, map[string]string{"ring_depth": "36", "flusher_count": "4"})
	ring := ts.bs.ring
	peak := 0
	id := ring.RegisterConsumer(func() { peak = max(peak, ring.InFlight()) })
	defer ring.UnregisterConsumer(id)

	var ops []*Op
	done := 0
	enqueue := func(op *Op) {
		op.Callback = func(*Op) { done++ }
		ops = append(ops, op)
		ts.bs.Enqueue(op)
	}
	for i := 0; i < 8; i++ {
		oid := ObjectID{Inode: uint64(20 + i)}
		enqueue(&Op{Kind: OpWrite, Oid: oid, Len: testBlockSize, Buf: fill(byte('A'+i), testBlockSize)})
		enqueue(&Op{Kind: OpWrite, Oid: oid, Len: 4096, Buf: fill(byte('a'+i), 4096)})
	}
	ts.run(func() bool { return done == len(ops) })

	var ovs []ObjVerID
	for _, op := range ops {
		require.Equal(t, int(op.Len), op.Retval)
		ovs = append(ovs, ObjVerID{Oid: op.Oid, Version: op.Version})
	}
	require.Equal(t, 0, ts.sync())
	require.Equal(t, 0, ts.stable(ovs...))
	ts.drain()

	for i := 0; i < 8; i++ {
		oid := ObjectID{Inode: uint64(20 + i)}
		c, ok := ts.bs.CleanEntry(oid)
		require.True(t, ok)
		assert.Equal(t, uint64(2), c.Version)
		r := ts.read(oid, VersionLatest, 0, 8192)
		assert.Equal(t, append(fill(byte('a'+i), 4096), fill(byte('A'+i), 4096)...), r.Buf)
	}
	assert.LessOrEqual(t, peak, ring.Depth())
}

func TestSyncsCompleteInOrder(t *testing.T) {
	ts := newTestStore(t, nil)
	var order []string
	enqueue := func(name string, op *Op) {
		op.Callback = func(*Op) { order = append(order, name) }
		ts.bs.Enqueue(op)
	}
	oid := ObjectID{Inode: 12}
	enqueue("w1", &Op{Kind: OpWrite, Oid: oid, Len: 4096, Buf: fill('1', 4096)})
	enqueue("s1", &Op{Kind: OpSync})
	enqueue("w2", &Op{Kind: OpWrite, Oid: oid, Len: 4096, Buf: fill('2', 4096)})
	enqueue("s2", &Op{Kind: OpSync})
	ts.run(func() bool { return len(order) == 4 })

	idx := func(name string) int {
		for i, n := range order {
			if n == name {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("w1"), idx("s1"))
	assert.Less(t, idx("s1"), idx("s2"))
	assert.Less(t, idx("w2"), idx("s2"))
	for _, e := range ts.bs.DirtyEntries(oid) {
		assert.Equal(t, base.StateJSynced, e.State)
	}
}

func TestOpsBeforeStartup(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 13}
	ts.commit(oid, 0, fill('p', 4096))
	require.NoError(t, ts.bs.Close())

	ts.bs = ts.start()
	require.False(t, ts.bs.IsStarted())
	var order []uint64
	for _, c := range []byte{'x', 'y'} {
		ts.bs.Enqueue(&Op{Kind: OpWrite, Oid: oid, Len: 4096, Buf: fill(c, 4096),
			Callback: func(op *Op) { order = append(order, op.Version) }})
	}
	ts.run(func() bool { return len(order) == 2 })
	assert.Equal(t, []uint64{2, 3}, order)
	r := ts.read(oid, VersionLatest, 0, 4096)
	assert.Equal(t, fill('y', 4096), r.Buf)
}

func TestWriteErrors(t *testing.T) {
	ts := newTestStore(t, map[string]string{"small_write_threshold": "64k"})
	oid := ObjectID{Inode: 14}
	free := ts.bs.FreeBlocks()
	ioErr := errors.New("injected")

	ts.devs["journal"].FailNextWrite(ioErr)
	w := ts.write(oid, 0, fill('j', 4096))
	assert.Equal(t, errno(unix.EIO), w.Retval)
	assert.Empty(t, ts.bs.DirtyEntries(oid))

	ts.devs["data"].FailNextWrite(ioErr)
	w = ts.write(oid, 0, fill('b', testBlockSize))
	assert.Equal(t, errno(unix.EIO), w.Retval)
	assert.Equal(t, free, ts.bs.FreeBlocks())
	assert.Empty(t, ts.bs.DirtyEntries(oid))

	w = ts.write(oid, 0, fill('k', 4096))
	require.Equal(t, 4096, w.Retval)
	assert.Equal(t, uint64(1), w.Version)
	r := ts.read(oid, VersionLatest, 0, 4096)
	assert.Equal(t, fill('k', 4096), r.Buf)
}

func TestSyncErrorIsRetried(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 15}
	ts.write(oid, 0, fill('r', 4096))

	ts.devs["journal"].FailNextSync(errors.New("injected"))
	assert.Equal(t, errno(unix.EIO), ts.sync())
	assert.Equal(t, base.StateJWritten, ts.bs.DirtyEntries(oid)[0].State)

	require.Equal(t, 0, ts.sync())
	assert.Equal(t, base.StateJSynced, ts.bs.DirtyEntries(oid)[0].State)
}

func TestReadError(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 16}
	ts.write(oid, 0, fill('e', 4096))
	ts.devs["journal"].FailNextRead(errors.New("injected"))
	r := ts.read(oid, VersionLatest, 0, 4096)
	assert.Equal(t, errno(unix.EIO), r.Retval)
}

func TestDisableFsync(t *testing.T) {
	ts := newTestStore(t, map[string]string{"disable_fsync": "true", "small_write_threshold": "64k"})
	a := ObjectID{Inode: 17}
	ts.commit(a, 0, fill('f', 4096))
	ts.commit(a, 0, fill('g', testBlockSize))

	r := ts.read(a, VersionStable, 0, 8192)
	assert.Equal(t, fill('g', 8192), r.Buf)
	assert.Equal(t, uint64(2), r.Version)

	ts.reopen(false)
	r = ts.read(a, VersionStable, 0, 8192)
	assert.Equal(t, fill('g', 8192), r.Buf)
}

func TestIsSafeToStopSyncs(t *testing.T) {
	ts := newTestStore(t, nil)
	oid := ObjectID{Inode: 18}
	ts.write(oid, 0, fill('u', 4096))
	assert.False(t, ts.bs.IsSafeToStop())

	ts.drain()
	assert.Equal(t, base.StateJSynced, ts.bs.DirtyEntries(oid)[0].State)

	ts.reopen(true)
	r := ts.read(oid, VersionLatest, 0, 4096)
	assert.Equal(t, fill('u', 4096), r.Buf)
}

func TestGeometryMismatch(t *testing.T) {
	ts := newTestStore(t, nil)
	id := ts.bs.ID()
	assert.NotEqual(t, [16]byte{}, [16]byte(id))
	require.NoError(t, ts.bs.Close())

	ts.cfg["block_size"] = "64k"
	ts.fatal = nil
	ts.bs = ts.start()
	ts.run(func() bool { return ts.fatal != nil })
	assert.True(t, errors.Is(ts.fatal, disk.ErrConfig), "got %v", ts.fatal)
	assert.False(t, ts.bs.IsStarted())

	// Ops on a closed store fail right away.
	require.NoError(t, ts.bs.Close())
	var got *Op
	ts.bs.Enqueue(&Op{Kind: OpSync, Callback: func(op *Op) { got = op }})
	require.NotNil(t, got)
	assert.Equal(t, errno(unix.EBADF), got.Retval)
}

func TestReopenKeepsIdentity(t *testing.T) {
	ts := newTestStore(t, nil)
	id := ts.bs.ID()
	ts.reopen(false)
	assert.Equal(t, id, ts.bs.ID())
}

func TestConfigErrors(t *testing.T) {
	_, err := New(map[string]string{"block_size": "128k"})
	assert.True(t, errors.Is(err, disk.ErrConfig))

	_, err = New(testConfig(map[string]string{"ring_depth": "8"}),
		WithOpener(disk.MemoryOpener(map[string]*disk.Memory{
			"data":    disk.NewMemory(32 * testBlockSize),
			"meta":    disk.NewMemory(64 << 10),
			"journal": disk.NewMemory(1 << 20),
		})))
	assert.True(t, errors.Is(err, disk.ErrConfig))
}
