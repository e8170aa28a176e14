// Package blockstore is a single node object store over raw devices. Every
// object is one fixed-size block holding a chain of versions. Writes land
// in a journal or in freshly allocated data blocks, become durable with
// sync, are committed with stable and are folded into the metadata table by
// background flushers.
//
// A Blockstore is driven by one goroutine: every exported method and every
// callback runs on the goroutine that calls Run, Loop or Wait.
package blockstore

import (
	"context"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cairn/internal/allocator"
	"cairn/internal/base"
	"cairn/internal/dirtydb"
	"cairn/internal/disk"
	"cairn/internal/journal"
	"cairn/internal/metatable"
	"cairn/internal/ringloop"
	"cairn/pkg/metrics"
)

// ErrClosed is returned by methods of a closed store.
var ErrClosed = errors.New("blockstore: closed")

// CleanEntry is the committed version of an object and the data area byte
// offset of its block.
type CleanEntry struct {
	Version  uint64
	Location uint64
}

// DirtyEntry describes one version that is not folded into the clean table
// yet.
type DirtyEntry struct {
	Version uint64
	State   State
	Offset  uint32
	Len     uint32
}

// deleteFloor is the version of a flushed delete. Versions of a recreated
// object continue above it while journal records of the deleted incarnation
// can still be replayed.
type deleteFloor struct {
	version uint64
	sector  uint64
}

type pendingFree struct {
	block     uint64
	sector    uint64
	afterTrim bool
}

type Blockstore struct {
	cfg     *Config
	layout  *disk.Layout
	ring    *ringloop.Ring
	ownRing bool
	id      int
	log     *logrus.Entry
	fatalFn func(error)

	alloc   *allocator.Allocator
	journal *journal.Journal
	table   *metatable.Table
	meta    *metaCache
	uuid    uuid.UUID

	clean        map[ObjectID]CleanEntry
	cleanBitmaps []byte
	dirty        *dirtydb.DB
	unstable     map[ObjectID]uint64
	floors       map[ObjectID]deleteFloor

	waiting    []*opState
	queue      []*opState
	syncs      []*opState
	inProgress int
	nextSeq    uint64
	unwritten  *btree.BTreeG[uint64]

	unsyncedBig   []ObjVerID
	unsyncedSmall []ObjVerID

	pins         map[uint64]int
	pendingFrees []pendingFree

	flusher  *flusher
	init     *initState
	replayed int
	started  bool
	stopSync bool
	broken   error
	closed   bool
}

// New opens the devices named in config and prepares the store. Startup
// recovery runs asynchronously once the store is driven; operations
// enqueued before it finishes wait for it.
func New(config map[string]string, opts ...Option) (*Blockstore, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}

	layout, err := disk.NewLayout(&cfg.Disk)
	if err != nil {
		return nil, err
	}
	if err := layout.Open(o.opener); err != nil {
		return nil, err
	}
	bs, err := newBlockstore(cfg, layout, o)
	if err != nil {
		_ = layout.Close()
		return nil, err
	}
	return bs, nil
}

func newBlockstore(cfg *Config, layout *disk.Layout, o options) (*Blockstore, error) {
	ring, own := o.ring, false
	if ring == nil {
		ring, own = ringloop.New(cfg.RingDepth, cfg.RingWorkers), true
	}
	if ring.Depth() < cfg.minRingDepth() {
		if own {
			_ = ring.Close()
		}
		return nil, errors.Wrapf(disk.ErrConfig, "ring_depth %d is too small for block_size %d, need at least %d",
			ring.Depth(), cfg.Disk.BlockSize, cfg.minRingDepth())
	}

	j, err := journal.New(layout.Journal, layout.JournalOffset, layout.JournalLen,
		layout.JournalBlockSize, cfg.JournalSectorBuffers)
	if err != nil {
		if own {
			_ = ring.Close()
		}
		return nil, err
	}

	// A small write needs its payload and a sector to fit into the journal
	// with room to spare.
	if limit := uint32(layout.JournalLen / 4); cfg.SmallWriteThreshold > limit {
		cfg.SmallWriteThreshold = limit - limit%layout.DiskAlignment
	}

	bs := &Blockstore{
		cfg:          cfg,
		layout:       layout,
		ring:         ring,
		ownRing:      own,
		log:          o.log,
		fatalFn:      o.fatal,
		alloc:        allocator.New(layout.BlockCount),
		journal:      j,
		table:        metatable.NewTable(layout.MetaBlockSize, layout.BitmapSize(), layout.BlockCount),
		clean:        make(map[ObjectID]CleanEntry),
		cleanBitmaps: make([]byte, layout.BlockCount*uint64(layout.BitmapSize())),
		dirty:        dirtydb.New(),
		unstable:     make(map[ObjectID]uint64),
		floors:       make(map[ObjectID]deleteFloor),
		unwritten:    btree.NewOrderedG[uint64](16),
		pins:         make(map[uint64]int),
		init:         &initState{},
	}
	bs.alloc.SetReserve(min(uint64(cfg.FlusherCount), layout.BlockCount/2))
	bs.meta = newMetaCache(bs)
	bs.flusher = newFlusher(bs, cfg.FlusherCount)
	bs.id = ring.RegisterConsumer(bs.loop)
	ring.Wakeup()
	return bs, nil
}

// Run drives the store until done reports true or ctx ends.
func (bs *Blockstore) Run(ctx context.Context, done func() bool) error {
	return bs.ring.Run(ctx, done)
}

// Loop runs one processing pass: completions, queued operations, flushers.
func (bs *Blockstore) Loop() {
	bs.ring.Loop()
}

// Wait blocks until the next Loop can make progress or ctx ends.
func (bs *Blockstore) Wait(ctx context.Context) error {
	return bs.ring.Wait(ctx)
}

// Ring is the completion ring the store runs on.
func (bs *Blockstore) Ring() *ringloop.Ring {
	return bs.ring
}

// Close releases the devices. Callers wait for IsSafeToStop first;
// operations still in progress never complete.
func (bs *Blockstore) Close() error {
	if bs.closed {
		return nil
	}
	bs.closed = true
	bs.ring.UnregisterConsumer(bs.id)

	var result *multierror.Error
	if bs.ownRing {
		if err := bs.ring.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := bs.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := bs.meta.close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := bs.layout.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Enqueue submits op. Invalid ops complete right away with -EINVAL; every
// other op completes from a later processing pass.
func (bs *Blockstore) Enqueue(op *Op) {
	st := &opState{op: op}
	if bs.closed {
		bs.complete(st, errno(unix.EBADF))
		return
	}
	if rv := bs.validate(op); rv != 0 {
		bs.complete(st, rv)
		return
	}
	st.seq = bs.nextSeq
	bs.nextSeq++
	if !bs.started {
		bs.waiting = append(bs.waiting, st)
		bs.ring.Wakeup()
		return
	}
	bs.admit(st)
}

func (bs *Blockstore) validate(op *Op) int {
	switch op.Kind {
	case OpRead, OpWrite:
		align := bs.layout.DiskAlignment
		if op.Offset%align != 0 || op.Len%align != 0 ||
			uint64(op.Offset)+uint64(op.Len) > uint64(bs.layout.BlockSize) ||
			len(op.Buf) < int(op.Len) {
			return errno(unix.EINVAL)
		}
		if op.Kind == OpWrite && op.Len == 0 {
			return errno(unix.EINVAL)
		}
	case OpSync, OpStable, OpDelete:
	default:
		return errno(unix.EINVAL)
	}
	return 0
}

// admit performs the enqueue-time part of op: version resolution and the
// provisional dirty entry of writes and deletes.
func (bs *Blockstore) admit(st *opState) {
	op := st.op
	switch op.Kind {
	case OpRead:
		st.target = bs.resolveRead(op.Oid, op.Version)
		st.step = bs.stepRead
	case OpWrite, OpDelete:
		cur, deleted, exists := bs.latest(op.Oid)
		if op.Kind == OpDelete && (!exists || deleted) {
			bs.complete(st, errno(unix.ENOENT))
			return
		}
		if op.Version == 0 {
			op.Version = cur + 1
		} else if op.Version <= cur {
			bs.complete(st, errno(unix.EEXIST))
			return
		}
		e := &dirtydb.Entry{Offset: op.Offset, Len: op.Len}
		switch {
		case op.Kind == OpDelete:
			e.State, e.Offset, e.Len = base.StateDelInFlight, 0, 0
			st.step = bs.stepDelete
		case op.Len < bs.cfg.SmallWriteThreshold:
			e.State = base.StateJInFlight
			st.step = bs.stepSmallWrite
		default:
			e.State = base.StateDInFlight
			st.step = bs.stepBigWrite
		}
		bs.dirty.Insert(ObjVerID{Oid: op.Oid, Version: op.Version}, e)
		bs.unwritten.ReplaceOrInsert(st.seq)
	case OpSync:
		bs.syncs = append(bs.syncs, st)
		st.step = bs.stepSync
	case OpStable:
		st.step = bs.stepStable
	}
	bs.queue = append(bs.queue, st)
	bs.ring.Wakeup()
}

// latest returns the newest version of oid and whether it is a delete. A
// deleted object that was flushed does not exist but keeps its version.
func (bs *Blockstore) latest(oid ObjectID) (version uint64, deleted, exists bool) {
	if v, e, ok := bs.dirty.Latest(oid); ok {
		return v, e.State.IsDelete(), true
	}
	if c, ok := bs.clean[oid]; ok {
		return c.Version, false, true
	}
	if f, ok := bs.floors[oid]; ok {
		return f.version, true, false
	}
	return 0, false, false
}

func (bs *Blockstore) resolveRead(oid ObjectID, version uint64) uint64 {
	switch version {
	case VersionLatest:
		v, _, exists := bs.latest(oid)
		if !exists {
			return 0
		}
		return v
	case VersionStable:
		var found uint64
		bs.dirty.Descend(oid, VersionLatest, func(v uint64, e *dirtydb.Entry) bool {
			if e.State.IsStable() {
				found = v
				return false
			}
			return true
		})
		if found == 0 {
			found = bs.clean[oid].Version
		}
		return found
	}
	return version
}

func (bs *Blockstore) loop() {
	if bs.closed || bs.broken != nil {
		return
	}
	if !bs.started {
		bs.initStep()
		if !bs.started {
			return
		}
	}
	bs.runQueue()
	bs.flusher.loop()

	metrics.FreeBlocks.Set(float64(bs.alloc.FreeCount()))
	metrics.JournalUsedBytes.Set(float64(bs.journal.Used()))
	metrics.DirtyEntries.Set(float64(bs.dirty.Len()))
}

// runQueue gives every queued op one step in FIFO order. An op that cannot
// get a submission slot ends the pass so that later ops do not overtake it.
func (bs *Blockstore) runQueue() {
	queue := bs.queue
	bs.queue = nil
	var keep []*opState
	progressed := false
	for i := 0; i < len(queue); i++ {
		st := queue[i]
		if st.wait != waitNone {
			if !st.ready() {
				if st.wait == waitSQE {
					keep = append(keep, queue[i:]...)
					break
				}
				keep = append(keep, st)
				continue
			}
			st.wait, st.ready = waitNone, nil
		}
		res := st.step(st)
		if res == stepBlocked {
			keep = append(keep, queue[i:]...)
			break
		}
		if res == stepWait {
			keep = append(keep, st)
			continue
		}
		progressed = true
	}
	bs.queue = append(keep, bs.queue...)
	if progressed {
		bs.ring.Wakeup()
	}
}

// requeue puts an op that finished an I/O stage back on the queue.
func (bs *Blockstore) requeue(st *opState) {
	bs.queue = append(bs.queue, st)
	bs.ring.Wakeup()
}

func (bs *Blockstore) complete(st *opState, retval int) {
	op := st.op
	op.Retval = retval
	kind := op.Kind.String()
	metrics.Ops.WithLabelValues(kind).Inc()
	if retval < 0 {
		metrics.OpErrors.WithLabelValues(kind, unix.ErrnoName(unix.Errno(-retval))).Inc()
	}
	if op.Callback != nil {
		op.Callback(op)
	}
}

func (bs *Blockstore) fatal(err error) {
	if bs.broken != nil {
		return
	}
	bs.broken = err
	bs.log.WithError(err).Error("store stopped")
	bs.fatalFn(err)
}

func (bs *Blockstore) minUnwritten() (uint64, bool) {
	return bs.unwritten.Min()
}

func (bs *Blockstore) markUnstable(ov ObjVerID) {
	if ov.Version > bs.unstable[ov.Oid] {
		bs.unstable[ov.Oid] = ov.Version
	}
}

// markStable commits ov and every older version of its object and hands
// the object to the flushers.
func (bs *Blockstore) markStable(ov ObjVerID) {
	bs.dirty.Descend(ov.Oid, ov.Version, func(_ uint64, e *dirtydb.Entry) bool {
		if e.State.IsStable() {
			return false
		}
		e.State = e.State.Stable()
		return true
	})
	if u, ok := bs.unstable[ov.Oid]; ok && u <= ov.Version {
		delete(bs.unstable, ov.Oid)
	}
	bs.flusher.enqueue(ov)
}

func (bs *Blockstore) blockOf(location uint64) uint64 {
	return location >> bs.layout.BlockOrder
}

func (bs *Blockstore) cleanBitmap(block uint64) []byte {
	n := uint64(bs.layout.BitmapSize())
	return bs.cleanBitmaps[block*n : (block+1)*n]
}

// processFrees returns retired blocks to the allocator once no read pins
// them and, for deleted objects, the journal records naming them are
// trimmed.
func (bs *Blockstore) processFrees() {
	keep := bs.pendingFrees[:0]
	for _, pf := range bs.pendingFrees {
		if bs.pins[pf.block] == 0 && (!pf.afterTrim || !bs.journal.Live(pf.sector)) {
			bs.alloc.Free(pf.block)
			continue
		}
		keep = append(keep, pf)
	}
	bs.pendingFrees = keep
}

// dropFloors forgets delete floors whose journal records are trimmed.
func (bs *Blockstore) dropFloors() {
	for oid, f := range bs.floors {
		if !bs.journal.Live(f.sector) {
			delete(bs.floors, oid)
		}
	}
}

// waitingOnTrim reports whether some retired block is held back only by
// the journal.
func (bs *Blockstore) waitingOnTrim() bool {
	for _, pf := range bs.pendingFrees {
		if pf.afterTrim && bs.pins[pf.block] == 0 {
			return true
		}
	}
	return false
}

func (bs *Blockstore) BlockSize() uint32 {
	return bs.layout.BlockSize
}

func (bs *Blockstore) BlockCount() uint64 {
	return bs.layout.BlockCount
}

// FreeBlocks is the number of data blocks not in use, including blocks kept
// back for the flushers.
func (bs *Blockstore) FreeBlocks() uint64 {
	return bs.alloc.FreeCount()
}

func (bs *Blockstore) IsStarted() bool {
	return bs.started
}

// ID is the identity recorded in the metadata superblock.
func (bs *Blockstore) ID() uuid.UUID {
	return bs.uuid
}

// IsSafeToStop reports whether the store may be closed without losing
// acknowledged state. Unsynced writes make it schedule a sync; callers keep
// driving the store until it reports true.
func (bs *Blockstore) IsSafeToStop() bool {
	if bs.broken != nil || bs.closed {
		return true
	}
	if !bs.started {
		return false
	}
	if len(bs.unsyncedBig) > 0 || len(bs.unsyncedSmall) > 0 || bs.unwritten.Len() > 0 {
		if !bs.stopSync {
			bs.stopSync = true
			bs.Enqueue(&Op{Kind: OpSync, Callback: func(*Op) { bs.stopSync = false }})
		}
		return false
	}
	return len(bs.queue) == 0 && len(bs.syncs) == 0 && bs.inProgress == 0 && bs.flusher.idle()
}

// CleanEntry returns the committed version of oid.
func (bs *Blockstore) CleanEntry(oid ObjectID) (CleanEntry, bool) {
	c, ok := bs.clean[oid]
	return c, ok
}

// DirtyEntries lists the versions of oid that are not folded yet, oldest
// first.
func (bs *Blockstore) DirtyEntries(oid ObjectID) []DirtyEntry {
	var res []DirtyEntry
	bs.dirty.Ascend(oid, VersionLatest, func(v uint64, e *dirtydb.Entry) bool {
		res = append(res, DirtyEntry{Version: v, State: e.State, Offset: e.Offset, Len: e.Len})
		return true
	})
	return res
}

// UnstableWrites maps every object with written but not stabilized
// versions to its newest such version.
func (bs *Blockstore) UnstableWrites() map[ObjectID]uint64 {
	res := make(map[ObjectID]uint64, len(bs.unstable))
	for oid, v := range bs.unstable {
		res[oid] = v
	}
	return res
}

// JournalUsage returns the live and total bytes of the journal ring.
func (bs *Blockstore) JournalUsage() (used, total uint64) {
	return bs.journal.Used(), bs.layout.JournalLen - uint64(bs.layout.JournalBlockSize)
}

// Stats is a snapshot of the store counters.
type Stats struct {
	CleanObjects  int
	DirtyVersions int
	// Replayed is the number of journal entries recovery applied.
	Replayed    int
	BlockSize   uint32
	BlockCount  uint64
	FreeBlocks  uint64
	JournalUsed uint64
	JournalSize uint64
}

func (bs *Blockstore) Stats() Stats {
	used, total := bs.JournalUsage()
	return Stats{
		CleanObjects:  len(bs.clean),
		DirtyVersions: bs.dirty.Len(),
		Replayed:      bs.replayed,
		BlockSize:     bs.layout.BlockSize,
		BlockCount:    bs.layout.BlockCount,
		FreeBlocks:    bs.alloc.FreeCount(),
		JournalUsed:   used,
		JournalSize:   total,
	}
}
