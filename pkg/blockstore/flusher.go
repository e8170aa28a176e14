package blockstore

import (
	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cairn/internal/dirtydb"
	"cairn/internal/disk"
	"cairn/internal/journal"
	"cairn/internal/metatable"
	"cairn/internal/ringloop"
	"cairn/pkg/metrics"
)

const (
	flushIdle = iota
	flushPrepare
	flushAlloc
	flushRead
	flushWrite
	flushDataSync
	flushMeta
	flushMetaSync
	flushClearOld
	flushClearSync
	flushApply
)

// flushWorker folds the stable versions of one object into the metadata
// table.
type flushWorker struct {
	id    int
	stage int
	ready func() bool

	oid     ObjectID
	version uint64
	entries []ObjVerID
	// sector is the journal sector of the newest folded entry. Blocks a
	// delete retires stay allocated until the trim pointer has passed it.
	sector uint64

	deleted  bool
	block    uint64
	bitmap   []byte
	ext      []byte
	plan     *readPlan
	buf      []byte
	old      uint64
	hasOld   bool
	retired  []uint64
	inFlight bool
}

// flusher moves stable versions out of the dirty table and lets the
// journal trim pointer advance. Versions of one object are folded by one
// worker at a time, in order.
type flusher struct {
	bs      *Blockstore
	queue   []ObjectID
	queued  map[ObjectID]uint64
	active  map[ObjectID]bool
	workers []*flushWorker

	trimming   bool
	trimWanted bool
	syncStart  bool
	trimPos    uint64
	// starved is set while someone waits for a free block.
	starved bool
}

func newFlusher(bs *Blockstore, n int) *flusher {
	f := &flusher{
		bs:     bs,
		queued: make(map[ObjectID]uint64),
		active: make(map[ObjectID]bool),
	}
	for i := 0; i < n; i++ {
		f.workers = append(f.workers, &flushWorker{id: i})
	}
	return f
}

// enqueue schedules the stable versions of ov.Oid up to ov.Version.
func (f *flusher) enqueue(ov ObjVerID) {
	v, ok := f.queued[ov.Oid]
	if !ok {
		f.queue = append(f.queue, ov.Oid)
	}
	if ov.Version > v {
		f.queued[ov.Oid] = ov.Version
	}
	f.bs.ring.Wakeup()
}

func (f *flusher) requestTrim() {
	f.trimWanted = true
	f.bs.ring.Wakeup()
}

// requestBlocks asks for retired blocks to be released, sealing the open
// journal sector when it is the only thing holding them back.
func (f *flusher) requestBlocks() {
	f.starved = true
	f.requestTrim()
}

func (f *flusher) idle() bool {
	return len(f.queue) == 0 && len(f.active) == 0 && !f.trimming && !f.trimWanted
}

func (f *flusher) loop() {
	bs := f.bs
	for _, w := range f.workers {
		for bs.broken == nil && f.step(w) {
		}
	}
	if bs.broken == nil {
		f.syncTrim()
		f.trim()
	}
}

// pick hands the oldest queued object nobody is flushing to w.
func (f *flusher) pick(w *flushWorker) bool {
	for i, oid := range f.queue {
		if f.active[oid] {
			continue
		}
		f.queue = append(f.queue[:i:i], f.queue[i+1:]...)
		*w = flushWorker{id: w.id, stage: flushPrepare, oid: oid, version: f.queued[oid]}
		delete(f.queued, oid)
		f.active[oid] = true
		return true
	}
	return false
}

// step advances w by one stage. It reports whether w made progress and
// can be stepped again right away.
func (f *flusher) step(w *flushWorker) bool {
	bs := f.bs
	if w.inFlight {
		return false
	}
	if w.ready != nil {
		if !w.ready() {
			return false
		}
		w.ready = nil
	}

	switch w.stage {
	case flushIdle:
		return f.pick(w)

	case flushPrepare:
		return f.prepare(w)

	case flushAlloc:
		need := len(w.plan.pieces)
		if bs.ring.SpaceLeft() < need {
			w.ready = func() bool { return bs.ring.SpaceLeft() >= need }
			return false
		}
		block, err := bs.alloc.FindReserved()
		if err != nil {
			f.requestBlocks()
			w.ready = func() bool { return bs.alloc.FreeCount() > 0 }
			metrics.Waits.WithLabelValues(waitFree.String()).Inc()
			return false
		}
		w.block = block
		w.stage = flushRead
		w.inFlight = true
		w.buf = directio.AlignedBlock(int(bs.layout.BlockSize))
		bs.readPieces(w.plan.pieces, w.buf, 0, func(err error) {
			w.inFlight = false
			if err != nil {
				f.fail(w, errors.Wrap(err, "read versions to flush"))
				return
			}
			w.stage = flushWrite
			bs.ring.Wakeup()
		})
		return false

	case flushWrite:
		if !f.slots(w, 1) {
			return false
		}
		w.inFlight = true
		bs.ring.Push(&ringloop.Request{
			Opcode: ringloop.OpWrite,
			Dev:    bs.layout.Data,
			Buf:    w.buf,
			Offset: bs.layout.DataOffset + w.block<<bs.layout.BlockOrder,
			Callback: func(_ int, err error) {
				w.inFlight = false
				if err != nil {
					f.fail(w, errors.Wrapf(err, "write block %d", w.block))
					return
				}
				w.buf = nil
				w.stage = flushDataSync
				bs.ring.Wakeup()
			},
		})
		return false

	case flushDataSync:
		return f.sync(w, bs.layout.Data, "data", flushMeta)

	case flushMeta:
		var e *metatable.Entry
		target := w.old
		if !w.deleted {
			e = &metatable.Entry{Oid: w.oid, Version: w.version, Bitmap: w.bitmap, ExtBitmap: w.ext}
			target = w.block
		} else if !w.hasOld {
			w.stage = flushApply
			return true
		}
		if ready := bs.meta.update(target, e, func(err error) {
			w.inFlight = false
			if err != nil {
				f.fail(w, errors.Wrap(err, "write metadata"))
				return
			}
			w.stage = flushMetaSync
			bs.ring.Wakeup()
		}); ready != nil {
			w.ready = ready
			return false
		}
		w.inFlight = true
		return false

	case flushMetaSync:
		return f.sync(w, bs.layout.Meta, "metadata", flushClearOld)

	case flushClearOld:
		if w.deleted || !w.hasOld || w.old == w.block {
			w.stage = flushApply
			return true
		}
		// The old block is reused once apply frees it, so its slot must be
		// clear on disk by then.
		if ready := bs.meta.update(w.old, nil, func(err error) {
			w.inFlight = false
			if err != nil {
				f.fail(w, errors.Wrap(err, "clear metadata slot"))
				return
			}
			w.stage = flushClearSync
			bs.ring.Wakeup()
		}); ready != nil {
			w.ready = ready
			return false
		}
		w.inFlight = true
		return false

	case flushClearSync:
		return f.sync(w, bs.layout.Meta, "metadata", flushApply)

	case flushApply:
		f.apply(w)
		return true
	}
	panic("blockstore: bad flush stage")
}

// prepare collects the stable versions to fold and picks the block the
// result lives in: the block of a trailing big write is reused as is,
// anything else is composed into a fresh block.
func (f *flusher) prepare(w *flushWorker) bool {
	bs := f.bs
	var last *dirtydb.Entry
	bs.dirty.Ascend(w.oid, w.version, func(v uint64, e *dirtydb.Entry) bool {
		if !e.State.IsStable() {
			return false
		}
		w.entries = append(w.entries, ObjVerID{Oid: w.oid, Version: v})
		last = e
		return true
	})
	if last == nil {
		delete(f.active, w.oid)
		w.stage = flushIdle
		return true
	}
	w.version = w.entries[len(w.entries)-1].Version
	w.sector = last.Sector
	if c, ok := bs.clean[w.oid]; ok {
		w.old, w.hasOld = bs.blockOf(c.Location), true
	}

	switch {
	case last.State.IsDelete():
		w.deleted = true
		w.stage = flushMeta
	case last.State.IsBigWrite():
		w.block = bs.blockOf(last.Location)
		w.bitmap = append([]byte(nil), last.Bitmap...)
		w.ext = make([]byte, bs.layout.BitmapSize())
		w.stage = flushMeta
	default:
		w.plan = bs.planRead(w.oid, w.version, 0, bs.layout.BlockSize)
		w.bitmap = w.plan.bitmap
		w.ext = make([]byte, bs.layout.BitmapSize())
		for _, pc := range w.plan.pieces {
			if !pc.pinBlock {
				bs.setBitmapRange(w.ext, pc.start, pc.end)
			}
		}
		w.stage = flushAlloc
	}
	bs.log.WithFields(logrus.Fields{"oid": w.oid, "version": w.version, "entries": len(w.entries)}).
		Debug("flushing object")
	return true
}

// slots reports whether n submission slots are free. Otherwise w waits
// for them, so a saturated ring gets no new flusher I/O.
func (f *flusher) slots(w *flushWorker, n int) bool {
	ring := f.bs.ring
	if ring.SpaceLeft() >= n {
		return true
	}
	w.ready = func() bool { return ring.SpaceLeft() >= n }
	return false
}

// sync flushes the cache of dev and moves w to stage next.
func (f *flusher) sync(w *flushWorker, dev disk.Device, what string, next int) bool {
	bs := f.bs
	if bs.cfg.DisableFsync {
		w.stage = next
		return true
	}
	if !f.slots(w, 1) {
		return false
	}
	w.inFlight = true
	bs.ring.Push(&ringloop.Request{
		Opcode: ringloop.OpSync,
		Dev:    dev,
		Callback: func(_ int, err error) {
			w.inFlight = false
			if err != nil {
				f.fail(w, errors.Wrapf(err, "sync %s", what))
				return
			}
			w.stage = next
			bs.ring.Wakeup()
		},
	})
	return false
}

// apply switches the in-memory state over to the flushed version once its
// metadata is durable.
func (f *flusher) apply(w *flushWorker) {
	bs := f.bs
	// Journal records of a deleted object would bring its blocks back on
	// replay, so those wait for the trim. Records of a flushed write are
	// older than the clean version and replay skips them.
	retire := func(block uint64) {
		if w.deleted || block != w.block {
			bs.pendingFrees = append(bs.pendingFrees, pendingFree{block: block, sector: w.sector, afterTrim: w.deleted})
		}
	}

	if w.hasOld {
		retire(w.old)
	}
	if w.deleted {
		delete(bs.clean, w.oid)
		bs.floors[w.oid] = deleteFloor{version: w.version, sector: w.sector}
	} else {
		bs.clean[w.oid] = CleanEntry{Version: w.version, Location: w.block << bs.layout.BlockOrder}
		copy(bs.cleanBitmap(w.block), w.bitmap)
	}
	for _, ov := range w.entries {
		e := bs.dirtyEntry(ov)
		if e.State.IsBigWrite() {
			retire(bs.blockOf(e.Location))
		}
		if e.Pinned {
			bs.journal.Unref(e.Sector)
		}
		bs.dirty.Delete(ov)
	}

	delete(f.active, w.oid)
	*w = flushWorker{id: w.id}
	f.trimWanted = true
	bs.processFrees()
	metrics.Flushes.Inc()
}

func (f *flusher) fail(w *flushWorker, err error) {
	w.inFlight = false
	f.bs.fatal(errors.Wrapf(err, "flush %s", w.oid))
}

// trim moves the journal trim pointer to the oldest sector still needed.
// The start record is made durable before the space is reused.
func (f *flusher) trim() {
	bs := f.bs
	if f.trimming || !f.trimWanted {
		return
	}
	j := bs.journal
	pos, crc := j.TrimTarget()
	if pos == j.UsedStart && f.starved && bs.waitingOnTrim() {
		j.Seal()
		f.starved = false
		pos, crc = j.TrimTarget()
	}
	if pos == j.UsedStart {
		f.trimWanted = false
		bs.processFrees()
		return
	}
	if bs.ring.SpaceLeft() < 1 {
		return
	}
	ok := j.WriteStart(bs.ring, journal.Start{JournalStart: pos, CRC32Prev: crc}, func(err error) {
		if err != nil {
			bs.fatal(errors.Wrap(err, "write journal start"))
			return
		}
		if bs.cfg.DisableFsync {
			f.trimmed(pos)
			return
		}
		f.trimPos, f.syncStart = pos, true
		bs.ring.Wakeup()
	})
	if ok {
		f.trimming = true
		f.trimWanted = false
	}
}

// syncTrim makes a written start record durable before the trim takes
// effect.
func (f *flusher) syncTrim() {
	bs := f.bs
	if !f.syncStart || bs.ring.SpaceLeft() < 1 {
		return
	}
	f.syncStart = false
	pos := f.trimPos
	bs.ring.Push(&ringloop.Request{
		Opcode: ringloop.OpSync,
		Dev:    bs.journal.Dev,
		Callback: func(_ int, err error) {
			if err != nil {
				bs.fatal(errors.Wrap(err, "sync journal start"))
				return
			}
			f.trimmed(pos)
		},
	})
}

func (f *flusher) trimmed(pos uint64) {
	bs := f.bs
	bs.journal.SetUsedStart(pos)
	f.trimming = false
	bs.processFrees()
	bs.dropFloors()
	// Trimming may have left behind a new oldest sector.
	f.trimWanted = true
	bs.ring.Wakeup()
}
