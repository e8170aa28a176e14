package blockstore

import (
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cairn/internal/base"
	"cairn/internal/dirtydb"
	"cairn/internal/disk"
	"cairn/internal/journal"
	"cairn/internal/metatable"
	"cairn/internal/mmap"
	"cairn/internal/ringloop"
)

// initChunkSize is how much of the metadata region or the journal one
// startup read covers.
const initChunkSize = 1 << 20

const (
	initMetaRead = iota
	initMetaFormat
	initMetaFix
	initMetaSync
	initJournalRead
	initJournalFormat
	initJournalSync
	initDone
)

// initState tracks startup recovery: load the metadata table, format it
// if it is empty, then replay the journal.
type initState struct {
	stage    int
	inFlight int
	ready    func() bool

	pos   uint64
	chunk []byte
	// stale lists blocks whose slot holds a superseded version of an object.
	stale     []uint64
	metaDirt  bool
	formatted bool

	jbuf     []byte
	replayed int
	skipped  int
}

func (bs *Blockstore) initStep() {
	in := bs.init
	for bs.broken == nil && !bs.started {
		if in.inFlight > 0 {
			return
		}
		if in.ready != nil {
			if !in.ready() {
				return
			}
			in.ready = nil
		}
		if !bs.initAdvance(in) {
			return
		}
	}
}

// initAdvance runs the current stage. It reports false when the stage
// issued I/O or has to wait.
func (bs *Blockstore) initAdvance(in *initState) bool {
	switch in.stage {
	case initMetaRead:
		return bs.readMetaChunk(in)
	case initMetaFormat:
		return bs.formatMeta(in)
	case initMetaFix:
		return bs.clearStaleSlots(in)
	case initMetaSync:
		if !in.metaDirt || bs.cfg.DisableFsync {
			in.stage = initJournalRead
			return true
		}
		return bs.initSync(in, bs.layout.Meta, initJournalRead)
	case initJournalRead:
		return bs.readJournalChunk(in)
	case initJournalFormat:
		return bs.formatJournal(in)
	case initJournalSync:
		return bs.initSync(in, bs.layout.Journal, initDone)
	case initDone:
		bs.finishInit(in)
		return false
	}
	panic("blockstore: bad init stage")
}

func (bs *Blockstore) initSlot(in *initState) bool {
	if bs.ring.SpaceLeft() < 1 {
		in.ready = func() bool { return bs.ring.SpaceLeft() > 0 }
		return false
	}
	return true
}

func (bs *Blockstore) initIO(in *initState, req *ringloop.Request, what string, next func()) {
	in.inFlight++
	req.Callback = func(_ int, err error) {
		in.inFlight--
		if err != nil {
			bs.fatal(errors.Wrap(err, what))
			return
		}
		if next != nil {
			next()
		}
		bs.ring.Wakeup()
	}
	bs.ring.Push(req)
}

func (bs *Blockstore) initSync(in *initState, dev disk.Device, next int) bool {
	if !bs.initSlot(in) {
		return false
	}
	bs.initIO(in, &ringloop.Request{Opcode: ringloop.OpSync, Dev: dev}, "sync during startup", func() {
		in.stage = next
	})
	return false
}

// readMetaChunk loads the next part of the metadata region. The first
// chunk carries the superblock, which decides whether the store has to be
// formatted.
func (bs *Blockstore) readMetaChunk(in *initState) bool {
	if err := bs.meta.allocImage(); err != nil {
		bs.fatal(err)
		return false
	}
	total := bs.table.Len()
	if in.pos >= total {
		in.pos = 0
		in.chunk = nil
		in.stage = initMetaFix
		return true
	}
	if !bs.initSlot(in) {
		return false
	}
	size := min(uint64(initChunkSize), total-in.pos)
	size -= size % uint64(bs.layout.MetaBlockSize)
	var buf []byte
	if bs.meta.image != nil {
		buf = bs.meta.image[in.pos : in.pos+size]
	} else {
		if in.chunk == nil {
			in.chunk = directio.AlignedBlock(initChunkSize)
		}
		buf = in.chunk[:size]
	}
	off := in.pos
	bs.initIO(in, &ringloop.Request{
		Opcode: ringloop.OpRead,
		Dev:    bs.layout.Meta,
		Buf:    buf,
		Offset: bs.layout.MetaOffset + off,
	}, "read metadata", func() {
		if off == 0 && !bs.checkSuperblock(in, buf[:bs.layout.MetaBlockSize]) {
			return
		}
		bs.table.Parse(buf, off, func(block uint64, e metatable.Entry) {
			bs.loadSlot(in, block, e)
		})
		in.pos += size
	})
	return false
}

func (bs *Blockstore) superblock() metatable.Superblock {
	return metatable.Superblock{
		Version:           metatable.FormatVersion,
		BlockSize:         bs.layout.BlockSize,
		BitmapGranularity: bs.layout.BitmapGranularity,
		BlockCount:        bs.layout.BlockCount,
	}
}

// checkSuperblock validates the superblock. It reports false when the
// region is not read any further.
func (bs *Blockstore) checkSuperblock(in *initState, block []byte) bool {
	sb, err := metatable.DecodeSuperblock(block)
	switch {
	case errors.Is(err, metatable.ErrEmpty):
		in.pos = 0
		in.stage = initMetaFormat
		return false
	case err != nil:
		bs.fatal(errors.Wrap(err, "load metadata"))
		return false
	}
	if err := sb.Compatible(bs.superblock()); err != nil {
		bs.fatal(err)
		return false
	}
	bs.uuid = sb.ID
	return true
}

// loadSlot records one used slot. When several slots name the same object
// the newest version wins and the others are cleared later.
func (bs *Blockstore) loadSlot(in *initState, block uint64, e metatable.Entry) {
	if prev, ok := bs.clean[e.Oid]; ok {
		if prev.Version >= e.Version {
			in.stale = append(in.stale, block)
			return
		}
		old := bs.blockOf(prev.Location)
		in.stale = append(in.stale, old)
		bs.alloc.Set(old, false)
	}
	bs.clean[e.Oid] = CleanEntry{Version: e.Version, Location: block << bs.layout.BlockOrder}
	copy(bs.cleanBitmap(block), e.Bitmap)
	bs.alloc.Set(block, true)
}

// formatMeta zeroes the metadata region and writes a fresh superblock.
func (bs *Blockstore) formatMeta(in *initState) bool {
	total := bs.table.Len()
	mbs := uint64(bs.layout.MetaBlockSize)
	if !in.formatted {
		in.formatted = true
		bs.uuid = uuid.New()
		sb := bs.superblock()
		sb.ID = bs.uuid
		if bs.meta.image != nil {
			clear(bs.meta.image)
			metatable.EncodeSuperblock(bs.meta.image[:mbs], sb)
		} else {
			in.chunk = directio.AlignedBlock(initChunkSize)
			metatable.EncodeSuperblock(in.chunk[:mbs], sb)
		}
		bs.log.WithField("id", bs.uuid).Info("formatting metadata")
	}
	for in.pos < total {
		if !bs.initSlot(in) {
			return false
		}
		size := min(uint64(initChunkSize), total-in.pos)
		size -= size % mbs
		var buf []byte
		if bs.meta.image != nil {
			buf = bs.meta.image[in.pos : in.pos+size]
		} else {
			buf = in.chunk[:size]
		}
		bs.initIO(in, &ringloop.Request{
			Opcode: ringloop.OpWrite,
			Dev:    bs.layout.Meta,
			Buf:    buf,
			Offset: bs.layout.MetaOffset + in.pos,
		}, "format metadata", nil)
		if in.pos == 0 && bs.meta.image == nil {
			// Later chunks are all zeros.
			in.chunk = directio.AlignedBlock(initChunkSize)
		}
		in.pos += size
	}
	in.chunk = nil
	in.metaDirt = true
	in.stage = initMetaSync
	return false
}

// clearStaleSlots empties slots left behind by a flush that crashed before
// clearing them.
func (bs *Blockstore) clearStaleSlots(in *initState) bool {
	for len(in.stale) > 0 {
		block := in.stale[0]
		ready := bs.meta.update(block, nil, func(err error) {
			in.inFlight--
			if err != nil {
				bs.fatal(errors.Wrapf(err, "clear stale slot of block %d", block))
				return
			}
			bs.ring.Wakeup()
		})
		if ready != nil {
			in.ready = ready
			return false
		}
		in.inFlight++
		in.metaDirt = true
		in.stale = in.stale[1:]
	}
	in.stage = initMetaSync
	return in.inFlight == 0
}

// readJournalChunk reads the journal ring into memory. Once all of it is
// loaded the start record decides between formatting and replay.
func (bs *Blockstore) readJournalChunk(in *initState) bool {
	j := bs.journal
	if in.formatted {
		// A fresh metadata table never goes with an old journal.
		in.stage = initJournalFormat
		return true
	}
	if in.jbuf == nil {
		buf, err := mmap.New(int(j.Len))
		if err != nil {
			bs.fatal(errors.Wrap(err, "allocate journal image"))
			return false
		}
		in.jbuf = buf
		in.pos = 0
	}
	if in.pos < j.Len {
		for in.pos < j.Len {
			if !bs.initSlot(in) {
				return false
			}
			size := min(uint64(initChunkSize), j.Len-in.pos)
			bs.initIO(in, &ringloop.Request{
				Opcode: ringloop.OpRead,
				Dev:    j.Dev,
				Buf:    in.jbuf[in.pos : in.pos+size],
				Offset: j.Offset + in.pos,
			}, "read journal", nil)
			in.pos += size
		}
		return false
	}

	start, err := journal.DecodeStart(in.jbuf[:j.BlockSize], j.BlockSize, j.Len)
	switch {
	case errors.Is(err, journal.ErrEmpty):
		bs.releaseJournalImage(in)
		in.stage = initJournalFormat
		return true
	case err != nil:
		bs.releaseJournalImage(in)
		bs.fatal(errors.Wrap(err, "load journal"))
		return false
	}
	res := journal.Replay(in.jbuf, j.BlockSize, bs.layout.BitmapSize(), start)
	bs.applyReplay(res)
	j.Position(start.JournalStart, res.NextFree, res.CRC32Last)
	in.replayed, in.skipped = len(res.Entries), res.Skipped
	bs.releaseJournalImage(in)
	in.stage = initDone
	return true
}

func (bs *Blockstore) releaseJournalImage(in *initState) {
	if in.jbuf == nil {
		return
	}
	if err := mmap.Free(in.jbuf); err != nil {
		bs.log.WithError(err).Warn("release journal image")
	}
	in.jbuf = nil
}

// formatJournal writes an empty journal: a start record pointing at the
// first sector and a zeroed first sector, so that nothing left on the
// device replays.
func (bs *Blockstore) formatJournal(in *initState) bool {
	j := bs.journal
	bsz := uint64(j.BlockSize)
	if bs.ring.SpaceLeft() < 2 {
		in.ready = func() bool { return bs.ring.SpaceLeft() >= 2 }
		return false
	}
	in.inFlight++
	j.WriteStart(bs.ring, journal.Start{JournalStart: bsz}, func(err error) {
		in.inFlight--
		if err != nil {
			bs.fatal(errors.Wrap(err, "format journal"))
			return
		}
		bs.ring.Wakeup()
	})
	bs.initIO(in, &ringloop.Request{
		Opcode: ringloop.OpWrite,
		Dev:    j.Dev,
		Buf:    directio.AlignedBlock(int(bsz)),
		Offset: j.Offset + bsz,
	}, "format journal", nil)
	j.Position(bsz, bsz, 0)
	bs.log.Info("formatting journal")
	if bs.cfg.DisableFsync {
		in.stage = initDone
		return false
	}
	in.stage = initJournalSync
	return false
}

// applyReplay rebuilds the dirty table from the replayed journal. Versions
// already folded into the metadata table are skipped.
func (bs *Blockstore) applyReplay(res *journal.Replayed) {
	for _, e := range res.Entries {
		if e.Type == journal.TypeStable {
			for _, ov := range e.Stable {
				if d, ok := bs.dirty.Get(ov); ok && !d.State.IsStable() {
					bs.markStable(ov)
				}
			}
			continue
		}
		ov := base.ObjVerID{Oid: e.Oid, Version: e.Version}
		if c, ok := bs.clean[e.Oid]; ok && c.Version >= e.Version {
			continue
		}
		if _, ok := bs.dirty.Get(ov); ok {
			continue
		}
		d := &dirtydb.Entry{
			Location: e.Location,
			Offset:   e.Offset,
			Len:      e.Len,
			Sector:   e.Sector,
			Pinned:   true,
		}
		switch e.Type {
		case journal.TypeSmallWrite:
			d.State = base.StateJSynced
		case journal.TypeBigWrite:
			d.State = base.StateDMetaSynced
			d.Bitmap = append([]byte(nil), e.Bitmap...)
			bs.alloc.Set(bs.blockOf(e.Location), true)
		case journal.TypeDelete:
			d.State = base.StateDelSynced
		default:
			continue
		}
		bs.journal.Ref(e.Sector, res.Sectors[e.Sector])
		bs.dirty.Insert(ov, d)
		bs.markUnstable(ov)
	}
}

func (bs *Blockstore) finishInit(in *initState) {
	used, total := bs.JournalUsage()
	bs.log.WithFields(logrus.Fields{
		"id":           bs.uuid,
		"clean":        len(bs.clean),
		"dirty":        bs.dirty.Len(),
		"replayed":     in.replayed,
		"skipped":      in.skipped,
		"free":         humanize.IBytes(bs.alloc.FreeCount() << bs.layout.BlockOrder),
		"journal_used": humanize.IBytes(used),
		"journal_size": humanize.IBytes(total),
	}).Info("blockstore started")

	bs.replayed = in.replayed
	bs.init = nil
	bs.started = true
	waiting := bs.waiting
	bs.waiting = nil
	for _, st := range waiting {
		bs.admit(st)
	}
	bs.ring.Wakeup()
}
