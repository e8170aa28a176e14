package blockstore

import (
	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cairn/internal/base"
	"cairn/internal/journal"
	"cairn/internal/ringloop"
)

// stepSmallWrite appends the write to the journal: the record goes into the
// current sector and the payload right behind it.
func (bs *Blockstore) stepSmallWrite(st *opState) stepResult {
	op := st.op
	if res, ok := bs.checkJournal(st, []uint32{journal.SmallWriteSize}, op.Len); !ok {
		return res
	}
	if bs.ring.SpaceLeft() < 2 {
		return bs.waitSQE(st, 2)
	}

	ov := ObjVerID{Oid: op.Oid, Version: op.Version}
	e := bs.dirtyEntry(ov)
	data := op.Buf[:op.Len]
	je := &journal.Entry{
		Type:      journal.TypeSmallWrite,
		Oid:       op.Oid,
		Version:   op.Version,
		Offset:    op.Offset,
		Len:       op.Len,
		DataCRC32: journal.Checksum(data),
	}
	bs.journal.Reserve(journal.SmallWriteSize)
	je.Location = bs.journal.AllocData(op.Len)
	sector := bs.journal.Write(je)
	bs.journal.Ref(sector.Pos, sector.FirstCRC)
	e.State = base.StateJSubmitted
	e.Location = je.Location
	e.Sector, e.Pinned = sector.Pos, true

	bs.inProgress++
	pending := 2
	var first error
	done := func(err error) {
		if err != nil && first == nil {
			first = err
		}
		pending--
		if pending == 0 {
			bs.inProgress--
			bs.journaledWriteDone(st, first)
		}
	}
	bs.ring.Push(&ringloop.Request{
		Opcode:   ringloop.OpWrite,
		Dev:      bs.journal.Dev,
		Buf:      data,
		Offset:   bs.journal.Offset + je.Location,
		Callback: func(_ int, err error) { done(err) },
	})
	bs.journal.Flush(bs.ring, sector, done)
	return stepDone
}

func (bs *Blockstore) stepDelete(st *opState) stepResult {
	op := st.op
	if res, ok := bs.checkJournal(st, []uint32{journal.DeleteSize}, 0); !ok {
		return res
	}
	if bs.ring.SpaceLeft() < 1 {
		return bs.waitSQE(st, 1)
	}

	e := bs.dirtyEntry(ObjVerID{Oid: op.Oid, Version: op.Version})
	sector := bs.journal.Write(&journal.Entry{Type: journal.TypeDelete, Oid: op.Oid, Version: op.Version})
	bs.journal.Ref(sector.Pos, sector.FirstCRC)
	e.State = base.StateDelSubmitted
	e.Sector, e.Pinned = sector.Pos, true

	bs.inProgress++
	bs.journal.Flush(bs.ring, sector, func(err error) {
		bs.inProgress--
		bs.journaledWriteDone(st, err)
	})
	return stepDone
}

// journaledWriteDone finishes a small write or a delete whose record and
// payload reached the journal.
func (bs *Blockstore) journaledWriteDone(st *opState, err error) {
	op := st.op
	ov := ObjVerID{Oid: op.Oid, Version: op.Version}
	e := bs.dirtyEntry(ov)
	bs.unwritten.Delete(st.seq)
	if err != nil {
		bs.log.WithError(err).WithFields(logrus.Fields{"oid": op.Oid, "version": op.Version}).
			Errorf("%s failed", op.Kind)
		bs.journal.Unref(e.Sector)
		bs.dirty.Delete(ov)
		bs.complete(st, errno(unix.EIO))
		return
	}
	if op.Kind == OpDelete {
		e.State = base.StateDelWritten
	} else {
		e.State = base.StateJWritten
	}
	bs.unsyncedSmall = append(bs.unsyncedSmall, ov)
	bs.markUnstable(ov)
	if op.Kind == OpDelete {
		bs.complete(st, 0)
		return
	}
	bs.complete(st, int(op.Len))
}

// stepBigWrite writes a whole block to a fresh data block. A partial write
// first reads the previous version of the block and merges into it. The
// journal record follows at sync time.
func (bs *Blockstore) stepBigWrite(st *opState) stepResult {
	op := st.op
	bsize := bs.layout.BlockSize
	full := op.Offset == 0 && op.Len == bsize

	var plan *readPlan
	need := 1
	if !full {
		plan = bs.planRead(op.Oid, op.Version-1, 0, bsize)
		if plan.blocked {
			return bs.waitWritten(st, ObjVerID{Oid: op.Oid, Version: plan.blockedOn})
		}
		need = max(need, len(plan.pieces))
	}
	if bs.ring.SpaceLeft() < need {
		return bs.waitSQE(st, need)
	}
	block, err := bs.alloc.Find()
	if err != nil {
		bs.flusher.requestBlocks()
		return st.suspend(waitFree, func() bool {
			return bs.alloc.Available() > 0
		})
	}

	ov := ObjVerID{Oid: op.Oid, Version: op.Version}
	e := bs.dirtyEntry(ov)
	bitmap := make([]byte, bs.layout.BitmapSize())
	if plan != nil {
		copy(bitmap, plan.bitmap)
	}
	bs.setBitmapRange(bitmap, op.Offset, op.Offset+op.Len)
	e.State = base.StateDSubmitted
	e.Location = block << bs.layout.BlockOrder
	e.Bitmap = bitmap
	st.block = block
	bs.inProgress++

	if full {
		bs.writeBlock(st, op.Buf[:op.Len])
		return stepDone
	}
	buf := directio.AlignedBlock(int(bsize))
	if len(plan.pieces) == 0 {
		copy(buf[op.Offset:], op.Buf[:op.Len])
		bs.writeBlock(st, buf)
		return stepDone
	}
	bs.readPieces(plan.pieces, buf, 0, func(err error) {
		if err != nil {
			bs.bigWriteDone(st, errors.Wrap(err, "read previous version"))
			return
		}
		copy(buf[op.Offset:], op.Buf[:op.Len])
		bs.writeBlock(st, buf)
	})
	return stepDone
}

func (bs *Blockstore) writeBlock(st *opState, buf []byte) {
	bs.ring.Push(&ringloop.Request{
		Opcode: ringloop.OpWrite,
		Dev:    bs.layout.Data,
		Buf:    buf,
		Offset: bs.layout.DataOffset + st.block<<bs.layout.BlockOrder,
		Callback: func(_ int, err error) {
			bs.bigWriteDone(st, err)
		},
	})
}

func (bs *Blockstore) bigWriteDone(st *opState, err error) {
	bs.inProgress--
	op := st.op
	ov := ObjVerID{Oid: op.Oid, Version: op.Version}
	bs.unwritten.Delete(st.seq)
	if err != nil {
		bs.log.WithError(err).WithFields(logrus.Fields{"oid": op.Oid, "version": op.Version, "block": st.block}).
			Error("write failed")
		bs.alloc.Free(st.block)
		bs.dirty.Delete(ov)
		bs.complete(st, errno(unix.EIO))
		return
	}
	bs.dirtyEntry(ov).State = base.StateDWritten
	bs.unsyncedBig = append(bs.unsyncedBig, ov)
	bs.markUnstable(ov)
	bs.complete(st, int(op.Len))
}
