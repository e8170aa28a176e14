package blockstore

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"cairn/internal/dirtydb"
	"cairn/internal/disk"
	"cairn/internal/ringloop"
)

// span is a byte range [start, end) inside a block.
type span struct {
	start, end uint32
}

// readPiece is one device read filling part of a block image.
type readPiece struct {
	dev    disk.Device
	offset uint64
	span

	sector    uint64
	pinSector bool
	block     uint64
	pinBlock  bool
}

// readPlan says where every byte of a block range of one version comes
// from.
type readPlan struct {
	version uint64
	pieces  []readPiece
	zero    []span
	// bitmap marks the granules holding data in the resolved version.
	bitmap []byte

	blocked   bool
	blockedOn uint64
}

// planRead resolves the bytes [start, end) of version target of oid. Dirty
// versions are visited newest first and each one covers what is still
// uncovered: journal payloads cover their own range, big writes and
// deletes end the walk. The clean block fills the rest, honouring its
// bitmap; whatever is left reads as zeros. An in-flight version overlapping
// the uncovered range blocks the plan.
func (bs *Blockstore) planRead(oid ObjectID, target uint64, start, end uint32) *readPlan {
	p := &readPlan{bitmap: make([]byte, bs.layout.BitmapSize())}
	remaining := []span{{start, end}}
	full := span{0, bs.layout.BlockSize}
	found, done := false, false

	bs.dirty.Descend(oid, target, func(v uint64, e *dirtydb.Entry) bool {
		cover := full
		if e.State.IsJournal() {
			cover = span{e.Offset, e.Offset + e.Len}
		}
		if e.State.IsInFlight() {
			if overlaps(remaining, cover) {
				p.blocked, p.blockedOn = true, v
				return false
			}
			return true
		}
		if !found {
			p.version, found = v, true
		}
		switch {
		case e.State.IsDelete():
			done = true
			return false
		case e.State.IsBigWrite():
			orBitmap(p.bitmap, e.Bitmap)
			block := bs.blockOf(e.Location)
			for _, r := range remaining {
				p.pieces = append(p.pieces, readPiece{
					dev:      bs.layout.Data,
					offset:   bs.layout.DataOffset + e.Location + uint64(r.start),
					span:     r,
					block:    block,
					pinBlock: true,
				})
			}
			remaining = nil
			done = true
			return false
		}
		bs.setBitmapRange(p.bitmap, cover.start, cover.end)
		var rest []span
		for _, r := range remaining {
			if s, en := max(r.start, cover.start), min(r.end, cover.end); s < en {
				p.pieces = append(p.pieces, readPiece{
					dev:       bs.journal.Dev,
					offset:    bs.journal.Offset + e.Location + uint64(s-cover.start),
					span:      span{s, en},
					sector:    e.Sector,
					pinSector: true,
				})
			}
			rest = append(rest, subtract(r, cover)...)
		}
		remaining = rest
		return true
	})
	if p.blocked {
		return p
	}

	if c, ok := bs.clean[oid]; ok && !done {
		if !found {
			p.version = c.Version
		}
		block := bs.blockOf(c.Location)
		bitmap := bs.cleanBitmap(block)
		orBitmap(p.bitmap, bitmap)
		gran := bs.layout.BitmapGranularity
		for _, r := range remaining {
			for pos := r.start; pos < r.end; {
				set := bitSet(bitmap, pos/gran)
				runEnd := min((pos/gran+1)*gran, r.end)
				for runEnd < r.end && bitSet(bitmap, runEnd/gran) == set {
					runEnd = min((runEnd/gran+1)*gran, r.end)
				}
				if set {
					p.pieces = append(p.pieces, readPiece{
						dev:      bs.layout.Data,
						offset:   bs.layout.DataOffset + c.Location + uint64(pos),
						span:     span{pos, runEnd},
						block:    block,
						pinBlock: true,
					})
				} else {
					p.zero = append(p.zero, span{pos, runEnd})
				}
				pos = runEnd
			}
		}
		remaining = nil
	}
	p.zero = append(p.zero, remaining...)
	return p
}

func overlaps(spans []span, s span) bool {
	for _, r := range spans {
		if r.start < s.end && s.start < r.end {
			return true
		}
	}
	return false
}

// subtract returns the parts of r outside of s.
func subtract(r, s span) []span {
	if s.end <= r.start || s.start >= r.end {
		return []span{r}
	}
	var res []span
	if r.start < s.start {
		res = append(res, span{r.start, s.start})
	}
	if s.end < r.end {
		res = append(res, span{s.end, r.end})
	}
	return res
}

func bitSet(bitmap []byte, i uint32) bool {
	return bitmap[i/8]&(1<<(i%8)) != 0
}

func orBitmap(dst, src []byte) {
	for i := range src {
		dst[i] |= src[i]
	}
}

// setBitmapRange marks the granules touched by [start, end).
func (bs *Blockstore) setBitmapRange(bitmap []byte, start, end uint32) {
	gran := bs.layout.BitmapGranularity
	if start >= end {
		return
	}
	for g := start / gran; g <= (end-1)/gran; g++ {
		bitmap[g/8] |= 1 << (g % 8)
	}
}

func (bs *Blockstore) pin(pieces []readPiece) {
	for i := range pieces {
		pc := &pieces[i]
		if pc.pinSector && !bs.journal.RefExisting(pc.sector) {
			pc.pinSector = false
		}
		if pc.pinBlock {
			bs.pins[pc.block]++
		}
	}
}

func (bs *Blockstore) unpin(pc readPiece) {
	if pc.pinSector {
		bs.journal.Unref(pc.sector)
	}
	if pc.pinBlock {
		bs.pins[pc.block]--
		if bs.pins[pc.block] == 0 {
			delete(bs.pins, pc.block)
			bs.processFrees()
		}
	}
}

// readPieces pins and submits pieces into buf, which holds the block range
// starting at from. The caller has checked that enough slots are free.
// done runs once every piece completed, with the first error.
func (bs *Blockstore) readPieces(pieces []readPiece, buf []byte, from uint32, done func(error)) {
	bs.pin(pieces)
	pending := len(pieces)
	var first error
	for _, pc := range pieces {
		pc := pc
		bs.ring.Push(&ringloop.Request{
			Opcode: ringloop.OpRead,
			Dev:    pc.dev,
			Buf:    buf[pc.start-from : pc.end-from],
			Offset: pc.offset,
			Callback: func(_ int, err error) {
				bs.unpin(pc)
				if err != nil && first == nil {
					first = errors.Wrapf(err, "read %d bytes at %d", pc.end-pc.start, pc.offset)
				}
				pending--
				if pending == 0 {
					done(first)
				}
			},
		})
	}
}

func (bs *Blockstore) stepRead(st *opState) stepResult {
	op := st.op
	p := bs.planRead(op.Oid, st.target, op.Offset, op.Offset+op.Len)
	if p.blocked {
		return bs.waitWritten(st, ObjVerID{Oid: op.Oid, Version: p.blockedOn})
	}
	if n := len(p.pieces); n > bs.ring.SpaceLeft() {
		return bs.waitSQE(st, n)
	}

	buf := op.Buf[:op.Len]
	for _, z := range p.zero {
		clear(buf[z.start-op.Offset : z.end-op.Offset])
	}
	op.Version = p.version
	if len(p.pieces) == 0 {
		bs.complete(st, int(op.Len))
		return stepDone
	}
	bs.inProgress++
	bs.readPieces(p.pieces, buf, op.Offset, func(err error) {
		bs.inProgress--
		if err != nil {
			bs.log.WithError(err).WithField("oid", op.Oid).Error("read failed")
			bs.complete(st, errno(unix.EIO))
			return
		}
		bs.complete(st, int(op.Len))
	})
	return stepDone
}
