package ringloop

import (
	"github.com/ncw/directio"

	"cairn/internal/disk"
)

// BlockWriter owns the in-memory image of one device block and serializes
// its overwrites. Completions are unordered, so two writes of the same block
// must never be in flight together: a Flush while a write is running is
// folded into a follow-up write issued when the running one completes.
//
// Buf may be modified at any time on the control goroutine, followed by a
// call to Modified. Writes go out from a snapshot of Buf.
type BlockWriter struct {
	Dev    disk.Device
	Offset uint64
	Buf    []byte

	gen         uint64
	writtenGen  uint64
	inflightGen uint64
	writing     bool
	waiters     []blockWaiter
}

type blockWaiter struct {
	gen uint64
	cb  func(error)
}

// Modified records that Buf changed since the last Flush.
func (w *BlockWriter) Modified() {
	w.gen++
}

// Busy reports whether the block has a write running or a waiter. A busy
// writer must not be retargeted.
func (w *BlockWriter) Busy() bool {
	return w.writing || len(w.waiters) > 0
}

// Retarget points an idle writer at another block.
func (w *BlockWriter) Retarget(dev disk.Device, offset uint64) {
	w.Dev = dev
	w.Offset = offset
	w.gen = 0
	w.writtenGen = 0
	w.inflightGen = 0
}

// NeedsSlot reports whether Flush needs a free submission slot.
func (w *BlockWriter) NeedsSlot() bool {
	return !w.writing
}

// Flush makes the current contents of Buf reach the device and calls cb
// afterwards. It returns false, doing nothing, when a submission slot is
// needed and none is free.
func (w *BlockWriter) Flush(r *Ring, cb func(error)) bool {
	if !w.writing && r.SpaceLeft() == 0 {
		return false
	}
	w.MustFlush(r, cb)
	return true
}

// MustFlush is Flush without the slot check: the write waits in the ring
// until a slot frees up.
func (w *BlockWriter) MustFlush(r *Ring, cb func(error)) {
	w.waiters = append(w.waiters, blockWaiter{gen: w.gen, cb: cb})
	if !w.writing {
		w.submit(r)
	}
}

func (w *BlockWriter) submit(r *Ring) {
	snap := directio.AlignedBlock(len(w.Buf))
	copy(snap, w.Buf)
	w.writing = true
	w.inflightGen = w.gen
	r.Push(&Request{
		Opcode:   OpWrite,
		Dev:      w.Dev,
		Buf:      snap,
		Offset:   w.Offset,
		Callback: func(_ int, err error) { w.complete(r, err) },
	})
}

func (w *BlockWriter) complete(r *Ring, err error) {
	w.writing = false
	if err == nil {
		w.writtenGen = w.inflightGen
	}
	var keep []blockWaiter
	var done []blockWaiter
	for _, wt := range w.waiters {
		if wt.gen <= w.inflightGen {
			done = append(done, wt)
		} else {
			keep = append(keep, wt)
		}
	}
	w.waiters = keep
	if len(keep) > 0 {
		w.submit(r)
	}
	for _, wt := range done {
		wt.cb(err)
	}
}
