package blockstore

import (
	"golang.org/x/sys/unix"

	"cairn/internal/base"
	"cairn/internal/journal"
	"cairn/internal/ringloop"
)

const (
	syncStart = iota
	syncDataFsync
	syncJournalWrite
	syncJournalFsync
)

// stepSync makes every write and delete enqueued before the sync durable.
// Big writes need the data device synced before their journal records are
// written; the journal sync then covers those records together with every
// small write and delete.
func (bs *Blockstore) stepSync(st *opState) stepResult {
	switch st.stage {
	case syncStart:
		if oldest, ok := bs.minUnwritten(); ok && oldest < st.seq {
			return st.suspend(waitInFlight, func() bool {
				oldest, ok := bs.minUnwritten()
				return !ok || oldest > st.seq
			})
		}
		st.big, bs.unsyncedBig = bs.unsyncedBig, nil
		st.small, bs.unsyncedSmall = bs.unsyncedSmall, nil
		switch {
		case len(st.big) == 0 && len(st.small) == 0:
			bs.finishSync(st, 0)
			return stepDone
		case len(st.big) == 0:
			st.stage = syncJournalFsync
		case bs.cfg.DisableFsync:
			st.stage = syncJournalWrite
		default:
			st.stage = syncDataFsync
		}
		return bs.stepSync(st)

	case syncDataFsync:
		if bs.ring.SpaceLeft() < 1 {
			return bs.waitSQE(st, 1)
		}
		bs.inProgress++
		bs.ring.Push(&ringloop.Request{
			Opcode: ringloop.OpSync,
			Dev:    bs.layout.Data,
			Callback: func(_ int, err error) {
				bs.inProgress--
				if err != nil {
					bs.failSync(st, err)
					return
				}
				st.stage = syncJournalWrite
				bs.requeue(st)
			},
		})
		return stepDone

	case syncJournalWrite:
		if st.todo == nil {
			st.todo = make([]ObjVerID, 0, len(st.big))
			for _, ov := range st.big {
				if e, ok := bs.dirty.Get(ov); ok && e.State == base.StateDWritten {
					st.todo = append(st.todo, ov)
				}
			}
			st.cursor = 0
		}
		if st.cursor == len(st.todo) {
			st.stage = syncJournalFsync
			return bs.stepSync(st)
		}
		return bs.writeBigRecords(st)

	case syncJournalFsync:
		return bs.fsyncJournal(st, func(err error) {
			if err != nil {
				bs.failSync(st, err)
				return
			}
			bs.markSynced(st)
			bs.finishSync(st, 0)
		})
	}
	panic("blockstore: bad sync stage")
}

// writeBigRecords writes one round of big write records: as many as the
// sector buffers and the submission slots allow.
func (bs *Blockstore) writeBigRecords(st *opState) stepResult {
	size := journal.BigWriteSize + bs.layout.BitmapSize()
	perSector := int(bs.layout.JournalBlockSize / size)
	n := bs.journal.Fit(size, len(st.todo)-st.cursor)
	n = min(n, perSector*max(1, bs.ring.Depth()/2))
	if n == 0 {
		n = 1
	}
	sizes := make([]uint32, n)
	for i := range sizes {
		sizes[i] = size
	}
	if res, ok := bs.checkJournal(st, sizes, 0); !ok {
		return res
	}
	need := n/perSector + 2
	if bs.ring.SpaceLeft() < need {
		return bs.waitSQE(st, need)
	}

	round := st.todo[st.cursor : st.cursor+n]
	st.cursor += n
	var touched []*journal.Sector
	for _, ov := range round {
		e := bs.dirtyEntry(ov)
		s := bs.journal.Write(&journal.Entry{
			Type:     journal.TypeBigWrite,
			Oid:      ov.Oid,
			Version:  ov.Version,
			Offset:   e.Offset,
			Len:      e.Len,
			Location: e.Location,
			Bitmap:   e.Bitmap,
		})
		bs.journal.Ref(s.Pos, s.FirstCRC)
		e.Sector, e.Pinned = s.Pos, true
		if len(touched) == 0 || touched[len(touched)-1] != s {
			touched = append(touched, s)
		}
	}

	bs.inProgress++
	pending := len(touched)
	var first error
	for _, s := range touched {
		bs.journal.Flush(bs.ring, s, func(err error) {
			if err != nil && first == nil {
				first = err
			}
			pending--
			if pending > 0 {
				return
			}
			bs.inProgress--
			for _, ov := range round {
				e := bs.dirtyEntry(ov)
				if first != nil {
					bs.journal.Unref(e.Sector)
					e.Pinned = false
					continue
				}
				e.State = base.StateDMetaWritten
			}
			if first != nil {
				bs.failSync(st, first)
				return
			}
			bs.requeue(st)
		})
	}
	return stepDone
}

// fsyncJournal syncs the journal device once every sector flush issued so
// far has completed, then calls done.
func (bs *Blockstore) fsyncJournal(st *opState, done func(error)) stepResult {
	if !st.ticketSet {
		st.ticket, st.ticketSet = bs.journal.Ticket(), true
	}
	if !bs.journal.WrittenBefore(st.ticket) {
		return st.suspend(waitJournalBuffer, func() bool {
			return bs.journal.WrittenBefore(st.ticket)
		})
	}
	if bs.cfg.DisableFsync {
		st.ticketSet = false
		done(nil)
		return stepDone
	}
	if bs.ring.SpaceLeft() < 1 {
		return bs.waitSQE(st, 1)
	}
	st.ticketSet = false
	bs.inProgress++
	bs.ring.Push(&ringloop.Request{
		Opcode: ringloop.OpSync,
		Dev:    bs.journal.Dev,
		Callback: func(_ int, err error) {
			bs.inProgress--
			done(err)
		},
	})
	return stepDone
}

func (bs *Blockstore) markSynced(st *opState) {
	for _, list := range [][]ObjVerID{st.big, st.small} {
		for _, ov := range list {
			e, ok := bs.dirty.Get(ov)
			if !ok {
				continue
			}
			switch e.State {
			case base.StateDMetaWritten, base.StateJWritten, base.StateDelWritten:
				e.State = e.State.Synced()
			}
		}
	}
}

// failSync hands the versions of a failed sync back to the next one.
func (bs *Blockstore) failSync(st *opState, err error) {
	bs.log.WithError(err).Error("sync failed")
	for _, ov := range st.big {
		if e, ok := bs.dirty.Get(ov); ok && e.State.IsUnsynced() {
			bs.unsyncedBig = append(bs.unsyncedBig, ov)
		}
	}
	for _, ov := range st.small {
		if e, ok := bs.dirty.Get(ov); ok && e.State.IsUnsynced() {
			bs.unsyncedSmall = append(bs.unsyncedSmall, ov)
		}
	}
	bs.finishSync(st, errno(unix.EIO))
}

// finishSync records the result of st and acknowledges every finished sync
// at the head of the sync list, so that syncs complete in enqueue order.
func (bs *Blockstore) finishSync(st *opState, retval int) {
	st.done, st.retval = true, retval
	for len(bs.syncs) > 0 && bs.syncs[0].done {
		s := bs.syncs[0]
		bs.syncs[0] = nil
		bs.syncs = bs.syncs[1:]
		bs.complete(s, s.retval)
	}
}
