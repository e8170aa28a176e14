package blockstore

import (
	"golang.org/x/sys/unix"

	"cairn/internal/journal"
)

const (
	stableCheck = iota
	stableWrite
	stableFsync
)

// stepStable commits synced versions. The stable records are written and
// synced before any version changes state, so a version reported stable
// survives a crash.
func (bs *Blockstore) stepStable(st *opState) stepResult {
	op := st.op
	switch st.stage {
	case stableCheck:
		for _, ov := range op.Versions {
			e, ok := bs.dirty.Get(ov)
			if !ok {
				if c, ok := bs.clean[ov.Oid]; ok && c.Version >= ov.Version {
					continue
				}
				bs.complete(st, errno(unix.ENOENT))
				return stepDone
			}
			if e.State.IsStable() {
				continue
			}
			if !e.State.IsSynced() {
				bs.complete(st, errno(unix.EBUSY))
				return stepDone
			}
			st.todo = append(st.todo, ov)
		}
		if len(st.todo) == 0 {
			bs.complete(st, 0)
			return stepDone
		}
		st.stage = stableWrite
		return bs.stepStable(st)

	case stableWrite:
		batch := journal.StableBatchSize(bs.layout.JournalBlockSize)
		for st.cursor < len(st.todo) {
			n := min(batch, len(st.todo)-st.cursor)
			e := &journal.Entry{Type: journal.TypeStable, Stable: st.todo[st.cursor : st.cursor+n]}
			if res, ok := bs.checkJournal(st, []uint32{e.Size()}, 0); !ok {
				return res
			}
			if bs.ring.SpaceLeft() < 1 {
				return bs.waitSQE(st, 1)
			}
			s := bs.journal.Write(e)
			st.cursor += n
			bs.inProgress++
			bs.journal.Flush(bs.ring, s, func(err error) {
				bs.inProgress--
				if err != nil && st.err == nil {
					st.err = err
				}
			})
		}
		st.stage = stableFsync
		return bs.stepStable(st)

	case stableFsync:
		return bs.fsyncJournal(st, func(err error) {
			if err == nil {
				err = st.err
			}
			if err != nil {
				bs.log.WithError(err).Error("stable failed")
				bs.complete(st, errno(unix.EIO))
				return
			}
			for _, ov := range st.todo {
				bs.markStable(ov)
			}
			bs.complete(st, 0)
		})
	}
	panic("blockstore: bad stable stage")
}
