package blockstore

import (
	"github.com/pkg/errors"

	"cairn/internal/dirtydb"
	"cairn/internal/journal"
	"cairn/pkg/metrics"
)

// waitKind names what a suspended op waits for. Only the matching event
// can resume it.
type waitKind uint8

const (
	waitNone waitKind = iota
	waitSQE
	waitInFlight
	waitJournal
	waitJournalBuffer
	waitFree
)

func (w waitKind) String() string {
	switch w {
	case waitSQE:
		return "sqe"
	case waitInFlight:
		return "in_flight"
	case waitJournal:
		return "journal"
	case waitJournalBuffer:
		return "journal_buffer"
	case waitFree:
		return "free"
	}
	return "none"
}

type stepResult uint8

const (
	// stepDone: the op left the queue, completed or waiting for I/O.
	stepDone stepResult = iota
	// stepWait: the op stays queued until its wait condition clears.
	stepWait
	// stepBlocked: no submission slot, the pass ends here.
	stepBlocked
)

// opState is the engine side of a queued op.
type opState struct {
	op   *Op
	seq  uint64
	step func(*opState) stepResult

	wait  waitKind
	ready func() bool

	// target is the version a read resolved to at enqueue time.
	target uint64
	block  uint64

	stage     int
	cursor    int
	ticket    uint64
	ticketSet bool
	todo      []ObjVerID
	big       []ObjVerID
	small     []ObjVerID
	done      bool
	retval    int
	err       error
}

func (st *opState) suspend(kind waitKind, ready func() bool) stepResult {
	st.wait = kind
	st.ready = ready
	metrics.Waits.WithLabelValues(kind.String()).Inc()
	if kind == waitSQE {
		return stepBlocked
	}
	return stepWait
}

func (bs *Blockstore) waitSQE(st *opState, n int) stepResult {
	n = min(n, bs.ring.Depth())
	return st.suspend(waitSQE, func() bool {
		return bs.ring.SpaceLeft() >= n
	})
}

// waitWritten suspends st until version ov is no longer in flight.
func (bs *Blockstore) waitWritten(st *opState, ov ObjVerID) stepResult {
	return st.suspend(waitInFlight, func() bool {
		e, ok := bs.dirty.Get(ov)
		return !ok || !e.State.IsInFlight()
	})
}

// checkJournal reports whether records of the given sizes and a payload of
// dataLen bytes fit into the journal. When they do not, st is suspended and
// the returned result must be handed back to the queue.
func (bs *Blockstore) checkJournal(st *opState, sizes []uint32, dataLen uint32) (stepResult, bool) {
	err := bs.journal.Check(sizes, dataLen)
	if err == nil {
		return stepDone, true
	}
	ready := func() bool {
		return bs.journal.Check(sizes, dataLen) == nil
	}
	if errors.Is(err, journal.ErrNoBuffer) {
		return st.suspend(waitJournalBuffer, ready), false
	}
	bs.flusher.requestTrim()
	return st.suspend(waitJournal, ready), false
}

func (bs *Blockstore) dirtyEntry(ov ObjVerID) *dirtydb.Entry {
	e, ok := bs.dirty.Get(ov)
	if !ok {
		panic("blockstore: dirty entry of " + ov.String() + " vanished")
	}
	return e
}
