package allocator

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

var ErrNoSpace = errors.New("allocator: no free blocks")

// Allocator tracks used and free blocks of the data area with one bit per
// block. It is owned by the control goroutine and is not safe for
// concurrent use.
type Allocator struct {
	bits  *bitset.BitSet
	total uint64
	free  uint64

	// hint is where the next search starts, so that freshly freed blocks are
	// not immediately handed out again.
	hint uint

	// reserve is the number of blocks Find keeps back for FindReserved.
	reserve uint64
}

func New(blocks uint64) *Allocator {
	return &Allocator{
		bits:  bitset.New(uint(blocks)),
		total: blocks,
		free:  blocks,
	}
}

// SetReserve keeps n blocks out of reach of Find.
func (a *Allocator) SetReserve(n uint64) {
	a.reserve = n
}

// Set marks block as used or free. It is used by startup recovery, which
// learns block ownership from the metadata table and the journal.
func (a *Allocator) Set(block uint64, used bool) {
	a.check(block)
	if a.bits.Test(uint(block)) == used {
		return
	}
	if used {
		a.bits.Set(uint(block))
		a.free--
	} else {
		a.bits.Clear(uint(block))
		a.free++
	}
}

// Find reserves one free block. It fails with ErrNoSpace when only the
// reserve is left.
func (a *Allocator) Find() (uint64, error) {
	if a.free <= a.reserve {
		return 0, ErrNoSpace
	}
	return a.find()
}

// FindReserved reserves one free block and may dip into the reserve.
func (a *Allocator) FindReserved() (uint64, error) {
	return a.find()
}

func (a *Allocator) find() (uint64, error) {
	if a.free == 0 {
		return 0, ErrNoSpace
	}
	i, ok := a.bits.NextClear(a.hint)
	if !ok || uint64(i) >= a.total {
		i, ok = a.bits.NextClear(0)
		if !ok || uint64(i) >= a.total {
			return 0, ErrNoSpace
		}
	}
	a.bits.Set(i)
	a.free--
	a.hint = i + 1
	if uint64(a.hint) >= a.total {
		a.hint = 0
	}
	return uint64(i), nil
}

// Free releases a block. Releasing a block that is not in use means the
// ownership bookkeeping is broken and panics.
func (a *Allocator) Free(block uint64) {
	a.check(block)
	if !a.bits.Test(uint(block)) {
		panic(fmt.Sprintf("allocator: double free of block %d", block))
	}
	a.bits.Clear(uint(block))
	a.free++
}

func (a *Allocator) IsUsed(block uint64) bool {
	a.check(block)
	return a.bits.Test(uint(block))
}

// Available is the number of blocks Find can still hand out.
func (a *Allocator) Available() uint64 {
	if a.free <= a.reserve {
		return 0
	}
	return a.free - a.reserve
}

func (a *Allocator) FreeCount() uint64 {
	return a.free
}

func (a *Allocator) Total() uint64 {
	return a.total
}

func (a *Allocator) check(block uint64) {
	if block >= a.total {
		panic(fmt.Sprintf("allocator: block %d out of range (%d blocks)", block, a.total))
	}
}
