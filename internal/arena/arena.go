package arena

import (
	"github.com/pkg/errors"

	"cairn/internal/mmap"
)

var ErrArenaFull = errors.New("arena: all slots are allocated")

// Arena carves one mmapped region into equally sized slots. Slots start at
// multiples of the slot size from a page aligned base, so every slot is
// usable as a direct I/O buffer when the slot size is a multiple of the
// device sector size.
type Arena struct {
	buf  []byte
	slot int
	n    int
}

func New(slots, slotSize int) (*Arena, error) {
	buf, err := mmap.New(slots * slotSize)
	if err != nil {
		return nil, err
	}
	return &Arena{buf: buf, slot: slotSize}, nil
}

// Allocate returns the next unused slot.
func (a *Arena) Allocate() ([]byte, error) {
	if (a.n+1)*a.slot > len(a.buf) {
		return nil, ErrArenaFull
	}
	b := a.buf[a.n*a.slot : (a.n+1)*a.slot : (a.n+1)*a.slot]
	a.n++
	return b, nil
}

// Len is the number of allocated slots.
func (a *Arena) Len() int {
	return a.n
}

// Cap is the number of slots in the arena.
func (a *Arena) Cap() int {
	return len(a.buf) / a.slot
}

// Reset zeroes the arena and makes every slot available again. Slices
// returned earlier must not be used afterwards.
func (a *Arena) Reset() {
	clear(a.buf)
	a.n = 0
}

// Free unmaps the arena.
func (a *Arena) Free() error {
	if a.buf == nil {
		return nil
	}
	err := mmap.Free(a.buf)
	a.buf = nil
	return err
}
