package blockstore

import (
	"github.com/ncw/directio"
	"github.com/pkg/errors"

	"cairn/internal/metatable"
	"cairn/internal/mmap"
	"cairn/internal/ringloop"
)

// metaBlock is the cached image of one metadata block.
type metaBlock struct {
	ringloop.BlockWriter
	loaded  bool
	loading bool
	users   int
}

// metaCache serializes slot updates per metadata block. With in-memory
// metadata every block is a window into one image of the whole region;
// otherwise blocks are read on first use and dropped once written.
type metaCache struct {
	bs     *Blockstore
	image  []byte
	blocks map[uint64]*metaBlock
}

func newMetaCache(bs *Blockstore) *metaCache {
	return &metaCache{bs: bs, blocks: make(map[uint64]*metaBlock)}
}

// allocImage maps the in-memory image of the region. Startup recovery
// reads the region straight into it.
func (c *metaCache) allocImage() error {
	if !c.bs.cfg.InmemoryMetadata || c.image != nil {
		return nil
	}
	img, err := mmap.New(int(c.bs.table.Len()))
	if err != nil {
		return errors.Wrap(err, "allocate metadata image")
	}
	c.image = img
	return nil
}

func (c *metaCache) get(off uint64) *metaBlock {
	if mb, ok := c.blocks[off]; ok {
		return mb
	}
	bs := c.bs
	size := uint64(bs.layout.MetaBlockSize)
	mb := &metaBlock{BlockWriter: ringloop.BlockWriter{Dev: bs.layout.Meta, Offset: bs.layout.MetaOffset + off}}
	if c.image != nil {
		mb.Buf = c.image[off : off+size]
		mb.loaded = true
	} else {
		mb.Buf = directio.AlignedBlock(int(size))
	}
	c.blocks[off] = mb
	return mb
}

func (c *metaCache) release(off uint64, mb *metaBlock) {
	mb.users--
	if c.image == nil && mb.users == 0 && !mb.Busy() {
		delete(c.blocks, off)
	}
}

// update stores e in the slot of data block, or clears the slot when e is
// nil, and writes the metadata block. done runs once the write completed.
// When the block has to be loaded first nothing is changed and update
// returns the condition to wait for before calling it again.
func (c *metaCache) update(block uint64, e *metatable.Entry, done func(error)) func() bool {
	bs := c.bs
	off, pos := bs.table.Locate(block)
	mb := c.get(off)
	if !mb.loaded {
		if mb.loading {
			return func() bool { return mb.loaded }
		}
		if bs.ring.SpaceLeft() < 1 {
			return func() bool { return bs.ring.SpaceLeft() > 0 }
		}
		mb.loading = true
		mb.users++
		bs.ring.Push(&ringloop.Request{
			Opcode: ringloop.OpRead,
			Dev:    mb.Dev,
			Buf:    mb.Buf,
			Offset: mb.Offset,
			Callback: func(_ int, err error) {
				mb.loading = false
				mb.users--
				if err != nil {
					delete(c.blocks, off)
					bs.fatal(errors.Wrapf(err, "read metadata block at %d", mb.Offset))
					return
				}
				mb.loaded = true
				bs.ring.Wakeup()
			},
		})
		return func() bool { return mb.loaded }
	}

	if mb.NeedsSlot() && bs.ring.SpaceLeft() < 1 {
		return func() bool { return bs.ring.SpaceLeft() > 0 }
	}
	if e != nil {
		bs.table.Put(mb.Buf, pos, *e)
	} else {
		bs.table.Clear(mb.Buf, pos)
	}
	mb.Modified()
	mb.users++
	mb.MustFlush(bs.ring, func(err error) {
		c.release(off, mb)
		done(err)
	})
	return nil
}

// slot returns the current content of the slot of data block, or false
// when its metadata block is not cached.
func (c *metaCache) slot(block uint64) (metatable.Entry, bool) {
	off, pos := c.bs.table.Locate(block)
	mb, ok := c.blocks[off]
	if !ok && c.image != nil {
		mb, ok = c.get(off), true
	}
	if !ok || !mb.loaded {
		return metatable.Entry{}, false
	}
	return c.bs.table.Get(mb.Buf, pos), true
}

func (c *metaCache) close() error {
	c.blocks = nil
	if c.image == nil {
		return nil
	}
	img := c.image
	c.image = nil
	return mmap.Free(img)
}
