// Package dirtydb holds the dirty table: every object version that is not
// yet folded into the clean table, ordered by object id and then version.
package dirtydb

import (
	"math"

	"github.com/google/btree"

	"cairn/internal/base"
	"cairn/internal/compare"
)

// Entry is the in-memory record of one dirty object version. Entries are
// owned by the table and mutated in place by the control goroutine.
type Entry struct {
	State base.State
	// Location is the journal position of a small write payload or the data
	// area byte offset of a big write.
	Location uint64
	Offset   uint32
	Len      uint32
	// Sector is the journal sector holding the entry's record. Valid when
	// Pinned is set, in which case the entry holds a reference on it.
	Sector uint64
	Pinned bool
	// Bitmap marks the granules a big write covers, merged with the
	// previous version when the write was partial.
	Bitmap []byte
}

type item struct {
	key base.ObjVerID
	e   *Entry
}

// DB is the dirty table. It is not safe for concurrent use. Callers must
// not modify the table from within a walk.
type DB struct {
	tree *btree.BTreeG[item]
}

func New() *DB {
	return &DB{
		tree: btree.NewG[item](32, func(a, b item) bool {
			return compare.LessObjVerID(a.key, b.key)
		}),
	}
}

// Len is the number of dirty versions.
func (d *DB) Len() int {
	return d.tree.Len()
}

func (d *DB) Get(ov base.ObjVerID) (*Entry, bool) {
	it, ok := d.tree.Get(item{key: ov})
	return it.e, ok
}

// Insert adds or replaces the entry of ov.
func (d *DB) Insert(ov base.ObjVerID, e *Entry) {
	d.tree.ReplaceOrInsert(item{key: ov, e: e})
}

func (d *DB) Delete(ov base.ObjVerID) {
	d.tree.Delete(item{key: ov})
}

// Latest returns the highest dirty version of oid.
func (d *DB) Latest(oid base.ObjectID) (uint64, *Entry, bool) {
	var (
		found item
		ok    bool
	)
	d.Descend(oid, math.MaxUint64, func(version uint64, e *Entry) bool {
		found = item{key: base.ObjVerID{Oid: oid, Version: version}, e: e}
		ok = true
		return false
	})
	return found.key.Version, found.e, ok
}

// Descend walks the versions of oid at or below from, newest first, until
// fn returns false.
func (d *DB) Descend(oid base.ObjectID, from uint64, fn func(version uint64, e *Entry) bool) {
	d.tree.DescendLessOrEqual(item{key: base.ObjVerID{Oid: oid, Version: from}}, func(it item) bool {
		if it.key.Oid != oid {
			return false
		}
		return fn(it.key.Version, it.e)
	})
}

// Ascend walks the versions of oid at or below upTo, oldest first, until fn
// returns false.
func (d *DB) Ascend(oid base.ObjectID, upTo uint64, fn func(version uint64, e *Entry) bool) {
	d.tree.AscendGreaterOrEqual(item{key: base.ObjVerID{Oid: oid}}, func(it item) bool {
		if it.key.Oid != oid || it.key.Version > upTo {
			return false
		}
		return fn(it.key.Version, it.e)
	})
}

// Walk visits every dirty version in table order until fn returns false.
func (d *DB) Walk(fn func(ov base.ObjVerID, e *Entry) bool) {
	d.tree.Ascend(func(it item) bool {
		return fn(it.key, it.e)
	})
}
