package dirtydb

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cairn/internal/base"
)

func fill(d *DB, oid base.ObjectID, versions ...uint64) {
	for _, v := range versions {
		d.Insert(base.ObjVerID{Oid: oid, Version: v}, &Entry{State: base.StateJSynced, Len: uint32(v)})
	}
}

func TestLatestAndGet(t *testing.T) {
	d := New()
	a := base.ObjectID{Inode: 1}
	b := base.ObjectID{Inode: 1, Stripe: 1}
	fill(d, a, 3, 1, 2)
	fill(d, b, 7)
	assert.Equal(t, 4, d.Len())

	v, e, ok := d.Latest(a)
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)
	assert.Equal(t, uint32(3), e.Len)

	_, _, ok = d.Latest(base.ObjectID{Inode: 2})
	assert.False(t, ok)

	e, ok = d.Get(base.ObjVerID{Oid: b, Version: 7})
	require.True(t, ok)
	e.State = base.StateJStable
	e, _ = d.Get(base.ObjVerID{Oid: b, Version: 7})
	assert.Equal(t, base.StateJStable, e.State)

	d.Delete(base.ObjVerID{Oid: a, Version: 3})
	v, _, _ = d.Latest(a)
	assert.Equal(t, uint64(2), v)
}

func TestWalksStayInsideObject(t *testing.T) {
	d := New()
	a := base.ObjectID{Inode: 5}
	fill(d, base.ObjectID{Inode: 4}, 1, 9)
	fill(d, a, 1, 2, 4, 8)
	fill(d, base.ObjectID{Inode: 6}, 1)

	var got []uint64
	d.Descend(a, 5, func(v uint64, _ *Entry) bool {
		got = append(got, v)
		return true
	})
	assert.Equal(t, []uint64{4, 2, 1}, got)

	got = nil
	d.Ascend(a, 4, func(v uint64, _ *Entry) bool {
		got = append(got, v)
		return true
	})
	assert.Equal(t, []uint64{1, 2, 4}, got)

	got = nil
	d.Ascend(a, math.MaxUint64, func(v uint64, _ *Entry) bool {
		got = append(got, v)
		return v < 2
	})
	assert.Equal(t, []uint64{1, 2}, got)

	var all []base.ObjVerID
	d.Walk(func(ov base.ObjVerID, _ *Entry) bool {
		all = append(all, ov)
		return true
	})
	require.Len(t, all, 7)
	assert.Equal(t, base.ObjVerID{Oid: base.ObjectID{Inode: 4}, Version: 1}, all[0])
	assert.Equal(t, base.ObjVerID{Oid: base.ObjectID{Inode: 6}, Version: 1}, all[6])
}
