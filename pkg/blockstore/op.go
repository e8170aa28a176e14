package blockstore

import (
	"golang.org/x/sys/unix"

	"cairn/internal/base"
)

type (
	ObjectID = base.ObjectID
	ObjVerID = base.ObjVerID
	State    = base.State
)

const (
	// VersionStable reads the newest stabilized version.
	VersionStable = base.VersionStable
	// VersionLatest reads the newest version, stable or not.
	VersionLatest = base.VersionLatest
)

type OpKind uint8

const (
	OpRead OpKind = iota + 1
	OpWrite
	OpSync
	OpStable
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSync:
		return "sync"
	case OpStable:
		return "stable"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Op is one request to the store. The caller keeps ownership of the Op and
// its buffer until Callback runs, which happens exactly once on the
// goroutine driving the store.
type Op struct {
	Kind OpKind
	Oid  ObjectID
	// Version selects what a read returns: VersionStable, VersionLatest or
	// an exact version. On completion it holds the version that was read.
	// For writes and deletes zero picks the next version and a non-zero
	// value must exceed every existing version of the object; the assigned
	// version is stored here as soon as the op is accepted.
	Version uint64
	// Offset and Len select a range inside the block. Both must be
	// multiples of the disk alignment.
	Offset uint32
	Len    uint32
	Buf    []byte
	// Versions lists the object versions a stable op commits.
	Versions []ObjVerID

	Callback func(op *Op)

	// Retval is the number of bytes transferred, zero, or a negative errno.
	Retval int
}

// Err converts a negative Retval into its errno.
func (op *Op) Err() error {
	if op.Retval >= 0 {
		return nil
	}
	return unix.Errno(-op.Retval)
}

func errno(e unix.Errno) int {
	return -int(e)
}
