package base

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ObjectIDSize is the encoded size of an ObjectID.
const ObjectIDSize = 16

// ObjectID identifies one versioned byte range. The low bits of Stripe may
// encode a replica index assigned by the placement layer.
type ObjectID struct {
	Inode  uint64
	Stripe uint64
}

func (o ObjectID) IsZero() bool {
	return o.Inode == 0 && o.Stripe == 0
}

func (o ObjectID) String() string {
	return fmt.Sprintf("%x:%x", o.Inode, o.Stripe)
}

// PutObjectID encodes o into the first ObjectIDSize bytes of buf.
func PutObjectID(buf []byte, o ObjectID) {
	binary.LittleEndian.PutUint64(buf[0:8], o.Inode)
	binary.LittleEndian.PutUint64(buf[8:16], o.Stripe)
}

// DecodeObjectID is the inverse of PutObjectID.
func DecodeObjectID(buf []byte) ObjectID {
	return ObjectID{
		Inode:  binary.LittleEndian.Uint64(buf[0:8]),
		Stripe: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// ObjVerID uniquely identifies one immutable revision of an object.
type ObjVerID struct {
	Oid     ObjectID
	Version uint64
}

func (ov ObjVerID) String() string {
	return fmt.Sprintf("%s@%d", ov.Oid, ov.Version)
}

const (
	// VersionStable selects the latest stable version of an object on read.
	VersionStable uint64 = 0
	// VersionLatest selects the latest version of an object, stable or not.
	VersionLatest uint64 = math.MaxUint64
)
