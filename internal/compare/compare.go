package compare

import "cairn/internal/base"

// ObjectID orders object ids by inode, then by stripe.
func ObjectID(a, b base.ObjectID) int {
	switch {
	case a.Inode < b.Inode:
		return -1
	case a.Inode > b.Inode:
		return 1
	case a.Stripe < b.Stripe:
		return -1
	case a.Stripe > b.Stripe:
		return 1
	}
	return 0
}

// ObjVerID orders object-version ids by object id, then by ascending
// version. This is the order of the dirty table.
func ObjVerID(a, b base.ObjVerID) int {
	if c := ObjectID(a.Oid, b.Oid); c != 0 {
		return c
	}
	switch {
	case a.Version < b.Version:
		return -1
	case a.Version > b.Version:
		return 1
	}
	return 0
}

// LessObjVerID is ObjVerID as a strict weak ordering.
func LessObjVerID(a, b base.ObjVerID) bool {
	return ObjVerID(a, b) < 0
}
