package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateJInFlight.IsInFlight())
	assert.True(t, StateDSubmitted.IsInFlight())
	assert.False(t, StateDelWritten.IsInFlight())

	assert.True(t, StateJSynced.IsSynced())
	assert.True(t, StateDMetaSynced.IsSynced())
	assert.False(t, StateDMetaWritten.IsSynced())
	assert.True(t, StateDelStable.IsSynced())

	assert.True(t, StateDMetaWritten.IsUnsynced())
	assert.False(t, StateJSynced.IsUnsynced())

	assert.True(t, StateJStable.IsJournal())
	assert.True(t, StateDWritten.IsBigWrite())
	assert.True(t, StateDelSynced.IsDelete())
	assert.False(t, StateDelStable.IsJournal())
	assert.False(t, State(48).IsStable())
}

func TestStateFamilies(t *testing.T) {
	assert.Equal(t, StateJStable, StateJWritten.Stable())
	assert.Equal(t, StateDStable, StateDMetaSynced.Stable())
	assert.Equal(t, StateDelStable, StateDelSynced.Stable())
	assert.Equal(t, StateDMetaSynced, StateDMetaWritten.Synced())
	assert.Equal(t, StateDelSynced, StateDelWritten.Synced())
	assert.Equal(t, "d-meta-synced", StateDMetaSynced.String())
	assert.Equal(t, "unknown", State(48).String())
}

func TestObjectIDCodec(t *testing.T) {
	oid := ObjectID{Inode: 0x0102030405060708, Stripe: 42}
	buf := make([]byte, ObjectIDSize)
	PutObjectID(buf, oid)
	assert.Equal(t, oid, DecodeObjectID(buf))
	assert.Equal(t, byte(0x08), buf[0])
	assert.False(t, oid.IsZero())
	assert.True(t, ObjectID{}.IsZero())
}
