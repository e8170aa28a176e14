package base

// State is the lifecycle position of one dirty object version. States are
// never persisted: journal replay re-derives them on every start. A version
// folded into the metadata table has no state: its dirty entry is deleted.
//
// The three families progress monotonically:
//
//	small write: in-flight -> submitted -> written -> synced -> stable
//	big write:   in-flight -> submitted -> written -> meta-written -> meta-synced -> stable
//	delete:      in-flight -> submitted -> written -> synced -> stable
type State uint8

const (
	StateJInFlight  State = 1
	StateJSubmitted State = 2
	StateJWritten   State = 3
	StateJSynced    State = 4
	StateJStable    State = 5

	StateDInFlight    State = 15
	StateDSubmitted   State = 16
	StateDWritten     State = 17
	StateDMetaWritten State = 19
	StateDMetaSynced  State = 20
	StateDStable      State = 21

	StateDelInFlight  State = 31
	StateDelSubmitted State = 32
	StateDelWritten   State = 33
	StateDelSynced    State = 34
	StateDelStable    State = 35
)

func (s State) IsInFlight() bool {
	switch s {
	case StateJInFlight, StateJSubmitted,
		StateDInFlight, StateDSubmitted,
		StateDelInFlight, StateDelSubmitted:
		return true
	}
	return false
}

func (s State) IsJournal() bool {
	return s >= StateJInFlight && s <= StateJStable
}

func (s State) IsBigWrite() bool {
	return s >= StateDInFlight && s <= StateDStable
}

func (s State) IsDelete() bool {
	return s >= StateDelInFlight && s <= StateDelStable
}

func (s State) IsStable() bool {
	return s == StateJStable || s == StateDStable || s == StateDelStable
}

func (s State) IsSynced() bool {
	switch s {
	case StateJSynced, StateDMetaSynced, StateDelSynced:
		return true
	}
	return s.IsStable()
}

// IsUnsynced reports whether the version is written but waits for a sync.
func (s State) IsUnsynced() bool {
	return s == StateJWritten || s == StateDWritten || s == StateDMetaWritten || s == StateDelWritten
}

// IsWritten reports whether the payload of the version reached the device.
func (s State) IsWritten() bool {
	return !s.IsInFlight()
}

// Stable returns the stable state of the family s belongs to.
func (s State) Stable() State {
	switch {
	case s.IsJournal():
		return StateJStable
	case s.IsBigWrite():
		return StateDStable
	case s.IsDelete():
		return StateDelStable
	}
	return s
}

// Synced returns the synced state of the family s belongs to.
func (s State) Synced() State {
	switch {
	case s.IsJournal():
		return StateJSynced
	case s.IsBigWrite():
		return StateDMetaSynced
	case s.IsDelete():
		return StateDelSynced
	}
	return s
}

func (s State) String() string {
	switch s {
	case StateJInFlight:
		return "j-in-flight"
	case StateJSubmitted:
		return "j-submitted"
	case StateJWritten:
		return "j-written"
	case StateJSynced:
		return "j-synced"
	case StateJStable:
		return "j-stable"
	case StateDInFlight:
		return "d-in-flight"
	case StateDSubmitted:
		return "d-submitted"
	case StateDWritten:
		return "d-written"
	case StateDMetaWritten:
		return "d-meta-written"
	case StateDMetaSynced:
		return "d-meta-synced"
	case StateDStable:
		return "d-stable"
	case StateDelInFlight:
		return "del-in-flight"
	case StateDelSubmitted:
		return "del-submitted"
	case StateDelWritten:
		return "del-written"
	case StateDelSynced:
		return "del-synced"
	case StateDelStable:
		return "del-stable"
	}
	return "unknown"
}
