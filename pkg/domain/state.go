package domain

import "github.com/ovaladares/printmutex/pkg/clock"

// CSState is a peer's position in the mutual exclusion cycle
// Idle -> Requesting -> InCriticalSection -> Idle.
type CSState int

const (
	Idle CSState = iota
	Requesting
	InCriticalSection
)

func (s CSState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Requesting:
		return "REQUESTING"
	case InCriticalSection:
		return "IN_CRITICAL_SECTION"
	default:
		return "UNKNOWN"
	}
}

// Priority orders concurrent requests. Smaller timestamps win and equal
// timestamps are broken by the smaller peer id.
type Priority struct {
	Timestamp clock.LamportTime `json:"timestamp"`
	PeerID    PeerID            `json:"peer-id"`
}

// Less reports whether p has strictly higher priority than other.
func (p Priority) Less(other Priority) bool {
	if p.Timestamp != other.Timestamp {
		return p.Timestamp < other.Timestamp
	}

	return p.PeerID < other.PeerID
}

// StateSnapshot is a point-in-time copy of a coordinator's episode state.
type StateSnapshot struct {
	State          CSState   `json:"state"`
	PendingRequest *Priority `json:"pending-request,omitempty"`
	Deferred       []PeerID  `json:"deferred"`
	Awaiting       []PeerID  `json:"awaiting"`
}
