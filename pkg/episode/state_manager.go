package episode

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ovaladares/printmutex/pkg/clock"
	"github.com/ovaladares/printmutex/pkg/domain"
)

var ErrInvalidState = errors.New("invalid critical section state")
var ErrGrantsPending = errors.New("grants still pending")

// Deferral is a request this peer answered with a defer and still owes a
// grant to.
type Deferral struct {
	PeerID    domain.PeerID
	Timestamp clock.LamportTime
}

// StateManager guards the state of one request/critical-section/release
// episode. It is shared by the episode driver and every inbound handler.
type StateManager struct {
	state    domain.CSState
	pending  domain.Priority
	deferred map[domain.PeerID]clock.LamportTime
	awaiting map[domain.PeerID]struct{}
	done     chan struct{}
	mu       sync.Mutex
}

func NewStateManager() *StateManager {
	return &StateManager{
		state:    domain.Idle,
		deferred: make(map[domain.PeerID]clock.LamportTime),
		awaiting: make(map[domain.PeerID]struct{}),
	}
}

// Begin starts a new episode with p as this peer's pending request.
func (s *StateManager) Begin(p domain.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.Idle {
		return fmt.Errorf("%w: cannot request while %s", ErrInvalidState, s.state)
	}

	s.state = domain.Requesting
	s.pending = p
	s.deferred = make(map[domain.PeerID]clock.LamportTime)
	s.awaiting = make(map[domain.PeerID]struct{})
	s.done = nil

	return nil
}

// AwaitGrants installs the set of peers whose grant is still needed and
// returns a channel closed once that set is empty.
func (s *StateManager) AwaitGrants(peers []domain.PeerID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.awaiting = make(map[domain.PeerID]struct{}, len(peers))
	for _, id := range peers {
		s.awaiting[id] = struct{}{}
	}

	s.done = make(chan struct{})
	if len(s.awaiting) == 0 {
		close(s.done)
	}

	return s.done
}

// Grant records a grant from a peer. A non-zero requestTS that does not
// match the pending request belongs to an earlier episode and is ignored.
func (s *StateManager) Grant(from domain.PeerID, requestTS clock.LamportTime) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.Requesting {
		return false
	}

	if requestTS != 0 && requestTS != s.pending.Timestamp {
		return false
	}

	if _, ok := s.awaiting[from]; !ok {
		return false
	}

	delete(s.awaiting, from)

	if len(s.awaiting) == 0 && s.done != nil {
		close(s.done)
	}

	return true
}

func (s *StateManager) Outstanding() []domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sortedKeys(s.awaiting)
}

// Decide answers an incoming request. It returns true to grant at once and
// false when the request was deferred until this peer releases.
func (s *StateManager) Decide(theirs domain.Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.Idle {
		return true
	}

	if s.pending.Less(theirs) {
		s.deferred[theirs.PeerID] = theirs.Timestamp
		return false
	}

	return true
}

// Enter moves a completed request into the critical section.
func (s *StateManager) Enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.Requesting {
		return fmt.Errorf("%w: cannot enter while %s", ErrInvalidState, s.state)
	}

	if len(s.awaiting) > 0 {
		return fmt.Errorf("%w: %d outstanding", ErrGrantsPending, len(s.awaiting))
	}

	s.state = domain.InCriticalSection

	return nil
}

// Release leaves the critical section and drains the deferred requests.
func (s *StateManager) Release() ([]Deferral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.InCriticalSection {
		return nil, fmt.Errorf("%w: cannot release while %s", ErrInvalidState, s.state)
	}

	return s.resetLocked(), nil
}

// Abort abandons a request in progress. It is a no-op outside Requesting.
func (s *StateManager) Abort() []Deferral {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.Requesting {
		return nil
	}

	return s.resetLocked()
}

func (s *StateManager) resetLocked() []Deferral {
	deferrals := make([]Deferral, 0, len(s.deferred))
	for _, id := range sortedKeys(s.deferred) {
		deferrals = append(deferrals, Deferral{PeerID: id, Timestamp: s.deferred[id]})
	}

	s.state = domain.Idle
	s.pending = domain.Priority{}
	s.deferred = make(map[domain.PeerID]clock.LamportTime)
	s.awaiting = make(map[domain.PeerID]struct{})
	s.done = nil

	return deferrals
}

func (s *StateManager) State() domain.CSState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// PendingRequest returns this peer's own request while one is active.
func (s *StateManager) PendingRequest() (domain.Priority, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.Idle {
		return domain.Priority{}, false
	}

	return s.pending, true
}

func (s *StateManager) Snapshot() domain.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.StateSnapshot{
		State:    s.state,
		Deferred: sortedKeys(s.deferred),
		Awaiting: sortedKeys(s.awaiting),
	}

	if s.state != domain.Idle {
		p := s.pending
		snap.PendingRequest = &p
	}

	return snap
}

func sortedKeys[V any](m map[domain.PeerID]V) []domain.PeerID {
	keys := make([]domain.PeerID, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}

	slices.Sort(keys)

	return keys
}
