package printmutex_test

import (
	"context"
	"sync"

	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
)

// Mocks for the collaborators of the coordinator and the event handler.

type MockDepartureListener struct {
	PeerDepartedCalledWith []domain.PeerID

	Mu sync.Mutex
}

func (m *MockDepartureListener) PeerDeparted(id domain.PeerID) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.PeerDepartedCalledWith = append(m.PeerDepartedCalledWith, id)
}

type MockPeerClient struct {
	RequestAccessCalledWith []*domain.AccessRequest
	RequestAccessResponse   *domain.AccessResponse
	RequestAccessErr        error

	GrantAccessCalledWith []string
	GrantAccessErr        error

	Mu sync.Mutex
}

func (m *MockPeerClient) RequestAccess(_ context.Context, _ string, req *domain.AccessRequest) (*domain.AccessResponse, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.RequestAccessCalledWith = append(m.RequestAccessCalledWith, req)
	if m.RequestAccessErr != nil {
		return nil, m.RequestAccessErr
	}

	return m.RequestAccessResponse, nil
}

func (m *MockPeerClient) GrantAccess(_ context.Context, addr string, _ *domain.GrantRequest) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.GrantAccessCalledWith = append(m.GrantAccessCalledWith, addr)

	return m.GrantAccessErr
}

type MockPeerDirectory struct {
	Peers []discovery.Peer
	Alive bool

	ProbeActiveCallCount int

	Mu sync.Mutex
}

func (m *MockPeerDirectory) ConfiguredPeers() []discovery.Peer {
	return m.Peers
}

func (m *MockPeerDirectory) Lookup(id domain.PeerID) (discovery.Peer, bool) {
	for _, p := range m.Peers {
		if p.ID == id {
			return p, true
		}
	}

	return discovery.Peer{}, false
}

func (m *MockPeerDirectory) ProbeActive(_ context.Context) []discovery.Peer {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.ProbeActiveCallCount++

	return m.Peers
}

func (m *MockPeerDirectory) IsAlive(_ context.Context, _ discovery.Peer) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	return m.Alive
}
