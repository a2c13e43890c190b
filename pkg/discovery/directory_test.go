package discovery_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
	"github.com/stretchr/testify/assert"
)

type MockProber struct {
	Down  map[domain.PeerID]bool
	Hang  map[domain.PeerID]bool
	Calls []domain.PeerID

	Mu sync.Mutex
}

func (m *MockProber) Probe(ctx context.Context, peer discovery.Peer) error {
	m.Mu.Lock()
	m.Calls = append(m.Calls, peer.ID)
	down := m.Down[peer.ID]
	hang := m.Hang[peer.ID]
	m.Mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	if down {
		return fmt.Errorf("%w: %s", discovery.ErrPeerUnreachable, peer.ID)
	}

	return nil
}

func newTestDirectory(prober discovery.Prober) *discovery.Directory {
	logg := slog.New(slog.NewTextHandler(io.Discard, nil))

	configured := map[domain.PeerID]string{
		1: "localhost:50052",
		2: "localhost:50053",
		3: "localhost:50054",
		4: "localhost:50055",
	}

	return discovery.NewDirectory(1, configured, prober, 50*time.Millisecond, logg)
}

func TestDirectoryConfiguredPeers_ExcludesSelfSorted(t *testing.T) {
	d := newTestDirectory(&MockProber{})

	expected := []discovery.Peer{
		{ID: 2, Addr: "localhost:50053"},
		{ID: 3, Addr: "localhost:50054"},
		{ID: 4, Addr: "localhost:50055"},
	}

	assert.Equal(t, expected, d.ConfiguredPeers())
}

func TestDirectoryConfiguredPeers_ReturnsCopy(t *testing.T) {
	d := newTestDirectory(&MockProber{})

	peers := d.ConfiguredPeers()
	peers[0].Addr = "mutated"

	assert.Equal(t, "localhost:50053", d.ConfiguredPeers()[0].Addr)
}

func TestDirectoryLookup(t *testing.T) {
	d := newTestDirectory(&MockProber{})

	p, ok := d.Lookup(3)
	assert.True(t, ok)
	assert.Equal(t, "localhost:50054", p.Addr)

	_, ok = d.Lookup(1)
	assert.False(t, ok, "self is not a configured peer")

	_, ok = d.Lookup(42)
	assert.False(t, ok)
}

func TestDirectoryProbeActive_AllAlive(t *testing.T) {
	d := newTestDirectory(&MockProber{})

	active := d.ProbeActive(context.Background())

	assert.Equal(t, d.ConfiguredPeers(), active)
}

func TestDirectoryProbeActive_ExcludesUnreachable(t *testing.T) {
	prober := &MockProber{
		Down: map[domain.PeerID]bool{3: true},
		Hang: map[domain.PeerID]bool{4: true},
	}
	d := newTestDirectory(prober)

	start := time.Now()
	active := d.ProbeActive(context.Background())

	assert.Equal(t, []discovery.Peer{{ID: 2, Addr: "localhost:50053"}}, active)
	assert.Less(t, time.Since(start), time.Second, "hung peer must be bounded by the probe timeout")
}

func TestDirectoryProbeActive_NeverCached(t *testing.T) {
	prober := &MockProber{Down: map[domain.PeerID]bool{}}
	d := newTestDirectory(prober)

	assert.Len(t, d.ProbeActive(context.Background()), 3)

	prober.Mu.Lock()
	prober.Down[2] = true
	prober.Mu.Unlock()

	assert.Len(t, d.ProbeActive(context.Background()), 2)
	assert.Len(t, prober.Calls, 6)
}

func TestDirectoryProbeActive_NoPeers(t *testing.T) {
	logg := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := discovery.NewDirectory(1, map[domain.PeerID]string{1: "localhost:50052"}, &MockProber{}, time.Second, logg)

	assert.Empty(t, d.ConfiguredPeers())
	assert.Empty(t, d.ProbeActive(context.Background()))
}

func TestConvertSerfEvent_MemberFailed(t *testing.T) {
	evt := serf.MemberEvent{
		Type:    serf.EventMemberFailed,
		Members: []serf.Member{{Name: "peer-2"}, {Name: "peer-3"}},
	}

	event, err := discovery.ConvertSerfEvent(evt)
	assert.NoError(t, err)
	assert.Equal(t, discovery.MemberFailedEventType, event.Type)

	var body discovery.MemberFailedEvent
	assert.NoError(t, json.Unmarshal(event.Body, &body))
	assert.Equal(t, []string{"peer-2", "peer-3"}, body.Nodes)
}

func TestConvertSerfEvent_JoinAndLeave(t *testing.T) {
	join, err := discovery.ConvertSerfEvent(serf.MemberEvent{Type: serf.EventMemberJoin, Members: []serf.Member{{Name: "peer-4"}}})
	assert.NoError(t, err)
	assert.Equal(t, discovery.MemberJoinEventType, join.Type)

	leave, err := discovery.ConvertSerfEvent(serf.MemberEvent{Type: serf.EventMemberLeave, Members: []serf.Member{{Name: "peer-4"}}})
	assert.NoError(t, err)
	assert.Equal(t, discovery.MemberLeaveEventType, leave.Type)
}

func TestConvertSerfEvent_Unsupported(t *testing.T) {
	_, err := discovery.ConvertSerfEvent(serf.UserEvent{Name: "custom"})
	assert.Error(t, err)

	_, err = discovery.ConvertSerfEvent(serf.MemberEvent{Type: serf.EventMemberUpdate})
	assert.Error(t, err)
}

func TestSerfProberProbe_NotConnected(t *testing.T) {
	logg := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := discovery.NewSerfProber(1, "127.0.0.1:0", nil, logg)

	err := p.Probe(context.Background(), discovery.Peer{ID: 2})
	assert.ErrorIs(t, err, discovery.ErrPeerUnreachable)
	assert.Equal(t, "peer-1", p.GetNodeID())
}
