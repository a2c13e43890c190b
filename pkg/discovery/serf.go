package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/serf/serf"
	"github.com/ovaladares/printmutex/pkg/domain"
)

// SerfProber answers liveness from serf gossip membership. Every peer runs
// an agent named after its peer id, so a configured peer is reachable iff
// its agent is an alive member.
type SerfProber struct {
	bindAddr   string
	seedNodes  []string
	eventsChan chan serf.Event
	handlers   []func(*ClusterEvent)
	mu         sync.RWMutex
	nodeID     string
	serf       *serf.Serf
	logg       *slog.Logger
	doneChan   chan struct{}
}

func NewSerfProber(self domain.PeerID, bindAddr string, seedNodes []string, logg *slog.Logger) *SerfProber {
	return &SerfProber{
		bindAddr:   bindAddr,
		seedNodes:  seedNodes,
		eventsChan: make(chan serf.Event, 256),
		nodeID:     self.String(),
		logg:       logg.With("component", "serf_prober"),
	}
}

func (s *SerfProber) Connect() error {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	serfConfig := serf.DefaultConfig()
	serfConfig.Init()

	serfConfig.MemberlistConfig.BindAddr = addr.IP.String()
	serfConfig.MemberlistConfig.BindPort = addr.Port
	serfConfig.LogOutput = io.Discard
	serfConfig.MemberlistConfig.LogOutput = io.Discard

	serfConfig.EventCh = s.eventsChan
	serfConfig.EnableNameConflictResolution = false
	serfConfig.NodeName = s.nodeID

	serfInstance, err := serf.Create(serfConfig)
	if err != nil {
		return fmt.Errorf("failed to create serf agent: %w", err)
	}

	s.mu.Lock()
	s.serf = serfInstance
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	if len(s.seedNodes) > 0 {
		joined, err := serfInstance.Join(s.seedNodes, true)
		if err != nil {
			s.logg.Warn("Failed to join cluster, running as standalone", "node_id", s.nodeID, "error", err)
		} else {
			s.logg.Info("Joined cluster", "node_id", s.nodeID, "known_nodes", joined)
		}
	}

	go s.processEvents(s.doneChan)

	return nil
}

func (s *SerfProber) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serf == nil {
		return fmt.Errorf("failed to disconnect from serf cluster, agent is not running")
	}

	close(s.doneChan)

	if err := s.serf.Leave(); err != nil {
		s.logg.Warn("Failed to leave serf cluster gracefully", "error", err)
	}

	if err := s.serf.Shutdown(); err != nil {
		s.serf = nil
		return fmt.Errorf("failed to shutdown serf agent: %w", err)
	}

	s.logg.Info("Disconnected from serf cluster", "node_id", s.nodeID)

	s.serf = nil

	return nil
}

func (s *SerfProber) GetNodeID() string {
	return s.nodeID
}

// Probe reports ErrPeerUnreachable unless the peer's agent is alive.
func (s *SerfProber) Probe(ctx context.Context, peer Peer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	instance := s.serf
	s.mu.RUnlock()

	if instance == nil {
		return fmt.Errorf("%w: serf agent is not running", ErrPeerUnreachable)
	}

	name := peer.ID.String()
	for _, member := range instance.Members() {
		if member.Name != name {
			continue
		}

		if member.Status == serf.StatusAlive {
			return nil
		}

		return fmt.Errorf("%w: %s is %s", ErrPeerUnreachable, name, member.Status)
	}

	return fmt.Errorf("%w: %s is not a member", ErrPeerUnreachable, name)
}

func (s *SerfProber) RegisterEventHandler(handler func(*ClusterEvent)) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers = append(s.handlers, handler)

	return nil
}

func (s *SerfProber) processEvents(done chan struct{}) {
	for {
		select {
		case evt := <-s.eventsChan:
			event, err := ConvertSerfEvent(evt)
			if err != nil {
				s.logg.Debug("Skipping serf event", "error", err)
				continue
			}

			s.notifyHandlers(event)
		case <-done:
			s.logg.Info("Stopping event processing")
			return
		}
	}
}

func (s *SerfProber) notifyHandlers(event *ClusterEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.handlers) == 0 {
		s.logg.Debug("No handlers registered for event", "event_type", event.Type)
		return
	}

	for _, handler := range s.handlers {
		go handler(event)
	}
}

// ConvertSerfEvent maps serf membership events to cluster events.
func ConvertSerfEvent(e serf.Event) (*ClusterEvent, error) {
	memberEvent, ok := e.(serf.MemberEvent)
	if !ok {
		return nil, fmt.Errorf("unsupported event type: %s", e.EventType())
	}

	nodes := make([]string, 0, len(memberEvent.Members))
	for _, member := range memberEvent.Members {
		nodes = append(nodes, member.Name)
	}

	var (
		eventType string
		body      any
	)

	switch e.EventType() {
	case serf.EventMemberJoin:
		eventType, body = MemberJoinEventType, MemberJoinEvent{Nodes: nodes}
	case serf.EventMemberLeave:
		eventType, body = MemberLeaveEventType, MemberLeaveEvent{Nodes: nodes}
	case serf.EventMemberFailed:
		eventType, body = MemberFailedEventType, MemberFailedEvent{Nodes: nodes}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", e.EventType())
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	return &ClusterEvent{
		Type: eventType,
		Body: b,
	}, nil
}
