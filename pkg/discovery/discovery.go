package discovery

import (
	"context"
	"errors"

	"github.com/ovaladares/printmutex/pkg/domain"
)

var ErrPeerUnreachable = errors.New("peer unreachable")

// Peer is a configured peer and the address it serves the protocol on.
type Peer struct {
	ID   domain.PeerID
	Addr string
}

// Prober checks whether a peer is currently reachable.
// Probing never changes any peer's protocol state.
type Prober interface {
	Probe(ctx context.Context, peer Peer) error
}

const MemberJoinEventType = "member-join"
const MemberLeaveEventType = "member-leave"
const MemberFailedEventType = "member-failed"

type MemberJoinEvent struct {
	Nodes []string `json:"nodes"`
}

type MemberLeaveEvent struct {
	Nodes []string `json:"nodes"`
}

type MemberFailedEvent struct {
	Nodes []string `json:"nodes"`
}

type ClusterEvent struct {
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// ClusterManager is a Prober backed by a membership layer that can also
// notify about members joining, leaving or failing.
type ClusterManager interface {
	Prober

	Connect() error
	Disconnect() error
	GetNodeID() string

	// RegisterEventHandler registers an event handler for cluster events
	// The handler will be called when a cluster event occurs
	RegisterEventHandler(handler func(*ClusterEvent)) error
}
