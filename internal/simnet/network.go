// Package simnet is an in-memory network for exercising the protocol
// deterministically. Calls are delivered synchronously to the registered
// handlers, and peers can be taken down, muted, or held back.
package simnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
	"github.com/ovaladares/printmutex/pkg/transport"
)

type Network struct {
	handlers map[string]transport.AccessHandler
	down     map[string]bool
	muted    map[string]bool
	gate     chan struct{}
	requests int
	grants   map[string]map[domain.PeerID]int
	mu       sync.Mutex
}

func New() *Network {
	gate := make(chan struct{})
	close(gate)

	return &Network{
		handlers: make(map[string]transport.AccessHandler),
		down:     make(map[string]bool),
		muted:    make(map[string]bool),
		gate:     gate,
		grants:   make(map[string]map[domain.PeerID]int),
	}
}

func (n *Network) Register(addr string, h transport.AccessHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.handlers[addr] = h
}

// SetDown makes every call and probe to addr fail at once.
func (n *Network) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.down[addr] = down
}

// SetMuted keeps addr answering probes while its requests hang until the
// caller gives up.
func (n *Network) SetMuted(addr string, muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.muted[addr] = muted
}

// Hold blocks the delivery of access requests until Deliver is called.
func (n *Network) Hold() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.gate = make(chan struct{})
}

func (n *Network) Deliver() {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.gate:
	default:
		close(n.gate)
	}
}

func (n *Network) lookup(addr string) (transport.AccessHandler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.handlers[addr]
	if !ok || n.down[addr] {
		return nil, fmt.Errorf("%w: %s", discovery.ErrPeerUnreachable, addr)
	}

	return h, nil
}

func (n *Network) RequestAccess(ctx context.Context, addr string, req *domain.AccessRequest) (*domain.AccessResponse, error) {
	n.mu.Lock()
	n.requests++
	gate := n.gate
	muted := n.muted[addr]
	n.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if muted {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	h, err := n.lookup(addr)
	if err != nil {
		return nil, err
	}

	return h.HandleRequest(ctx, req)
}

func (n *Network) GrantAccess(ctx context.Context, addr string, req *domain.GrantRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h, err := n.lookup(addr)
	if err != nil {
		return err
	}

	if err := h.HandleGrant(ctx, req); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.grants[addr] == nil {
		n.grants[addr] = make(map[domain.PeerID]int)
	}
	n.grants[addr][req.PeerID]++

	return nil
}

func (n *Network) Probe(ctx context.Context, peer discovery.Peer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := n.lookup(peer.Addr)

	return err
}

// RequestsSent counts every RequestAccess call made on the network.
func (n *Network) RequestsSent() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.requests
}

// GrantsDelivered counts the deferred grants addr received from a peer.
func (n *Network) GrantsDelivered(addr string, from domain.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.grants[addr][from]
}
