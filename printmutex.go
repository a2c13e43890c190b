package printmutex

import (
	"context"

	printmutex "github.com/ovaladares/printmutex/pkg"
	"github.com/ovaladares/printmutex/pkg/domain"
	"github.com/ovaladares/printmutex/pkg/printer"
)

var (
	ErrInvalidState = printmutex.ErrInvalidState
	ErrPrintFailed  = printer.ErrPrintFailed
)

// PeerID identifies a peer. Valid ids are positive.
type PeerID = domain.PeerID

// Peer is one participant in the print mutex. It gains exclusive use of the
// shared printer through Ricart-Agrawala mutual exclusion with the other
// configured peers.
type Peer struct {
	internal *printmutex.LocalPeer
}

// NewPeer creates a peer with the given id that serves the protocol on
// listenAddr.
//
// Parameters:
//   - id: This peer's id, positive and unique among peers
//   - listenAddr: The gRPC address to serve on (format: "host:port")
//   - peers: Every peer id mapped to its gRPC address. The entry for id is ignored
//   - printerAddr: The address of the print service
//   - config: Configuration options, nil for defaults
func NewPeer(id PeerID, listenAddr string, peers map[PeerID]string, printerAddr string, config *Config) (*Peer, error) {
	conf := NewConfig(config)

	conf.Logger.Debug("Creating new local peer", "peer_id", id)

	peerConf := &printmutex.PeerConfig{
		DiscoveryProvider: conf.DiscoveryBackend,
		ProbeTimeout:      conf.ProbeTimeout,
		Protocol: &printmutex.ProtocolConfig{
			RequestTimeout:         conf.ProtocolConfig.RequestTimeout,
			DepartureCheckInterval: conf.ProtocolConfig.DepartureCheckInterval,
		},
	}

	if conf.SerfConfig != nil {
		peerConf.Serf = &printmutex.SerfConfig{
			BindAddr:  conf.SerfConfig.BindAddr,
			SeedNodes: conf.SerfConfig.SeedNodes,
		}
	}

	localPeer, err := printmutex.NewLocalPeer(conf.Logger, id, listenAddr, peers, printerAddr, peerConf)
	if err != nil {
		return nil, err
	}

	return &Peer{
		internal: localPeer,
	}, nil
}

// Connect starts serving requests from other peers.
// It must be called before Enter.
func (p *Peer) Connect() error {
	return p.internal.Connect()
}

// Enter blocks until this peer holds the critical section.
//
// Returns:
//   - error: ErrInvalidState if an earlier Enter has not been released,
//     or the context's error if ctx ends first
func (p *Peer) Enter(ctx context.Context) error {
	return p.internal.Enter(ctx)
}

// Release leaves the critical section and lets deferred peers in.
func (p *Peer) Release(ctx context.Context) error {
	return p.internal.Release(ctx)
}

// WithCriticalSection runs fn while holding the critical section.
func (p *Peer) WithCriticalSection(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.internal.WithCriticalSection(ctx, fn)
}

// Print sends a message to the print service and returns its confirmation.
// Call it between Enter and Release.
func (p *Peer) Print(ctx context.Context, message string) (string, error) {
	resp, err := p.internal.Print(ctx, message)
	if err != nil {
		return "", err
	}

	return resp.Confirmation, nil
}

func (p *Peer) State() domain.CSState {
	return p.internal.State()
}

func (p *Peer) Addr() string {
	return p.internal.Addr()
}

// Close stops serving. A peer that closes while others wait for it is
// treated by them as having granted.
func (p *Peer) Close() error {
	return p.internal.Close()
}
