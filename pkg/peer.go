package printmutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ovaladares/printmutex/pkg/clock"
	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
	"github.com/ovaladares/printmutex/pkg/printer"
	"github.com/ovaladares/printmutex/pkg/transport"
)

const (
	GRPCDiscoveryProvider = "grpc"
	SerfDiscoveryProvider = "serf"
)

// PeerConfig contains all configuration parameters for a LocalPeer.
type PeerConfig struct {
	// DiscoveryProvider selects how liveness is decided: "grpc" health checks
	// against the configured addresses, or "serf" membership.
	DiscoveryProvider string

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration

	Protocol *ProtocolConfig

	// Serf is only read when DiscoveryProvider is "serf".
	Serf *SerfConfig
}

type SerfConfig struct {
	// BindAddr is the serf gossip address, distinct from the gRPC address.
	BindAddr string

	// SeedNodes are serf addresses of peers to join. Empty starts a new cluster.
	SeedNodes []string
}

const defaultProbeTimeout = time.Second

// LocalPeer wires one process's clock, directory, transport, coordinator and
// printer client together.
type LocalPeer struct {
	// logg is the structured logger instance for this peer
	logg *slog.Logger

	id          domain.PeerID
	listenAddr  string
	printerAddr string

	clock  *clock.LamportClock
	server *transport.Server
	client *transport.Client

	// clusterManager is set when membership comes from serf
	clusterManager discovery.ClusterManager

	coordinator *Coordinator
	printer     *printer.Client
}

// NewLocalPeer builds a peer listening on listenAddr. peers maps every
// configured peer id, this one included or not, to its gRPC address.
func NewLocalPeer(
	logg *slog.Logger,
	id domain.PeerID,
	listenAddr string,
	peers map[domain.PeerID]string,
	printerAddr string,
	conf *PeerConfig,
) (*LocalPeer, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid peer id %d", id)
	}

	if conf == nil {
		conf = &PeerConfig{}
	}

	probeTimeout := conf.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	logg = logg.With("peer_id", id)

	client := transport.NewClient(logg)

	prober, clusterManager, err := proberFactory(conf, id, client, logg)
	if err != nil {
		return nil, err
	}

	clk := clock.NewLamportClock(logg)
	directory := discovery.NewDirectory(id, peers, prober, probeTimeout, logg)
	coordinator := NewCoordinator(id, clk, directory, client, logg, conf.Protocol)

	return &LocalPeer{
		logg:           logg,
		id:             id,
		listenAddr:     listenAddr,
		printerAddr:    printerAddr,
		clock:          clk,
		server:         transport.NewServer(logg),
		client:         client,
		clusterManager: clusterManager,
		coordinator:    coordinator,
		printer:        printer.NewClient(id, printerAddr, clk, client, coordinator, logg),
	}, nil
}

// Connect starts serving the protocol and, with serf, joins the cluster.
func (p *LocalPeer) Connect() error {
	p.server.RegisterAccessHandler(p.coordinator)

	if err := p.server.Serve(p.listenAddr); err != nil {
		return fmt.Errorf("failed to start peer server: %w", err)
	}

	if p.clusterManager == nil {
		return nil
	}

	if err := p.clusterManager.Connect(); err != nil {
		p.server.Stop()

		return fmt.Errorf("failed to connect to cluster manager: %w", err)
	}

	p.logg.Debug("Cluster manager connected", "node_id", p.clusterManager.GetNodeID())

	eventHandler := NewMembershipEventHandler(p.coordinator, p.id, p.logg)

	return p.clusterManager.RegisterEventHandler(eventHandler.Handle)
}

func (p *LocalPeer) Close() error {
	var errs []error

	if p.clusterManager != nil {
		errs = append(errs, p.clusterManager.Disconnect())
	}

	p.server.Stop()

	errs = append(errs, p.client.Close())

	return errors.Join(errs...)
}

func (p *LocalPeer) Enter(ctx context.Context) error {
	return p.coordinator.Enter(ctx)
}

func (p *LocalPeer) Release(ctx context.Context) error {
	return p.coordinator.Release(ctx)
}

func (p *LocalPeer) WithCriticalSection(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.coordinator.WithCriticalSection(ctx, fn)
}

// Print sends message to the print service. Callers are expected to hold
// the critical section.
func (p *LocalPeer) Print(ctx context.Context, message string) (*domain.PrintResponse, error) {
	if p.printerAddr == "" {
		return nil, fmt.Errorf("%w: no printer address configured", printer.ErrPrintFailed)
	}

	return p.printer.Use(ctx, message)
}

func (p *LocalPeer) ID() domain.PeerID {
	return p.id
}

// Addr is the address the peer serves on once connected.
func (p *LocalPeer) Addr() string {
	return p.server.Addr()
}

func (p *LocalPeer) State() domain.CSState {
	return p.coordinator.State()
}

func (p *LocalPeer) Snapshot() domain.StateSnapshot {
	return p.coordinator.Snapshot()
}

func (p *LocalPeer) Clock() *clock.LamportClock {
	return p.clock
}

func proberFactory(
	conf *PeerConfig,
	id domain.PeerID,
	client *transport.Client,
	logg *slog.Logger,
) (discovery.Prober, discovery.ClusterManager, error) {
	switch conf.DiscoveryProvider {
	case "", GRPCDiscoveryProvider:
		return client, nil, nil
	case SerfDiscoveryProvider:
		if conf.Serf == nil || conf.Serf.BindAddr == "" {
			return nil, nil, errors.New("serf discovery requires a bind address")
		}

		serfProber := discovery.NewSerfProber(id, conf.Serf.BindAddr, conf.Serf.SeedNodes, logg)

		return serfProber, serfProber, nil
	default:
		return nil, nil, fmt.Errorf("unsupported discovery provider: %s", conf.DiscoveryProvider)
	}
}
