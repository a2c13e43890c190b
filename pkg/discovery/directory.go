package discovery

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ovaladares/printmutex/pkg/domain"
)

// Directory holds the statically configured peers and answers, per
// episode, which of them are currently reachable. Results are never cached.
type Directory struct {
	self         domain.PeerID
	peers        []Peer
	prober       Prober
	probeTimeout time.Duration
	logg         *slog.Logger
}

// NewDirectory builds a directory from the configured peer addresses.
// The entry for self, if present, is left out.
func NewDirectory(self domain.PeerID, configured map[domain.PeerID]string, prober Prober, probeTimeout time.Duration, logg *slog.Logger) *Directory {
	peers := make([]Peer, 0, len(configured))
	for id, addr := range configured {
		if id == self {
			continue
		}

		peers = append(peers, Peer{ID: id, Addr: addr})
	}

	slices.SortFunc(peers, func(a, b Peer) int {
		return int(a.ID) - int(b.ID)
	})

	return &Directory{
		self:         self,
		peers:        peers,
		prober:       prober,
		probeTimeout: probeTimeout,
		logg:         logg.With("component", "peer_directory"),
	}
}

func (d *Directory) ConfiguredPeers() []Peer {
	return slices.Clone(d.peers)
}

func (d *Directory) Lookup(id domain.PeerID) (Peer, bool) {
	for _, p := range d.peers {
		if p.ID == id {
			return p, true
		}
	}

	return Peer{}, false
}

// ProbeActive probes every configured peer concurrently and returns the
// ones that answered within the probe timeout, sorted by id.
func (d *Directory) ProbeActive(ctx context.Context) []Peer {
	alive := make([]bool, len(d.peers))

	var wg sync.WaitGroup
	for i, p := range d.peers {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			alive[i] = d.IsAlive(ctx, p)
		}(i, p)
	}
	wg.Wait()

	active := make([]Peer, 0, len(d.peers))
	for i, p := range d.peers {
		if alive[i] {
			active = append(active, p)
		}
	}

	d.logg.Debug("Probed peers", "configured", len(d.peers), "active", len(active))

	return active
}

// IsAlive runs a single probe bounded by the probe timeout.
func (d *Directory) IsAlive(ctx context.Context, p Peer) bool {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	if err := d.prober.Probe(probeCtx, p); err != nil {
		d.logg.Debug("Peer unreachable", "peer_id", p.ID, "addr", p.Addr, "error", err)
		return false
	}

	return true
}
