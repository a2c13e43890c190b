package printmutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovaladares/printmutex/pkg/clock"
	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
	"github.com/ovaladares/printmutex/pkg/episode"
)

var ErrInvalidState = episode.ErrInvalidState
var ErrInvalidRequest = domain.ErrInvalidRequest

// PeerClient sends protocol messages to other peers.
type PeerClient interface {
	RequestAccess(ctx context.Context, addr string, req *domain.AccessRequest) (*domain.AccessResponse, error)
	GrantAccess(ctx context.Context, addr string, req *domain.GrantRequest) error
}

// PeerDirectory knows the configured peers and which of them answer.
type PeerDirectory interface {
	ConfiguredPeers() []discovery.Peer
	Lookup(id domain.PeerID) (discovery.Peer, bool)
	ProbeActive(ctx context.Context) []discovery.Peer
	IsAlive(ctx context.Context, peer discovery.Peer) bool
}

// ProtocolConfig tunes the timing of the protocol. None of it bounds the
// overall wait for the critical section.
type ProtocolConfig struct {
	// RequestTimeout bounds each outbound RequestAccess and GrantAccess call.
	// A request that fails or times out counts as a grant from a departed peer.
	RequestTimeout time.Duration

	// DepartureCheckInterval is how often the peers still owing a grant are
	// re-probed while waiting. A peer that stopped answering counts as granted.
	DepartureCheckInterval time.Duration
}

var defaultProtocolConfig = ProtocolConfig{
	RequestTimeout:         10 * time.Second,
	DepartureCheckInterval: 2 * time.Second,
}

func newProtocolConfig(conf *ProtocolConfig) *ProtocolConfig {
	merged := defaultProtocolConfig

	if conf == nil {
		return &merged
	}

	if conf.RequestTimeout > 0 {
		merged.RequestTimeout = conf.RequestTimeout
	}

	if conf.DepartureCheckInterval > 0 {
		merged.DepartureCheckInterval = conf.DepartureCheckInterval
	}

	return &merged
}

// Coordinator runs the Ricart-Agrawala protocol for one peer. It is both the
// episode driver (Enter, Release) and the inbound handler (HandleRequest,
// HandleGrant) and may be called from any number of goroutines.
type Coordinator struct {
	self          domain.PeerID
	clock         *clock.LamportClock
	directory     PeerDirectory
	client        PeerClient
	state         *episode.StateManager
	requestNumber atomic.Uint64
	logg          *slog.Logger
	conf          *ProtocolConfig
}

func NewCoordinator(
	self domain.PeerID,
	clk *clock.LamportClock,
	directory PeerDirectory,
	client PeerClient,
	logg *slog.Logger,
	conf *ProtocolConfig,
) *Coordinator {
	return &Coordinator{
		self:      self,
		clock:     clk,
		directory: directory,
		client:    client,
		state:     episode.NewStateManager(),
		logg:      logg.With("component", "coordinator", "peer_id", self),
		conf:      newProtocolConfig(conf),
	}
}

// Enter blocks until every active peer has granted access and the peer is
// in the critical section. It returns ErrInvalidState when an episode is
// already in progress. Cancelling ctx abandons the request.
func (c *Coordinator) Enter(ctx context.Context) error {
	// rejected calls must not advance the clock
	if state := c.state.State(); state != domain.Idle {
		return fmt.Errorf("%w: cannot request while %s", ErrInvalidState, state)
	}

	ts := c.clock.Tick("request")

	if err := c.state.Begin(domain.Priority{Timestamp: ts, PeerID: c.self}); err != nil {
		return err
	}

	reqNumber := c.requestNumber.Add(1)
	logg := c.logg.With("timestamp", ts, "request_number", reqNumber)

	active := c.directory.ProbeActive(ctx)

	// probes cut short by ctx say nothing about liveness
	if err := ctx.Err(); err != nil {
		c.abort(ctx, logg, err)

		return err
	}

	ids := make([]domain.PeerID, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.ID)
	}

	done := c.state.AwaitGrants(ids)

	logg.Info("Requesting critical section", "active_peers", ids)

	episodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := &domain.AccessRequest{
		Timestamp:     ts,
		PeerID:        c.self,
		RequestNumber: reqNumber,
	}

	for _, p := range active {
		go c.requestAccess(episodeCtx, p, req)
	}

	if err := c.waitForGrants(ctx, done, ts); err != nil {
		c.abort(ctx, logg, err)

		return err
	}

	if err := c.state.Enter(); err != nil {
		return fmt.Errorf("failed to enter critical section: %w", err)
	}

	logg.Info("Entered critical section")

	return nil
}

// abort returns to IDLE and lets in every peer deferred so far.
func (c *Coordinator) abort(ctx context.Context, logg *slog.Logger, cause error) {
	logg.Warn("Abandoning critical section request", "error", cause)

	deferrals := c.state.Abort()
	c.sendGrants(context.WithoutCancel(ctx), deferrals, c.clock.Tick("release"))
}

func (c *Coordinator) requestAccess(ctx context.Context, peer discovery.Peer, req *domain.AccessRequest) {
	callCtx, cancel := context.WithTimeout(ctx, c.conf.RequestTimeout)
	defer cancel()

	resp, err := c.client.RequestAccess(callCtx, peer.Addr, req)
	if err != nil {
		if c.state.Grant(peer.ID, req.Timestamp) {
			c.logg.Warn("Peer did not answer request, treating as granted", "to", peer.ID, "error", err)
		}

		return
	}

	c.clock.Observe(resp.Timestamp)

	if !resp.Granted {
		c.logg.Debug("Request deferred", "by", peer.ID)
		return
	}

	if c.state.Grant(peer.ID, req.Timestamp) {
		c.logg.Debug("Grant received", "from", peer.ID)
	}
}

func (c *Coordinator) waitForGrants(ctx context.Context, done <-chan struct{}, ts clock.LamportTime) error {
	ticker := time.NewTicker(c.conf.DepartureCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			// both may be ready at once, cancellation wins
			return ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.checkDepartures(ctx, ts)
		}
	}
}

// checkDepartures re-probes the peers still owing a grant and grants on
// behalf of the ones that are gone.
func (c *Coordinator) checkDepartures(ctx context.Context, ts clock.LamportTime) {
	var wg sync.WaitGroup

	for _, id := range c.state.Outstanding() {
		peer, ok := c.directory.Lookup(id)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if c.directory.IsAlive(ctx, peer) {
				return
			}

			if c.state.Grant(peer.ID, ts) {
				c.logg.Warn("Peer departed while holding our request, treating as granted", "peer", peer.ID)
			}
		}()
	}

	wg.Wait()
}

// HandleRequest answers another peer's request: granted at once unless this
// peer holds or awaits the critical section with a strictly better priority.
func (c *Coordinator) HandleRequest(_ context.Context, req *domain.AccessRequest) (*domain.AccessResponse, error) {
	if req == nil || !req.PeerID.Valid() {
		return nil, ErrInvalidRequest
	}

	c.clock.Observe(req.Timestamp)

	granted := c.state.Decide(domain.Priority{Timestamp: req.Timestamp, PeerID: req.PeerID})

	if !granted {
		c.logg.Info("Deferring request", "from", req.PeerID, "their_timestamp", req.Timestamp)

		return &domain.AccessResponse{Granted: false, Timestamp: c.clock.Time()}, nil
	}

	c.logg.Debug("Granting request", "from", req.PeerID, "their_timestamp", req.Timestamp)

	return &domain.AccessResponse{Granted: true, Timestamp: c.clock.Tick("grant")}, nil
}

// HandleGrant fulfils the pending grant of a peer that deferred us.
func (c *Coordinator) HandleGrant(_ context.Context, req *domain.GrantRequest) error {
	if req == nil || !req.PeerID.Valid() {
		return ErrInvalidRequest
	}

	c.clock.Observe(req.Timestamp)

	if !c.state.Grant(req.PeerID, req.RequestTimestamp) {
		c.logg.Debug("Ignoring grant not awaited", "from", req.PeerID, "request_timestamp", req.RequestTimestamp)
		return nil
	}

	c.logg.Info("Deferred grant received", "from", req.PeerID)

	return nil
}

// PeerDeparted grants on behalf of a peer that left the cluster.
func (c *Coordinator) PeerDeparted(id domain.PeerID) {
	if c.state.Grant(id, 0) {
		c.logg.Warn("Peer departed while holding our request, treating as granted", "peer", id)
	}
}

// Release leaves the critical section and sends the grants deferred while
// it was held. Delivery failures are logged, not returned. The grants are
// sent even when ctx is already done.
func (c *Coordinator) Release(ctx context.Context) error {
	deferrals, err := c.state.Release()
	if err != nil {
		return err
	}

	ts := c.clock.Tick("release")

	c.logg.Info("Released critical section", "timestamp", ts, "deferred", len(deferrals))

	c.sendGrants(context.WithoutCancel(ctx), deferrals, ts)

	return nil
}

func (c *Coordinator) sendGrants(ctx context.Context, deferrals []episode.Deferral, ts clock.LamportTime) {
	var wg sync.WaitGroup

	for _, d := range deferrals {
		peer, ok := c.directory.Lookup(d.PeerID)
		if !ok {
			c.logg.Warn("No address for deferred peer, dropping grant", "peer", d.PeerID)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, c.conf.RequestTimeout)
			defer cancel()

			err := c.client.GrantAccess(callCtx, peer.Addr, &domain.GrantRequest{
				PeerID:           c.self,
				Timestamp:        ts,
				RequestTimestamp: d.Timestamp,
			})
			if err != nil {
				c.logg.Warn("Failed to deliver deferred grant", "to", peer.ID, "error", err)
				return
			}

			c.logg.Debug("Deferred grant delivered", "to", peer.ID)
		}()
	}

	wg.Wait()
}

// WithCriticalSection runs fn inside the critical section. The section is
// released whether or not fn succeeds.
func (c *Coordinator) WithCriticalSection(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.Enter(ctx); err != nil {
		return err
	}

	fnErr := fn(ctx)
	releaseErr := c.Release(context.WithoutCancel(ctx))

	return errors.Join(fnErr, releaseErr)
}

func (c *Coordinator) State() domain.CSState {
	return c.state.State()
}

func (c *Coordinator) Snapshot() domain.StateSnapshot {
	return c.state.Snapshot()
}

// RequestNumber is the number of the current or last episode.
func (c *Coordinator) RequestNumber() uint64 {
	return c.requestNumber.Load()
}

func (c *Coordinator) Clock() *clock.LamportClock {
	return c.clock
}
