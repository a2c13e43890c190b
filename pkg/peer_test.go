package printmutex_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	printmutex "github.com/ovaladares/printmutex/pkg"
	"github.com/ovaladares/printmutex/pkg/domain"
	"github.com/ovaladares/printmutex/pkg/printer"
	"github.com/ovaladares/printmutex/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	return addr
}

func startPrinter(t *testing.T, jobDuration time.Duration) (*printer.Server, string) {
	t.Helper()

	logg := slog.New(slog.NewTextHandler(io.Discard, nil))

	printerServer := printer.NewServer(jobDuration, logg)

	srv := transport.NewServer(logg)
	srv.RegisterPrintHandler(printerServer)
	require.NoError(t, srv.Serve("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	return printerServer, srv.Addr()
}

func startPeers(t *testing.T, printerAddr string, ids ...domain.PeerID) []*printmutex.LocalPeer {
	t.Helper()

	logg := slog.New(slog.NewTextHandler(io.Discard, nil))

	addrs := make(map[domain.PeerID]string, len(ids))
	for _, id := range ids {
		addrs[id] = freeAddr(t)
	}

	conf := &printmutex.PeerConfig{
		ProbeTimeout: 500 * time.Millisecond,
		Protocol: &printmutex.ProtocolConfig{
			RequestTimeout:         2 * time.Second,
			DepartureCheckInterval: 200 * time.Millisecond,
		},
	}

	peers := make([]*printmutex.LocalPeer, 0, len(ids))
	for _, id := range ids {
		peer, err := printmutex.NewLocalPeer(logg, id, addrs[id], addrs, printerAddr, conf)
		require.NoError(t, err)

		require.NoError(t, peer.Connect())
		t.Cleanup(func() { peer.Close() })

		peers = append(peers, peer)
	}

	return peers
}

func TestLocalPeer_PrintsWithoutOverlap(t *testing.T) {
	printerServer, printerAddr := startPrinter(t, 20*time.Millisecond)
	peers := startPeers(t, printerAddr, 1, 2, 3)

	const rounds = 2

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p *printmutex.LocalPeer) {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				err := p.WithCriticalSection(ctx, func(ctx context.Context) error {
					_, err := p.Print(ctx, "report from "+p.ID().String())
					return err
				})
				assert.NoError(t, err)
			}
		}(peer)
	}
	wg.Wait()

	assert.Equal(t, int64(0), printerServer.Overlaps())
	assert.Equal(t, int64(len(peers)*rounds), printerServer.Printed())

	for _, peer := range peers {
		assert.Equal(t, domain.Idle, peer.State())
	}
}

func TestLocalPeer_StoppedPeerDoesNotBlock(t *testing.T) {
	_, printerAddr := startPrinter(t, time.Millisecond)
	peers := startPeers(t, printerAddr, 1, 2)

	require.NoError(t, peers[1].Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, peers[0].Enter(ctx))
	assert.Equal(t, domain.InCriticalSection, peers[0].State())

	_, err := peers[0].Print(ctx, "alone")
	assert.NoError(t, err)

	require.NoError(t, peers[0].Release(ctx))
}

func TestLocalPeer_ReleaseWithCancelledContextGrantsOverGRPC(t *testing.T) {
	peers := startPeers(t, "", 1, 2)
	p1, p2 := peers[0], peers[1]

	require.NoError(t, p1.Enter(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		errCh <- p2.Enter(ctx)
	}()

	assert.Eventually(t, func() bool {
		return len(p1.Snapshot().Deferred) == 1
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p1.Release(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("deferred peer never received its grant")
	}

	assert.Equal(t, domain.InCriticalSection, p2.State())
	require.NoError(t, p2.Release(context.Background()))
}

func TestLocalPeer_PrintWithoutPrinterAddr(t *testing.T) {
	peers := startPeers(t, "", 1)

	_, err := peers[0].Print(context.Background(), "nowhere")
	assert.ErrorIs(t, err, printer.ErrPrintFailed)
}

func TestNewLocalPeer_InvalidConfig(t *testing.T) {
	logg := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := printmutex.NewLocalPeer(logg, 0, "127.0.0.1:0", nil, "", nil)
	assert.Error(t, err)

	_, err = printmutex.NewLocalPeer(logg, 1, "127.0.0.1:0", nil, "", &printmutex.PeerConfig{DiscoveryProvider: "zookeeper"})
	assert.Error(t, err)

	_, err = printmutex.NewLocalPeer(logg, 1, "127.0.0.1:0", nil, "", &printmutex.PeerConfig{DiscoveryProvider: printmutex.SerfDiscoveryProvider})
	assert.Error(t, err)
}

func TestLocalPeer_SerfDiscovery(t *testing.T) {
	logg := slog.New(slog.NewTextHandler(io.Discard, nil))

	addrs := map[domain.PeerID]string{1: freeAddr(t), 2: freeAddr(t)}
	serfAddrs := map[domain.PeerID]string{1: freeAddr(t), 2: freeAddr(t)}

	newSerfPeer := func(id domain.PeerID, seeds []string) *printmutex.LocalPeer {
		peer, err := printmutex.NewLocalPeer(logg, id, addrs[id], addrs, "", &printmutex.PeerConfig{
			DiscoveryProvider: printmutex.SerfDiscoveryProvider,
			Serf:              &printmutex.SerfConfig{BindAddr: serfAddrs[id], SeedNodes: seeds},
		})
		require.NoError(t, err)
		require.NoError(t, peer.Connect())

		return peer
	}

	p1 := newSerfPeer(1, nil)
	t.Cleanup(func() { p1.Close() })

	p2 := newSerfPeer(2, []string{serfAddrs[1]})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// p2 holds the section, then leaves the cluster while p1 waits on it
	require.NoError(t, p2.Enter(ctx))

	errCh := make(chan error, 1)
	go func() {
		errCh <- p1.Enter(ctx)
	}()

	assert.Eventually(t, func() bool {
		return len(p2.Snapshot().Deferred) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p2.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("peer never entered after the holder left")
	}

	assert.Equal(t, domain.InCriticalSection, p1.State())
}
