package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls other peers and the print service. Connections are dialled
// lazily and reused per address.
type Client struct {
	conns map[string]*grpc.ClientConn
	logg  *slog.Logger
	mu    sync.Mutex
}

func NewClient(logg *slog.Logger) *Client {
	return &Client{
		conns: make(map[string]*grpc.ClientConn),
		logg:  logg.With("component", "grpc_client"),
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	c.conns[addr] = cc

	return cc, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, req, resp any) error {
	cc, err := c.conn(addr)
	if err != nil {
		return err
	}

	in, err := encodeStruct(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, in, out); err != nil {
		return fmt.Errorf("%s to %s failed: %w", method, addr, err)
	}

	if resp == nil {
		return nil
	}

	if err := decodeStruct(out, resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *Client) RequestAccess(ctx context.Context, addr string, req *domain.AccessRequest) (*domain.AccessResponse, error) {
	var resp domain.AccessResponse

	err := c.invoke(ctx, addr, fullMethod(mutualExclusionServiceName, domain.RequestAccessMethodName), req, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) GrantAccess(ctx context.Context, addr string, req *domain.GrantRequest) error {
	return c.invoke(ctx, addr, fullMethod(mutualExclusionServiceName, domain.GrantAccessMethodName), req, nil)
}

func (c *Client) SendToPrinter(ctx context.Context, addr string, req *domain.PrintRequest) (*domain.PrintResponse, error) {
	var resp domain.PrintResponse

	err := c.invoke(ctx, addr, fullMethod(printerServiceName, domain.SendToPrinterMethodName), req, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// Probe runs a gRPC health check against the peer. It never reaches the
// protocol handlers.
func (c *Client) Probe(ctx context.Context, peer discovery.Peer) error {
	cc, err := c.conn(peer.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", discovery.ErrPeerUnreachable, err)
	}

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		// a fresh connection next time avoids waiting out the reconnect backoff
		c.forget(peer.Addr)

		return fmt.Errorf("%w: %v", discovery.ErrPeerUnreachable, err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s reports %s", discovery.ErrPeerUnreachable, peer.Addr, resp.GetStatus())
	}

	return nil
}

func (c *Client) forget(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[addr]; ok {
		cc.Close()
		delete(c.conns, addr)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", addr, err)
		}

		delete(c.conns, addr)
	}

	return firstErr
}
