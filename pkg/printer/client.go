// Package printer holds the shared resource: the client peers use to submit
// jobs while in the critical section, and the print service itself.
package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ovaladares/printmutex/pkg/clock"
	"github.com/ovaladares/printmutex/pkg/domain"
)

var ErrPrintFailed = errors.New("print failed")

// Sender delivers a print job to the print service at addr.
type Sender interface {
	SendToPrinter(ctx context.Context, addr string, req *domain.PrintRequest) (*domain.PrintResponse, error)
}

// RequestNumberer reports the number of the episode a job belongs to.
type RequestNumberer interface {
	RequestNumber() uint64
}

// Client submits jobs to the print service. It does not check that the
// caller holds the critical section.
type Client struct {
	self     domain.PeerID
	addr     string
	clock    *clock.LamportClock
	sender   Sender
	episodes RequestNumberer
	logg     *slog.Logger
}

func NewClient(
	self domain.PeerID,
	addr string,
	clk *clock.LamportClock,
	sender Sender,
	episodes RequestNumberer,
	logg *slog.Logger,
) *Client {
	return &Client{
		self:     self,
		addr:     addr,
		clock:    clk,
		sender:   sender,
		episodes: episodes,
		logg:     logg.With("component", "printer_client", "peer_id", self),
	}
}

// Use prints message and returns the service's confirmation.
func (c *Client) Use(ctx context.Context, message string) (*domain.PrintResponse, error) {
	req := &domain.PrintRequest{
		JobID:         uuid.NewString(),
		PeerID:        c.self,
		Message:       message,
		Timestamp:     c.clock.Tick("print"),
		RequestNumber: c.episodes.RequestNumber(),
	}

	logg := c.logg.With("job_id", req.JobID, "request_number", req.RequestNumber)
	logg.Info("Sending job to printer", "timestamp", req.Timestamp)

	resp, err := c.sender.SendToPrinter(ctx, c.addr, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrintFailed, err)
	}

	c.clock.Observe(resp.Timestamp)

	if !resp.Success {
		return resp, fmt.Errorf("%w: %s", ErrPrintFailed, resp.Confirmation)
	}

	logg.Info("Job printed", "confirmation", resp.Confirmation)

	return resp, nil
}
