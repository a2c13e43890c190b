package printer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ovaladares/printmutex/pkg/clock"
	"github.com/ovaladares/printmutex/pkg/domain"
)

const DefaultJobDuration = 3 * time.Second

// Server is the print service. It knows nothing about mutual exclusion and
// prints whatever it is sent, counting the jobs that ran concurrently.
type Server struct {
	clock       *clock.LamportClock
	jobDuration time.Duration
	printing    atomic.Int32
	overlaps    atomic.Int64
	printed     atomic.Int64
	logg        *slog.Logger
}

func NewServer(jobDuration time.Duration, logg *slog.Logger) *Server {
	if jobDuration <= 0 {
		jobDuration = DefaultJobDuration
	}

	return &Server{
		clock:       clock.NewLamportClock(logg),
		jobDuration: jobDuration,
		logg:        logg.With("component", "printer"),
	}
}

func (s *Server) HandlePrint(ctx context.Context, req *domain.PrintRequest) (*domain.PrintResponse, error) {
	s.clock.Observe(req.Timestamp)

	if s.printing.Add(1) > 1 {
		s.overlaps.Add(1)
		s.logg.Error("Overlapping print job", "job_id", req.JobID, "from", req.PeerID)
	}
	defer s.printing.Add(-1)

	logg := s.logg.With("job_id", req.JobID, "from", req.PeerID, "request_number", req.RequestNumber)
	logg.Info("Printing", "timestamp", req.Timestamp, "message", req.Message)

	timer := time.NewTimer(s.jobDuration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		logg.Warn("Print job cancelled", "error", ctx.Err())

		return &domain.PrintResponse{
			Success:      false,
			Confirmation: fmt.Sprintf("job %s cancelled", req.JobID),
			Timestamp:    s.clock.Tick("cancel"),
		}, nil
	}

	s.printed.Add(1)
	logg.Info("Print done")

	return &domain.PrintResponse{
		Success:      true,
		Confirmation: fmt.Sprintf("printed job %s for %s", req.JobID, req.PeerID),
		Timestamp:    s.clock.Tick("printed"),
	}, nil
}

// Overlaps counts jobs that started while another was printing.
func (s *Server) Overlaps() int64 {
	return s.overlaps.Load()
}

func (s *Server) Printed() int64 {
	return s.printed.Load()
}

func (s *Server) Clock() *clock.LamportClock {
	return s.clock
}
