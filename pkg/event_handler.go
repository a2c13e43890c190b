package printmutex

import (
	"encoding/json"
	"log/slog"

	"github.com/ovaladares/printmutex/pkg/discovery"
	"github.com/ovaladares/printmutex/pkg/domain"
)

// DepartureListener is told about peers that left the cluster.
type DepartureListener interface {
	PeerDeparted(id domain.PeerID)
}

// MembershipEventHandler turns membership events into implicit grants. A
// peer that leaves or fails while it owes us a grant is treated as having
// granted.
type MembershipEventHandler struct {
	listener DepartureListener
	self     domain.PeerID
	logg     *slog.Logger
}

func NewMembershipEventHandler(listener DepartureListener, self domain.PeerID, logg *slog.Logger) *MembershipEventHandler {
	return &MembershipEventHandler{
		listener: listener,
		self:     self,
		logg:     logg.With("component", "membership_event_handler"),
	}
}

func (h *MembershipEventHandler) Handle(event *discovery.ClusterEvent) {
	if event == nil {
		h.logg.Warn("event is nil")

		return
	}

	switch event.Type {
	case discovery.MemberJoinEventType:
		h.handleMemberJoin(event)
	case discovery.MemberLeaveEventType:
		var leaveEvent discovery.MemberLeaveEvent

		if err := json.Unmarshal(event.Body, &leaveEvent); err != nil {
			h.logg.Error("failed to unmarshal member leave event", "error", err)

			return
		}

		h.handleDeparture("member left", leaveEvent.Nodes)
	case discovery.MemberFailedEventType:
		var failedEvent discovery.MemberFailedEvent

		if err := json.Unmarshal(event.Body, &failedEvent); err != nil {
			h.logg.Error("failed to unmarshal member failed event", "error", err)

			return
		}

		h.handleDeparture("member failed", failedEvent.Nodes)
	default:
		h.logg.Warn("unknown event type", "type", event.Type)
	}
}

func (h *MembershipEventHandler) handleMemberJoin(event *discovery.ClusterEvent) {
	var joinEvent discovery.MemberJoinEvent

	if err := json.Unmarshal(event.Body, &joinEvent); err != nil {
		h.logg.Error("failed to unmarshal member join event", "error", err)
		return
	}

	if len(joinEvent.Nodes) == 0 {
		h.logg.Warn("member join event has no nodes")
		return
	}

	for _, node := range joinEvent.Nodes {
		if node == h.self.String() {
			h.logg.Debug("ignoring self join event")
			continue
		}

		// a rejoining peer takes part from its next request onwards
		h.logg.Info("member joined", "node", node)
	}
}

func (h *MembershipEventHandler) handleDeparture(msg string, nodes []string) {
	if len(nodes) == 0 {
		h.logg.Warn("departure event has no nodes", "msg", msg)

		return
	}

	for _, node := range nodes {
		id, err := domain.ParsePeerID(node)
		if err != nil {
			h.logg.Warn("ignoring departure of unknown member", "node", node, "error", err)
			continue
		}

		if id == h.self {
			h.logg.Debug("ignoring self departure event")
			continue
		}

		h.logg.Info(msg, "node", node)

		h.listener.PeerDeparted(id)
	}
}
