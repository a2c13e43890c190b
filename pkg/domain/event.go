package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ovaladares/printmutex/pkg/clock"
)

// PeerID identifies a peer. It is the tie-break key of the priority order
// and the key used to look up a peer's address.
type PeerID int32

func (id PeerID) Valid() bool {
	return id > 0
}

func (id PeerID) String() string {
	return fmt.Sprintf("peer-%d", int32(id))
}

var ErrInvalidPeerName = errors.New("invalid peer name")

// ErrInvalidRequest marks a protocol message that is well formed but
// carries values no peer could have sent.
var ErrInvalidRequest = errors.New("invalid access request")

// ParsePeerID is the inverse of PeerID.String.
func ParsePeerID(name string) (PeerID, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 2 || parts[0] != "peer" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeerName, name)
	}

	n, err := strconv.Atoi(parts[1])
	if err != nil || n <= 0 || int64(n) > int64(^uint32(0)>>1) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeerName, name)
	}

	return PeerID(n), nil
}

type AccessRequest struct {
	Timestamp     clock.LamportTime `json:"timestamp"`
	PeerID        PeerID            `json:"peer-id"`
	RequestNumber uint64            `json:"request-number"`
}

type AccessResponse struct {
	Granted   bool              `json:"granted"`
	Timestamp clock.LamportTime `json:"timestamp"`
}

// GrantRequest releases a previously deferred request. RequestTimestamp
// echoes the timestamp of the request being granted, 0 when unknown.
type GrantRequest struct {
	PeerID           PeerID            `json:"peer-id"`
	Timestamp        clock.LamportTime `json:"timestamp"`
	RequestTimestamp clock.LamportTime `json:"request-timestamp"`
}

type PrintRequest struct {
	JobID         string            `json:"job-id"`
	PeerID        PeerID            `json:"peer-id"`
	Message       string            `json:"message"`
	Timestamp     clock.LamportTime `json:"timestamp"`
	RequestNumber uint64            `json:"request-number"`
}

type PrintResponse struct {
	Success      bool              `json:"success"`
	Confirmation string            `json:"confirmation"`
	Timestamp    clock.LamportTime `json:"timestamp"`
}

const RequestAccessMethodName = "RequestAccess"
const GrantAccessMethodName = "GrantAccess"
const SendToPrinterMethodName = "SendToPrinter"
