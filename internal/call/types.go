package call

import (
	"context"

	"github.com/petervdpas/peercall/internal/media"
)

// Transport is the only surface the call package needs from the signaling
// and peer connection layer. internal/rtc provides the production
// implementation.
type Transport interface {
	// AssignIdentity obtains this endpoint's address from the rendezvous
	// service. It may be called again after a failure.
	AssignIdentity(ctx context.Context) (string, error)
	// Initiate offers a call to target carrying local media.
	Initiate(ctx context.Context, target string, mode media.Mode, local media.Source) (Conn, error)
	// Inbound delivers call offers from remote endpoints. The same channel is
	// returned on every call.
	Inbound() <-chan Inbound
}

// Inbound is an offer received from a remote endpoint.
type Inbound struct {
	From string
	Mode media.Mode
	Conn Conn
}

// Conn is one negotiated or negotiating media connection.
type Conn interface {
	ID() string
	// Answer accepts an inbound offer with local media.
	Answer(ctx context.Context, local media.Source) error
	// Events delivers connection events in transport order. The channel is
	// closed after the final closed or error event.
	Events() <-chan Event
	// Decline refuses an inbound offer and tells the caller why. The
	// connection is closed afterwards.
	Decline(reason string) error
	// Close tears the connection down. It is idempotent.
	Close() error
}

// DeclineBusy is the reason given to a caller whose offer arrives while the
// slot is taken.
const DeclineBusy = "busy"

type EventKind int

const (
	// EventStream reports remote media becoming available.
	EventStream EventKind = iota
	// EventClosed reports an orderly close by the remote side.
	EventClosed
	// EventError reports a connection failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStream:
		return "stream"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Event struct {
	Kind   EventKind
	Remote media.Remote
	Err    error
}
