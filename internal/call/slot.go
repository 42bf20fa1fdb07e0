package call

import (
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/media"
)

// Slot is the single call slot of an endpoint.
type Slot int

const (
	Idle Slot = iota
	IncomingPending
	OutgoingPending
	Active
)

func (s Slot) String() string {
	switch s {
	case Idle:
		return "idle"
	case IncomingPending:
		return "incoming"
	case OutgoingPending:
		return "outgoing"
	case Active:
		return "active"
	}
	return "unknown"
}

func (s Slot) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Attempt describes the call occupying the slot.
type Attempt struct {
	ID        string     `json:"id"`
	Peer      string     `json:"peer"`
	Mode      media.Mode `json:"mode"`
	Direction Direction  `json:"direction"`
	Started   time.Time  `json:"started"`
}

func newAttempt(peer string, mode media.Mode, dir Direction) Attempt {
	return Attempt{
		ID:        uuid.NewString(),
		Peer:      peer,
		Mode:      mode,
		Direction: dir,
		Started:   time.Now(),
	}
}

// State is a snapshot of the slot. Media is exposed as read-only descriptors.
type State struct {
	Slot    Slot              `json:"slot"`
	Attempt *Attempt          `json:"attempt,omitempty"`
	Local   *media.Descriptor `json:"local,omitempty"`
	Remote  *media.Descriptor `json:"remote,omitempty"`
	Version uint64            `json:"version"`
}

// InCall reports whether a call is pending or active.
func (s State) InCall() bool { return s.Slot != Idle }

// Pending reports whether a call waits for an answer.
func (s State) Pending() bool { return s.Slot == IncomingPending || s.Slot == OutgoingPending }

// callRecord is the mutable side of an attempt, owned by the Manager.
// Pointer identity of the record tells a resumed operation whether it is
// still current.
type callRecord struct {
	att       Attempt
	conn      Conn
	local     media.Source
	remote    media.Remote
	answering bool
}
