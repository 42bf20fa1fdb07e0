package call

import (
	"time"

	"github.com/petervdpas/peercall/internal/media"
)

type NoticeKind string

const (
	NoticeIdentity    NoticeKind = "identity"
	NoticeIncoming    NoticeKind = "incoming"
	NoticeCalling     NoticeKind = "calling"
	NoticeAnswered    NoticeKind = "answered"
	NoticeEstablished NoticeKind = "established"
	NoticeRejected    NoticeKind = "rejected"
	NoticeEnded       NoticeKind = "ended"
	NoticeBusy        NoticeKind = "busy"
	NoticeError       NoticeKind = "error"
)

// Notice is a user-facing notification about the call slot or identity.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Peer    string     `json:"peer,omitempty"`
	Mode    media.Mode `json:"mode,omitempty"`
	Slot    Slot       `json:"slot"`
	Message string     `json:"message,omitempty"`
	Err     error      `json:"-"`
	At      time.Time  `json:"at"`
}

// Subscribe returns a channel of notices and a cancel function. Slow
// subscribers miss notices rather than stall the manager.
func (m *Manager) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, 32)

	m.subMu.Lock()
	if m.subs == nil {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if n.Err != nil && n.Message == "" {
		n.Message = n.Err.Error()
	}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subMu.Unlock()
}
