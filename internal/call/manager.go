// Package call runs the single call slot of an endpoint: it owns local media
// for the duration of a call, reacts to transport events and returns to Idle
// through one release path on every exit.
package call

import (
	"context"
	"strings"
	"sync"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/rs/zerolog/log"
)

// Manager is the call state machine. All slot mutations happen under mu;
// operations that suspend (media acquisition, negotiation) re-check that
// their record is still current when they resume.
type Manager struct {
	tr  Transport
	acq media.Acquirer
	ids *IdentityHolder
	mux *StreamMux

	mu      sync.Mutex
	slot    Slot
	cur     *callRecord
	version uint64
	closed  bool
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	subMu sync.RWMutex
	subs  map[chan Notice]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Manager over tr and acq. Call Start to request an identity
// and begin receiving calls.
func New(tr Transport, acq media.Acquirer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tr:     tr,
		acq:    acq,
		ids:    NewIdentityHolder(tr.AssignIdentity),
		mux:    NewStreamMux(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[chan Notice]struct{}),
		done:   make(chan struct{}),
	}
	m.ids.setNotify(func(n Notice) {
		n.Slot = m.State().Slot
		m.publish(n)
	})
	return m
}

// Start requests the signaling identity and starts the inbound loop. It is
// a no-op after the first call.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	m.ids.Start(runCtx)
	go m.inboundLoop()
}

// Identity returns the endpoint identity once assigned.
func (m *Manager) Identity() (string, bool) { return m.ids.Identity() }

// IdentityErr returns the last identity assignment failure.
func (m *Manager) IdentityErr() error { return m.ids.Err() }

// RetryIdentity re-requests the identity after a failed assignment.
func (m *Manager) RetryIdentity() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	m.ids.Retry(ctx)
}

// WaitIdentity blocks until the identity is assigned or assignment fails.
func (m *Manager) WaitIdentity(ctx context.Context) (string, error) { return m.ids.Wait(ctx) }

// Mux returns the stream multiplexer fed by this manager.
func (m *Manager) Mux() *StreamMux { return m.mux }

// State returns a snapshot of the call slot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// RemoteStats returns receive counters of the remote media, if any.
func (m *Manager) RemoteStats() (media.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.remote == nil || m.slot != Active {
		return media.Stats{}, false
	}
	r, ok := m.cur.remote.(media.StatsReporter)
	if !ok {
		return media.Stats{}, false
	}
	return r.Stats(), true
}

// InitiateCall offers a call to target. It returns once the offer is sent;
// the slot stays OutgoingPending until the transport reports remote media.
func (m *Manager) InitiateCall(ctx context.Context, target string, mode media.Mode) error {
	const op = "initiate"
	target = strings.TrimSpace(target)

	self, ok := m.ids.Identity()
	if !ok {
		return m.refuse(op, target, ErrIdentityPending)
	}
	if target == "" || target == self {
		return m.refuse(op, target, ErrInvalidTarget)
	}
	if !mode.Valid() {
		return m.refuse(op, target, ErrInvalidMode)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &CallError{Op: op, Peer: target, Err: ErrClosed}
	}
	if m.slot != Idle {
		m.mu.Unlock()
		return m.refuse(op, target, ErrBusy)
	}
	rec := &callRecord{att: newAttempt(target, mode, Outgoing)}
	m.cur = rec
	m.slot = OutgoingPending
	st := m.bumpLocked()
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("peer", target).Str("mode", string(mode)).Msg("calling")
	m.changed(st, &Notice{Kind: NoticeCalling, Peer: target, Mode: mode})

	src, err := m.acq.Acquire(ctx, mode)
	if err != nil {
		err = mediaError(err)
		m.release(rec, err, NoticeError)
		return &CallError{Op: op, Peer: target, Err: err}
	}
	if !m.attachLocal(rec, src) {
		src.Stop()
		return &CallError{Op: op, Peer: target, Err: ErrSuperseded}
	}

	conn, err := m.tr.Initiate(ctx, target, mode, src)
	if err != nil {
		err = transportError(err)
		m.release(rec, err, NoticeError)
		return &CallError{Op: op, Peer: target, Err: err}
	}
	if !m.attachConn(rec, conn) {
		conn.Close()
		return &CallError{Op: op, Peer: target, Err: ErrSuperseded}
	}
	return nil
}

// AnswerIncoming accepts the pending inbound call with local media of mode.
// If media cannot be acquired the call is rejected.
func (m *Manager) AnswerIncoming(ctx context.Context, mode media.Mode) error {
	const op = "answer"

	m.mu.Lock()
	rec := m.cur
	if m.slot != IncomingPending || rec == nil {
		m.mu.Unlock()
		return &CallError{Op: op, Err: ErrNoIncoming}
	}
	peer := rec.att.Peer
	if !mode.Valid() {
		m.mu.Unlock()
		return m.refuse(op, peer, ErrInvalidMode)
	}
	if rec.answering {
		m.mu.Unlock()
		return &CallError{Op: op, Peer: peer, Err: ErrBusy}
	}
	rec.answering = true
	rec.att.Mode = mode
	conn := rec.conn
	m.mu.Unlock()

	src, err := m.acq.Acquire(ctx, mode)
	if err != nil {
		err = mediaError(err)
		m.release(rec, err, NoticeRejected)
		return &CallError{Op: op, Peer: peer, Err: err}
	}
	if !m.attachLocal(rec, src) {
		src.Stop()
		return &CallError{Op: op, Peer: peer, Err: ErrSuperseded}
	}

	if err := conn.Answer(ctx, src); err != nil {
		err = transportError(err)
		m.release(rec, err, NoticeError)
		return &CallError{Op: op, Peer: peer, Err: err}
	}

	m.mu.Lock()
	if m.cur != rec {
		m.mu.Unlock()
		return &CallError{Op: op, Peer: peer, Err: ErrSuperseded}
	}
	rec.answering = false
	m.slot = Active
	early := rec.remote != nil
	st := m.bumpLocked()
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("peer", peer).Str("mode", string(mode)).Msg("answered")
	m.changed(st, &Notice{Kind: NoticeAnswered, Peer: peer, Mode: mode})
	if early {
		log.Info().Str("module", "call").Str("peer", peer).Msg("call established")
		m.changed(st, &Notice{Kind: NoticeEstablished, Peer: peer, Mode: mode})
	}
	return nil
}

// RejectIncoming declines the pending inbound call without touching media.
func (m *Manager) RejectIncoming() error {
	m.mu.Lock()
	rec := m.cur
	if m.slot != IncomingPending || rec == nil {
		m.mu.Unlock()
		return &CallError{Op: "reject", Err: ErrNoIncoming}
	}
	m.mu.Unlock()

	m.release(rec, nil, NoticeRejected)
	return nil
}

// EndCall hangs up whatever occupies the slot. It is a no-op when Idle.
func (m *Manager) EndCall() {
	m.release(nil, nil, NoticeEnded)
}

// ReleaseAll stops local media, closes the connection, drops the remote
// media and resets the slot to Idle. Calling it again has no effect.
func (m *Manager) ReleaseAll() {
	m.release(nil, nil, NoticeEnded)
}

// Close releases the slot, stops the background loops and closes every
// subscriber channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	close(m.done)
	m.ReleaseAll()
	m.wg.Wait()
	m.closeSubscribers()
}

func (m *Manager) inboundLoop() {
	defer m.wg.Done()
	in := m.tr.Inbound()
	for {
		select {
		case <-m.done:
			return
		case inb, ok := <-in:
			if !ok {
				return
			}
			m.receive(inb)
		}
	}
}

func (m *Manager) receive(in Inbound) {
	peer := strings.TrimSpace(in.From)
	mode := in.Mode
	if !mode.Valid() {
		mode = media.ModeVideo
	}

	m.mu.Lock()
	if m.closed || m.slot != Idle {
		slot := m.slot
		m.mu.Unlock()

		log.Info().Str("module", "call").Str("peer", peer).Str("slot", slot.String()).Msg("busy, dropping inbound call")
		if err := in.Conn.Decline(DeclineBusy); err != nil {
			log.Debug().Str("module", "call").Err(err).Msg("decline dropped connection")
		}
		m.publish(Notice{Kind: NoticeBusy, Peer: peer, Mode: mode, Slot: slot, Err: ErrBusy})
		return
	}
	rec := &callRecord{att: newAttempt(peer, mode, Incoming), conn: in.Conn}
	m.cur = rec
	m.slot = IncomingPending
	st := m.bumpLocked()
	m.wg.Add(1)
	go m.watch(rec, in.Conn)
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("peer", peer).Str("mode", string(mode)).Msg("incoming call")
	m.changed(st, &Notice{Kind: NoticeIncoming, Peer: peer, Mode: mode})
}

// watch feeds the events of one connection to the state machine in order.
func (m *Manager) watch(rec *callRecord, conn Conn) {
	defer m.wg.Done()
	events := conn.Events()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				m.release(rec, nil, NoticeEnded)
				return
			}
			if !m.handle(rec, ev) {
				return
			}
		}
	}
}

// handle applies one connection event. It returns false once the record is
// no longer current.
func (m *Manager) handle(rec *callRecord, ev Event) bool {
	switch ev.Kind {
	case EventStream:
		m.mu.Lock()
		if m.cur != rec {
			m.mu.Unlock()
			return false
		}
		// Media that arrives before the user answers is parked on the record
		// and only surfaces once the slot is Active.
		if m.slot == IncomingPending {
			rec.remote = ev.Remote
			m.mu.Unlock()
			return true
		}
		established := (m.slot == OutgoingPending) || (m.slot == Active && rec.remote == nil)
		att := rec.att
		rec.remote = ev.Remote
		if m.slot == OutgoingPending {
			m.slot = Active
		}
		st := m.bumpLocked()
		m.mu.Unlock()

		var n *Notice
		if established {
			log.Info().Str("module", "call").Str("peer", att.Peer).Msg("call established")
			n = &Notice{Kind: NoticeEstablished, Peer: att.Peer, Mode: att.Mode}
		}
		m.changed(st, n)
		return true
	case EventClosed:
		m.release(rec, nil, NoticeEnded)
		return false
	default:
		m.release(rec, transportError(ev.Err), NoticeError)
		return false
	}
}

func (m *Manager) attachLocal(rec *callRecord, src media.Source) bool {
	m.mu.Lock()
	if m.cur != rec {
		m.mu.Unlock()
		return false
	}
	rec.local = src
	st := m.bumpLocked()
	m.mu.Unlock()

	m.changed(st, nil)
	return true
}

func (m *Manager) attachConn(rec *callRecord, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != rec || m.closed {
		return false
	}
	rec.conn = conn
	m.wg.Add(1)
	go m.watch(rec, conn)
	return true
}

// release is the only path back to Idle. With a non-nil rec it only acts if
// rec is still current. Local tracks are stopped and the connection is closed
// before the slot becomes observable as Idle, so Conn.Close must not call
// back into the Manager.
func (m *Manager) release(rec *callRecord, cause error, kind NoticeKind) bool {
	m.mu.Lock()
	cur := m.cur
	if cur == nil || (rec != nil && cur != rec) {
		m.mu.Unlock()
		return false
	}
	att := cur.att
	m.cur = nil
	if cur.local != nil {
		cur.local.Stop()
	}
	if cur.conn != nil {
		if err := cur.conn.Close(); err != nil {
			log.Debug().Str("module", "call").Err(err).Msg("close connection")
		}
	}
	m.slot = Idle
	st := m.bumpLocked()
	m.mu.Unlock()

	ev := log.Info()
	if cause != nil {
		ev = log.Warn().Err(cause)
	}
	ev.Str("module", "call").Str("peer", att.Peer).Str("reason", string(kind)).Msg("call released")

	m.changed(st, &Notice{Kind: kind, Peer: att.Peer, Mode: att.Mode, Err: cause})
	return true
}

// refuse reports a rejected operation without touching the slot.
func (m *Manager) refuse(op, peer string, err error) error {
	kind := NoticeError
	if err == ErrBusy {
		kind = NoticeBusy
	}
	m.publish(Notice{Kind: kind, Peer: peer, Slot: m.State().Slot, Err: err})
	return &CallError{Op: op, Peer: peer, Err: err}
}

func (m *Manager) changed(st State, n *Notice) {
	m.mux.Apply(st)
	if n != nil {
		n.Slot = st.Slot
		m.publish(*n)
	}
}

func (m *Manager) bumpLocked() State {
	m.version++
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	st := State{Slot: m.slot, Version: m.version}
	if m.cur != nil {
		att := m.cur.att
		st.Attempt = &att
		st.Local = media.Describe(m.cur.local)
		if m.slot == Active {
			st.Remote = media.DescribeRemote(m.cur.remote)
		}
	}
	return st
}
