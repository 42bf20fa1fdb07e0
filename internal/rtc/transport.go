// Package rtc implements the call transport with pion peer connections
// negotiated over a rendezvous relay.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rendezvous"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	inboundDepth = 8
	chatDepth    = 64
)

type Options struct {
	SignalingURL string
	ICEServers   []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// AnswerTimeout bounds how long an offer waits for an answer.
	AnswerTimeout time.Duration

	// Codecs registers the codecs of the local media. Defaults are used when nil.
	Codecs media.CodecRegistrar

	// IncludeLoopback gathers loopback candidates, for endpoints on one host.
	IncludeLoopback bool
}

func (o Options) withDefaults() Options {
	if o.DisconnectedTimeout <= 0 {
		o.DisconnectedTimeout = 30 * time.Second
	}
	if o.FailedTimeout <= 0 {
		o.FailedTimeout = 120 * time.Second
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 2 * time.Second
	}
	return o
}

// Transport carries calls between endpoints. The rendezvous connection is
// opened by AssignIdentity and lives until it drops or Close is called.
type Transport struct {
	opts Options
	dial func(ctx context.Context, url string) (*rendezvous.Client, error)

	mu     sync.Mutex
	client *rendezvous.Client
	ice    []webrtc.ICEServer
	conns  map[string]*conn
	closed bool

	inbound chan call.Inbound

	chatMu   sync.Mutex
	chatSubs map[chan storage.Message]struct{}
}

func New(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts:     opts,
		dial:     rendezvous.Dial,
		ice:      append([]webrtc.ICEServer(nil), opts.ICEServers...),
		conns:    make(map[string]*conn),
		inbound:  make(chan call.Inbound, inboundDepth),
		chatSubs: make(map[chan storage.Message]struct{}),
	}
}

// AssignIdentity connects to the rendezvous service, if not connected, and
// returns the identity it assigns.
func (t *Transport) AssignIdentity(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrConnClosed
	}
	c := t.client
	t.mu.Unlock()

	if c == nil || isDone(c) {
		var err error
		c, err = t.dial(ctx, t.opts.SignalingURL)
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = c.Close()
			return "", ErrConnClosed
		}
		t.client = c
		t.mu.Unlock()
		go t.run(c)
	}

	id, err := c.ID(ctx)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return id, nil
}

// Client returns the live rendezvous connection.
func (t *Transport) Client() (*rendezvous.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || isDone(t.client) {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// SetICEServers replaces the ICE servers used by subsequent connections.
func (t *Transport) SetICEServers(servers []webrtc.ICEServer) {
	t.mu.Lock()
	t.ice = append([]webrtc.ICEServer(nil), servers...)
	t.mu.Unlock()
}

func (t *Transport) Inbound() <-chan call.Inbound { return t.inbound }

// Initiate sends an offer for mode to target. It returns once the offer is
// on the wire; the answer and remote media arrive as connection events.
func (t *Transport) Initiate(ctx context.Context, target string, mode media.Mode, local media.Source) (call.Conn, error) {
	client, err := t.Client()
	if err != nil {
		return nil, err
	}
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, err
	}

	c := newConn(t, client, uuid.NewString(), target, mode, true, pc)
	if err := c.addLocal(local, mode.Kinds()); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local tracks: %w", err)
	}
	if !t.register(c) {
		_ = pc.Close()
		return nil, ErrConnClosed
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = c.send(rendezvous.TypeOffer, signal{ConnectionID: c.id, Mode: mode, SDP: offer.SDP})
	}
	if err != nil {
		c.shutdown(nil, "")
		return nil, fmt.Errorf("offer: %w", err)
	}

	c.startTrickle()
	c.armAnswerTimer(t.opts.AnswerTimeout)
	log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", target).Str("mode", string(mode)).Msg("offer sent")
	return c, nil
}

// ChatMessages streams chat messages relayed to this endpoint.
func (t *Transport) ChatMessages() (<-chan storage.Message, func()) {
	ch := make(chan storage.Message, chatDepth)
	t.chatMu.Lock()
	t.chatSubs[ch] = struct{}{}
	t.chatMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.chatMu.Lock()
			if _, ok := t.chatSubs[ch]; ok {
				delete(t.chatSubs, ch)
				close(ch)
			}
			t.chatMu.Unlock()
		})
	}
}

// Close ends every connection and the rendezvous session.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client := t.client
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if client != nil {
		_ = client.Close()
	}

	t.chatMu.Lock()
	for ch := range t.chatSubs {
		close(ch)
	}
	t.chatSubs = map[chan storage.Message]struct{}{}
	t.chatMu.Unlock()
	return nil
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	var err error
	if t.opts.Codecs != nil {
		err = t.opts.Codecs.RegisterCodecs(me)
	} else {
		err = me.RegisterDefaultCodecs()
	}
	if err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(t.opts.DisconnectedTimeout, t.opts.FailedTimeout, t.opts.KeepAliveInterval)
	if t.opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	t.mu.Lock()
	ice := append([]webrtc.ICEServer(nil), t.ice...)
	t.mu.Unlock()

	return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
}

func (t *Transport) register(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c.id] = c
	return true
}

func (t *Transport) unregister(c *conn) {
	t.mu.Lock()
	if t.conns[c.id] == c {
		delete(t.conns, c.id)
	}
	t.mu.Unlock()
}

// lookup returns the connection id belonging to peer.
func (t *Transport) lookup(id, peer string) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.conns[id]
	if c == nil || c.peer != peer {
		return nil
	}
	return c
}

func (t *Transport) connsTo(peer string) []*conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*conn
	for _, c := range t.conns {
		if c.peer == peer {
			out = append(out, c)
		}
	}
	return out
}

// run routes relayed envelopes of one rendezvous session. When the session
// ends every connection signaled over it fails.
func (t *Transport) run(client *rendezvous.Client) {
	ch, cancel := client.Subscribe(
		rendezvous.TypeOffer, rendezvous.TypeAnswer, rendezvous.TypeCandidate,
		rendezvous.TypeHangup, rendezvous.TypeError, rendezvous.TypeChatMessage,
	)
	defer cancel()

	for env := range ch {
		t.dispatch(client, env)
	}

	t.mu.Lock()
	var lost []*conn
	for _, c := range t.conns {
		if c.client == client {
			lost = append(lost, c)
		}
	}
	t.mu.Unlock()
	for _, c := range lost {
		c.shutdown(&call.Event{Kind: call.EventError, Err: ErrSignalingLost}, "")
	}
	log.Warn().Str("module", "rtc").Err(client.Err()).Msg("signaling session ended")
}

func (t *Transport) dispatch(client *rendezvous.Client, env rendezvous.Envelope) {
	switch env.Type {
	case rendezvous.TypeChatMessage:
		var msg storage.Message
		if err := env.Decode(&msg); err != nil {
			log.Debug().Str("module", "rtc").Err(err).Msg("bad chat message")
			return
		}
		t.publishChat(msg)
		return
	case rendezvous.TypeError:
		t.onRelayError(env)
		return
	}

	var sig signal
	if err := env.Decode(&sig); err != nil || sig.ConnectionID == "" {
		log.Debug().Str("module", "rtc").Str("type", env.Type).Str("from", env.Src).Msg("malformed signal")
		return
	}

	if env.Type == rendezvous.TypeOffer {
		t.onOffer(client, env.Src, sig)
		return
	}

	c := t.lookup(sig.ConnectionID, env.Src)
	if c == nil {
		log.Debug().Str("module", "rtc").Str("type", env.Type).Str("conn", sig.ConnectionID).Msg("signal for unknown connection")
		return
	}

	switch env.Type {
	case rendezvous.TypeAnswer:
		if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			log.Warn().Str("module", "rtc").Str("conn", c.id).Err(err).Msg("apply answer")
			c.shutdown(&call.Event{Kind: call.EventError, Err: fmt.Errorf("apply answer: %w", err)}, reasonHangup)
			return
		}
		log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", c.peer).Msg("answer received")
	case rendezvous.TypeCandidate:
		if sig.Candidate != nil {
			c.addRemoteCandidate(*sig.Candidate)
		}
	case rendezvous.TypeHangup:
		log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", c.peer).Str("reason", sig.Reason).Msg("remote hangup")
		c.shutdown(hangupEvent(c.peer, sig.Reason), "")
	}
}

// hangupEvent maps the reason of a remote hangup to the final event of the
// connection. Refusals surface as errors so the caller learns why.
func hangupEvent(peer, reason string) *call.Event {
	switch reason {
	case reasonBusy:
		return &call.Event{Kind: call.EventError, Err: fmt.Errorf("%w: %s", call.ErrBusy, peer)}
	case reasonBadOffer:
		return &call.Event{Kind: call.EventError, Err: fmt.Errorf("%w: %s rejected the offer", call.ErrTransport, peer)}
	default:
		return &call.Event{Kind: call.EventClosed}
	}
}

func (t *Transport) onOffer(client *rendezvous.Client, from string, sig signal) {
	if t.lookup(sig.ConnectionID, from) != nil {
		return
	}
	mode, err := media.ParseMode(string(sig.Mode))
	if err != nil {
		mode = media.ModeVideo
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		log.Error().Str("module", "rtc").Err(err).Msg("create peer connection")
		return
	}
	c := newConn(t, client, sig.ConnectionID, from, mode, false, pc)
	if !t.register(c) {
		_ = pc.Close()
		return
	}
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		log.Warn().Str("module", "rtc").Str("peer", from).Err(err).Msg("apply offer")
		c.shutdown(nil, reasonBadOffer)
		return
	}

	select {
	case t.inbound <- call.Inbound{From: from, Mode: mode, Conn: c}:
		log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", from).Str("mode", string(mode)).Msg("offer received")
	default:
		log.Warn().Str("module", "rtc").Str("peer", from).Msg("inbound queue full")
		c.shutdown(nil, reasonBusy)
	}
}

func (t *Transport) onRelayError(env rendezvous.Envelope) {
	var p rendezvous.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	log.Warn().Str("module", "rtc").Str("reason", p.Reason).Str("dst", p.Dst).Str("detail", p.Detail).Msg("relay error")
	if p.Reason != rendezvous.ReasonPeerUnavailable || p.Dst == "" {
		return
	}
	for _, c := range t.connsTo(p.Dst) {
		c.shutdown(&call.Event{Kind: call.EventError, Err: fmt.Errorf("%w: %s", ErrPeerUnavailable, p.Dst)}, "")
	}
}

func (t *Transport) publishChat(msg storage.Message) {
	t.chatMu.Lock()
	defer t.chatMu.Unlock()
	for ch := range t.chatSubs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func isDone(c *rendezvous.Client) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

