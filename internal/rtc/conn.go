package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rendezvous"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// conn is one peer connection negotiated over the rendezvous relay.
type conn struct {
	t        *Transport
	client   *rendezvous.Client
	id       string
	peer     string
	mode     media.Mode
	outgoing bool
	pc       *webrtc.PeerConnection
	remote   *remoteSource

	mu          sync.Mutex
	remoteSet   bool
	answered    bool
	trickle     bool
	finished    bool
	remoteCands []webrtc.ICECandidateInit
	localCands  []webrtc.ICECandidateInit
	timer       *time.Timer

	events chan call.Event
	done   chan struct{}
}

func newConn(t *Transport, client *rendezvous.Client, id, peer string, mode media.Mode, outgoing bool, pc *webrtc.PeerConnection) *conn {
	c := &conn{
		t:        t,
		client:   client,
		id:       id,
		peer:     peer,
		mode:     mode,
		outgoing: outgoing,
		pc:       pc,
		remote:   newRemoteSource(),
		events:   make(chan call.Event, 4),
		done:     make(chan struct{}),
	}

	pc.OnICECandidate(c.onLocalCandidate)
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("conn", c.id).Str("state", s.String()).Msg("connection state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			go c.shutdown(&call.Event{Kind: call.EventError, Err: ErrConnectionFailed}, reasonHangup)
		case webrtc.PeerConnectionStateClosed:
			go c.shutdown(&call.Event{Kind: call.EventClosed}, "")
		case webrtc.PeerConnectionStateDisconnected:
			log.Warn().Str("module", "rtc").Str("conn", c.id).Str("peer", c.peer).Msg("connection interrupted")
		}
	})
	return c
}

func (c *conn) ID() string               { return c.id }
func (c *conn) Events() <-chan call.Event { return c.events }

// Answer accepts an inbound offer with local media.
func (c *conn) Answer(ctx context.Context, local media.Source) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.outgoing || c.answered {
		c.mu.Unlock()
		return fmt.Errorf("conn %s: already answered", c.id)
	}
	c.answered = true
	c.mu.Unlock()

	if err := c.addLocal(local, nil); err != nil {
		return fmt.Errorf("add local tracks: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.send(rendezvous.TypeAnswer, signal{ConnectionID: c.id, SDP: answer.SDP}); err != nil {
		return err
	}
	c.startTrickle()

	log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", c.peer).Msg("answer sent")
	return nil
}

// Close tears the connection down and tells the peer. It is idempotent.
func (c *conn) Close() error {
	c.shutdown(nil, reasonHangup)
	return nil
}

// Decline closes the connection and sends reason with the hangup.
func (c *conn) Decline(reason string) error {
	if reason == "" {
		reason = reasonHangup
	}
	c.shutdown(nil, reason)
	return nil
}

// addLocal attaches the tracks of local to the peer connection and adds
// receive-only transceivers for the wanted kinds local does not send.
func (c *conn) addLocal(local media.Source, want []media.Kind) error {
	have := make(map[media.Kind]bool)
	if local != nil {
		for _, tr := range local.WebRTCTracks() {
			sender, err := c.pc.AddTrack(tr)
			if err != nil {
				return err
			}
			have[media.KindOf(tr.Kind())] = true
			go drainRTCP(sender)
		}
	}
	for _, k := range want {
		if have[k] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(codecType(k), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so sender interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *conn) send(typ string, sig signal) error {
	env, err := rendezvous.NewEnvelope(typ, c.peer, sig)
	if err != nil {
		return err
	}
	return c.client.Send(env)
}

func (c *conn) armAnswerTimer(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		answered := c.answered
		c.mu.Unlock()
		if !answered {
			log.Warn().Str("module", "rtc").Str("conn", c.id).Str("peer", c.peer).Msg("answer timed out")
			c.shutdown(&call.Event{Kind: call.EventError, Err: ErrAnswerTimeout}, reasonHangup)
		}
	})
}

// startTrickle flushes candidates gathered before the description was sent
// and lets later ones go out directly.
func (c *conn) startTrickle() {
	c.mu.Lock()
	c.trickle = true
	pending := c.localCands
	c.localCands = nil
	c.mu.Unlock()

	for i := range pending {
		c.sendCandidate(pending[i])
	}
}

func (c *conn) onLocalCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	init := cand.ToJSON()

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if !c.trickle {
		c.localCands = append(c.localCands, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(init)
}

func (c *conn) sendCandidate(init webrtc.ICECandidateInit) {
	if err := c.send(rendezvous.TypeCandidate, signal{ConnectionID: c.id, Candidate: &init}); err != nil {
		log.Debug().Str("module", "rtc").Str("conn", c.id).Err(err).Msg("send candidate")
	}
}

// setRemote applies the remote description and any candidates that arrived
// before it.
func (c *conn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	if desc.Type == webrtc.SDPTypeAnswer {
		c.answered = true
		if c.timer != nil {
			c.timer.Stop()
		}
	}
	pending := c.remoteCands
	c.remoteCands = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Debug().Str("module", "rtc").Str("conn", c.id).Err(err).Msg("add queued candidate")
		}
	}
	return nil
}

func (c *conn) addRemoteCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.remoteCands = append(c.remoteCands, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Debug().Str("module", "rtc").Str("conn", c.id).Err(err).Msg("add candidate")
	}
}

func (c *conn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := media.KindOf(track.Kind())
	log.Info().Str("module", "rtc").Str("conn", c.id).Str("kind", string(kind)).Str("codec", track.Codec().MimeType).Msg("remote track")

	go c.remote.pump(c.id, track)
	if kind == media.KindVideo {
		go requestKeyframes(c.pc, track.SSRC(), c.done)
	}
	if c.remote.add(kind) {
		c.emit(call.Event{Kind: call.EventStream, Remote: c.remote})
	}
}

// emit delivers a non-final event. Events after shutdown are dropped.
func (c *conn) emit(ev call.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "rtc").Str("conn", c.id).Str("event", ev.Kind.String()).Msg("event dropped")
	}
}

// shutdown ends the connection exactly once. final, when set, is delivered
// before the events channel closes. A non-empty hangup reason is sent to the
// peer.
func (c *conn) shutdown(final *call.Event, hangup string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if final != nil {
		select {
		case c.events <- *final:
		default:
		}
	}
	close(c.events)
	close(c.done)
	c.mu.Unlock()

	c.t.unregister(c)
	if hangup != "" {
		if err := c.send(rendezvous.TypeHangup, signal{ConnectionID: c.id, Reason: hangup}); err != nil && !errors.Is(err, rendezvous.ErrClientClosed) {
			log.Debug().Str("module", "rtc").Str("conn", c.id).Err(err).Msg("send hangup")
		}
	}
	if err := c.pc.Close(); err != nil {
		log.Debug().Str("module", "rtc").Str("conn", c.id).Err(err).Msg("close peer connection")
	}

	ev := log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", c.peer)
	if final != nil {
		ev = ev.Str("event", final.Kind.String())
		if final.Err != nil {
			ev = ev.AnErr("cause", final.Err)
		}
	}
	ev.Msg("connection closed")
}
