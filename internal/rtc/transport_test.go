package rtc

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rendezvous"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRendezvous(t *testing.T) string {
	t.Helper()
	s := rendezvous.New("127.0.0.1:0", nil, rendezvous.Options{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func newEndpoint(t *testing.T, url string, opts Options) (*Transport, string) {
	t.Helper()
	opts.SignalingURL = url
	tr := New(opts)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := tr.AssignIdentity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return tr, id
}

func nextInbound(t *testing.T, tr *Transport) call.Inbound {
	t.Helper()
	select {
	case in := <-tr.Inbound():
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound offer")
		return call.Inbound{}
	}
}

func nextEvent(t *testing.T, c call.Conn, within time.Duration) (call.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(within):
		t.Fatal("no connection event")
		return call.Event{}, false
	}
}

func TestAssignIdentity(t *testing.T) {
	url := startRendezvous(t)
	a, aID := newEndpoint(t, url, Options{})
	_, bID := newEndpoint(t, url, Options{})
	assert.NotEqual(t, aID, bID)

	again, err := a.AssignIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, aID, again)
}

func TestAssignIdentityUnreachable(t *testing.T) {
	tr := New(Options{SignalingURL: "ws://127.0.0.1:1/ws"})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := tr.AssignIdentity(ctx)
	assert.Error(t, err)

	_, err = tr.Client()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInitiateRequiresIdentity(t *testing.T) {
	tr := New(Options{SignalingURL: "ws://127.0.0.1:1/ws"})
	defer tr.Close()

	_, err := tr.Initiate(context.Background(), "peer", media.ModeAudio, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestOfferDeliversInbound(t *testing.T) {
	url := startRendezvous(t)
	a, aID := newEndpoint(t, url, Options{})
	b, bID := newEndpoint(t, url, Options{})

	local := media.NewStaticSource(media.KindAudio)
	out, err := a.Initiate(context.Background(), bID, media.ModeAudio, local)
	require.NoError(t, err)
	defer out.Close()

	in := nextInbound(t, b)
	assert.Equal(t, aID, in.From)
	assert.Equal(t, media.ModeAudio, in.Mode)
	assert.Equal(t, out.ID(), in.Conn.ID())
}

func TestRejectClosesCaller(t *testing.T) {
	url := startRendezvous(t)
	a, _ := newEndpoint(t, url, Options{})
	b, bID := newEndpoint(t, url, Options{})

	out, err := a.Initiate(context.Background(), bID, media.ModeVideo, nil)
	require.NoError(t, err)

	in := nextInbound(t, b)
	require.NoError(t, in.Conn.Close())
	require.NoError(t, in.Conn.Close())

	ev, ok := nextEvent(t, out, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventClosed, ev.Kind)

	_, ok = nextEvent(t, out, 2*time.Second)
	assert.False(t, ok, "events channel not closed")
}

func TestDeclineBusyReachesCaller(t *testing.T) {
	url := startRendezvous(t)
	a, _ := newEndpoint(t, url, Options{})
	b, bID := newEndpoint(t, url, Options{})

	out, err := a.Initiate(context.Background(), bID, media.ModeAudio, nil)
	require.NoError(t, err)

	in := nextInbound(t, b)
	require.NoError(t, in.Conn.Decline(call.DeclineBusy))

	ev, ok := nextEvent(t, out, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, call.ErrBusy)
	assert.Contains(t, ev.Err.Error(), bID)

	_, ok = nextEvent(t, out, 2*time.Second)
	assert.False(t, ok, "events channel not closed")
}

func TestFullInboundQueueIsBusy(t *testing.T) {
	url := startRendezvous(t)
	a, _ := newEndpoint(t, url, Options{})
	_, bID := newEndpoint(t, url, Options{})

	var last call.Conn
	for i := 0; i <= inboundDepth; i++ {
		out, err := a.Initiate(context.Background(), bID, media.ModeAudio, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = out.Close() })
		last = out
	}

	ev, ok := nextEvent(t, last, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, call.ErrBusy)
}

func TestHangupEvent(t *testing.T) {
	tests := []struct {
		reason string
		kind   call.EventKind
		err    error
	}{
		{reason: "", kind: call.EventClosed},
		{reason: reasonHangup, kind: call.EventClosed},
		{reason: "whatever", kind: call.EventClosed},
		{reason: reasonBusy, kind: call.EventError, err: call.ErrBusy},
		{reason: reasonBadOffer, kind: call.EventError, err: call.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			ev := hangupEvent("bob", tt.reason)
			assert.Equal(t, tt.kind, ev.Kind)
			if tt.err == nil {
				assert.NoError(t, ev.Err)
				return
			}
			assert.ErrorIs(t, ev.Err, tt.err)
		})
	}
}

func TestPeerUnavailable(t *testing.T) {
	url := startRendezvous(t)
	a, _ := newEndpoint(t, url, Options{})

	out, err := a.Initiate(context.Background(), "nobody", media.ModeAudio, nil)
	require.NoError(t, err)

	ev, ok := nextEvent(t, out, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventError, ev.Kind)
	assert.True(t, errors.Is(ev.Err, ErrPeerUnavailable))
}

func TestAnswerTimeout(t *testing.T) {
	url := startRendezvous(t)
	a, _ := newEndpoint(t, url, Options{AnswerTimeout: 200 * time.Millisecond})
	b, bID := newEndpoint(t, url, Options{})

	out, err := a.Initiate(context.Background(), bID, media.ModeAudio, nil)
	require.NoError(t, err)
	in := nextInbound(t, b)

	ev, ok := nextEvent(t, out, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrAnswerTimeout)

	ev, ok = nextEvent(t, in.Conn, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventClosed, ev.Kind)
	assert.ErrorIs(t, in.Conn.Answer(context.Background(), nil), ErrConnClosed)
}

func TestSignalingLostFailsConnections(t *testing.T) {
	url := startRendezvous(t)
	a, _ := newEndpoint(t, url, Options{})
	_, bID := newEndpoint(t, url, Options{})

	out, err := a.Initiate(context.Background(), bID, media.ModeAudio, nil)
	require.NoError(t, err)

	client, err := a.Client()
	require.NoError(t, err)
	require.NoError(t, client.Close())

	ev, ok := nextEvent(t, out, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrSignalingLost)
}

func TestMediaFlows(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real peer connections")
	}
	url := startRendezvous(t)

	acqA := media.NewSyntheticAcquirer()
	acqB := media.NewSyntheticAcquirer()
	a, _ := newEndpoint(t, url, Options{Codecs: acqA, IncludeLoopback: true})
	b, bID := newEndpoint(t, url, Options{Codecs: acqB, IncludeLoopback: true})

	ctx := context.Background()
	srcA, err := acqA.Acquire(ctx, media.ModeAudio)
	require.NoError(t, err)
	defer srcA.Stop()

	out, err := a.Initiate(ctx, bID, media.ModeAudio, srcA)
	require.NoError(t, err)
	defer out.Close()

	in := nextInbound(t, b)
	srcB, err := acqB.Acquire(ctx, media.ModeAudio)
	require.NoError(t, err)
	defer srcB.Stop()
	require.NoError(t, in.Conn.Answer(ctx, srcB))

	for _, c := range []call.Conn{out, in.Conn} {
		ev, ok := nextEvent(t, c, 20*time.Second)
		require.True(t, ok)
		require.Equal(t, call.EventStream, ev.Kind)
		assert.Contains(t, ev.Remote.Kinds(), media.KindAudio)
	}

	assert.Eventually(t, func() bool {
		return out.(*conn).remote.Stats().Packets > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, in.Conn.Close())
	ev, ok := nextEvent(t, out, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, call.EventClosed, ev.Kind)
}

func TestRemoteSourceCounts(t *testing.T) {
	r := newRemoteSource()
	assert.True(t, r.add(media.KindAudio))
	assert.False(t, r.add(media.KindAudio))
	assert.True(t, r.add(media.KindVideo))
	assert.Equal(t, []media.Kind{media.KindAudio, media.KindVideo}, r.Kinds())

	r.count(&rtp.Packet{Payload: []byte{1, 2, 3}})
	r.count(&rtp.Packet{Payload: []byte{4}})
	assert.Equal(t, media.Stats{Packets: 2, Bytes: 4}, r.Stats())
}
