package call

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/media"
)

type fakeTransport struct {
	mu        sync.Mutex
	id        string
	idErrs    []error
	idCalls   int
	initErr   error
	initiated []*fakeConn
	inbound   chan Inbound
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, inbound: make(chan Inbound, 4)}
}

func (f *fakeTransport) AssignIdentity(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idCalls++
	if len(f.idErrs) > 0 {
		err := f.idErrs[0]
		f.idErrs = f.idErrs[1:]
		return "", err
	}
	return f.id, nil
}

func (f *fakeTransport) Initiate(ctx context.Context, target string, mode media.Mode, local media.Source) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	c := newFakeConn()
	c.local = local
	f.initiated = append(f.initiated, c)
	return c, nil
}

func (f *fakeTransport) Inbound() <-chan Inbound { return f.inbound }

func (f *fakeTransport) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.initiated) == 0 {
		return nil
	}
	return f.initiated[len(f.initiated)-1]
}

func (f *fakeTransport) offer(from string, mode media.Mode) *fakeConn {
	c := newFakeConn()
	f.inbound <- Inbound{From: from, Mode: mode, Conn: c}
	return c
}

type fakeConn struct {
	id     string
	events chan Event

	mu        sync.Mutex
	closed    int
	declined  string
	local     media.Source
	answerErr error
	// onClose runs inside Close before it returns.
	onClose func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString(), events: make(chan Event, 8)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Answer(ctx context.Context, local media.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.local = local
	return nil
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	hook := c.onClose
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *fakeConn) Decline(reason string) error {
	c.mu.Lock()
	c.declined = reason
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) declineReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.declined
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

func (c *fakeConn) answeredWith() media.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

type fakeRemote struct{ id string }

func (r fakeRemote) ID() string          { return r.id }
func (r fakeRemote) Kinds() []media.Kind { return []media.Kind{media.KindAudio, media.KindVideo} }
func (r fakeRemote) Stats() media.Stats  { return media.Stats{Packets: 3, Bytes: 300} }

type fakeAcquirer struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	calls   int
	sources []media.Source
}

var errNoCamera = errors.New("no camera")

func (a *fakeAcquirer) Acquire(ctx context.Context, mode media.Mode) (media.Source, error) {
	a.mu.Lock()
	a.calls++
	gate, err := a.gate, a.err
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	src := media.NewStaticSource(mode.Kinds()...)
	a.mu.Lock()
	a.sources = append(a.sources, src)
	a.mu.Unlock()
	return src, nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAcquirer) liveSources() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.sources {
		if s.Live() {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu    sync.Mutex
	shown []media.Descriptor
	clear int
}

func (s *recordingSink) Show(d media.Descriptor) {
	s.mu.Lock()
	s.shown = append(s.shown, d)
	s.mu.Unlock()
}

func (s *recordingSink) Clear() {
	s.mu.Lock()
	s.clear++
	s.mu.Unlock()
}

func (s *recordingSink) last() (media.Descriptor, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d media.Descriptor
	if len(s.shown) > 0 {
		d = s.shown[len(s.shown)-1]
	}
	return d, len(s.shown), s.clear
}
