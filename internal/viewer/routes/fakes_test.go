package routes

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/media"
)

type stubTransport struct {
	mu      sync.Mutex
	conns   []*stubConn
	inbound chan call.Inbound
}

func newStubTransport() *stubTransport {
	return &stubTransport{inbound: make(chan call.Inbound, 2)}
}

func (s *stubTransport) AssignIdentity(ctx context.Context) (string, error) { return "alice", nil }

func (s *stubTransport) Initiate(ctx context.Context, target string, mode media.Mode, local media.Source) (call.Conn, error) {
	c := newStubConn()
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

func (s *stubTransport) Inbound() <-chan call.Inbound { return s.inbound }

func (s *stubTransport) last() *stubConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

type stubConn struct {
	id     string
	events chan call.Event
}

func newStubConn() *stubConn {
	return &stubConn{id: uuid.NewString(), events: make(chan call.Event, 4)}
}

func (c *stubConn) ID() string                                           { return c.id }
func (c *stubConn) Answer(ctx context.Context, local media.Source) error { return nil }
func (c *stubConn) Events() <-chan call.Event                            { return c.events }
func (c *stubConn) Decline(reason string) error                          { return nil }
func (c *stubConn) Close() error                                         { return nil }

type stubRemote struct{}

func (stubRemote) ID() string          { return "remote-stream" }
func (stubRemote) Kinds() []media.Kind { return []media.Kind{media.KindAudio, media.KindVideo} }
func (stubRemote) Stats() media.Stats  { return media.Stats{Packets: 10, Bytes: 1200} }

type staticAcquirer struct{}

func (staticAcquirer) Acquire(ctx context.Context, mode media.Mode) (media.Source, error) {
	return media.NewStaticSource(mode.Kinds()...), nil
}

type stubChat struct {
	mu      sync.Mutex
	peer    string
	sent    []string
	sendErr error
	history []chat.Message
	ch      chan chat.Message
}

func (s *stubChat) Peer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.peer != ""
}

func (s *stubChat) Send(ctx context.Context, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return chat.Message{}, s.sendErr
	}
	s.sent = append(s.sent, content)
	return chat.Message{ID: uuid.NewString(), SenderID: "alice", ReceiverID: s.peer, Content: content}, nil
}

func (s *stubChat) History(ctx context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history, nil
}

func (s *stubChat) Subscribe() (<-chan chat.Message, func()) {
	return s.ch, func() {}
}
