// Package chat keeps the text conversation of the active call.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBufferSize = 200
	DefaultMaxLength  = 4096
	listenerDepth     = 16
)

// Backend stores and relays chat messages.
type Backend interface {
	Post(ctx context.Context, to, content string) (Message, error)
	History(ctx context.Context, peer string, limit int) ([]Message, error)
	// Messages streams messages addressed to this endpoint.
	Messages() (<-chan Message, func())
}

// Calls is the view of the call slot the chat needs. *call.Manager
// implements it.
type Calls interface {
	Identity() (string, bool)
	State() call.State
	Subscribe() (<-chan call.Notice, func())
}

type Options struct {
	BufferSize int
	MaxLength  int
}

// Manager scopes chat to the (local, remote) pair of the active call. The
// conversation buffer is dropped when the call ends.
type Manager struct {
	backend Backend
	calls   Calls
	opts    Options

	mu        sync.RWMutex
	attempt   string
	peer      string
	messages  *util.RingBuffer[Message]
	listeners []chan Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(backend Backend, calls Calls, opts Options) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	return &Manager{
		backend:  backend,
		calls:    calls,
		opts:     opts,
		messages: util.NewRingBuffer[Message](opts.BufferSize),
	}
}

// Start follows the call slot and the relayed message feed until ctx ends
// or Close is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	notices, stopNotices := m.calls.Subscribe()
	feed, stopFeed := m.backend.Messages()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stopNotices()
		defer stopFeed()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}
				m.sync()
			case msg, ok := <-feed:
				if !ok {
					feed = nil
					continue
				}
				m.receive(msg)
			}
		}
	}()
	m.sync()
}

// Peer returns the remote identity of the active call.
func (m *Manager) Peer() (string, bool) {
	_, peer := m.current()
	return peer, peer != ""
}

// current syncs with the call slot and returns the active attempt and peer.
func (m *Manager) current() (attempt, peer string) {
	m.sync()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempt, m.peer
}

// Send posts content to the peer of the active call.
func (m *Manager) Send(ctx context.Context, content string) (Message, error) {
	attempt, peer := m.current()
	if peer == "" {
		return Message{}, ErrNoActiveCall
	}
	content, err := normalize(content, m.opts.MaxLength)
	if err != nil {
		return Message{}, err
	}

	msg, err := m.backend.Post(ctx, peer, content)
	if err != nil {
		return Message{}, fmt.Errorf("send chat: %w", err)
	}
	log.Debug().Str("module", "chat").Str("peer", peer).Int("len", len(content)).Msg("message sent")
	m.add(attempt, msg)
	return msg, nil
}

// History loads the stored conversation with the peer of the active call
// and replaces the buffered one with it.
func (m *Manager) History(ctx context.Context) ([]Message, error) {
	attempt, peer := m.current()
	if peer == "" {
		return nil, ErrNoActiveCall
	}
	msgs, err := m.backend.History(ctx, peer, m.opts.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		return nil, ErrNoActiveCall
	}
	m.messages.Reset()
	for _, msg := range msgs {
		m.messages.Push(msg)
	}
	return m.messages.Snapshot(), nil
}

// Messages returns the buffered conversation, oldest first.
func (m *Manager) Messages() []Message {
	m.sync()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages.Snapshot()
}

// Subscribe returns a channel of messages of the active conversation and a
// cancel func.
func (m *Manager) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, listenerDepth)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l == ch {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// Close stops following the call and closes every listener.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		close(l)
	}
	m.listeners = nil
	return nil
}

// sync aligns the conversation with the call slot.
func (m *Manager) sync() {
	st := m.calls.State()
	attempt, peer := "", ""
	if st.Slot == call.Active && st.Attempt != nil {
		attempt, peer = st.Attempt.ID, st.Attempt.Peer
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if attempt == m.attempt {
		return
	}
	if m.peer != "" {
		log.Debug().Str("module", "chat").Str("peer", m.peer).Msg("conversation closed")
	}
	m.attempt, m.peer = attempt, peer
	m.messages.Reset()
}

func (m *Manager) receive(msg Message) {
	self, ok := m.calls.Identity()
	if !ok {
		return
	}
	attempt, peer := m.current()
	if peer == "" || !between(msg, self, peer) {
		log.Debug().Str("module", "chat").Str("from", msg.SenderID).Msg("message outside active call dropped")
		return
	}
	m.add(attempt, msg)
}

// add buffers msg if attempt is still the active one and notifies listeners.
func (m *Manager) add(attempt string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		return
	}
	for _, have := range m.messages.Snapshot() {
		if have.ID == msg.ID {
			return
		}
	}
	m.messages.Push(msg)
	for _, l := range m.listeners {
		select {
		case l <- msg:
		default:
		}
	}
}
