package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/rs/zerolog/log"
)

// ErrClientClosed is returned once the websocket connection has ended.
var ErrClientClosed = errors.New("rendezvous: connection closed")

const subscriberDepth = 256

// Client is one endpoint connection to a rendezvous server. The identity
// assigned in the open message is valid for the life of the connection.
type Client struct {
	baseURL string
	wsURL   string
	ws      *websocket.Conn
	HTTP    *http.Client

	writeMu sync.Mutex

	mu      sync.Mutex
	id      string
	subs    []*subscription
	pending map[string]chan Envelope
	err     error

	opened chan struct{}
	done   chan struct{}
	once   sync.Once
}

type subscription struct {
	types map[string]bool
	ch    chan Envelope
}

// Dial connects to the rendezvous websocket at rawURL. Plain host:port and
// http(s) URLs are accepted.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	wsURL, err := util.NormalizeWSURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		baseURL: httpBase(wsURL),
		wsURL:   wsURL,
		ws:      ws,
		HTTP:    &http.Client{Timeout: util.DefaultDialTimeout},
		pending: make(map[string]chan Envelope),
		opened:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.pingLoop()

	log.Debug().Str("module", "rendezvous").Str("url", wsURL).Msg("connected")
	return c, nil
}

// httpBase turns ws://host/ws into http://host.
func httpBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// ID waits for the identity assigned by the server.
func (c *Client) ID(ctx context.Context) (string, error) {
	select {
	case <-c.opened:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.id, nil
	case <-c.done:
		return "", c.Err()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send writes env to the server.
func (c *Client) Send(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.shutdown(err)
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Subscribe returns a channel of incoming envelopes of the given types (all
// types when none are given) and a cancel func. The channel is closed when
// the connection ends or cancel is called.
func (c *Client) Subscribe(types ...string) (<-chan Envelope, func()) {
	sub := &subscription{ch: make(chan Envelope, subscriberDepth)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s == sub {
					c.subs = append(c.subs[:i], c.subs[i+1:]...)
					close(sub.ch)
					return
				}
			}
		})
	}
	return sub.ch, cancel
}

// Request sends env with a fresh correlation ID and waits for the reply
// carrying the same ID. Error replies are returned as *RemoteError.
func (c *Client) Request(ctx context.Context, env Envelope) (Envelope, error) {
	env.ID = uuid.NewString()
	reply := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(env); err != nil {
		return Envelope{}, err
	}

	select {
	case r := <-reply:
		if r.Type == TypeError {
			return r, remoteError(r)
		}
		return r, nil
	case <-c.done:
		return Envelope{}, c.Err()
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func remoteError(env Envelope) error {
	var p ErrorPayload
	if err := env.Decode(&p); err != nil {
		return &RemoteError{Reason: ReasonBadMessage, Detail: err.Error()}
	}
	return &RemoteError{Reason: p.Reason, Dst: p.Dst, Detail: p.Detail}
}

// SendChat stores a chat message addressed to peer and returns it as
// persisted by the server.
func (c *Client) SendChat(ctx context.Context, to, content string) (storage.Message, error) {
	env, err := NewEnvelope(TypeChatSend, "", ChatSend{To: to, Content: content})
	if err != nil {
		return storage.Message{}, err
	}
	r, err := c.Request(ctx, env)
	if err != nil {
		return storage.Message{}, err
	}
	var msg storage.Message
	if err := r.Decode(&msg); err != nil {
		return storage.Message{}, fmt.Errorf("decode chat message: %w", err)
	}
	return msg, nil
}

// ChatHistory returns the stored conversation with peer, oldest first.
func (c *Client) ChatHistory(ctx context.Context, peer string, limit int) ([]storage.Message, error) {
	env, err := NewEnvelope(TypeChatHistory, "", ChatHistoryRequest{Peer: peer, Limit: limit})
	if err != nil {
		return nil, err
	}
	r, err := c.Request(ctx, env)
	if err != nil {
		return nil, err
	}
	var res ChatHistoryResult
	if err := r.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return res.Messages, nil
}

// Status fetches /peers.json from the server. Returns (nil, nil) when the
// endpoint is not available.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	found, err := c.getJSON(ctx, c.baseURL+"/peers.json", &st)
	if !found || err != nil {
		return nil, err
	}
	return &st, nil
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v. Returns (true, nil) on 2xx. Returns (false, nil) if the server
// returns 404 or 502. Returns (false, err) on other non-2xx status or
// transport/decode errors.
func (c *Client) getJSON(ctx context.Context, rawURL string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", rawURL, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClientClosed
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(util.ShortTimeout))
	c.writeMu.Unlock()
	c.shutdown(ErrClientClosed)
	return nil
}

func (c *Client) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			log.Debug().Str("module", "rendezvous").Err(err).Msg("malformed envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Type == TypeOpen && c.id == "" {
		var p OpenPayload
		if err := env.Decode(&p); err == nil && p.ID != "" {
			c.id = p.ID
			close(c.opened)
			log.Info().Str("module", "rendezvous").Str("id", p.ID).Msg("identity assigned")
		}
		return
	}

	if env.ID != "" {
		if reply, ok := c.pending[env.ID]; ok {
			select {
			case reply <- env:
			default:
			}
			return
		}
	}

	for _, s := range c.subs {
		if s.types != nil && !s.types[env.Type] {
			continue
		}
		select {
		case s.ch <- env:
		default:
			log.Warn().Str("module", "rendezvous").Str("type", env.Type).Msg("subscriber slow, dropping")
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		for _, s := range c.subs {
			close(s.ch)
		}
		c.subs = nil
		c.mu.Unlock()
		_ = c.ws.Close()
		log.Debug().Str("module", "rendezvous").Err(err).Msg("disconnected")
	})
}
