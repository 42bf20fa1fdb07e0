package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueDepth = 64
)

type Options struct {
	// Per-connection relay rate and burst.
	RelayRate  rate.Limit
	RelayBurst int
	// Upper bound of one websocket message.
	MaxMessageBytes int64
	// Upper bound of one chat message body.
	MaxChatLength int
	// Concurrent connections accepted from one IP.
	MaxPeersPerIP int
	// Default number of messages returned by chat-history.
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.RelayRate <= 0 {
		o.RelayRate = 50
	}
	if o.RelayBurst <= 0 {
		o.RelayBurst = 100
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.MaxChatLength <= 0 {
		o.MaxChatLength = 4096
	}
	if o.MaxPeersPerIP <= 0 {
		o.MaxPeersPerIP = 32
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 200
	}
	return o
}

// Server assigns endpoint identities to websocket connections, relays call
// signaling between them and persists chat between identities.
type Server struct {
	addr string
	opts Options
	db   *storage.DB

	upgrader websocket.Upgrader
	srv      *http.Server

	mu      sync.RWMutex
	peers   map[string]*peerConn
	ipCount map[string]int
}

type peerConn struct {
	id      string
	ip      string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

// New creates a rendezvous server listening on addr. db may be nil, in which
// case chat requests are answered with chat-disabled.
func New(addr string, db *storage.DB, opts Options) *Server {
	return &Server{
		addr: addr,
		opts: opts.withDefaults(),
		db:   db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Endpoints are native processes and local viewers, not pages
			// served from this origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers:   make(map[string]*peerConn),
		ipCount: make(map[string]int),
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/peers.json", s.handlePeersJSON)
	r.Get("/ws", s.handleWS)
	return r
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.closeAll()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("module", "rendezvous").Err(err).Msg("server error")
		}
	}()

	log.Info().Str("module", "rendezvous").Str("addr", s.addr).Bool("chat", s.db != nil).Msg("rendezvous listening")
	return nil
}

// URL returns the http URL of the server.
func (s *Server) URL() string {
	return "http://" + s.addr
}

// PeerCount returns the number of connected endpoints.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) handlePeersJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(Status{Peers: s.PeerCount(), Chat: s.db != nil})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if !s.reserveIP(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseIP(ip)
		log.Debug().Str("module", "rendezvous").Err(err).Msg("upgrade failed")
		return
	}

	p := &peerConn{
		id:      uuid.NewString(),
		ip:      ip,
		ws:      ws,
		send:    make(chan []byte, sendQueueDepth),
		limiter: rate.NewLimiter(s.opts.RelayRate, s.opts.RelayBurst),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	log.Info().Str("module", "rendezvous").Str("peer", p.id).Str("ip", ip).Msg("peer connected")

	go p.writeLoop()
	if env, err := NewEnvelope(TypeOpen, p.id, OpenPayload{ID: p.id}); err == nil {
		p.enqueue(env)
	}

	s.readLoop(p)
	s.unregister(p)
}

func (s *Server) readLoop(p *peerConn) {
	p.ws.SetReadLimit(s.opts.MaxMessageBytes)
	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("module", "rendezvous").Str("peer", p.id).Err(err).Msg("read failed")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			p.fail(Envelope{}, ReasonBadMessage, "", "malformed json")
			continue
		}
		s.route(p, env)
	}
}

func (s *Server) route(p *peerConn, env Envelope) {
	if !p.limiter.Allow() {
		p.fail(env, ReasonRateLimited, env.Dst, "")
		return
	}
	env.Src = p.id

	switch env.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup:
		dst := s.lookup(env.Dst)
		if dst == nil {
			p.fail(env, ReasonPeerUnavailable, env.Dst, "")
			return
		}
		dst.enqueue(env)
	case TypeChatSend:
		s.handleChatSend(p, env)
	case TypeChatHistory:
		s.handleChatHistory(p, env)
	default:
		p.fail(env, ReasonBadMessage, "", fmt.Sprintf("unknown type %q", env.Type))
	}
}

func (s *Server) handleChatSend(p *peerConn, env Envelope) {
	if s.db == nil {
		p.fail(env, ReasonChatDisabled, "", "")
		return
	}
	var req ChatSend
	if err := env.Decode(&req); err != nil {
		p.fail(env, ReasonBadMessage, "", err.Error())
		return
	}
	to, err := util.ValidatePeerID(req.To)
	if err != nil {
		p.fail(env, ReasonChatRejected, req.To, err.Error())
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		p.fail(env, ReasonChatRejected, to, "empty message")
		return
	}
	if len(content) > s.opts.MaxChatLength {
		p.fail(env, ReasonChatRejected, to, "message too long")
		return
	}

	msg, err := s.db.InsertMessage(storage.Message{SenderID: p.id, ReceiverID: to, Content: content})
	if err != nil {
		log.Error().Str("module", "rendezvous").Err(err).Msg("store chat message")
		p.fail(env, ReasonChatRejected, to, "store failed")
		return
	}

	out, err := NewEnvelope(TypeChatMessage, to, msg)
	if err != nil {
		return
	}
	out.Src = p.id
	if dst := s.lookup(to); dst != nil && dst != p {
		dst.enqueue(out)
	}
	out.ID = env.ID
	p.enqueue(out)
}

func (s *Server) handleChatHistory(p *peerConn, env Envelope) {
	if s.db == nil {
		p.fail(env, ReasonChatDisabled, "", "")
		return
	}
	var req ChatHistoryRequest
	if err := env.Decode(&req); err != nil {
		p.fail(env, ReasonBadMessage, "", err.Error())
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > s.opts.HistoryLimit {
		limit = s.opts.HistoryLimit
	}

	msgs, err := s.db.Conversation(p.id, req.Peer, limit)
	if err != nil {
		log.Error().Str("module", "rendezvous").Err(err).Msg("load chat history")
		p.fail(env, ReasonChatRejected, req.Peer, "history unavailable")
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}

	out, err := NewEnvelope(TypeChatHistory, p.id, ChatHistoryResult{Messages: msgs})
	if err != nil {
		return
	}
	out.ID = env.ID
	p.enqueue(out)
}

func (s *Server) lookup(id string) *peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

func (s *Server) unregister(p *peerConn) {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()
	s.releaseIP(p.ip)
	p.close()
	log.Info().Str("module", "rendezvous").Str("peer", p.id).Msg("peer disconnected")
}

func (s *Server) closeAll() {
	s.mu.RLock()
	peers := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
}

func (s *Server) reserveIP(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipCount[ip] >= s.opts.MaxPeersPerIP {
		return false
	}
	s.ipCount[ip]++
	return true
}

func (s *Server) releaseIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipCount[ip] <= 1 {
		delete(s.ipCount, ip)
		return
	}
	s.ipCount[ip]--
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// enqueue queues env for the write loop. A peer that cannot keep up loses
// messages rather than stalling the relay.
func (p *peerConn) enqueue(env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case <-p.done:
	case p.send <- b:
	default:
		log.Warn().Str("module", "rendezvous").Str("peer", p.id).Str("type", env.Type).Msg("send queue full, dropping")
	}
}

func (p *peerConn) fail(req Envelope, reason, dst, detail string) {
	env, err := NewEnvelope(TypeError, p.id, ErrorPayload{Reason: reason, Dst: dst, Detail: detail})
	if err != nil {
		return
	}
	env.ID = req.ID
	p.enqueue(env)
}

func (p *peerConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case b := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}
