package routes

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/rs/zerolog/log"
)

const keepAliveInterval = 25 * time.Second

// previewSink is a display sink that keeps the last descriptor shown.
type previewSink struct {
	mu      sync.Mutex
	d       *media.Descriptor
	updated time.Time
}

func (p *previewSink) Show(d media.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.d = &d
	p.updated = time.Now()
}

func (p *previewSink) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.d = nil
	p.updated = time.Now()
}

func (p *previewSink) get() (*media.Descriptor, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.d == nil {
		return nil, p.updated
	}
	d := *p.d
	return &d, p.updated
}

type previewView struct {
	Local       *media.Descriptor `json:"local"`
	Remote      *media.Descriptor `json:"remote"`
	RemoteStats *media.Stats      `json:"remote_stats,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func registerCallRoutes(r chi.Router, d Deps) {
	var local, remote previewSink
	d.Calls.Mux().Bind(&local, &remote)

	// POST /api/call/start {target, mode}
	r.Post("/api/call/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Target string `json:"target"`
			Mode   string `json:"mode"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode, ok := parseMode(w, req.Mode)
		if !ok {
			return
		}
		if err := d.Calls.InitiateCall(r.Context(), strings.TrimSpace(req.Target), mode); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d.Calls.State())
	})

	// POST /api/call/answer {mode}
	r.Post("/api/call/answer", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode, ok := parseMode(w, req.Mode)
		if !ok {
			return
		}
		if err := d.Calls.AnswerIncoming(r.Context(), mode); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d.Calls.State())
	})

	r.Post("/api/call/reject", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Calls.RejectIncoming(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d.Calls.State())
	})

	// Hangup is valid in any state; Idle stays Idle.
	r.Post("/api/call/hangup", func(w http.ResponseWriter, r *http.Request) {
		d.Calls.EndCall()
		writeJSON(w, d.Calls.State())
	})

	r.Get("/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.State())
	})

	r.Get("/api/call/preview", func(w http.ResponseWriter, r *http.Request) {
		var v previewView
		var lt, rt time.Time
		v.Local, lt = local.get()
		v.Remote, rt = remote.get()
		v.UpdatedAt = lt
		if rt.After(lt) {
			v.UpdatedAt = rt
		}
		if st, ok := d.Calls.RemoteStats(); ok && v.Remote != nil {
			v.RemoteStats = &st
		}
		writeJSON(w, v)
	})

	// GET /api/call/events: the current state, then every notice followed by
	// the state it produced.
	r.Get("/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		notices, cancel := d.Calls.Subscribe()
		defer cancel()

		if err := writeEvent(w, "state", d.Calls.State()); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case n, ok := <-notices:
				if !ok {
					return
				}
				if err := writeEvent(w, "notice", n); err != nil {
					log.Debug().Str("module", "viewer").Err(err).Msg("call events stream closed")
					return
				}
				_ = writeEvent(w, "state", d.Calls.State())
				flusher.Flush()
			}
		}
	})
}
