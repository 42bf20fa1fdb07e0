package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/peercall/internal/chat"
)

type conversationView struct {
	Peer     string         `json:"peer"`
	Messages []chat.Message `json:"messages"`
}

func registerChatRoutes(r chi.Router, d Deps) {
	// POST /api/chat/send {content}
	r.Post("/api/chat/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := d.Chat.Send(r.Context(), req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	r.Get("/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		msgs, err := d.Chat.History(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []chat.Message{}
		}
		peer, _ := d.Chat.Peer()
		writeJSON(w, conversationView{Peer: peer, Messages: msgs})
	})

	// GET /api/chat/events: messages of the active conversation as they arrive.
	r.Get("/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := d.Chat.Subscribe()
		defer cancel()

		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, "message", msg); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
