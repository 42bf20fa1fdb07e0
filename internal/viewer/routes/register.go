package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/media"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the call slot as seen by the UI. *call.Manager implements it.
type Calls interface {
	Identity() (string, bool)
	IdentityErr() error
	RetryIdentity()
	State() call.State
	RemoteStats() (media.Stats, bool)
	InitiateCall(ctx context.Context, target string, mode media.Mode) error
	AnswerIncoming(ctx context.Context, mode media.Mode) error
	RejectIncoming() error
	EndCall()
	Subscribe() (<-chan call.Notice, func())
	Mux() *call.StreamMux
}

// Chat is the conversation of the active call. *chat.Manager implements it.
type Chat interface {
	Peer() (string, bool)
	Send(ctx context.Context, content string) (chat.Message, error)
	History(ctx context.Context) ([]chat.Message, error)
	Subscribe() (<-chan chat.Message, func())
}

type Deps struct {
	Calls Calls
	Chat  Chat
	Logs  Logs
}

// Register mounts the UI API on r. Chat and Logs are optional.
func Register(r chi.Router, d Deps) {
	registerSelfRoutes(r, d)
	registerCallRoutes(r, d)
	if d.Chat != nil {
		registerChatRoutes(r, d)
	}
	registerAPILogRoutes(r, d)
}
