package viewer

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/petervdpas/peercall/internal/viewer/routes"
	"github.com/rs/zerolog/log"
)

type Viewer struct {
	Calls routes.Calls
	Chat  routes.Chat // optional
	Logs  *LogBuffer  // optional

	// AuthToken gates every /api route. Empty leaves the API open.
	AuthToken string
}

// Handler builds the UI API router.
func (v Viewer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(noCache)
	r.Use(v.requireToken)

	deps := routes.Deps{Calls: v.Calls, Chat: v.Chat}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(r, deps)
	return r
}

func (v Viewer) requireToken(next http.Handler) http.Handler {
	if v.AuthToken == "" {
		return next
	}
	want := []byte(v.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves the viewer on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("module", "viewer").Str("addr", ln.Addr().String()).Msg("viewer listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
