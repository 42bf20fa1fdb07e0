package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type selfView struct {
	ID       string `json:"id,omitempty"`
	Assigned bool   `json:"assigned"`
	Error    string `json:"error,omitempty"`
}

func selfOf(d Deps) selfView {
	id, ok := d.Calls.Identity()
	v := selfView{ID: id, Assigned: ok}
	if !ok {
		if err := d.Calls.IdentityErr(); err != nil {
			v.Error = err.Error()
		}
	}
	return v
}

func registerSelfRoutes(r chi.Router, d Deps) {
	r.Get("/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, selfOf(d))
	})

	// Retry is a no-op once the identity is assigned.
	r.Post("/api/identity/retry", func(w http.ResponseWriter, r *http.Request) {
		d.Calls.RetryIdentity()
		writeJSONStatus(w, http.StatusAccepted, selfOf(d))
	})
}
