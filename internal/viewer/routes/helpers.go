package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/media"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a call or chat error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidTarget),
		errors.Is(err, call.ErrInvalidMode),
		errors.Is(err, chat.ErrEmpty),
		errors.Is(err, chat.ErrTooLong):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrNoIncoming),
		errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrSuperseded),
		errors.Is(err, chat.ErrNoActiveCall):
		return http.StatusConflict
	case errors.Is(err, call.ErrMediaUnavailable),
		errors.Is(err, call.ErrIdentityPending),
		errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("bad request body: %w", err)
}

func parseMode(w http.ResponseWriter, s string) (media.Mode, bool) {
	mode, err := media.ParseMode(s)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", false
	}
	return mode, true
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
