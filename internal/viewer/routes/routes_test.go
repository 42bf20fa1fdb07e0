package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestRouter(t *testing.T, c Chat) (http.Handler, *call.Manager, *stubTransport) {
	t.Helper()
	tr := newStubTransport()
	m := call.New(tr, staticAcquirer{})
	m.Start(context.Background())
	t.Cleanup(m.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := m.WaitIdentity(ctx)
	require.NoError(t, err)

	r := chi.NewRouter()
	Register(r, Deps{Calls: m, Chat: c})
	return r, m, tr
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type stateBody struct {
	Slot    string `json:"slot"`
	Attempt *struct {
		Peer string `json:"peer"`
		Mode string `json:"mode"`
	} `json:"attempt"`
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateBody {
	t.Helper()
	var st stateBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestSelfReportsIdentity(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	rec := do(t, h, http.MethodGet, "/api/self", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"alice","assigned":true}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/identity/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStartCallAndHangup(t *testing.T) {
	h, m, tr := newTestRouter(t, nil)

	rec := do(t, h, http.MethodPost, "/api/call/start", `{"target":"bob","mode":"video"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeState(t, rec)
	assert.Equal(t, "outgoing", st.Slot)
	require.NotNil(t, st.Attempt)
	assert.Equal(t, "bob", st.Attempt.Peer)
	assert.Equal(t, "video", st.Attempt.Mode)

	tr.last().events <- call.Event{Kind: call.EventStream, Remote: stubRemote{}}
	require.Eventually(t, func() bool { return m.State().Slot == call.Active }, waitFor, 5*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/api/call/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pv struct {
		Local  *struct{ Kinds []string } `json:"local"`
		Remote *struct {
			ID string `json:"id"`
		} `json:"remote"`
		RemoteStats *struct {
			Packets uint64 `json:"packets"`
		} `json:"remote_stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pv))
	require.NotNil(t, pv.Local)
	assert.ElementsMatch(t, []string{"audio", "video"}, pv.Local.Kinds)
	require.NotNil(t, pv.Remote)
	assert.Equal(t, "remote-stream", pv.Remote.ID)
	require.NotNil(t, pv.RemoteStats)
	assert.EqualValues(t, 10, pv.RemoteStats.Packets)

	rec = do(t, h, http.MethodPost, "/api/call/hangup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeState(t, rec).Slot)

	rec = do(t, h, http.MethodGet, "/api/call/preview", "")
	assert.Contains(t, rec.Body.String(), `"local":null`)
	assert.Contains(t, rec.Body.String(), `"remote":null`)
}

func TestStartCallErrors(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	rec := do(t, h, http.MethodPost, "/api/call/start", `{"target":"bob","mode":"smell"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/call/start", `{"target":"  ","mode":"audio"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/call/start", `{"target":"alice","mode":"audio"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "calling yourself")

	rec = do(t, h, http.MethodPost, "/api/call/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/call/start", `{"target":"bob","mode":"audio"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/call/start", `{"target":"carol","mode":"audio"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "busy")
}

func TestAnswerAndRejectNeedIncoming(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	rec := do(t, h, http.MethodPost, "/api/call/answer", `{"mode":"audio"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/call/reject", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/call/hangup", "")
	assert.Equal(t, http.StatusOK, rec.Code, "hangup while idle")
}

func TestAnswerIncoming(t *testing.T) {
	h, m, tr := newTestRouter(t, nil)

	tr.inbound <- call.Inbound{From: "bob", Mode: "video", Conn: newStubConn()}
	require.Eventually(t, func() bool { return m.State().Slot == call.IncomingPending }, waitFor, 5*time.Millisecond)

	rec := do(t, h, http.MethodGet, "/api/call/state", "")
	assert.Equal(t, "incoming", decodeState(t, rec).Slot)

	rec = do(t, h, http.MethodPost, "/api/call/answer", `{"mode":"audio"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeState(t, rec)
	assert.Equal(t, "active", st.Slot)
	require.NotNil(t, st.Attempt)
	assert.Equal(t, "audio", st.Attempt.Mode)
}

func TestRejectIncoming(t *testing.T) {
	h, m, tr := newTestRouter(t, nil)

	tr.inbound <- call.Inbound{From: "bob", Mode: "audio", Conn: newStubConn()}
	require.Eventually(t, func() bool { return m.State().Slot == call.IncomingPending }, waitFor, 5*time.Millisecond)

	rec := do(t, h, http.MethodPost, "/api/call/reject", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeState(t, rec).Slot)
}

func TestCallEventsStream(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() (string, string) {
		var event, data string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
		return "", ""
	}

	event, data := next()
	require.Equal(t, "state", event)
	assert.Contains(t, data, `"slot":"idle"`)

	go do(t, h, http.MethodPost, "/api/call/start", `{"target":"bob","mode":"audio"}`)

	event, data = next()
	require.Equal(t, "notice", event)
	assert.Contains(t, data, `"kind":"calling"`)
	assert.Contains(t, data, `"peer":"bob"`)

	event, data = next()
	require.Equal(t, "state", event)
	assert.Contains(t, data, `"peer":"bob"`)
}

func TestChatRoutes(t *testing.T) {
	c := &stubChat{peer: "bob", history: []chat.Message{{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "hi"}}}
	h, _, _ := newTestRouter(t, c)

	rec := do(t, h, http.MethodPost, "/api/chat/send", `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"hello"`)
	assert.Equal(t, []string{"hello"}, c.sent)

	rec = do(t, h, http.MethodGet, "/api/chat/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conv struct {
		Peer     string         `json:"peer"`
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "bob", conv.Peer)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hi", conv.Messages[0].Content)

	c.sendErr = chat.ErrNoActiveCall
	rec = do(t, h, http.MethodPost, "/api/chat/send", `{"content":"hello"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	c.sendErr = chat.ErrEmpty
	rec = do(t, h, http.MethodPost, "/api/chat/send", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRoutesOptional(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	rec := do(t, h, http.MethodGet, "/api/chat/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	wrap := func(err error) error { return &call.CallError{Op: "initiate", Peer: "bob", Err: err} }

	assert.Equal(t, http.StatusServiceUnavailable, statusFor(wrap(call.ErrIdentityPending)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(wrap(call.ErrMediaUnavailable)))
	assert.Equal(t, http.StatusBadGateway, statusFor(wrap(call.ErrTransport)))
	assert.Equal(t, http.StatusConflict, statusFor(wrap(call.ErrSuperseded)))
	assert.Equal(t, http.StatusBadRequest, statusFor(chat.ErrTooLong))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
