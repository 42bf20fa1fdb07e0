package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleTransport struct{ inbound chan call.Inbound }

func (t idleTransport) AssignIdentity(ctx context.Context) (string, error) { return "alice", nil }
func (t idleTransport) Initiate(ctx context.Context, target string, mode media.Mode, local media.Source) (call.Conn, error) {
	return nil, fmt.Errorf("offline")
}
func (t idleTransport) Inbound() <-chan call.Inbound { return t.inbound }

func newManager(t *testing.T) *call.Manager {
	t.Helper()
	m := call.New(idleTransport{inbound: make(chan call.Inbound)}, media.NewSyntheticAcquirer())
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m
}

func TestAuthToken(t *testing.T) {
	h := Viewer{Calls: newManager(t), AuthToken: "s3cret"}.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call/state", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/call/state", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/call/state", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call/state?token=s3cret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenWithoutToken(t *testing.T) {
	h := Viewer{Calls: newManager(t)}.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Contains(t, rec.Body.String(), `"slot":"idle"`)
}

func TestLogRoutes(t *testing.T) {
	logs := NewLogBuffer(10)
	logger := zerolog.New(logs)
	logger.Info().Str("module", "call").Msg("hello")

	h := Viewer{Calls: newManager(t), Logs: logs}.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "call", entries[0].Module)
	assert.Equal(t, "hello", entries[0].Msg)

	rec = httptest.NewRecorder()
	Viewer{Calls: newManager(t)}.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Start(ctx, addr, Viewer{Calls: newManager(t)}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/self")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("viewer did not stop")
	}
}
