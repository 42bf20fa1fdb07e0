package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNormalizeLocalViewer(t *testing.T) {
	addr, url, tcp := NormalizeLocalViewer(" :8080 ")
	assert.Equal(t, "127.0.0.1:8080", addr)
	assert.Equal(t, "http://127.0.0.1:8080", url)
	assert.Equal(t, addr, tcp)

	addr, _, _ = NormalizeLocalViewer("0.0.0.0:9000")
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestICEServers(t *testing.T) {
	out := iceServers(config.ICE{Servers: []config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"},
	}})
	require.Len(t, out, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, out[0].URLs)
	assert.Empty(t, out[0].Username)
	assert.Equal(t, "u", out[1].Username)
	assert.Equal(t, "p", out[1].Credential)
}

func TestPromptInteractive(t *testing.T) {
	answers := strings.Join([]string{
		"127.0.0.1:9999", // viewer
		"y",              // host rendezvous
		"notaport",       // port, retried
		"9000",
		"n",                      // rendezvous-only
		"ws://127.0.0.1:9000/ws", // signaling
		"yes",                    // synthetic
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg := PromptInteractive(strings.NewReader(answers), &out, "/tmp/p", "/tmp/p/peercall.json", config.Default())

	assert.Equal(t, "127.0.0.1:9999", cfg.Viewer.HTTPAddr)
	assert.True(t, cfg.Rendezvous.Host)
	assert.Equal(t, 9000, cfg.Rendezvous.Port)
	assert.False(t, cfg.Rendezvous.Only)
	assert.Equal(t, "ws://127.0.0.1:9000/ws", cfg.Signaling.URL)
	assert.True(t, cfg.Media.Synthetic)
	assert.Contains(t, out.String(), "Please enter a number.")
}

func TestPromptKeepsDefaultsOnEmptyInput(t *testing.T) {
	var out bytes.Buffer
	cfg := PromptInteractive(strings.NewReader(""), &out, "/tmp/p", "/tmp/p/peercall.json", config.Default())
	assert.Equal(t, config.Default(), cfg)
}

func TestRunRendezvousOnly(t *testing.T) {
	port := freePort(t)
	cfg := config.Default()
	cfg.Rendezvous.Only = true
	cfg.Rendezvous.Port = port
	cfg.Rendezvous.ChatDBDir = ""
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	dir := t.TempDir()
	go func() { errc <- Run(ctx, Options{PeerDir: dir, Cfg: cfg}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunPeerAssignsIdentity(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a full endpoint")
	}
	rvPort, viewerPort := freePort(t), freePort(t)

	cfg := config.Default()
	cfg.Rendezvous.Port = rvPort
	cfg.Signaling.URL = fmt.Sprintf("ws://127.0.0.1:%d/ws", rvPort)
	cfg.Viewer.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", viewerPort)
	cfg.Media.Synthetic = true
	cfg.ICE.Servers = nil
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	dir := t.TempDir()
	go func() { errc <- Run(ctx, Options{PeerDir: dir, Cfg: cfg}) }()

	var self struct {
		ID       string `json:"id"`
		Assigned bool   `json:"assigned"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/self", viewerPort))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&self); err != nil {
			return false
		}
		return self.Assigned
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotEmpty(t, self.ID)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
