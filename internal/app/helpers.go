package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr, browser URL, and TCP check addr.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string, tcpAddr string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	tcpAddr = a
	return
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(peerDir, cfgPath string) {
	log.Info().Str("module", "app").
		Str("peer_dir", peerDir).
		Str("config", cfgPath).
		Msg("this process is ONE endpoint; a different folder is a different endpoint")
}

func iceServers(cfg config.ICE) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// dialingTransport bounds each identity request by the configured dial
// timeout.
type dialingTransport struct {
	*rtc.Transport
	timeout time.Duration
}

func (d *dialingTransport) AssignIdentity(ctx context.Context) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	id, err := d.Transport.AssignIdentity(ctx)
	if err != nil {
		return "", err
	}
	d.logStatus(ctx)
	return id, nil
}

func (d *dialingTransport) logStatus(ctx context.Context) {
	client, err := d.Client()
	if err != nil {
		return
	}
	st, err := client.Status(ctx)
	if err != nil || st == nil {
		return
	}
	log.Info().Str("module", "app").Int("peers", st.Peers).Msg("signaling service reachable")
}

// chatBackend relays chat through the rendezvous session of the transport.
type chatBackend struct {
	tr *rtc.Transport
}

func (b chatBackend) Post(ctx context.Context, to, content string) (chat.Message, error) {
	client, err := b.tr.Client()
	if err != nil {
		return chat.Message{}, err
	}
	return client.SendChat(ctx, to, content)
}

func (b chatBackend) History(ctx context.Context, peer string, limit int) ([]chat.Message, error) {
	client, err := b.tr.Client()
	if err != nil {
		return nil, err
	}
	return client.ChatHistory(ctx, peer, limit)
}

func (b chatBackend) Messages() (<-chan chat.Message, func()) {
	return b.tr.ChatMessages()
}
