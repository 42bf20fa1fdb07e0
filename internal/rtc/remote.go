package rtc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

// remoteSource groups the tracks received on one connection.
type remoteSource struct {
	id string

	mu    sync.Mutex
	kinds []media.Kind

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newRemoteSource() *remoteSource {
	return &remoteSource{id: "remote-" + uuid.NewString()}
}

func (r *remoteSource) ID() string { return r.id }

func (r *remoteSource) Kinds() []media.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Kind(nil), r.kinds...)
}

func (r *remoteSource) Stats() media.Stats {
	return media.Stats{Packets: r.packets.Load(), Bytes: r.bytes.Load()}
}

// add records a received kind and reports whether it was new.
func (r *remoteSource) add(k media.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.kinds {
		if have == k {
			return false
		}
	}
	r.kinds = append(r.kinds, k)
	return true
}

func (r *remoteSource) count(p *rtp.Packet) {
	r.packets.Add(1)
	r.bytes.Add(uint64(len(p.Payload)))
}

// pump drains a remote track until it ends, counting what arrives.
func (r *remoteSource) pump(connID string, track *webrtc.TrackRemote) {
	for {
		p, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Str("module", "rtc").Str("conn", connID).Str("kind", track.Kind().String()).Err(err).Msg("remote track ended")
			return
		}
		r.count(p)
	}
}

// requestKeyframes sends a PLI for ssrc right away and then periodically
// until done is closed.
func requestKeyframes(pc *webrtc.PeerConnection, ssrc webrtc.SSRC, done <-chan struct{}) {
	send := func() error {
		return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
	}
	_ = send()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}
