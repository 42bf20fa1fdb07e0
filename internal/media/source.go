package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type track struct {
	id      string
	kind    Kind
	local   webrtc.TrackLocal
	stopFn  func()
	stopped atomic.Bool
}

func (t *track) ID() string { return t.id }
func (t *track) Kind() Kind { return t.kind }
func (t *track) Live() bool { return !t.stopped.Load() }

func (t *track) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	if t.stopFn != nil {
		t.stopFn()
	}
}

type source struct {
	id      string
	tracks  []*track
	once    sync.Once
	release func()
}

func newSource(tracks []*track, release func()) *source {
	return &source{id: uuid.NewString(), tracks: tracks, release: release}
}

func (s *source) ID() string { return s.id }

func (s *source) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *source) WebRTCTracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.local != nil {
			out = append(out, t.local)
		}
	}
	return out
}

func (s *source) Live() bool {
	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}

func (s *source) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// hold enforces a single outstanding source per acquirer.
type hold struct {
	mu   sync.Mutex
	busy bool
}

func (h *hold) claim() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busy {
		return ErrHeld
	}
	h.busy = true
	return nil
}

func (h *hold) release() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}
