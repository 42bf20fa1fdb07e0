package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceInterval = 20 * time.Millisecond

// NewStaticSource returns a source with inert tracks of the given kinds. The
// tracks carry no media and have no WebRTC form.
func NewStaticSource(kinds ...Kind) Source {
	tracks := make([]*track, 0, len(kinds))
	for _, k := range kinds {
		tracks = append(tracks, &track{id: uuid.NewString(), kind: k})
	}
	return newSource(tracks, nil)
}

// SyntheticAcquirer produces generated tracks instead of opening capture
// devices. Audio tracks stream Opus silence so the remote side observes media;
// video tracks are negotiated but idle.
type SyntheticAcquirer struct {
	hold hold
}

func NewSyntheticAcquirer() *SyntheticAcquirer {
	return &SyntheticAcquirer{}
}

// RegisterCodecs registers the default pion codecs, which include Opus and VP8.
func (a *SyntheticAcquirer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (a *SyntheticAcquirer) Acquire(ctx context.Context, mode Mode) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.hold.claim(); err != nil {
		return nil, err
	}

	streamID := "synthetic-" + uuid.NewString()
	var tracks []*track
	for _, k := range mode.Kinds() {
		t, err := newSyntheticTrack(k, streamID)
		if err != nil {
			for _, made := range tracks {
				made.Stop()
			}
			a.hold.release()
			return nil, err
		}
		tracks = append(tracks, t)
	}

	log.Debug().Str("module", "media").Str("mode", string(mode)).Int("tracks", len(tracks)).Msg("synthetic source acquired")
	return newSource(tracks, a.hold.release), nil
}

func newSyntheticTrack(kind Kind, streamID string) (*track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	id := string(kind) + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &track{id: id, kind: kind, local: local}
	if kind == KindAudio {
		done := make(chan struct{})
		t.stopFn = func() { close(done) }
		go pumpSilence(local, done)
	}
	return t, nil
}

func pumpSilence(local *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Unbound tracks drop samples silently.
			_ = local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceInterval})
		}
	}
}
