// Package media acquires local capture sources and describes media handed to
// display sinks.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrUnavailable is returned when no capture source could be opened.
	ErrUnavailable = errors.New("media unavailable")
	// ErrHeld is returned by Acquire while a previously acquired source is still live.
	ErrHeld = errors.New("media source already held")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindOf maps a pion codec type to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Mode is the requested call media: audio only, or audio plus video.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAudio:
		return ModeAudio, nil
	case ModeVideo, "":
		return ModeVideo, nil
	}
	return "", fmt.Errorf("unknown call mode %q", s)
}

func (m Mode) Valid() bool { return m == ModeAudio || m == ModeVideo }

// Kinds lists the track kinds a source for m carries.
func (m Mode) Kinds() []Kind {
	if m == ModeVideo {
		return []Kind{KindAudio, KindVideo}
	}
	return []Kind{KindAudio}
}

// Track is one captured track.
type Track interface {
	ID() string
	Kind() Kind
	Live() bool
	Stop()
}

// Source is a live local capture handle. Stop is idempotent and stops every
// track; after Stop the acquirer that produced the source can be used again.
type Source interface {
	ID() string
	Tracks() []Track
	Live() bool
	Stop()
	// WebRTCTracks returns the tracks in the form a peer connection sends.
	WebRTCTracks() []webrtc.TrackLocal
}

// Acquirer opens local capture for a mode.
type Acquirer interface {
	Acquire(ctx context.Context, mode Mode) (Source, error)
}

// CodecRegistrar is implemented by acquirers whose tracks need specific
// codecs registered on the peer connection media engine.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// Remote is media received from the other endpoint. It is display only.
type Remote interface {
	ID() string
	Kinds() []Kind
}

// Stats are receive counters of a remote source.
type Stats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// StatsReporter is implemented by remotes that count received media.
type StatsReporter interface {
	Stats() Stats
}

// Descriptor is a read-only view of a source suitable for display sinks.
type Descriptor struct {
	ID    string `json:"id"`
	Kinds []Kind `json:"kinds"`
	Live  bool   `json:"live"`
}

// Describe returns the descriptor of a local source, or nil.
func Describe(s Source) *Descriptor {
	if s == nil {
		return nil
	}
	d := &Descriptor{ID: s.ID(), Live: s.Live()}
	for _, t := range s.Tracks() {
		d.Kinds = appendKind(d.Kinds, t.Kind())
	}
	return d
}

// DescribeRemote returns the descriptor of a remote source, or nil.
func DescribeRemote(r Remote) *Descriptor {
	if r == nil {
		return nil
	}
	d := &Descriptor{ID: r.ID(), Live: true}
	for _, k := range r.Kinds() {
		d.Kinds = appendKind(d.Kinds, k)
	}
	return d
}

func appendKind(ks []Kind, k Kind) []Kind {
	for _, have := range ks {
		if have == k {
			return ks
		}
	}
	return append(ks, k)
}
