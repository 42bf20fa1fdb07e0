//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceAcquirer captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo).
type DeviceAcquirer struct {
	opts     Options
	selector *mediadevices.CodecSelector
	hold     hold
}

// NewDeviceAcquirer builds the VP8 + Opus codec selector used for every
// captured source.
func NewDeviceAcquirer(opts Options) (*DeviceAcquirer, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceAcquirer{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs populates me with the codecs the captured tracks encode to.
func (a *DeviceAcquirer) RegisterCodecs(me *webrtc.MediaEngine) error {
	a.selector.Populate(me)
	return nil
}

type captureAttempt struct {
	video bool
	audio bool
	label string
}

func attemptsFor(mode Mode) []captureAttempt {
	if mode == ModeAudio {
		return []captureAttempt{{false, true, "audio-only"}}
	}
	// GetUserMedia fails as a unit, so a missing microphone or camera would
	// otherwise sink the whole call.
	return []captureAttempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
}

type captureResult struct {
	src Source
	err error
}

// Acquire opens capture for mode. It returns ErrHeld while a previous source
// is live and wraps ErrUnavailable when every capture attempt fails. A source
// captured after ctx is done is stopped before returning.
func (a *DeviceAcquirer) Acquire(ctx context.Context, mode Mode) (Source, error) {
	if err := a.hold.claim(); err != nil {
		return nil, err
	}

	res := make(chan captureResult, 1)
	go func() {
		src, err := a.capture(mode)
		res <- captureResult{src, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			a.hold.release()
		}
		return r.src, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.src != nil {
				r.src.Stop()
			} else {
				a.hold.release()
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *DeviceAcquirer) capture(mode Mode) (Source, error) {
	a.logDevices()

	var lastErr error
	for _, at := range attemptsFor(mode) {
		constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
		if at.video {
			constraints.Video = a.videoConstraints
		}
		if at.audio {
			constraints.Audio = a.audioConstraints
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warn().Str("module", "media").Str("attempt", at.label).Err(err).Msg("GetUserMedia failed")
			continue
		}

		mdTracks := stream.GetTracks()
		if broken := brokenVideo(mdTracks); broken != nil {
			lastErr = broken
			log.Warn().Str("module", "media").Str("attempt", at.label).Err(broken).Msg("video encoder broken, skipping attempt")
			for _, t := range mdTracks {
				t.Close()
			}
			continue
		}

		tracks := make([]*track, 0, len(mdTracks))
		for _, mt := range mdTracks {
			mt.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Str("module", "media").Str("track", mt.ID()).Err(err).Msg("local track ended")
				}
			})
			tracks = append(tracks, &track{
				id:     mt.ID(),
				kind:   KindOf(mt.Kind()),
				local:  mt,
				stopFn: func() { mt.Close() },
			})
		}

		log.Info().Str("module", "media").Str("attempt", at.label).Int("tracks", len(tracks)).Msg("local media captured")
		return newSource(tracks, a.hold.release), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no capture attempt for mode %q", mode)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// brokenVideo probes each video track's VP8 encoder. Some cameras expose an
// MJPEG node that produces malformed frames and poisons the encoder.
func brokenVideo(tracks []mediadevices.Track) error {
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			return err
		}
		r.Close()
	}
	return nil
}

func (a *DeviceAcquirer) videoConstraints(c *mediadevices.MediaTrackConstraints) {
	// Raw formats only, MJPEG excluded.
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: a.opts.MaxWidth}
	c.Height = prop.IntRanged{Max: a.opts.MaxHeight}
	if id := findDevice(mediadevices.VideoInput, a.opts.PreferredCam); id != "" {
		c.DeviceID = prop.String(id)
	}
}

func (a *DeviceAcquirer) audioConstraints(c *mediadevices.MediaTrackConstraints) {
	if id := findDevice(mediadevices.AudioInput, a.opts.PreferredMic); id != "" {
		c.DeviceID = prop.String(id)
	}
}

func (a *DeviceAcquirer) logDevices() {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn().Str("module", "media").Msg("no media devices found")
		return
	}
	for _, d := range devices {
		log.Debug().Str("module", "media").Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}
}

// findDevice returns the id of the first device of kind whose label contains
// label (case-insensitive), or "".
func findDevice(kind mediadevices.MediaDeviceType, label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return ""
	}
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == kind && strings.Contains(strings.ToLower(d.Label), label) {
			return d.DeviceID
		}
	}
	return ""
}
