package rtc

import (
	"errors"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNotConnected     = errors.New("signaling not connected")
	ErrSignalingLost    = errors.New("signaling connection lost")
	ErrPeerUnavailable  = errors.New("peer unavailable")
	ErrAnswerTimeout    = errors.New("no answer from peer")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrConnClosed       = errors.New("connection closed")
)

// Hangup reasons.
const (
	reasonHangup   = "hangup"
	reasonBusy     = call.DeclineBusy
	reasonBadOffer = "bad-offer"
)

// signal is the payload of offer, answer, candidate and hangup envelopes.
// ConnectionID scopes every message to one call attempt.
type signal struct {
	ConnectionID string                   `json:"connection_id"`
	Mode         media.Mode               `json:"mode,omitempty"`
	SDP          string                   `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
}

func codecType(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
