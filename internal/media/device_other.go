//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer has no capture drivers outside Linux; every Acquire fails
// with ErrUnavailable. Configure synthetic media on these platforms.
type DeviceAcquirer struct {
	opts Options
}

func NewDeviceAcquirer(opts Options) (*DeviceAcquirer, error) {
	return &DeviceAcquirer{opts: opts.withDefaults()}, nil
}

func (a *DeviceAcquirer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (a *DeviceAcquirer) Acquire(ctx context.Context, mode Mode) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrUnavailable, runtime.GOOS)
}
