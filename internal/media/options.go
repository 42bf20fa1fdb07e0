package media

// Options tune device capture.
type Options struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
	PreferredCam string
	PreferredMic string
}

func (o Options) withDefaults() Options {
	if o.MaxWidth <= 0 {
		o.MaxWidth = 640
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 480
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_500_000
	}
	return o
}
