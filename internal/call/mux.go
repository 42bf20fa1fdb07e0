package call

import (
	"slices"
	"sync"

	"github.com/petervdpas/peercall/internal/media"
)

// Sink is a display target for one media source.
type Sink interface {
	Show(d media.Descriptor)
	Clear()
}

// StreamMux binds the local and remote media of the call slot to two
// independent sinks. It holds descriptors only, never the sources.
// Sinks are called with the mux locked and must not call back into it.
type StreamMux struct {
	mu      sync.Mutex
	local   Sink
	remote  Sink
	version uint64
	localD  *media.Descriptor
	remoteD *media.Descriptor
}

func NewStreamMux() *StreamMux { return &StreamMux{} }

// Bind replaces the sinks. Either may be nil. The current sources are
// replayed to the new sinks.
func (x *StreamMux) Bind(local, remote Sink) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.local, x.remote = local, remote
	present(x.local, x.localD)
	present(x.remote, x.remoteD)
}

// Apply updates the sinks from a slot snapshot. Snapshots older than the
// last applied one are ignored.
func (x *StreamMux) Apply(s State) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s.Version <= x.version {
		return false
	}
	x.version = s.Version

	if !sameDescriptor(x.localD, s.Local) {
		x.localD = cloneDescriptor(s.Local)
		present(x.local, x.localD)
	}
	if !sameDescriptor(x.remoteD, s.Remote) {
		x.remoteD = cloneDescriptor(s.Remote)
		present(x.remote, x.remoteD)
	}
	return true
}

// Current returns copies of the bound descriptors.
func (x *StreamMux) Current() (local, remote *media.Descriptor) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return cloneDescriptor(x.localD), cloneDescriptor(x.remoteD)
}

func present(s Sink, d *media.Descriptor) {
	if s == nil {
		return
	}
	if d == nil {
		s.Clear()
		return
	}
	s.Show(*cloneDescriptor(d))
}

func sameDescriptor(a, b *media.Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Live == b.Live && slices.Equal(a.Kinds, b.Kinds)
}

func cloneDescriptor(d *media.Descriptor) *media.Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Kinds = slices.Clone(d.Kinds)
	return &c
}
