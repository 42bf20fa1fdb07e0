package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// IdentityHolder obtains and keeps this endpoint's signaling identity. The
// identity is requested asynchronously; a failed request leaves the holder
// retryable, a successful one is final.
type IdentityHolder struct {
	assign func(context.Context) (string, error)
	notify func(Notice)

	mu      sync.Mutex
	id      string
	err     error
	running bool
	settled chan struct{}
}

func NewIdentityHolder(assign func(context.Context) (string, error)) *IdentityHolder {
	return &IdentityHolder{assign: assign, settled: make(chan struct{})}
}

// Start requests an identity in the background. It does nothing while a
// request is running or once an identity is held.
func (h *IdentityHolder) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running || h.id != "" {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.err = nil
	h.mu.Unlock()

	go h.run(ctx)
}

// Retry is Start for a holder whose previous request failed.
func (h *IdentityHolder) Retry(ctx context.Context) { h.Start(ctx) }

func (h *IdentityHolder) run(ctx context.Context) {
	id, err := h.assign(ctx)
	if err == nil && id == "" {
		err = fmt.Errorf("empty identity")
	}

	h.mu.Lock()
	h.running = false
	if err != nil {
		h.err = fmt.Errorf("%w: %w", ErrIdentityAssignmentFailed, err)
	} else {
		h.id = id
	}
	close(h.settled)
	h.settled = make(chan struct{})
	err = h.err
	notify := h.notify
	h.mu.Unlock()

	if err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("identity assignment failed")
	} else {
		log.Info().Str("module", "call").Str("id", id).Msg("identity assigned")
	}
	if notify != nil {
		notify(Notice{Kind: NoticeIdentity, Message: id, Err: err})
	}
}

// Identity returns the assigned identity, if any.
func (h *IdentityHolder) Identity() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.id != ""
}

// Err returns the last assignment failure while no identity is held.
func (h *IdentityHolder) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until an identity is held, the running request fails, or ctx
// is done.
func (h *IdentityHolder) Wait(ctx context.Context) (string, error) {
	for {
		h.mu.Lock()
		id, err, running, settled := h.id, h.err, h.running, h.settled
		h.mu.Unlock()

		switch {
		case id != "":
			return id, nil
		case err != nil && !running:
			return "", err
		}

		select {
		case <-settled:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (h *IdentityHolder) setNotify(fn func(Notice)) {
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
}
