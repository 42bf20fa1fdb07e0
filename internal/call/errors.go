package call

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMediaUnavailable         = errors.New("media unavailable")
	ErrIdentityAssignmentFailed = errors.New("identity assignment failed")
	ErrIdentityPending          = errors.New("identity not assigned yet")
	ErrInvalidTarget            = errors.New("invalid call target")
	ErrInvalidMode              = errors.New("invalid call mode")
	ErrBusy                     = errors.New("busy")
	ErrTransport                = errors.New("transport error")
	ErrNoIncoming               = errors.New("no incoming call")
	ErrNoCall                   = errors.New("no call in progress")
	ErrSuperseded               = errors.New("call attempt superseded")
	ErrClosed                   = errors.New("call manager closed")
)

// CallError carries the operation and remote peer of a failed call operation.
type CallError struct {
	Op   string
	Peer string
	Err  error
}

func (e *CallError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("call %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("call %s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func mediaError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
}

func transportError(err error) error {
	if err == nil {
		err = errors.New("connection failed")
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrBusy) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
