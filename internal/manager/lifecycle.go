package manager

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrDraining is reported by CheckHealth once termination was requested.
var ErrDraining = errors.New("manager is draining")

// Lifecycle holds the termination flag shared by both loops. Once set it is
// never cleared.
type Lifecycle struct {
	terminating atomic.Bool
}

// NewLifecycle returns a Lifecycle in the admitting state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// RequestTermination sets the flag. It reports whether this call set it.
func (l *Lifecycle) RequestTermination() bool {
	return l.terminating.CompareAndSwap(false, true)
}

// Terminating reports whether termination was requested.
func (l *Lifecycle) Terminating() bool {
	return l.terminating.Load()
}

// CheckHealth fails once the manager stops admitting jobs, so readiness
// probes report draining.
func (l *Lifecycle) CheckHealth(context.Context) error {
	if l.Terminating() {
		return ErrDraining
	}
	return nil
}
