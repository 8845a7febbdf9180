package room

import (
	"errors"
	"sync"
	"time"
)

// ErrReconnectionExpired is the rejection reason when a reconnection window
// elapses before the client resumes.
var ErrReconnectionExpired = errors.New("reconnection has expired")

// ErrReconnectionRejected is the rejection reason for an explicit Reject.
var ErrReconnectionRejected = errors.New("reconnection rejected")

// Deferred is a cancellable, awaitable one-shot outcome with an internally
// owned timer. The first Resolve or Reject wins and synchronously invalidates
// the timer, so a late timeout can never fire after an explicit settlement.
type Deferred struct {
	mu      sync.Mutex
	settled bool
	err     error
	timer   *time.Timer
	done    chan struct{}
}

// NewDeferred creates an unsettled Deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// SetTimeout arms the internal timer: after d elapses the deferred rejects
// with ErrReconnectionExpired and onTimeout (if non-nil) runs. A deferred
// already settled ignores the call.
func (p *Deferred) SetTimeout(d time.Duration, onTimeout func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, func() {
		if p.settle(ErrReconnectionExpired) && onTimeout != nil {
			onTimeout()
		}
	})
}

// Resolve settles the deferred successfully. Returns false if already settled.
func (p *Deferred) Resolve() bool {
	return p.settle(nil)
}

// Reject settles the deferred with err (ErrReconnectionRejected when nil).
// Returns false if already settled.
func (p *Deferred) Reject(err error) bool {
	if err == nil {
		err = ErrReconnectionRejected
	}
	return p.settle(err)
}

func (p *Deferred) settle(err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	close(p.done)
	return true
}

// Done is closed once the deferred settles.
func (p *Deferred) Done() <-chan struct{} { return p.done }

// Err returns the settlement outcome: nil for resolution, the rejection
// reason otherwise. Only meaningful after Done is closed.
func (p *Deferred) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Settled reports whether the deferred has been resolved or rejected.
func (p *Deferred) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}
