package room

import (
	"sync"
	"time"
)

// ClockTimer is a cancellable handle for SetTimeout and SetInterval
// callbacks. Clear is safe from any goroutine and idempotent.
type ClockTimer struct {
	stop chan struct{}
	once sync.Once
}

// Clear cancels the timer. Callbacks already dispatched may still run.
func (t *ClockTimer) Clear() {
	t.once.Do(func() { close(t.stop) })
}

// SetTimeout runs fn once on the event loop after d. Errors and panics in fn
// are routed through the uncaught-exception path.
func (r *Room) SetTimeout(fn func(), d time.Duration) *ClockTimer {
	ct := &ClockTimer{stop: make(chan struct{})}
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = r.Dispatch(func() {
				r.invokeHook("setTimeout", func() error {
					fn()
					return nil
				})
			})
		case <-ct.stop:
		case <-r.closed:
		}
	}()
	return ct
}

// SetInterval runs fn on the event loop every d until cleared or the room
// disposes. A nil fn or d <= 0 returns an inert, already-cleared timer.
func (r *Room) SetInterval(fn func(), d time.Duration) *ClockTimer {
	ct := &ClockTimer{stop: make(chan struct{})}
	if fn == nil || d <= 0 {
		ct.Clear()
		return ct
	}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if r.Dispatch(func() {
					r.invokeHook("setInterval", func() error {
						fn()
						return nil
					})
				}) != nil {
					return
				}
			case <-ct.stop:
				return
			case <-r.closed:
				return
			}
		}
	}()
	return ct
}

// SetSimulationInterval installs the room's main update callback, invoked on
// the event loop every d with the elapsed time since the previous tick.
// Passing a nil fn (or d <= 0) stops the current simulation. Replaces any
// previous simulation interval. Loop-affine.
func (r *Room) SetSimulationInterval(fn func(delta time.Duration), d time.Duration) {
	if r.stopSim != nil {
		r.stopSim()
		r.stopSim = nil
	}
	if fn == nil || d <= 0 {
		return
	}

	stop := make(chan struct{})
	r.stopSim = func() { close(stop) }
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case now := <-ticker.C:
				delta := now.Sub(last)
				last = now
				if r.Dispatch(func() {
					r.invokeHook("simulationInterval", func() error {
						fn(delta)
						return nil
					})
				}) != nil {
					return
				}
			case <-stop:
				return
			case <-r.closed:
				return
			}
		}
	}()
}

// SetPatchRate changes the state patch broadcast period. d <= 0 disables
// periodic patching. Loop-affine.
func (r *Room) SetPatchRate(d time.Duration) {
	if r.patchTicker != nil {
		r.patchTicker.Stop()
		r.patchTicker = nil
	}
	if d > 0 {
		r.patchTicker = time.NewTicker(d)
	}
}
