package transport

import "sync"

// Pipe is an in-memory Connection whose frames are delivered to a peer Pipe.
// It exists so rooms and client sessions can be exercised without sockets.
type Pipe struct {
	peer *Pipe

	mu        sync.Mutex
	closed    bool
	closeCode int
	inbound   chan []byte
	done      chan struct{}
}

// NewPipe creates a connected pair. Frames sent on one end arrive on the
// other end's Receive channel in order.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{inbound: make(chan []byte, 256), done: make(chan struct{})}
	b := &Pipe{inbound: make(chan []byte, 256), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers data to the peer.
func (p *Pipe) Send(data []byte) error {
	peer := p.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return ErrConnectionClosed
	}

	p.mu.Lock()
	selfClosed := p.closed
	p.mu.Unlock()
	if selfClosed {
		return ErrConnectionClosed
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case peer.inbound <- frame:
		return nil
	default:
		return ErrConnectionClosed
	}
}

// Close terminates both ends. Both sides observe the given close code,
// matching how a WebSocket close frame is recorded.
func (p *Pipe) Close(code int, _ string) error {
	p.closeWith(code)
	p.peer.closeWith(code)
	return nil
}

func (p *Pipe) closeWith(code int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeCode = code
	p.mu.Unlock()
	close(p.inbound)
	close(p.done)
}

// Receive delivers inbound frames.
func (p *Pipe) Receive() <-chan []byte { return p.inbound }

// Done is closed on termination.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// CloseCode returns the observed close code.
func (p *Pipe) CloseCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode
}

var _ Connection = (*Pipe)(nil)
