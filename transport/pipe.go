package transport

import (
	"errors"
	"fmt"
)

// ErrOverrun indicates a Send that did not fit the peer's receive buffer.
// The pipe has fixed capacity and nothing drains it except TryReceive.
var ErrOverrun = errors.New("transport: pipe buffer overrun")

// ring is a fixed-capacity byte queue. Index arithmetic instead of
// reslicing keeps it allocation-free after construction.
type ring struct {
	buf  []byte
	r, w int
	used int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

func (q *ring) free() int { return len(q.buf) - q.used }

func (q *ring) write(p []byte) {
	for _, b := range p {
		q.buf[q.w] = b
		q.w = (q.w + 1) % len(q.buf)
		q.used++
	}
}

func (q *ring) read(p []byte) int {
	n := 0
	for n < len(p) && q.used > 0 {
		p[n] = q.buf[q.r]
		q.r = (q.r + 1) % len(q.buf)
		q.used--
		n++
	}
	return n
}

// Pipe is one end of an in-memory bidirectional link, used in tests and
// loopback setups in place of a hardware transport. Both ends share fixed
// rings; there is no internal locking, matching the single-task model the
// engine assumes.
type Pipe struct {
	in     *ring // bytes waiting for this end's TryReceive
	peer   *Pipe
	closed bool
}

// NewPipe returns two connected ends. Each direction buffers up to capacity
// bytes; values < 1 get a reasonable default.
func NewPipe(capacity int) (*Pipe, *Pipe) {
	if capacity < 1 {
		capacity = 4096
	}
	a := &Pipe{in: newRing(capacity)}
	b := &Pipe{in: newRing(capacity)}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers p to the peer end, complete or not at all.
func (p *Pipe) Send(b []byte) error {
	if p.closed || p.peer.closed {
		return fmt.Errorf("transport: send: %w", ErrDisconnected)
	}
	if p.peer.in.free() < len(b) {
		return fmt.Errorf("%w: %d bytes, %d free", ErrOverrun, len(b), p.peer.in.free())
	}
	p.peer.in.write(b)
	return nil
}

// TryReceive copies pending bytes into b without blocking.
func (p *Pipe) TryReceive(b []byte) (int, error) {
	if p.closed {
		return 0, fmt.Errorf("transport: receive: %w", ErrDisconnected)
	}
	return p.in.read(b), nil
}

// Close drops the link. Both ends observe ErrDisconnected afterwards.
func (p *Pipe) Close() {
	p.closed = true
}
