// Package transport declares the byte-level link primitive the protocol
// engine runs over. The engine never touches hardware: the host supplies a
// Transport backed by its UART, SPI, or whatever carries the bytes, and the
// engine only ever polls it.
package transport

import "errors"

// ErrDisconnected indicates the underlying link is gone. Wrap it from
// Transport implementations so callers can test with errors.Is.
var ErrDisconnected = errors.New("transport: disconnected")

// Transport is the send/receive capability supplied by the host.
//
// Send must transmit all of p or return an error; the engine never retries
// partial writes. TryReceive is non-blocking: it copies whatever bytes have
// arrived into p and returns the count, 0 when nothing is pending. All
// waiting in the engine is expressed as repeated TryReceive polls bounded by
// a caller-supplied deadline.
type Transport interface {
	Send(p []byte) error
	TryReceive(p []byte) (int, error)
}
