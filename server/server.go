// Package server implements the serving side of the eRPC link: it decodes
// incoming invocations, routes them through a fixed-capacity service table,
// and emits replies carrying the same request id.
//
// Processing pipeline, driven by Poll from the single link task:
//
//	transport → frame.Decoder → message.Parse → table lookup
//	  → decode args per the handler's declared signature → Invoke
//	  → status + return value → frame → transport
//
// Protocol-level failures (unknown target, undecodable arguments, handler
// error) are answered with an error-status Reply; they are outcomes, not
// faults, and never disturb the dispatch loop.
package server

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"erpc-host/frame"
	"erpc-host/message"
	"erpc-host/transport"
	"erpc-host/value"
)

// DefaultTableCapacity is the service table size used when none is
// configured.
const DefaultTableCapacity = 16

// readChunk is how many bytes one transport poll may deliver.
const readChunk = 64

var (
	// ErrTableFull is returned by Register when every table entry is taken.
	ErrTableFull = errors.New("server: service table full")
	// ErrDuplicateHandler is returned by Register for an already registered
	// (service, function) pair.
	ErrDuplicateHandler = errors.New("server: handler already registered")
)

// Handler is the invocable capability behind one (service, function) pair.
// Args arrive already decoded against the registered signature. Return the
// zero Value for functions with no return value.
type Handler interface {
	Invoke(args []value.Value) (value.Value, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(args []value.Value) (value.Value, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(args []value.Value) (value.Value, error) {
	return f(args)
}

// entry is one service table slot, populated once at startup by the stub
// layer and addressed by linear scan; the table is small by construction.
type entry struct {
	inUse    bool
	service  uint8
	function uint32
	argTypes []*value.Type
	handler  Handler
}

// Server routes invocations to registered handlers. Not safe for concurrent
// use; the single link task drives it through Poll.
type Server struct {
	tr      transport.Transport
	dec     *frame.Decoder
	log     zerolog.Logger
	limiter *rate.Limiter

	table      []entry
	maxPayload int

	scratch []byte
	wire    []byte
	rbuf    []byte
}

// Option configures a Server at construction.
type Option func(*Server)

// WithTableCapacity sets how many handlers the service table holds.
func WithTableCapacity(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.table = make([]entry, n)
		}
	}
}

// WithMaxPayload sets the largest frame payload accepted or produced.
func WithMaxPayload(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRateLimit caps dispatched invocations with a token bucket. When the
// bucket is empty an invocation is answered with StatusBusy instead of
// reaching its handler.
func WithRateLimit(callsPerSecond float64, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	}
}

// New creates a Server over tr. Table and buffers are allocated here and
// never grow.
func New(tr transport.Transport, opts ...Option) *Server {
	s := &Server{
		tr:         tr,
		log:        zerolog.Nop(),
		maxPayload: frame.DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == nil {
		s.table = make([]entry, DefaultTableCapacity)
	}
	s.dec = frame.NewDecoder(s.maxPayload)
	s.scratch = make([]byte, 0, s.maxPayload)
	s.wire = make([]byte, 0, s.maxPayload+frame.HeaderSize)
	s.rbuf = make([]byte, readChunk)
	return s
}

// Register installs h for (service, function) with the given argument
// signature. Arguments are decoded in order against argTypes before Invoke.
func (s *Server) Register(service uint8, function uint32, argTypes []*value.Type, h Handler) error {
	if s.lookup(service, function) != nil {
		return fmt.Errorf("%w: service %d function %d", ErrDuplicateHandler, service, function)
	}
	for i := range s.table {
		e := &s.table[i]
		if e.inUse {
			continue
		}
		*e = entry{inUse: true, service: service, function: function, argTypes: argTypes, handler: h}
		return nil
	}
	return fmt.Errorf("%w: capacity %d", ErrTableFull, len(s.table))
}

// Notify emits a server-initiated notification: no request correlation, no
// reply expected. The peer either handles it or drops it.
func (s *Server) Notify(service uint8, function uint32, args []value.Value) error {
	buf := message.AppendHeader(s.scratch[:0], message.Header{
		Service:  service,
		Type:     message.TypeNotification,
		Function: function,
	})
	var err error
	for _, a := range args {
		if buf, err = value.Append(buf, a); err != nil {
			return err
		}
	}
	s.scratch = buf
	return s.sendFrame(buf)
}

// Poll drains the transport, dispatching every completed invocation and
// writing replies. Framing errors resynchronize silently; only transport
// errors surface, and they leave the server reusable once the link recovers.
func (s *Server) Poll() error {
	for {
		n, err := s.tr.TryReceive(s.rbuf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		b := s.rbuf[:n]
		for len(b) > 0 {
			payload, used, ferr := s.dec.Feed(b)
			b = b[used:]
			if ferr != nil {
				s.log.Warn().Err(ferr).Msg("frame discarded, stream resynchronized")
				continue
			}
			if payload == nil {
				continue
			}
			if err := s.route(payload); err != nil {
				return err
			}
		}
	}
}

func (s *Server) route(payload []byte) error {
	h, body, err := message.Parse(payload)
	if err != nil {
		// Without a trusted header there is nothing to address a reply to.
		s.log.Warn().Err(err).Msg("undecodable envelope dropped")
		return nil
	}
	switch h.Type {
	case message.TypeInvocation:
		return s.dispatch(h, body, true)
	case message.TypeOneway:
		return s.dispatch(h, body, false)
	default:
		s.log.Debug().Stringer("type", h.Type).Msg("unexpected message type on server link")
		return nil
	}
}

// dispatch runs one invocation end to end. Returned errors are transport
// failures from writing the reply; everything protocol-level has already
// been expressed as a status.
func (s *Server) dispatch(h message.Header, body []byte, reply bool) error {
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Debug().Uint32("request_id", h.RequestID).Msg("invocation refused, rate limited")
		if reply {
			return s.sendStatus(h, message.StatusBusy)
		}
		return nil
	}

	e := s.lookup(h.Service, h.Function)
	if e == nil {
		status := message.StatusUnknownService
		if s.serviceKnown(h.Service) {
			status = message.StatusUnknownFunction
		}
		s.log.Debug().Uint8("service", h.Service).Uint32("function", h.Function).
			Stringer("status", status).Msg("invocation for unregistered target")
		if reply {
			return s.sendStatus(h, status)
		}
		return nil
	}

	args, ok := s.decodeArgs(body, e.argTypes)
	if !ok {
		if reply {
			return s.sendStatus(h, message.StatusInvalidArgs)
		}
		return nil
	}

	ret, err := e.handler.Invoke(args)
	if err != nil {
		s.log.Debug().Uint8("service", h.Service).Uint32("function", h.Function).
			Err(err).Msg("handler failed")
		if reply {
			return s.sendStatus(h, message.StatusHandlerError)
		}
		return nil
	}
	if reply {
		return s.sendReply(h, ret)
	}
	return nil
}

// decodeArgs decodes the body against the declared signature. The arguments
// must consume the body exactly; trailing bytes mean a signature mismatch.
func (s *Server) decodeArgs(body []byte, argTypes []*value.Type) ([]value.Value, bool) {
	args := make([]value.Value, 0, len(argTypes))
	for _, t := range argTypes {
		v, n, err := value.Decode(body, t)
		if err != nil {
			s.log.Debug().Err(err).Msg("argument decode failed")
			return nil, false
		}
		args = append(args, v)
		body = body[n:]
	}
	if len(body) != 0 {
		s.log.Debug().Int("trailing", len(body)).Msg("trailing bytes after arguments")
		return nil, false
	}
	return args, true
}

func (s *Server) lookup(service uint8, function uint32) *entry {
	for i := range s.table {
		e := &s.table[i]
		if e.inUse && e.service == service && e.function == function {
			return e
		}
	}
	return nil
}

func (s *Server) serviceKnown(service uint8) bool {
	for i := range s.table {
		if s.table[i].inUse && s.table[i].service == service {
			return true
		}
	}
	return false
}

// sendReply answers an invocation with StatusOK and its return value. A
// zero-kind ret means the function returns nothing.
func (s *Server) sendReply(h message.Header, ret value.Value) error {
	buf := s.replyHeader(h)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(message.StatusOK))
	if ret.Kind != value.KindInvalid {
		var err error
		if buf, err = value.Append(buf, ret); err != nil {
			// The handler produced something unencodable. The caller still
			// deserves an answer.
			s.log.Error().Err(err).Uint32("request_id", h.RequestID).
				Msg("return value encode failed")
			return s.sendStatus(h, message.StatusHandlerError)
		}
	}
	s.scratch = buf
	return s.sendFrame(buf)
}

// sendStatus answers an invocation with a bare error status.
func (s *Server) sendStatus(h message.Header, status message.Status) error {
	buf := s.replyHeader(h)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(status))
	s.scratch = buf
	return s.sendFrame(buf)
}

// replyHeader starts a reply envelope mirroring the request's addressing:
// same service, function, and request id, so the caller can correlate it.
func (s *Server) replyHeader(h message.Header) []byte {
	return message.AppendHeader(s.scratch[:0], message.Header{
		Service:   h.Service,
		RequestID: h.RequestID,
		Type:      message.TypeReply,
		Function:  h.Function,
	})
}

func (s *Server) sendFrame(payload []byte) error {
	if len(payload) > s.maxPayload {
		return fmt.Errorf("%w: reply is %d bytes", frame.ErrLengthOverflow, len(payload))
	}
	wire, err := frame.Append(s.wire[:0], payload)
	if err != nil {
		return err
	}
	s.wire = wire
	return s.tr.Send(wire)
}
