// Package client implements the calling side of the eRPC link: it issues
// invocations, matches replies to outstanding calls by request id, and
// enforces deadlines and capacity limits.
//
// The dispatcher owns a fixed-capacity pending-call table and a frame
// decoder whose buffer is sized once at construction. There is exactly one
// logical task driving it: Call waits by polling the transport and yielding
// between polls, never by blocking a thread, so the dispatcher must stay
// re-entrant across many partial polls.
//
//	app ──Call──→ pending slot ──frame──→ transport ──→ peer
//	        ↑                                             │
//	        └── resolve by (request id, generation) ←─────┘
package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"erpc-host/frame"
	"erpc-host/message"
	"erpc-host/transport"
	"erpc-host/value"
)

// DefaultCapacity is the pending-call table size used when none is
// configured.
const DefaultCapacity = 8

// readChunk is how many bytes one transport poll may deliver.
const readChunk = 64

var (
	// ErrCapacity is returned immediately when every pending-call slot is
	// occupied. No slot is consumed.
	ErrCapacity = errors.New("client: pending call table full")
	// ErrTimeout is returned when a call's deadline elapses before its
	// reply arrives. The slot is freed for reuse.
	ErrTimeout = errors.New("client: call deadline exceeded")
	// ErrResponseOverrun indicates a reply body with bytes left over after
	// the declared return value.
	ErrResponseOverrun = errors.New("client: trailing bytes after return value")
)

// RPCError is a reply that arrived intact but carried a non-OK status: the
// peer understood the request and refused it. Distinct from transport,
// framing, and codec failures.
type RPCError struct {
	Status message.Status
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("client: rpc error: %s", e.Status)
}

// NotificationHandler receives peer-initiated messages that correlate with
// no outstanding call. The body slice is only valid during the call.
type NotificationHandler func(service uint8, function uint32, body []byte)

// slot is one pending-call table entry. Entries are addressed by index and
// recycled in place; gen counts recycles so a reference captured before a
// release can be recognized as stale.
type slot struct {
	inUse     bool
	requestID uint32
	gen       uint32
	deadline  time.Time
	ret       *value.Type

	// Resolution fields, assigned exactly once per occupancy.
	done   bool
	status message.Status
	result value.Value
	err    error
}

// Dispatcher issues calls and routes incoming frames. Not safe for
// concurrent use: the single driving task owns it, per the link's
// cooperative model.
type Dispatcher struct {
	tr     transport.Transport
	dec    *frame.Decoder
	log    zerolog.Logger
	yield  func()
	notify NotificationHandler

	slots      []slot
	seq        uint32
	maxPayload int

	scratch []byte // envelope build buffer
	wire    []byte // framed bytes for Send
	rbuf    []byte // TryReceive chunk buffer
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithCapacity sets the pending-call table size. Use 1 for physically
// half-duplex links, which admit at most one outstanding call.
func WithCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.slots = make([]slot, n)
		}
	}
}

// WithMaxPayload sets the largest frame payload accepted or produced.
func WithMaxPayload(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxPayload = n
		}
	}
}

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithYield sets the function invoked between transport polls while a call
// waits. The default yields the processor; loopback tests and cooperative
// schedulers hook their peer's poll step in here.
func WithYield(f func()) Option {
	return func(d *Dispatcher) {
		if f != nil {
			d.yield = f
		}
	}
}

// WithNotificationHandler registers the handler for uncorrelated incoming
// messages. Without one, notifications are dropped.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(d *Dispatcher) { d.notify = h }
}

// New creates a Dispatcher over tr. All buffers and the pending-call table
// are allocated here and never grow.
func New(tr transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tr:         tr,
		log:        zerolog.Nop(),
		yield:      runtime.Gosched,
		maxPayload: frame.DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.slots == nil {
		d.slots = make([]slot, DefaultCapacity)
	}
	d.dec = frame.NewDecoder(d.maxPayload)
	d.scratch = make([]byte, 0, d.maxPayload)
	d.wire = make([]byte, 0, d.maxPayload+frame.HeaderSize)
	d.rbuf = make([]byte, readChunk)
	return d
}

// Call invokes (service, function) with args and waits for the matching
// reply. ret describes the expected return value; nil means the function
// returns nothing. The call fails with ErrCapacity if no slot is free (no
// slot is consumed), with ErrTimeout once deadline passes, with *RPCError on
// a non-OK reply status, and with the underlying error on transport or codec
// failure. Incoming notifications are delivered while waiting.
func (d *Dispatcher) Call(service uint8, function uint32, args []value.Value, ret *value.Type, deadline time.Time) (value.Value, error) {
	idx := d.acquire(ret, deadline)
	if idx < 0 {
		return value.Value{}, fmt.Errorf("%w: capacity %d", ErrCapacity, len(d.slots))
	}
	gen, reqID := d.slots[idx].gen, d.slots[idx].requestID

	h := message.Header{
		Service:   service,
		RequestID: reqID,
		Type:      message.TypeInvocation,
		Function:  function,
	}
	if err := d.send(h, args); err != nil {
		d.release(idx)
		return value.Value{}, fmt.Errorf("client: send: %w", err)
	}
	d.log.Debug().Uint8("service", service).Uint32("function", function).
		Uint32("request_id", reqID).Msg("invocation sent")

	for {
		if err := d.pump(); err != nil {
			d.release(idx)
			return value.Value{}, fmt.Errorf("client: receive: %w", err)
		}
		if s := &d.slots[idx]; s.gen == gen && s.done {
			status, result, cerr := s.status, s.result, s.err
			d.release(idx)
			if cerr != nil {
				return value.Value{}, cerr
			}
			if status != message.StatusOK {
				return value.Value{}, &RPCError{Status: status}
			}
			return result, nil
		}
		if !time.Now().Before(deadline) {
			d.release(idx)
			d.log.Debug().Uint32("request_id", reqID).Msg("call timed out, slot recycled")
			return value.Value{}, fmt.Errorf("%w: request %d", ErrTimeout, reqID)
		}
		d.yield()
	}
}

// OnewayCall sends an invocation that expects no reply. It returns once the
// frame is handed to the transport and creates no correlation entry.
func (d *Dispatcher) OnewayCall(service uint8, function uint32, args []value.Value) error {
	d.seq++
	h := message.Header{
		Service:   service,
		RequestID: d.seq,
		Type:      message.TypeOneway,
		Function:  function,
	}
	if err := d.send(h, args); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// Poll drains whatever the transport has buffered, delivering notifications
// and resolving replies. Call it from the driving loop when no Call is in
// flight so notifications keep flowing.
func (d *Dispatcher) Poll() error {
	return d.pump()
}

// acquire claims a free slot and stamps it with a fresh request id. Returns
// -1 with no state consumed when the table is full.
func (d *Dispatcher) acquire(ret *value.Type, deadline time.Time) int {
	for i := range d.slots {
		s := &d.slots[i]
		if s.inUse {
			continue
		}
		d.seq++
		s.inUse = true
		s.requestID = d.seq
		s.deadline = deadline
		s.ret = ret
		s.done = false
		s.status = message.StatusOK
		s.result = value.Value{}
		s.err = nil
		return i
	}
	return -1
}

// release frees a slot and advances its generation, so a reply that shows up
// for a past occupancy can no longer resolve it.
func (d *Dispatcher) release(i int) {
	s := &d.slots[i]
	s.inUse = false
	s.done = false
	s.ret = nil
	s.result = value.Value{}
	s.err = nil
	s.gen++
}

// send builds header+args into the scratch buffer, frames it, and hands the
// wire bytes to the transport.
func (d *Dispatcher) send(h message.Header, args []value.Value) error {
	buf := message.AppendHeader(d.scratch[:0], h)
	var err error
	for _, a := range args {
		if buf, err = value.Append(buf, a); err != nil {
			return err
		}
	}
	d.scratch = buf
	if len(buf) > d.maxPayload {
		return fmt.Errorf("%w: envelope is %d bytes", frame.ErrLengthOverflow, len(buf))
	}
	wire, err := frame.Append(d.wire[:0], buf)
	if err != nil {
		return err
	}
	d.wire = wire
	return d.tr.Send(wire)
}

// pump polls the transport until it runs dry, feeding every chunk through
// the frame decoder. Framing errors are resynchronization events, logged and
// swallowed; only transport errors surface.
func (d *Dispatcher) pump() error {
	for {
		n, err := d.tr.TryReceive(d.rbuf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		b := d.rbuf[:n]
		for len(b) > 0 {
			payload, used, ferr := d.dec.Feed(b)
			b = b[used:]
			if ferr != nil {
				d.log.Warn().Err(ferr).Msg("frame discarded, stream resynchronized")
				continue
			}
			if payload != nil {
				d.route(payload)
			}
		}
	}
}

// route hands one validated frame payload to the matching consumer. Nothing
// in here may disturb unrelated dispatcher state.
func (d *Dispatcher) route(payload []byte) {
	h, body, err := message.Parse(payload)
	if err != nil {
		d.log.Warn().Err(err).Msg("undecodable envelope dropped")
		return
	}
	switch h.Type {
	case message.TypeReply:
		d.resolve(h, body)
	case message.TypeNotification:
		if d.notify != nil {
			d.notify(h.Service, h.Function, body)
			return
		}
		d.log.Debug().Uint8("service", h.Service).Uint32("function", h.Function).
			Msg("notification dropped, no handler registered")
	default:
		d.log.Debug().Stringer("type", h.Type).Msg("unexpected message type on client link")
	}
}

// resolve delivers a reply to the single pending call it belongs to, or
// drops it. A slot is assigned its result exactly once per occupancy.
func (d *Dispatcher) resolve(h message.Header, body []byte) {
	for i := range d.slots {
		s := &d.slots[i]
		if !s.inUse || s.requestID != h.RequestID {
			continue
		}
		if s.done {
			// An Invocation gets exactly one Reply; a second is wire
			// garbage, not an internal fault.
			d.log.Warn().Uint32("request_id", h.RequestID).Msg("duplicate reply dropped")
			return
		}
		s.status, s.result, s.err = decodeReply(body, s.ret)
		s.done = true
		return
	}
	d.log.Debug().Uint32("request_id", h.RequestID).Msg("stale reply dropped")
}

// decodeReply splits a reply body into its status word and, on StatusOK, the
// decoded return value.
func decodeReply(body []byte, ret *value.Type) (message.Status, value.Value, error) {
	if len(body) < 4 {
		return message.StatusOK, value.Value{}, fmt.Errorf("%w: reply status", value.ErrTruncatedValue)
	}
	status := message.Status(binary.LittleEndian.Uint32(body))
	body = body[4:]
	if status != message.StatusOK {
		return status, value.Value{}, nil
	}
	if ret == nil {
		if len(body) != 0 {
			return status, value.Value{}, fmt.Errorf("%w: %d bytes", ErrResponseOverrun, len(body))
		}
		return status, value.Value{}, nil
	}
	v, n, err := value.Decode(body, ret)
	if err != nil {
		return status, value.Value{}, err
	}
	if n != len(body) {
		return status, value.Value{}, fmt.Errorf("%w: %d bytes", ErrResponseOverrun, len(body)-n)
	}
	return status, v, nil
}
