package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"erpc-host/frame"
	"erpc-host/message"
	"erpc-host/server"
	"erpc-host/transport"
	"erpc-host/value"
)

var u32 = value.Primitive(value.KindUint32)

// injectReply writes a raw reply frame into the client's receive path.
func injectReply(t *testing.T, peer *transport.Pipe, reqID uint32, status message.Status, ret *value.Value) {
	t.Helper()
	payload := message.AppendHeader(nil, message.Header{
		Service:   1,
		RequestID: reqID,
		Type:      message.TypeReply,
		Function:  1,
	})
	payload = binary32(payload, uint32(status))
	if ret != nil {
		var err error
		payload, err = value.Append(payload, *ret)
		require.NoError(t, err)
	}
	sendFrame(t, peer, payload)
}

func injectNotification(t *testing.T, peer *transport.Pipe, service uint8, function uint32, body []byte) {
	t.Helper()
	payload := message.AppendHeader(nil, message.Header{
		Service:  service,
		Type:     message.TypeNotification,
		Function: function,
	})
	payload = append(payload, body...)
	sendFrame(t, peer, payload)
}

func sendFrame(t *testing.T, peer *transport.Pipe, payload []byte) {
	t.Helper()
	wire, err := frame.Append(nil, payload)
	require.NoError(t, err)
	require.NoError(t, peer.Send(wire))
}

func binary32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func deadline() time.Time { return time.Now().Add(time.Second) }

// End-to-end over an in-memory link: the server's Poll runs inside the
// client's yield hook, exactly how a single-task firmware loop interleaves
// the two sides.
func TestCallRoundTrip(t *testing.T) {
	clientEnd, serverEnd := transport.NewPipe(4096)
	srv := server.New(serverEnd)
	require.NoError(t, srv.Register(1, 10,
		[]*value.Type{u32, u32},
		server.HandlerFunc(func(args []value.Value) (value.Value, error) {
			return value.Uint32(uint32(args[0].U + args[1].U)), nil
		})))

	d := New(clientEnd, WithYield(func() { _ = srv.Poll() }))

	ret, err := d.Call(1, 10, []value.Value{value.Uint32(2), value.Uint32(40)}, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(42), ret.U)

	// The dispatcher is clean afterwards: all slots free.
	for i := range d.slots {
		require.False(t, d.slots[i].inUse, "slot %d still occupied", i)
	}
}

func TestCallRPCErrorStatus(t *testing.T) {
	clientEnd, serverEnd := transport.NewPipe(4096)
	srv := server.New(serverEnd)
	d := New(clientEnd, WithYield(func() { _ = srv.Poll() }))

	// Nothing registered: the server answers with an error status.
	_, err := d.Call(1, 10, nil, nil, deadline())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, message.StatusUnknownService, rpcErr.Status)
}

func TestOnewayCall(t *testing.T) {
	clientEnd, serverEnd := transport.NewPipe(4096)
	srv := server.New(serverEnd)
	got := ""
	require.NoError(t, srv.Register(1, 3,
		[]*value.Type{value.Primitive(value.KindString)},
		server.HandlerFunc(func(args []value.Value) (value.Value, error) {
			got = string(args[0].Bytes)
			return value.Value{}, nil
		})))

	d := New(clientEnd)
	require.NoError(t, d.OnewayCall(1, 3, []value.Value{value.String("ping")}))
	require.NoError(t, srv.Poll())
	require.Equal(t, "ping", got)

	for i := range d.slots {
		require.False(t, d.slots[i].inUse, "oneway must not consume a slot")
	}
}

func TestCallTimeout(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd, WithYield(func() {}))

	_, err := d.Call(1, 1, nil, nil, time.Now().Add(5*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, d.slots[0].inUse, "timeout must free the slot")

	// The late reply for the timed-out request arrives, followed by the
	// reply for a fresh call reusing the slot. The stale one is dropped.
	staleRet := value.Uint32(1)
	goodRet := value.Uint32(2)
	injectReply(t, peer, 1, message.StatusOK, &staleRet)
	injectReply(t, peer, 2, message.StatusOK, &goodRet)

	ret, err := d.Call(1, 1, nil, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(2), ret.U)
}

func TestCapacityLimit(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd, WithCapacity(2), WithYield(func() {}))

	// Occupy both slots as two in-flight calls would.
	require.Equal(t, 0, d.acquire(nil, deadline()))
	require.Equal(t, 1, d.acquire(nil, deadline()))

	_, err := d.Call(1, 1, nil, nil, deadline())
	require.ErrorIs(t, err, ErrCapacity)
	// Immediate refusal: nothing was sent.
	n, err := peer.TryReceive(make([]byte, 16))
	require.NoError(t, err)
	require.Zero(t, n)

	// Once one outstanding call resolves, a new call fits again.
	d.release(0)
	ret := value.Uint32(9)
	injectReply(t, peer, 3, message.StatusOK, &ret)
	got, err := d.Call(1, 1, nil, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.U)
}

// Two calls outstanding on distinct request ids: a reply resolves only its
// own slot, and an interleaved notification disturbs neither.
func TestReplyRoutingIndependence(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	var notes []string
	d := New(clientEnd, WithCapacity(2),
		WithNotificationHandler(func(service uint8, function uint32, body []byte) {
			notes = append(notes, string(body))
		}))

	first := d.acquire(u32, deadline()) // request id 1
	second := d.acquire(u32, deadline()) // request id 2

	injectNotification(t, peer, 14, 5, []byte("n1"))
	ret2 := value.Uint32(22)
	injectReply(t, peer, 2, message.StatusOK, &ret2)
	injectNotification(t, peer, 14, 5, []byte("n2"))
	require.NoError(t, d.Poll())

	require.Equal(t, []string{"n1", "n2"}, notes, "notifications in frame order")
	require.True(t, d.slots[second].done)
	require.Equal(t, uint64(22), d.slots[second].result.U)
	require.False(t, d.slots[first].done, "unrelated slot was disturbed")
	require.True(t, d.slots[first].inUse)

	ret1 := value.Uint32(11)
	injectReply(t, peer, 1, message.StatusOK, &ret1)
	require.NoError(t, d.Poll())
	require.True(t, d.slots[first].done)
	require.Equal(t, uint64(11), d.slots[first].result.U)
}

// A duplicate reply must not overwrite an already-resolved slot.
func TestDuplicateReplyDropped(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd)

	idx := d.acquire(u32, deadline()) // request id 1
	ret := value.Uint32(7)
	injectReply(t, peer, 1, message.StatusOK, &ret)
	require.NoError(t, d.Poll())
	require.True(t, d.slots[idx].done)

	other := value.Uint32(8)
	injectReply(t, peer, 1, message.StatusOK, &other)
	require.NoError(t, d.Poll())
	require.Equal(t, uint64(7), d.slots[idx].result.U, "resolution is single-assignment")
}

// A freed slot's generation advances, so a reference captured before the
// release can be recognized as stale even after the slot is reused.
func TestGenerationAdvancesOnRelease(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd, WithCapacity(1))

	idx := d.acquire(nil, deadline()) // request id 1
	gen := d.slots[idx].gen
	d.release(idx)
	require.Equal(t, gen+1, d.slots[idx].gen)

	// Slot reused by a new request; the old request's reply must not touch it.
	idx = d.acquire(u32, deadline()) // request id 2
	stale := value.Uint32(1)
	injectReply(t, peer, 1, message.StatusOK, &stale)
	require.NoError(t, d.Poll())
	require.False(t, d.slots[idx].done, "stale reply resolved a reused slot")

	fresh := value.Uint32(2)
	injectReply(t, peer, 2, message.StatusOK, &fresh)
	require.NoError(t, d.Poll())
	require.True(t, d.slots[idx].done)
	require.Equal(t, uint64(2), d.slots[idx].result.U)
}

func TestNotificationWithoutHandlerIsDropped(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd)

	injectNotification(t, peer, 14, 5, []byte("nobody home"))
	require.NoError(t, d.Poll())

	for i := range d.slots {
		require.False(t, d.slots[i].inUse)
	}
}

// A malformed reply body fails only the call it was addressed to.
func TestCorruptReplyFailsOnlyThatCall(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd, WithYield(func() {}))

	// Reply whose status word is truncated.
	payload := message.AppendHeader(nil, message.Header{
		Service:   1,
		RequestID: 1,
		Type:      message.TypeReply,
		Function:  1,
	})
	payload = append(payload, 0x00) // 1 byte where a u32 status belongs
	sendFrame(t, peer, payload)

	_, err := d.Call(1, 1, nil, nil, deadline())
	require.ErrorIs(t, err, value.ErrTruncatedValue)

	// The dispatcher stays healthy for the next call.
	ret := value.Uint32(5)
	injectReply(t, peer, 2, message.StatusOK, &ret)
	got, err := d.Call(1, 1, nil, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.U)
}

func TestResponseOverrun(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd, WithYield(func() {}))

	// StatusOK followed by bytes nobody asked for (void return expected).
	payload := message.AppendHeader(nil, message.Header{
		Service:   1,
		RequestID: 1,
		Type:      message.TypeReply,
		Function:  1,
	})
	payload = binary32(payload, uint32(message.StatusOK))
	payload = append(payload, 0xaa, 0xbb)
	sendFrame(t, peer, payload)

	_, err := d.Call(1, 1, nil, nil, deadline())
	require.ErrorIs(t, err, ErrResponseOverrun)
}

// failOnce fails the first Send, then hands off to the real pipe.
type failOnce struct {
	*transport.Pipe
	failed bool
}

func (f *failOnce) Send(p []byte) error {
	if !f.failed {
		f.failed = true
		return transport.ErrDisconnected
	}
	return f.Pipe.Send(p)
}

func TestTransportFailureLeavesDispatcherUsable(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	tr := &failOnce{Pipe: clientEnd}
	d := New(tr, WithYield(func() {}))

	_, err := d.Call(1, 1, nil, nil, deadline())
	require.ErrorIs(t, err, transport.ErrDisconnected)
	for i := range d.slots {
		require.False(t, d.slots[i].inUse, "failed call left its slot occupied")
	}

	// Link recovered: the next call goes through.
	ret := value.Uint32(3)
	injectReply(t, peer, 2, message.StatusOK, &ret)
	got, err := d.Call(1, 1, nil, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.U)
}

// Half-duplex links run with a single slot: one outstanding call at a time.
func TestHalfDuplexSingleSlot(t *testing.T) {
	clientEnd, _ := transport.NewPipe(4096)
	d := New(clientEnd, WithCapacity(1), WithYield(func() {}))

	require.Equal(t, 0, d.acquire(nil, deadline()))
	_, err := d.Call(1, 1, nil, nil, deadline())
	require.ErrorIs(t, err, ErrCapacity)
}

// A corrupted frame between two valid ones must not jam an in-flight call.
func TestResyncDuringCall(t *testing.T) {
	clientEnd, peer := transport.NewPipe(4096)
	d := New(clientEnd, WithYield(func() {}))

	garbage, err := frame.Append(nil, []byte("valid payload"))
	require.NoError(t, err)
	garbage[len(garbage)-1] ^= 0x01
	require.NoError(t, peer.Send(garbage))

	ret := value.Uint32(6)
	injectReply(t, peer, 1, message.StatusOK, &ret)

	got, err := d.Call(1, 1, nil, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(6), got.U)
}

// Notifications delivered while a call waits must not disturb it.
func TestNotificationDuringCall(t *testing.T) {
	clientEnd, serverEnd := transport.NewPipe(4096)
	srv := server.New(serverEnd)
	require.NoError(t, srv.Register(1, 1, nil,
		server.HandlerFunc(func([]value.Value) (value.Value, error) {
			// Send a callback before the reply goes out.
			if err := srv.Notify(14, 9, []value.Value{value.Uint32(1)}); err != nil {
				return value.Value{}, err
			}
			return value.Uint32(88), nil
		})))

	notified := 0
	d := New(clientEnd,
		WithYield(func() { _ = srv.Poll() }),
		WithNotificationHandler(func(uint8, uint32, []byte) { notified++ }))

	ret, err := d.Call(1, 1, nil, u32, deadline())
	require.NoError(t, err)
	require.Equal(t, uint64(88), ret.U)
	require.Equal(t, 1, notified)
}

func TestTimeoutErrorIsNotCapacity(t *testing.T) {
	clientEnd, _ := transport.NewPipe(64)
	d := New(clientEnd, WithYield(func() {}))
	_, err := d.Call(1, 1, nil, nil, time.Now().Add(time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, errors.Is(err, ErrCapacity))
}
