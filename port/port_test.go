package port_test

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/control"
	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/port"
)

func mk(t *testing.T, opts port.Options) *port.Port {
	t.Helper()
	p, err := port.New(opts)
	require.NoError(t, err)
	return p
}

func producer(t *testing.T, name string) *port.Port {
	return mk(t, port.Options{Name: name, Role: api.Producer})
}

func consumer(t *testing.T, name string) *port.Port {
	return mk(t, port.Options{Name: name, Role: api.Consumer})
}

// send writes msg into the next slot of p.
func send(t *testing.T, p *port.Port, msg string, op uint8) {
	t.Helper()
	s, ok, err := p.AcquireForWrite()
	require.NoError(t, err)
	require.True(t, ok, "no writable slot for %q", msg)
	n := copy(s.Payload(), msg)
	require.NoError(t, p.Put(s, buffer.Meta{Length: n, OpCode: op}))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := port.New(port.Options{Role: api.Producer})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = port.New(port.Options{Name: "x", Role: api.Role(7)})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestConnectSharesRingOfFourSlots(t *testing.T) {
	prod, cons := producer(t, "out"), consumer(t, "in")
	c, err := prod.Connect(cons, port.Params{BufferCount: 4, BufferSize: 64}, port.Params{})
	require.NoError(t, err)

	assert.True(t, c.Done())
	assert.Equal(t, 0, c.Steps())
	assert.Equal(t, api.TransportInProcess, c.Transport())
	assert.Same(t, prod.Ring(), cons.Ring())
	assert.Same(t, c, cons.Connection())

	for i := 0; i < 3; i++ {
		send(t, prod, fmt.Sprintf("m%d", i), uint8(i))
	}
	_, ok, err := prod.AcquireForWrite()
	require.NoError(t, err)
	assert.False(t, ok, "one slot always stays free")
	assert.Equal(t, 3, cons.Occupancy())

	op, ok, err := cons.PeekOpCode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(0), op)

	s, ok, err := cons.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m0", string(s.Data()))
	require.NoError(t, cons.Release(s))

	_, ok, err = prod.AcquireForWrite()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectMergesGeometry(t *testing.T) {
	prod, cons := producer(t, "out"), consumer(t, "in")
	_, err := cons.Connect(prod, port.Params{BufferCount: 8}, port.Params{BufferCount: 2, BufferSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 8, prod.Ring().Capacity())
	assert.Equal(t, 104, prod.Ring().Stride())

	big := mk(t, port.Options{Name: "big", Role: api.Consumer, Metadata: port.Metadata{MaxMessageSize: 512}})
	other := producer(t, "other")
	_, err = other.Connect(big, port.Params{BufferSize: 100}, port.Params{})
	require.NoError(t, err)
	assert.Equal(t, 512, big.Ring().Stride())
}

func TestConnectDefaults(t *testing.T) {
	prod, cons := producer(t, "out"), consumer(t, "in")
	_, err := prod.Connect(cons, port.Params{}, port.Params{})
	require.NoError(t, err)
	assert.Equal(t, 4, prod.Ring().Capacity())
	assert.Equal(t, 2048, prod.Ring().Stride())
}

func TestConnectRejects(t *testing.T) {
	a, b := producer(t, "a"), producer(t, "b")
	_, err := a.Connect(b, port.Params{}, port.Params{})
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "same role")
	_, err = a.Connect(a, port.Params{}, port.Params{})
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "self")

	video := mk(t, port.Options{Name: "v", Role: api.Producer, Metadata: port.Metadata{Protocol: "video"}})
	audio := mk(t, port.Options{Name: "au", Role: api.Consumer, Metadata: port.Metadata{Protocol: "audio"}})
	_, err = video.Connect(audio, port.Params{}, port.Params{})
	assert.ErrorIs(t, err, api.ErrIncompatibleTypes)
	assert.Nil(t, video.Connection())

	both := mk(t, port.Options{Name: "both", Role: api.Consumer, Metadata: port.Metadata{Protocol: "audio", Compatible: []string{"video"}}})
	_, err = video.Connect(both, port.Params{}, port.Params{})
	require.NoError(t, err)

	_, err = video.Connect(consumer(t, "late"), port.Params{}, port.Params{})
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "already connected")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	prod, cons := producer(t, "out"), consumer(t, "in")
	_, err := prod.Connect(cons, port.Params{}, port.Params{})
	require.NoError(t, err)
	s, ok, err := prod.AcquireForWrite()
	require.NoError(t, err)
	require.True(t, ok)
	ring := prod.Ring()

	require.NoError(t, prod.Disconnect())
	require.NoError(t, prod.Disconnect())
	require.NoError(t, cons.Disconnect())
	assert.Nil(t, prod.Connection())
	assert.Nil(t, cons.Connection())
	drained, err := ring.Drained()
	assert.True(t, drained)
	assert.NoError(t, err)

	_, ok, err = prod.AcquireForWrite()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, prod.Put(s, buffer.Meta{}), api.ErrProtocolViolation)

	_, err = prod.Connect(cons, port.Params{}, port.Params{})
	assert.NoError(t, err, "ports connect again after disconnect")
}

func TestRoleMisuse(t *testing.T) {
	prod, cons := producer(t, "out"), consumer(t, "in")
	_, _, err := prod.AcquireFull()
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	_, _, err = prod.PeekOpCode()
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	_, _, err = cons.AcquireForWrite()
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	_, err = cons.TryFlush()
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	s, ok, err := cons.AcquireFull()
	assert.NoError(t, err, "unconnected is not ready, not an error")
	assert.False(t, ok)
	assert.Nil(t, s)
}

func TestLoopbackNeedsOneOwner(t *testing.T) {
	out := mk(t, port.Options{Name: "out", Role: api.Producer, Owner: "worker-1"})
	in := mk(t, port.Options{Name: "in", Role: api.Consumer, Owner: "worker-1"})
	stranger := mk(t, port.Options{Name: "x", Role: api.Consumer, Owner: "worker-2"})

	_, err := out.Loopback(stranger)
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	c, err := out.Loopback(in)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Steps())

	orphan := producer(t, "orphan")
	_, err = orphan.Loopback(consumer(t, "orphan-in"))
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "no owner")
}

func TestConnectExternalFeedsGraphPort(t *testing.T) {
	in := mk(t, port.Options{Name: "in", Role: api.Consumer, Metadata: port.Metadata{Protocol: "samples"}})
	ext, err := in.ConnectExternal("feed", port.Params{BufferCount: 2})
	require.NoError(t, err)
	assert.Equal(t, api.Producer, ext.Role())
	assert.Equal(t, 2, in.Ring().Capacity())

	s, ok, err := ext.GetBuffer()
	require.NoError(t, err)
	require.True(t, ok)
	n := copy(s.Payload(), "hello")
	require.NoError(t, ext.Put(s, buffer.Meta{Length: n}))
	pending, err := ext.TryFlush()
	require.NoError(t, err)
	assert.False(t, pending)

	got, ok, err := in.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got.Data()))
	require.NoError(t, in.Release(got))

	require.NoError(t, ext.Disconnect())
	assert.Nil(t, in.Connection())
}

func TestConnectExternalDrainsGraphPort(t *testing.T) {
	out := producer(t, "out")
	ext, err := out.ConnectExternal("tap", port.Params{})
	require.NoError(t, err)
	assert.Equal(t, api.Consumer, ext.Role())

	s, ok, err := out.AcquireForWrite()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, out.PutEOF(s))

	got, ok, err := ext.GetBuffer()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Closure())
	assert.Nil(t, got.Data())
	require.NoError(t, ext.Release(got))
}

func TestForwardIsZeroCopy(t *testing.T) {
	m, err := control.NewMetrics()
	require.NoError(t, err)
	src := mk(t, port.Options{Name: "src", Role: api.Producer, Metrics: m})
	in := mk(t, port.Options{Name: "in", Role: api.Consumer, Metrics: m})
	out := mk(t, port.Options{Name: "out", Role: api.Producer, Metrics: m})
	sink := mk(t, port.Options{Name: "sink", Role: api.Consumer, Metrics: m})
	_, err = src.Connect(in, port.Params{}, port.Params{})
	require.NoError(t, err)
	_, err = out.Connect(sink, port.Params{}, port.Params{})
	require.NoError(t, err)

	send(t, src, "abc", 7)
	rx, ok, err := in.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = out.Forward(in, rx, rx.Meta())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = out.Forward(in, rx, rx.Meta())
	assert.ErrorIs(t, err, api.ErrDoubleForward)

	got, ok, err := sink.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got.Data()))
	assert.Equal(t, uint8(7), got.OpCode())
	assert.Same(t, &rx.Payload()[0], &got.Data()[0], "payload is not copied")

	assert.Equal(t, 1, in.Occupancy(), "lent slot is still unreleased")
	require.NoError(t, sink.Release(got))
	assert.Equal(t, 0, in.Occupancy(), "custody returned on release")

	n, err := testutil.GatherAndCount(m.Registry(), "hioload_ports_buffers_forwarded_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(m.Registry(), "hioload_ports_traffic_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestForwardRejectsForeignBuffer(t *testing.T) {
	src, in := producer(t, "src"), consumer(t, "in")
	out, sink := producer(t, "out"), consumer(t, "sink")
	_, err := src.Connect(in, port.Params{}, port.Params{})
	require.NoError(t, err)
	_, err = out.Connect(sink, port.Params{}, port.Params{})
	require.NoError(t, err)
	send(t, src, "x", 0)
	rx, _, err := in.AcquireFull()
	require.NoError(t, err)

	_, err = out.Forward(consumer(t, "unrelated"), rx, rx.Meta())
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	_, err = sink.Forward(in, rx, rx.Meta())
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "forward into a consumer")
}

func TestSetForwardRedirects(t *testing.T) {
	out, sink := producer(t, "out"), consumer(t, "sink")
	_, err := out.Connect(sink, port.Params{}, port.Params{})
	require.NoError(t, err)

	shim := producer(t, "shim")
	require.NoError(t, shim.SetForward(out))
	send(t, shim, "via shim", 1)
	got, ok, err := sink.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "via shim", string(got.Data()))

	assert.ErrorIs(t, out.SetForward(shim), api.ErrProtocolViolation, "cycle")
	assert.ErrorIs(t, producer(t, "p").SetForward(sink), api.ErrProtocolViolation, "other role")
	_, err = shim.Connect(consumer(t, "c"), port.Params{}, port.Params{})
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "forwarding port has no ring")
}

func TestGroupMembershipIsExclusive(t *testing.T) {
	p := producer(t, "out")
	require.NoError(t, p.JoinGroup("g1"))
	require.NoError(t, p.JoinGroup("g1"))
	assert.ErrorIs(t, p.JoinGroup("g2"), api.ErrProtocolViolation)
	p.LeaveGroup()
	require.NoError(t, p.JoinGroup("g2"))
	assert.Equal(t, "g2", p.Group())
}
