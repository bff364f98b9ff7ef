package port_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/fake"
	"github.com/momentics/hioload-ports/internal/transport"
	"github.com/momentics/hioload-ports/port"
)

func at(t *testing.T, name string, role api.Role, loc api.Locality, meta port.Metadata) *port.Port {
	return mk(t, port.Options{Name: name, Role: role, Locality: loc, Metadata: meta})
}

var (
	hostA = api.Locality{Host: "a", Process: "1"}
	hostB = api.Locality{Host: "b", Process: "1"}
)

func TestNegotiateRemoteRunsFiveSteps(t *testing.T) {
	prod := at(t, "out", api.Producer, hostA, port.Metadata{Protocol: "samples"})
	cons := at(t, "in", api.Consumer, hostB, port.Metadata{Protocol: "samples"})

	c, err := port.Negotiate(prod, cons, nil)
	require.NoError(t, err)
	assert.True(t, c.Done())
	assert.Equal(t, protocol.MaxSteps, c.Steps())
	assert.Equal(t, api.TransportSocket, c.Transport())
	assert.True(t, prod.Ring().Split())
	assert.NotSame(t, prod.Ring(), cons.Ring())
	assert.Equal(t, c.Descriptor(api.Producer).Feedback, c.Descriptor(api.Consumer).Feedback)

	send(t, prod, "tick", 3)
	_, ok, err := cons.AcquireFull()
	require.NoError(t, err)
	assert.False(t, ok, "nothing arrives before a flush")

	pending, err := prod.TryFlush()
	require.NoError(t, err)
	assert.False(t, pending)
	got, ok, err := cons.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tick", string(got.Data()))
	assert.Equal(t, uint8(3), got.OpCode())
	require.NoError(t, cons.Release(got))
}

func TestTryFlushFollowsMover(t *testing.T) {
	mover := fake.NewMover()
	mover.SetLimit(1)
	prod := mk(t, port.Options{Name: "out", Role: api.Producer, Locality: hostA, Mover: mover})
	cons := at(t, "in", api.Consumer, hostB, port.Metadata{})
	_, err := port.Negotiate(prod, cons, nil)
	require.NoError(t, err)

	send(t, prod, "a", 1)
	send(t, prod, "b", 2)
	pending, err := prod.TryFlush()
	require.NoError(t, err)
	assert.True(t, pending, "one slot per pass")
	assert.Equal(t, 1, cons.Occupancy())

	boom := errors.New("link down")
	mover.SetError(boom)
	pending, err = prod.TryFlush()
	assert.ErrorIs(t, err, boom)
	assert.True(t, pending)

	mover.SetError(nil)
	pending, err = prod.TryFlush()
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, 2, mover.Moved())
	assert.Equal(t, 3, mover.Calls())
	for _, want := range []uint8{1, 2} {
		got, ok, err := cons.AcquireFull()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.OpCode())
		require.NoError(t, cons.Release(got))
	}
}

func TestNegotiateEagerPolicyFinishesAtStepOne(t *testing.T) {
	prod := at(t, "out", api.Producer, hostA, port.Metadata{})
	cons := at(t, "in", api.Consumer, hostB, port.Metadata{})
	c, err := port.Negotiate(prod, cons, protocol.EagerEarlyExit)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Steps())
	assert.True(t, c.ProducerDone())
	assert.True(t, c.ConsumerDone())
}

func TestNegotiateCoLocatedTakesNoSteps(t *testing.T) {
	prod := at(t, "out", api.Producer, hostA, port.Metadata{})
	cons := at(t, "in", api.Consumer, hostA, port.Metadata{})
	c, err := port.Negotiate(prod, cons, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Steps())
	assert.Equal(t, api.TransportInProcess, c.Transport())
}

func TestNegotiateSameHostSharedMemory(t *testing.T) {
	if !transport.HasSharedMemory() {
		t.Skip("no shared memory on this host")
	}
	prod := at(t, "out", api.Producer, api.Locality{Host: "a", Process: "1"}, port.Metadata{})
	cons := at(t, "in", api.Consumer, api.Locality{Host: "a", Process: "2"}, port.Metadata{})
	c, err := port.Negotiate(prod, cons, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Steps(), "shm exits at the first step")
	assert.Equal(t, api.TransportSharedMemory, c.Transport())
	ring := prod.Ring()
	assert.Same(t, ring, cons.Ring())
	assert.True(t, ring.Arena().Shared())

	send(t, prod, "frame", 0)
	got, ok, err := cons.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "frame", string(got.Data()))
	require.NoError(t, cons.Release(got))

	require.NoError(t, prod.Disconnect())
	drained, err := ring.Drained()
	assert.True(t, drained)
	assert.NoError(t, err)
}

func TestNegotiateFailureDiscardsState(t *testing.T) {
	prod := at(t, "out", api.Producer, hostA, port.Metadata{Protocol: "video"})
	cons := at(t, "in", api.Consumer, hostB, port.Metadata{Protocol: "audio"})
	_, err := port.Negotiate(prod, cons, nil)
	require.ErrorIs(t, err, api.ErrIncompatibleTypes)

	var e *api.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int(protocol.StepSetInitialProducerInfo), e.Context["step"])
	assert.Nil(t, prod.Connection())
	assert.Nil(t, cons.Connection())
	assert.Nil(t, prod.Ring())
}

// exchange drives two sessions the way a deployment driver and a peer
// server do, passing every result across.
func exchange(t *testing.T, prod, cons *port.Session) {
	t.Helper()
	sessions := map[api.Role]*port.Session{api.Producer: prod, api.Consumer: cons}
	var in protocol.Descriptor
	for step := protocol.StepInitialProducerInfo; step <= protocol.StepSetFinalUserInfo; step++ {
		if prod.Done() && cons.Done() {
			return
		}
		self, peer := sessions[step.Side()], sessions[step.Side().Opposite()]
		res, err := self.Apply(step, in)
		require.NoError(t, err, "step %s", step)
		require.NoError(t, peer.Deliver(res))
		if res.Final {
			self.PeerDone()
		}
		in = res.Info
	}
}

func TestSessionsNegotiateAcrossExchange(t *testing.T) {
	prod := at(t, "out", api.Producer, hostA, port.Metadata{Protocol: "samples"})
	cons := at(t, "in", api.Consumer, hostB, port.Metadata{Protocol: "samples"})
	ps, err := prod.BeginNegotiation("a.out->b.in", hostB, nil, nil)
	require.NoError(t, err)
	cs, err := cons.BeginNegotiation("a.out->b.in", hostA, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, api.Remote, ps.Location())
	assert.Equal(t, protocol.StepInitialProducerInfo, cs.Next())
	assert.Nil(t, prod.Ring(), "no ring before the negotiation is done")

	exchange(t, ps, cs)

	pc, cc := ps.Connection(), cs.Connection()
	assert.True(t, pc.Done())
	assert.True(t, cc.Done())
	assert.Equal(t, pc.ID(), cc.ID(), "both ends derive the id from the key")
	assert.Equal(t, protocol.MaxSteps, pc.Steps())
	assert.Equal(t, protocol.MaxSteps, cc.Steps())
	assert.Equal(t, pc.Agreement(), cc.Agreement())

	require.NotNil(t, prod.Ring())
	require.NotNil(t, cons.Ring())
	send(t, prod, "queued", 0)
	pending, err := prod.TryFlush()
	require.NoError(t, err)
	assert.True(t, pending, "the remote carrier drains split rings")
}

func TestSessionLifecycle(t *testing.T) {
	cons := at(t, "in", api.Consumer, hostB, port.Metadata{})
	_, err := cons.BeginNegotiation("k", hostB, nil, nil)
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "co-located")

	s, err := cons.BeginNegotiation("k", hostA, nil, nil)
	require.NoError(t, err)
	_, err = cons.BeginNegotiation("k", hostA, nil, nil)
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "already negotiating")
	_, err = s.Apply(protocol.StepInitialProducerInfo, protocol.Descriptor{})
	require.NoError(t, err)

	require.NoError(t, cons.Disconnect())
	assert.Nil(t, cons.Connection())
	_, err = s.Apply(protocol.StepSetInitialUserInfo, protocol.Descriptor{})
	assert.ErrorIs(t, err, api.ErrProtocolViolation, "session ended")

	again, err := cons.BeginNegotiation("k", hostA, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StepInitialProducerInfo, again.Next())
	require.NoError(t, again.Abort())
}
