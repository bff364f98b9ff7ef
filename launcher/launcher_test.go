package launcher_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/bridge"
	"github.com/momentics/hioload-ports/control"
	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/fake"
	"github.com/momentics/hioload-ports/internal/exchange"
	"github.com/momentics/hioload-ports/launcher"
	"github.com/momentics/hioload-ports/port"
)

const pipeline = `
instances:
  - {name: src, worker: generator, host: a, process: "1"}
  - {name: sink, worker: writer, host: a, process: "1", crew_size: 3, member: 0}
  - {name: sink, worker: writer, host: a, process: "1", crew_size: 3, member: 1}
  - {name: sink, worker: writer, host: a, process: "1", crew_size: 3, member: 2}
connections:
  - producer: {instance: src, port: out, params: {buffer_count: "8", distribution: scatter}}
    consumer: {instance: sink, port: in, params: {bufferSize: "128"}}
`

func load(t *testing.T, doc string) *launcher.Deployment {
	t.Helper()
	d, err := launcher.LoadDeployment(strings.NewReader(doc))
	require.NoError(t, err)
	return d
}

func TestLoadDeployment(t *testing.T) {
	d := load(t, pipeline)
	require.Len(t, d.Instances, 4)
	require.Len(t, d.Connections, 1)
	assert.Equal(t, "src.out", d.Connections[0].Producer.String())
	crews := d.Members()
	assert.Len(t, crews["sink"], 3)
	assert.Equal(t, 2, crews["sink"][2].Member)
	assert.Equal(t, api.Locality{Host: "a", Process: "1"}, crews["src"][0].Locality())

	bad := map[string]string{
		"incomplete crew": `
instances:
  - {name: sink, crew_size: 2, member: 0}
`,
		"unknown instance": `
instances:
  - {name: src}
connections:
  - producer: {instance: src, port: out}
    consumer: {instance: nowhere, port: in}
`,
		"bad parameter": `
instances:
  - {name: src}
  - {name: sink}
connections:
  - producer: {instance: src, port: out, params: {buffer_count: "many"}}
    consumer: {instance: sink, port: in}
`,
		"unknown field": `
instances:
  - {name: src, colour: blue}
`,
	}
	for name, doc := range bad {
		_, err := launcher.LoadDeployment(strings.NewReader(doc))
		assert.ErrorIs(t, err, api.ErrInvalidArgument, name)
	}
}

func TestParseParams(t *testing.T) {
	params, err := launcher.ParseParams(map[string]string{
		"Buffer-Count": "6",
		"buffer_size":  "4096",
		"transports":   "socket, shm",
		"distribution": "hashed",
		"hash_field":   "user",
		"roles":        "active-message,passive",
	})
	require.NoError(t, err)
	require.Len(t, params, 6)
	for _, p := range params {
		assert.NotEqual(t, "unknown", p.Kind.String())
	}

	got := launcher.Apply(port.Params{BufferCount: 2, URL: "kept"}, params)
	assert.Equal(t, port.Params{
		BufferCount:  6,
		BufferSize:   4096,
		Transports:   []api.TransportID{api.TransportSocket, api.TransportSharedMemory},
		Roles:        api.RolesOf(api.ActiveMessage, api.Passive),
		Distribution: api.DistHashed,
		HashField:    "user",
		URL:          "kept",
	}, got)

	for _, kv := range []map[string]string{
		{"colour": "blue"},
		{"buffer_count": "0"},
		{"transport": "carrier-pigeon"},
		{"transport": " , "},
		{"distribution": "sideways"},
		{"roles": "lazy"},
		{"hash_field": " "},
	} {
		_, err := launcher.ParseParams(kv)
		assert.ErrorIs(t, err, api.ErrInvalidArgument, "%v", kv)
	}

	p, err := launcher.EndpointParams(port.Params{}, launcher.Endpoint{Instance: "x", Port: "y", URL: "ipc://x"})
	require.NoError(t, err)
	assert.Equal(t, "ipc://x", p.URL)
}

func TestRegistryConnectsLocalPair(t *testing.T) {
	probes := control.NewDebugProbes()
	reg := launcher.NewRegistry(launcher.Options{Probes: probes, Defaults: port.Params{BufferCount: 4}})
	defer reg.Close() //nolint:errcheck
	require.NoError(t, reg.Deploy(load(t, `
instances:
  - {name: src}
  - {name: sink}
connections:
  - producer: {instance: src, port: out}
    consumer: {instance: sink, port: in, params: {buffer_size: "256"}}
`)))

	out, ok := reg.Port("src.out")
	require.True(t, ok)
	in, ok := reg.Port("sink.in")
	require.True(t, ok)
	conns := reg.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, 0, conns[0].Steps())
	assert.Equal(t, api.TransportInProcess, conns[0].Transport())
	assert.Equal(t, 0, reg.Pending())
	assert.GreaterOrEqual(t, out.Ring().Stride(), 256)

	s, ok, err := out.AcquireForWrite()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, out.Put(s, buffer.Meta{Length: copy(s.Payload(), "hi")}))
	r, ok, err := in.AcquireFull()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", string(r.Data()))

	state := probes.DumpState()
	require.Contains(t, state, "port.src.out")
	assert.Equal(t, 1, state["port.sink.in"].(buffer.RingState).Outstanding)
}

func TestRegistryWiresCrew(t *testing.T) {
	reg := launcher.NewRegistry(launcher.Options{})
	defer reg.Close() //nolint:errcheck
	require.NoError(t, reg.Deploy(load(t, pipeline)))

	g, ok := reg.Group("src.out")
	require.True(t, ok)
	assert.Equal(t, bridge.Cyclic, g.Policy())
	require.Len(t, g.Members(), 3)
	assert.Equal(t, 8, g.Members()[0].Ring().Capacity())
	_, ok = reg.Group("sink[0].in")
	assert.False(t, ok, "a single producer needs no gather group")

	for j := 0; j < 6; j++ {
		s, ok, err := g.AcquireForWrite()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, g.Put(s, buffer.Meta{OpCode: uint8(j)}))
	}
	for m := 0; m < 3; m++ {
		in, ok := reg.Port(fmt.Sprintf("sink[%d].in", m))
		require.True(t, ok)
		for _, want := range []uint8{uint8(m), uint8(m + 3)} {
			s, ok, err := in.AcquireFull()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, s.OpCode())
			require.NoError(t, in.Release(s))
		}
	}
}

func TestRegistryCrewToCrew(t *testing.T) {
	reg := launcher.NewRegistry(launcher.Options{})
	defer reg.Close() //nolint:errcheck
	require.NoError(t, reg.Deploy(load(t, `
instances:
  - {name: src, crew_size: 2, member: 0}
  - {name: src, crew_size: 2, member: 1}
  - {name: sink, crew_size: 4, member: 0}
  - {name: sink, crew_size: 4, member: 1}
  - {name: sink, crew_size: 4, member: 2}
  - {name: sink, crew_size: 4, member: 3}
connections:
  - producer: {instance: src, port: out}
    consumer: {instance: sink, port: in}
`)))
	assert.Len(t, reg.Connections(), 8)
	for _, name := range []string{"src[0].out", "src[1].out"} {
		g, ok := reg.Group(name)
		require.True(t, ok, name)
		assert.Equal(t, bridge.CyclicModulo, g.Policy())
	}
	g, ok := reg.Group("sink[3].in")
	require.True(t, ok)
	assert.Equal(t, bridge.CyclicModulo, g.Policy())
	_, ok = reg.Port("sink[3].in[1]")
	assert.True(t, ok)
}

func TestRegistryRejectsIncompatibleDistribution(t *testing.T) {
	reg := launcher.NewRegistry(launcher.Options{})
	defer reg.Close() //nolint:errcheck
	err := reg.Deploy(load(t, `
instances:
  - {name: src}
  - {name: sink}
connections:
  - producer: {instance: src, port: out}
    consumer: {instance: sink, port: in, params: {distribution: broadcast}}
`))
	assert.ErrorIs(t, err, api.ErrIncompatibleDistribution)
}

const remote = `
instances:
  - {name: src, host: a, process: "1"}
  - {name: sink, host: b, process: "1"}
connections:
  - producer: {instance: src, port: out, params: {transport: socket}}
    consumer: {instance: sink, port: in}
`

func hosts(t *testing.T, x api.Exchanger, describe func(launcher.Instance, string, api.Role) port.Metadata) (a, b *launcher.Registry) {
	t.Helper()
	opts := func(host string) launcher.Options {
		return launcher.Options{
			Self:     api.Locality{Host: host, Process: "1"},
			Exchange: x,
			Subject:  "hioload.ports",
			Describe: describe,
		}
	}
	a, b = launcher.NewRegistry(opts("a")), launcher.NewRegistry(opts("b"))
	t.Cleanup(func() {
		a.Close() //nolint:errcheck
		b.Close() //nolint:errcheck
	})
	d := load(t, remote)
	require.NoError(t, a.Deploy(d))
	require.NoError(t, b.Deploy(d))
	return a, b
}

func TestRegistriesNegotiateAcrossHosts(t *testing.T) {
	a, b := hosts(t, exchange.NewMemory(), nil)
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 1, b.Pending())
	_, ok := a.Port("sink.in")
	assert.False(t, ok, "remote instances get no ports")

	ctx := context.Background()
	require.NoError(t, a.Negotiate(ctx))
	require.NoError(t, b.Negotiate(ctx))
	assert.Zero(t, a.Pending())

	out, _ := a.Port("src.out")
	in, _ := b.Port("sink.in")
	pc, cc := out.Connection(), in.Connection()
	require.NotNil(t, pc)
	require.NotNil(t, cc)
	assert.True(t, pc.Done())
	assert.True(t, cc.Done())
	assert.Equal(t, pc.ID(), cc.ID())
	assert.Equal(t, protocol.MaxSteps, cc.Steps())
	assert.Equal(t, api.TransportSocket, cc.Transport())
	assert.True(t, out.Ring().Split())
	assert.NotNil(t, in.Ring())
}

func TestRegistryNegotiationFailureDiscardsBothEnds(t *testing.T) {
	describe := func(inst launcher.Instance, _ string, _ api.Role) port.Metadata {
		return port.Metadata{Protocol: inst.Worker + inst.Name}
	}
	a, b := hosts(t, exchange.NewMemory(), describe)
	ctx := context.Background()
	require.NoError(t, a.Negotiate(ctx))
	err := b.Negotiate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrConnection)
	assert.ErrorIs(t, err, api.ErrIncompatibleTypes)
	var e *api.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int(protocol.StepSetInitialProducerInfo), e.Context["step"])

	out, _ := a.Port("src.out")
	in, _ := b.Port("sink.in")
	assert.Nil(t, out.Connection())
	assert.Nil(t, in.Connection())
}

func TestRegistryLostStepIsNotResumed(t *testing.T) {
	x := fake.NewExchanger(exchange.NewMemory())
	x.FailRequest(2, errors.New("link down"))
	a, b := hosts(t, x, nil)
	ctx := context.Background()
	require.NoError(t, a.Negotiate(ctx))
	err := b.Negotiate(ctx)
	assert.ErrorIs(t, err, api.ErrConnection)
	var e *api.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int(protocol.StepSetFinalProducerInfo), e.Context["step"])

	reqs := x.Requests()
	require.Len(t, reqs, 3, "step 2, lost step 4, abort")
	last, err := protocol.DecodeRequest(reqs[2])
	require.NoError(t, err)
	assert.Equal(t, protocol.KindAbort, last.Kind)

	out, _ := a.Port("src.out")
	in, _ := b.Port("sink.in")
	assert.Nil(t, out.Connection(), "the serving end dropped its state")
	assert.Nil(t, in.Connection())
}

func TestRegistryDriverWithoutPeer(t *testing.T) {
	x := exchange.NewMemory()
	_, b := hosts(t, x, nil)
	err := b.Negotiate(context.Background())
	assert.ErrorIs(t, err, api.ErrConnection)
	var e *api.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int(protocol.StepSetInitialProducerInfo), e.Context["step"])
	in, _ := b.Port("sink.in")
	assert.Nil(t, in.Connection(), "partial state is discarded")
	assert.Zero(t, b.Pending())
}

func TestRegistryClose(t *testing.T) {
	probes := control.NewDebugProbes()
	reg := launcher.NewRegistry(launcher.Options{Probes: probes})
	require.NoError(t, reg.Deploy(load(t, pipeline)))
	out, _ := reg.Port("src.out[1]")
	require.NotNil(t, out.Connection())
	assert.NotEmpty(t, probes.DumpState())

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())
	assert.Nil(t, out.Connection())
	assert.Empty(t, out.Group())
	assert.Empty(t, probes.DumpState())
	assert.ErrorIs(t, reg.Deploy(load(t, pipeline)), api.ErrProtocolViolation)
}

const remoteCrew = `
instances:
  - {name: src, host: a, process: "1"}
  - {name: sink, host: b, process: "1", crew_size: 3, member: 0}
  - {name: sink, host: b, process: "1", crew_size: 3, member: 1}
  - {name: sink, host: b, process: "1", crew_size: 3, member: 2}
connections:
  - producer: {instance: src, port: out, params: {distribution: scatter, transport: socket}}
    consumer: {instance: sink, port: in, params: {transport: socket}}
`

func TestRegistryDrivesCrewConcurrently(t *testing.T) {
	x := exchange.NewMemory()
	opts := func(host string) launcher.Options {
		return launcher.Options{Self: api.Locality{Host: host, Process: "1"}, Exchange: x, Workers: 4}
	}
	a, b := launcher.NewRegistry(opts("a")), launcher.NewRegistry(opts("b"))
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	d := load(t, remoteCrew)
	require.NoError(t, a.Deploy(d))
	require.NoError(t, b.Deploy(d))
	assert.Equal(t, 3, b.Pending())

	ctx := context.Background()
	require.NoError(t, a.Negotiate(ctx))
	require.NoError(t, b.Negotiate(ctx))
	for j := 0; j < 3; j++ {
		out, ok := a.Port(fmt.Sprintf("src.out[%d]", j))
		require.True(t, ok)
		in, ok := b.Port(fmt.Sprintf("sink[%d].in", j))
		require.True(t, ok)
		require.NotNil(t, in.Connection())
		assert.True(t, in.Connection().Done())
		assert.Equal(t, out.Connection().ID(), in.Connection().ID())
	}
}
