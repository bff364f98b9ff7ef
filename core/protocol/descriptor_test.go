package protocol_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/protocol"
)

func sampleDescriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Transport:    api.TransportSharedMemory,
		Transports:   api.TransportsOf(api.TransportSharedMemory, api.TransportSocket),
		Roles:        api.RolesOf(api.ActiveMessage, api.Passive),
		Role:         api.Passive,
		Flags:        protocol.FlagRoleChosen | protocol.FlagGeometry | protocol.FlagFeedback,
		BufferSize:   4096,
		BufferCount:  16,
		ProducerBase: 0x1122334455667788,
		ConsumerBase: 1 << 40,
		Protocol:     "telemetry/v2",
		URL:          "nats://peer/ports/in",
		Feedback:     protocol.NewFeedback(4096, 16, api.Passive),
	}
}

func TestDescriptorRoundTripIsBitExact(t *testing.T) {
	d := sampleDescriptor()
	raw, err := d.MarshalBinary()
	require.NoError(t, err)

	var got protocol.Descriptor
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, d, got)

	again, err := got.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, again))
}

func TestDescriptorZeroValueRoundTrip(t *testing.T) {
	var d protocol.Descriptor
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	var got protocol.Descriptor
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, d, got)
}

func TestDescriptorLittleEndianLayout(t *testing.T) {
	d := protocol.Descriptor{BufferSize: 0x01020304}
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x44}, raw[0:2])
	assert.Equal(t, byte(protocol.DescriptorVersion), raw[2])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, raw[10:14])
}

func TestDescriptorDecodeErrors(t *testing.T) {
	d := sampleDescriptor()
	raw, err := d.MarshalBinary()
	require.NoError(t, err)

	var got protocol.Descriptor
	for _, n := range []int{0, 10, len(raw) - 1} {
		assert.ErrorIs(t, got.UnmarshalBinary(raw[:n]), api.ErrProtocolViolation, "truncated to %d", n)
	}
	assert.ErrorIs(t, got.UnmarshalBinary(append(bytes.Clone(raw), 0)), api.ErrProtocolViolation, "trailing")

	bad := bytes.Clone(raw)
	bad[2] = protocol.DescriptorVersion + 1
	assert.ErrorIs(t, got.UnmarshalBinary(bad), api.ErrProtocolViolation, "version")

	bad = bytes.Clone(raw)
	bad[0] = 0
	assert.ErrorIs(t, got.UnmarshalBinary(bad), api.ErrProtocolViolation, "magic")
}

func TestDescriptorRejectsLongStrings(t *testing.T) {
	d := protocol.Descriptor{URL: string(make([]byte, protocol.MaxStringLen+1))}
	_, err := d.MarshalBinary()
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestFeedbackChecksum(t *testing.T) {
	fb := protocol.NewFeedback(128, 4, api.ActiveOnly)
	assert.True(t, fb.Valid())
	fb.BufferCount = 5
	assert.False(t, fb.Valid())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := protocol.Request{Kind: protocol.KindStep, Step: protocol.StepSetInitialUserInfo, Info: sampleDescriptor()}
	raw, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	got, err := protocol.DecodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	res := protocol.StepResult{Step: protocol.StepSetFinalProducerInfo, Info: sampleDescriptor(), Final: true, Done: true}
	raw, err = protocol.EncodeReply(res, nil)
	require.NoError(t, err)
	back, err := protocol.DecodeReply(raw)
	require.NoError(t, err)
	assert.Equal(t, res, back)
}

func TestEnvelopeCarriesRemoteErrorCode(t *testing.T) {
	raw, err := protocol.EncodeReply(protocol.StepResult{}, api.NewError(api.ErrCodeNoCompatibleRole, "no role"))
	require.NoError(t, err)
	_, err = protocol.DecodeReply(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrNoCompatibleRole)
	assert.Contains(t, err.Error(), "no role")
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, err := protocol.DecodeRequest([]byte{9, 9})
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	_, err = protocol.DecodeRequest([]byte{1, 7, 1})
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	_, err = protocol.DecodeReply([]byte{1, 5, 0})
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}
