package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, []byte("hello"), More))
	require.NoError(t, Send(&buf, []byte("world"), Done))

	payload, more, err := Recv(&buf)
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, "hello", string(payload))

	payload, more, err = Recv(&buf)
	require.NoError(t, err)
	require.False(t, more)
	require.Equal(t, "world", string(payload))
}

func TestSendEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, nil, Done))
	payload, more, err := Recv(&buf)
	require.NoError(t, err)
	require.False(t, more)
	require.Empty(t, payload)
}

func TestSendOversizePayloadFails(t *testing.T) {
	var buf bytes.Buffer
	err := Send(&buf, make([]byte, MaxFrameLen+1), Done)
	require.Error(t, err)
	var pe *ProtoError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindProtocolViolation, pe.Kind)
}

func TestRecvRejectsShortHeader(t *testing.T) {
	buf := bytes.NewBufferString("short")
	_, _, err := Recv(buf)
	require.Error(t, err)
}

func TestRecvRejectsBadStatusByte(t *testing.T) {
	header := formatHeader(Done, 0)
	header[0] = 'x'
	_, _, err := Recv(bytes.NewReader(header))
	require.Error(t, err)
}
