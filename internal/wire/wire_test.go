package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	session, err := NewSession([]byte("secret-key"), "kernel")
	require.NoError(t, err)

	header, err := session.NewHeader("kernel_info_request")
	require.NoError(t, err)

	original := &ComposedMsg{
		Header:   header,
		Metadata: map[string]interface{}{},
		Content:  map[string]interface{}{"foo": "bar"},
	}
	ids := Identities{[]byte("identity-1")}

	frames, err := Encode(ids, original, session.Key)
	require.NoError(t, err)

	decodedIDs, decoded, err := Decode(frames, session.Key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte(ids), [][]byte(decodedIDs))
	assert.Equal(t, original.Header.MsgID, decoded.Header.MsgID)
	assert.Equal(t, original.Header.MsgType, decoded.Header.MsgType)
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	session, err := NewSession([]byte("secret-key"), "kernel")
	require.NoError(t, err)
	header, err := session.NewHeader("execute_request")
	require.NoError(t, err)
	msg := &ComposedMsg{Header: header, Content: map[string]interface{}{}}

	frames, err := Encode(nil, msg, session.Key)
	require.NoError(t, err)

	_, _, err = Decode(frames, []byte("a-different-key"))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeMissingDelimiter(t *testing.T) {
	_, _, err := Decode([][]byte{[]byte("nope")}, nil)
	assert.ErrorIs(t, err, ErrMissingDelimiter)
}

func TestDecodeUnsignedWhenNoKey(t *testing.T) {
	session, err := NewSession(nil, "kernel")
	require.NoError(t, err)
	header, err := session.NewHeader("execute_request")
	require.NoError(t, err)
	msg := &ComposedMsg{Header: header, Content: map[string]interface{}{}}

	frames, err := Encode(nil, msg, nil)
	require.NoError(t, err)
	_, decoded, err := Decode(frames, nil)
	require.NoError(t, err)
	assert.Equal(t, header.MsgID, decoded.Header.MsgID)
}

func TestCompatibleProtocolVersion(t *testing.T) {
	assert.True(t, CompatibleProtocolVersion("5.3"))
	assert.True(t, CompatibleProtocolVersion("5.4"))
	assert.False(t, CompatibleProtocolVersion("6.0"))
	assert.False(t, CompatibleProtocolVersion("not-a-version"))
}
