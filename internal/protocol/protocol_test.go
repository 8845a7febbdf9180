package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRoomFrame(t *testing.T) {
	frame := EncodeJoinRoom("json", "token-123", []byte(`{"seed":42}`))
	op, body, err := Split(frame)
	require.NoError(t, err)
	assert.Equal(t, OpJoinRoom, op)

	serializer, token, handshake, err := DecodeJoinRoom(body)
	require.NoError(t, err)
	assert.Equal(t, "json", serializer)
	assert.Equal(t, "token-123", token)
	assert.Equal(t, []byte(`{"seed":42}`), handshake)
}

func TestJoinRoomFrameEmptyToken(t *testing.T) {
	frame := EncodeJoinRoom("none", "", nil)
	_, body, err := Split(frame)
	require.NoError(t, err)

	serializer, token, handshake, err := DecodeJoinRoom(body)
	require.NoError(t, err)
	assert.Equal(t, "none", serializer)
	assert.Empty(t, token)
	assert.Empty(t, handshake)
}

func TestJoinAckHasEmptyBody(t *testing.T) {
	op, body, err := Split(JoinAck())
	require.NoError(t, err)
	assert.Equal(t, OpJoinRoom, op)
	assert.Empty(t, body)
}

func TestErrorFrame(t *testing.T) {
	frame := EncodeError(ErrCodeExpired, "seat reservation expired")
	op, body, err := Split(frame)
	require.NoError(t, err)
	assert.Equal(t, OpError, op)

	code, msg, err := DecodeError(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(ErrCodeExpired), code)
	assert.Equal(t, "seat reservation expired", msg)
}

func TestRoomDataStringType(t *testing.T) {
	frame := EncodeRoomData(MessageType{Str: "chat"}, []byte(`"hello"`))
	op, body, err := Split(frame)
	require.NoError(t, err)
	assert.Equal(t, OpRoomData, op)

	msgType, payload, err := DecodeRoomData(body)
	require.NoError(t, err)
	assert.False(t, msgType.IsNum)
	assert.Equal(t, "chat", msgType.Str)
	assert.Equal(t, []byte(`"hello"`), payload)
}

func TestRoomDataNumericType(t *testing.T) {
	frame := EncodeRoomData(MessageType{Num: 7, IsNum: true}, []byte(`[1,2]`))
	_, body, err := Split(frame)
	require.NoError(t, err)

	msgType, payload, err := DecodeRoomData(body)
	require.NoError(t, err)
	assert.True(t, msgType.IsNum)
	assert.Equal(t, uint32(7), msgType.Num)
	assert.Equal(t, []byte(`[1,2]`), payload)
	assert.Equal(t, "#7", msgType.String())
}

func TestRoomDataBytes(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := EncodeRoomDataBytes(MessageType{Str: "blob"}, raw)
	op, body, err := Split(frame)
	require.NoError(t, err)
	assert.Equal(t, OpRoomDataBytes, op)

	msgType, payload, err := DecodeRoomDataBytes(body)
	require.NoError(t, err)
	assert.Equal(t, "blob", msgType.Str)
	assert.Equal(t, raw, payload)
}

func TestShortFrames(t *testing.T) {
	_, _, err := Split(nil)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, _, _, err = DecodeJoinRoom(nil)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, _, err = DecodeError([]byte{0, 1})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, _, err = DecodeRoomData([]byte{tagString})
	assert.ErrorIs(t, err, ErrShortFrame)

	// Declared string length exceeding the body.
	_, _, err = DecodeRoomData([]byte{tagString, 10, 'a'})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestStateFrames(t *testing.T) {
	op, body, err := Split(EncodeRoomState([]byte("snapshot")))
	require.NoError(t, err)
	assert.Equal(t, OpRoomState, op)
	assert.Equal(t, []byte("snapshot"), body)

	op, body, err = Split(EncodeRoomStatePatch([]byte("diff")))
	require.NoError(t, err)
	assert.Equal(t, OpRoomStatePatch, op)
	assert.Equal(t, []byte("diff"), body)
}
