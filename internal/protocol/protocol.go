// Package protocol defines the binary wire protocol shared by rooms and the
// client session: 1-byte opcode frames, the close-code taxonomy both sides
// branch on during reconnection, and the matchmaking error codes surfaced to
// clients.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcodes. Every frame starts with exactly one of these bytes.
const (
	OpJoinRoom       byte = 10 // server → client handshake; client → server join ack (empty body)
	OpError          byte = 11
	OpLeaveRoom      byte = 12
	OpRoomData       byte = 13
	OpRoomDataBytes  byte = 14
	OpRoomState      byte = 15
	OpRoomStatePatch byte = 16
	OpPing           byte = 17
	OpPong           byte = 18
)

// Close codes. Reconnection logic on both sides branches on the exact value.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	CloseConsented       = 4000
	CloseWithError       = 4002
	CloseFailedReconnect = 4003
	CloseDevModeRestart  = 4010
)

// Matchmaking error codes.
const (
	ErrCodeNoHandler        = 4210 // no room type registered under the requested name
	ErrCodeInvalidCriteria  = 4211
	ErrCodeInvalidRoomID    = 4212
	ErrCodeUnhandled        = 4213
	ErrCodeExpired          = 4214 // seat reservation or reconnection token expired
	ErrCodeAuthFailed       = 4215
	ErrCodeApplicationError = 4216
)

// ErrShortFrame reports a frame too small to carry its declared content.
var ErrShortFrame = errors.New("protocol: short frame")

// MessageType is the type tag of a ROOM_DATA frame: a string name or a
// numeric code, mirroring the registration forms OnMessage accepts.
type MessageType struct {
	Str   string
	Num   uint32
	IsNum bool
}

// String renders the tag for logging and handler lookup.
func (m MessageType) String() string {
	if m.IsNum {
		return fmt.Sprintf("#%d", m.Num)
	}
	return m.Str
}

const (
	tagString byte = 0
	tagNumber byte = 1
)

// EncodeJoinRoom builds the server-side join handshake frame. The
// reconnection token travels here so the client can resume this session
// after an abnormal close or a dev-mode restart.
func EncodeJoinRoom(serializerID, reconnectionToken string, handshake []byte) []byte {
	frame := make([]byte, 0, 3+len(serializerID)+len(reconnectionToken)+len(handshake))
	frame = append(frame, OpJoinRoom, byte(len(serializerID)))
	frame = append(frame, serializerID...)
	frame = append(frame, byte(len(reconnectionToken)))
	frame = append(frame, reconnectionToken...)
	frame = append(frame, handshake...)
	return frame
}

// DecodeJoinRoom parses a join handshake frame body.
func DecodeJoinRoom(body []byte) (serializerID, reconnectionToken string, handshake []byte, err error) {
	if len(body) < 1 {
		return "", "", nil, ErrShortFrame
	}
	n := int(body[0])
	if len(body) < 1+n+1 {
		return "", "", nil, ErrShortFrame
	}
	serializerID = string(body[1 : 1+n])
	rest := body[1+n:]
	tn := int(rest[0])
	if len(rest) < 1+tn {
		return "", "", nil, ErrShortFrame
	}
	return serializerID, string(rest[1 : 1+tn]), rest[1+tn:], nil
}

// JoinAck is the empty-bodied JOIN_ROOM frame the client sends to complete
// its join.
func JoinAck() []byte {
	return []byte{OpJoinRoom}
}

// EncodeError builds an ERROR frame carrying a code and message.
func EncodeError(code uint32, message string) []byte {
	frame := make([]byte, 5, 5+len(message))
	frame[0] = OpError
	binary.BigEndian.PutUint32(frame[1:5], code)
	return append(frame, message...)
}

// DecodeError parses an ERROR frame body.
func DecodeError(body []byte) (code uint32, message string, err error) {
	if len(body) < 4 {
		return 0, "", ErrShortFrame
	}
	return binary.BigEndian.Uint32(body[:4]), string(body[4:]), nil
}

// EncodeLeaveRoom builds a LEAVE_ROOM frame.
func EncodeLeaveRoom() []byte {
	return []byte{OpLeaveRoom}
}

func encodeTyped(op byte, msgType MessageType, payload []byte) []byte {
	var frame []byte
	if msgType.IsNum {
		frame = make([]byte, 6, 6+len(payload))
		frame[0] = op
		frame[1] = tagNumber
		binary.BigEndian.PutUint32(frame[2:6], msgType.Num)
	} else {
		frame = make([]byte, 0, 3+len(msgType.Str)+len(payload))
		frame = append(frame, op, tagString, byte(len(msgType.Str)))
		frame = append(frame, msgType.Str...)
	}
	return append(frame, payload...)
}

func decodeTyped(body []byte) (MessageType, []byte, error) {
	if len(body) < 1 {
		return MessageType{}, nil, ErrShortFrame
	}
	switch body[0] {
	case tagNumber:
		if len(body) < 5 {
			return MessageType{}, nil, ErrShortFrame
		}
		return MessageType{Num: binary.BigEndian.Uint32(body[1:5]), IsNum: true}, body[5:], nil
	case tagString:
		if len(body) < 2 {
			return MessageType{}, nil, ErrShortFrame
		}
		n := int(body[1])
		if len(body) < 2+n {
			return MessageType{}, nil, ErrShortFrame
		}
		return MessageType{Str: string(body[2 : 2+n])}, body[2+n:], nil
	default:
		return MessageType{}, nil, fmt.Errorf("protocol: unknown message type tag %d", body[0])
	}
}

// EncodeRoomData builds a ROOM_DATA frame with a JSON payload.
func EncodeRoomData(msgType MessageType, payload []byte) []byte {
	return encodeTyped(OpRoomData, msgType, payload)
}

// DecodeRoomData parses a ROOM_DATA frame body.
func DecodeRoomData(body []byte) (MessageType, []byte, error) {
	return decodeTyped(body)
}

// EncodeRoomDataBytes builds a ROOM_DATA_BYTES frame with a raw payload.
func EncodeRoomDataBytes(msgType MessageType, payload []byte) []byte {
	return encodeTyped(OpRoomDataBytes, msgType, payload)
}

// DecodeRoomDataBytes parses a ROOM_DATA_BYTES frame body.
func DecodeRoomDataBytes(body []byte) (MessageType, []byte, error) {
	return decodeTyped(body)
}

// EncodeRoomState builds a full-snapshot ROOM_STATE frame. The snapshot
// encoding itself is owned by the state serializer.
func EncodeRoomState(state []byte) []byte {
	return append([]byte{OpRoomState}, state...)
}

// EncodeRoomStatePatch builds an incremental ROOM_STATE_PATCH frame. The
// patch encoding is owned by the state serializer.
func EncodeRoomStatePatch(patch []byte) []byte {
	return append([]byte{OpRoomStatePatch}, patch...)
}

// Split separates a frame into opcode and body.
func Split(frame []byte) (op byte, body []byte, err error) {
	if len(frame) < 1 {
		return 0, nil, ErrShortFrame
	}
	return frame[0], frame[1:], nil
}
