package room

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serializer turns room state into the byte payloads carried by ROOM_STATE
// and ROOM_STATE_PATCH frames. Implementations are driven exclusively from
// the room's event loop.
type Serializer interface {
	// ID names the serializer in the join handshake so the client can pick
	// a matching decoder.
	ID() string
	// Handshake returns serializer-specific setup bytes for the handshake
	// frame. May be nil.
	Handshake() []byte
	// FullState encodes a complete snapshot for a newly joined client.
	FullState() ([]byte, error)
	// Patch encodes the changes since the previous Patch or FullState call.
	// A nil payload with a nil error means nothing changed.
	Patch() ([]byte, error)
}

// jsonSerializer snapshots the handler's state as JSON. Patches are full
// snapshots, emitted only when the encoding differs from the last one sent.
type jsonSerializer struct {
	provider StateProvider
	last     []byte
}

func newJSONSerializer(provider StateProvider) *jsonSerializer {
	return &jsonSerializer{provider: provider}
}

func (s *jsonSerializer) ID() string        { return "json" }
func (s *jsonSerializer) Handshake() []byte { return nil }

func (s *jsonSerializer) FullState() ([]byte, error) {
	data, err := json.Marshal(s.provider.State())
	if err != nil {
		return nil, fmt.Errorf("encoding room state: %w", err)
	}
	s.last = data
	return data, nil
}

func (s *jsonSerializer) Patch() ([]byte, error) {
	data, err := json.Marshal(s.provider.State())
	if err != nil {
		return nil, fmt.Errorf("encoding room state: %w", err)
	}
	if bytes.Equal(data, s.last) {
		return nil, nil
	}
	s.last = data
	return data, nil
}

// noneSerializer serves rooms without synchronizable state. No state frames
// are ever produced.
type noneSerializer struct{}

func (noneSerializer) ID() string                 { return "none" }
func (noneSerializer) Handshake() []byte          { return nil }
func (noneSerializer) FullState() ([]byte, error) { return nil, nil }
func (noneSerializer) Patch() ([]byte, error)     { return nil, nil }

// serializerFor selects the serializer implied by the handler's capabilities.
func serializerFor(handler any) Serializer {
	if provider, ok := handler.(StateProvider); ok {
		return newJSONSerializer(provider)
	}
	return noneSerializer{}
}
