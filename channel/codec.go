package channel

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"collabtext/fieldsync"
)

// Frame types.
const (
	TypeEdit      = "edit"
	TypeBroadcast = "broadcast"
	TypeCursor    = "cursor"
	TypeEvent     = "event"
)

// Envelope is one frame on the channel. Exactly one payload matches Type.
type Envelope struct {
	Type      string                  `json:"type"`
	Edit      *fieldsync.Edit         `json:"edit,omitempty"`
	Broadcast *fieldsync.Broadcast    `json:"broadcast,omitempty"`
	Cursor    *fieldsync.CursorUpdate `json:"cursor,omitempty"`
	Event     *fieldsync.Event        `json:"event,omitempty"`
}

// Validate checks that the payload matching Type is present.
func (e Envelope) Validate() error {
	ok := false
	switch e.Type {
	case TypeEdit:
		ok = e.Edit != nil
	case TypeBroadcast:
		ok = e.Broadcast != nil
	case TypeCursor:
		ok = e.Cursor != nil
	case TypeEvent:
		ok = e.Event != nil
	default:
		return fmt.Errorf("channel: unknown frame type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("channel: %s frame without payload", e.Type)
	}
	return nil
}

// Codec encodes envelopes for the wire.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) MessageType() int                   { return websocket.BinaryMessage }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName returns the codec registered as name ("json" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("channel: unknown codec %q", name)
}

// Decode reads an envelope and validates it.
func Decode(c Codec, data []byte) (Envelope, error) {
	var env Envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("channel: decode %s frame: %w", c.Name(), err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
