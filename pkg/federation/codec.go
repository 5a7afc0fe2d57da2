package federation

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
)

// Codec encodes frames on the bus
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// MessageType is the websocket message type carrying encoded frames
	MessageType() int
}

// JSON is the default codec
var JSON Codec = jsonCodec{}

// Msgpack is the compact binary codec
var Msgpack Codec = msgpackCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) MessageType() int                   { return websocket.BinaryMessage }

// CodecByName returns the codec registered under name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	}
	return nil, herrors.ErrInvalidConfig("federation.codec", "unknown codec "+name)
}

// codecFor picks the codec matching an inbound websocket message type, so
// peers configured with different codecs still understand each other
func codecFor(messageType int) Codec {
	if messageType == websocket.BinaryMessage {
		return Msgpack
	}
	return JSON
}
