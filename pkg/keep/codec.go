package keep

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the pluggable on-disk encoding for Keep records. It is
// independent of the wire body codec negotiated at Join.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Ext() string // file extension, including the leading dot
}

// MsgpackCodec is the default Keep codec: compact, self-describing.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
func (MsgpackCodec) Ext() string { return ".mp" }

// JSONCodec is an optional human-readable Keep codec, useful for debugging
// persisted state by hand.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (JSONCodec) Ext() string { return ".json" }
