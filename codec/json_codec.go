package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json for servant arguments and results.
// An empty payload decodes as the zero value so parameterless methods can be
// called with no arguments at all.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
