// Package codec serializes message bodies and servant payloads.
//
// Two codecs are provided:
//   - BinaryCodec: self-describing tagged values, used for every frame body on the wire.
//   - JSONCodec:   used by reflection servants and Proxy.Call for argument/result payloads.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}
