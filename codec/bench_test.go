package codec

import (
	"testing"

	"xic/message"
)

// JSON payload encoding as done by Proxy.Call
func BenchmarkCodecJSON(b *testing.B) {
	cdc := GetCodec(CodecTypeJSON)
	args := struct{ A, B int }{1, 2}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(&args)
		cdc.Decode(data, &args)
	}
}

// frame body encoding of a quest
func BenchmarkCodecBinary(b *testing.B) {
	cdc := GetCodec(CodecTypeBinary)
	q := &message.Quest{
		Txid:    7,
		Service: "Arith",
		Method:  "Add",
		Context: message.Context{"trace": "t-1"},
		Args:    []byte(`{"A":1,"B":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(q)
		var out message.Quest
		cdc.Decode(data, &out)
	}
}
