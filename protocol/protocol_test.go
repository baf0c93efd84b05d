package protocol

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xic/cipher"
	"xic/message"
	"xic/rpcerr"
)

func sampleMessages() []message.Message {
	return []message.Message{
		&message.Hello{},
		&message.Bye{},
		&message.Quest{Txid: 7, Service: "Echo", Method: "ping", Args: []byte(`{}`)},
		&message.Quest{Service: "Log", Method: "write", Context: message.Context{"trace": "t-1"}, Args: []byte("oneway")},
		&message.Answer{Txid: 7, Status: 0, Result: []byte(`{}`)},
		&message.Answer{Txid: 9, Status: 1, Result: []byte(`{"code":1}`)},
		&message.Check{Cmd: "AUTHENTICATE", Args: map[string]any{"method": "SRP6a"}},
	}
}

// feed decodes stream handing the decoder chunks of the given size.
func feed(t *testing.T, dec *Decoder, stream []byte, chunk int) []message.Message {
	t.Helper()
	var out []message.Message
	for off := 0; off < len(stream); off += chunk {
		p := stream[off:min(off+chunk, len(stream))]
		for len(p) > 0 {
			msg, n, err := dec.Decode(p)
			require.NoError(t, err)
			p = p[n:]
			if msg != nil {
				out = append(out, msg)
			}
		}
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := sampleMessages()
	var stream []byte
	for _, m := range msgs {
		frame, err := Encode(m, nil, DefaultMaxMessageSize)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	for _, chunk := range []int{1, 3, 8, 64, len(stream)} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			got := feed(t, NewDecoder(DefaultMaxMessageSize), stream, chunk)
			assert.Equal(t, msgs, got)
		})
	}
}

func TestEncryptedRoundTripByteAtATime(t *testing.T) {
	for _, suite := range []cipher.Suite{cipher.AES128EAX, cipher.AES256EAXIV} {
		t.Run(suite.String(), func(t *testing.T) {
			send, err := cipher.NewFromSecret(suite, []byte("k"), false)
			require.NoError(t, err)
			recv, err := cipher.NewFromSecret(suite, []byte("k"), true)
			require.NoError(t, err)

			msgs := sampleMessages()
			var stream []byte
			for _, m := range msgs {
				frame, err := Encode(m, send, DefaultMaxMessageSize)
				require.NoError(t, err)
				stream = append(stream, frame...)
			}

			dec := NewDecoder(DefaultMaxMessageSize)
			dec.SetCipher(recv)
			assert.Equal(t, msgs, feed(t, dec, stream, 1))
		})
	}
}

func TestEncryptedFrameLayout(t *testing.T) {
	c, err := cipher.NewFromSecret(cipher.AES256EAXIV, []byte("k"), false)
	require.NoError(t, err)
	q := &message.Quest{Txid: 1, Service: "Echo", Method: "ping"}
	body, err := EncodeBody(q, DefaultMaxMessageSize)
	require.NoError(t, err)

	frame, err := AppendFrame(nil, message.TypeQuest, body, c)
	require.NoError(t, err)
	assert.Equal(t, byte(cipher.AES256EAXIV), frame[3])
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(frame[4:8]))
	assert.Len(t, frame, HeaderSize+len(body)+cipher.IVSize+cipher.TagSize)

	// Check messages stay plaintext even with a cipher
	frame, err = Encode(&message.Check{Cmd: "SRP6a4", Args: map[string]any{}}, c, DefaultMaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[3])
}

func TestGoldenFrames(t *testing.T) {
	g := goldie.New(t)
	cases := map[string]message.Message{
		"hello_frame":  &message.Hello{},
		"bye_frame":    &message.Bye{},
		"quest_frame":  &message.Quest{Txid: 7, Service: "Echo", Method: "ping"},
		"answer_frame": &message.Answer{Txid: 7},
	}
	for name, m := range cases {
		frame, err := Encode(m, nil, DefaultMaxMessageSize)
		require.NoError(t, err)
		g.Assert(t, name, []byte(fmt.Sprintf("% x\n", frame)))
	}
}

func decodeErr(t *testing.T, dec *Decoder, frame []byte) error {
	t.Helper()
	var err error
	for len(frame) > 0 && err == nil {
		var n int
		_, n, err = dec.Decode(frame)
		frame = frame[n:]
	}
	return err
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{'Y', Version, 'H', 0, 0, 0, 0, 0}
	err := decodeErr(t, NewDecoder(0), frame)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
	assert.Contains(t, err.Error(), "invalid magic")
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{Magic, 0xFF, 'H', 0, 0, 0, 0, 0}
	err := decodeErr(t, NewDecoder(0), frame)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
}

func TestDecodeReservedFlags(t *testing.T) {
	frame := []byte{Magic, Version, 'Q', 0x04, 0, 0, 0, 0}
	err := decodeErr(t, NewDecoder(0), frame)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
}

func TestDecodeUnknownType(t *testing.T) {
	frame := []byte{Magic, Version, 'Z', 0, 0, 0, 0, 0}
	err := decodeErr(t, NewDecoder(0), frame)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
}

func TestDecodeOversize(t *testing.T) {
	frame := []byte{Magic, Version, 'Q', 0, 0, 0, 1, 0} // 256 byte body
	err := decodeErr(t, NewDecoder(255), frame)
	assert.True(t, rpcerr.Is(err, rpcerr.KindSize))
}

func TestEncodeOversize(t *testing.T) {
	_, err := Encode(&message.Quest{Txid: 1, Service: "S", Method: "m", Args: make([]byte, 100)}, nil, 50)
	assert.True(t, rpcerr.Is(err, rpcerr.KindSize))
}

func TestDecodeHelloWithBody(t *testing.T) {
	frame := []byte{Magic, Version, 'H', 0, 0, 0, 0, 1, 0}
	err := decodeErr(t, NewDecoder(0), frame)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
}

func TestDecodeEncryptedWithoutCipher(t *testing.T) {
	frame := []byte{Magic, Version, 'Q', byte(cipher.AES128EAX), 0, 0, 0, 0}
	err := decodeErr(t, NewDecoder(0), frame)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
}

func TestDecodePlaintextQuestAfterCipher(t *testing.T) {
	c, err := cipher.NewFromSecret(cipher.AES128EAX, []byte("k"), true)
	require.NoError(t, err)
	frame, err := Encode(&message.Quest{Txid: 1, Service: "S", Method: "m"}, nil, DefaultMaxMessageSize)
	require.NoError(t, err)

	dec := NewDecoder(0)
	dec.SetCipher(c)
	assert.True(t, rpcerr.Is(decodeErr(t, dec, frame), rpcerr.KindProtocol))
}

func TestDecodeTamperedFrame(t *testing.T) {
	send, err := cipher.NewFromSecret(cipher.AES128EAX, []byte("k"), false)
	require.NoError(t, err)
	recv, err := cipher.NewFromSecret(cipher.AES128EAX, []byte("k"), true)
	require.NoError(t, err)

	frame, err := Encode(&message.Answer{Txid: 3, Result: []byte("payload")}, send, DefaultMaxMessageSize)
	require.NoError(t, err)
	frame[HeaderSize+2] ^= 0x01

	dec := NewDecoder(0)
	dec.SetCipher(recv)
	err = decodeErr(t, dec, frame)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))

	// broken decoders stay broken
	_, n, err2 := dec.Decode([]byte{Magic})
	assert.Equal(t, 0, n)
	assert.Equal(t, err, err2)
}

func TestBuffered(t *testing.T) {
	frame, err := Encode(&message.Answer{Txid: 3}, nil, DefaultMaxMessageSize)
	require.NoError(t, err)

	dec := NewDecoder(0)
	assert.False(t, dec.Buffered())
	_, _, err = dec.Decode(frame[:3])
	require.NoError(t, err)
	assert.True(t, dec.Buffered())
	msg, _, err := dec.Decode(frame[3:])
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.False(t, dec.Buffered())
}
