// Package protocol implements the XIC frame format.
//
// Every message is a fixed 8-byte header followed by the body. Encrypted
// frames (Quest and Answer after a successful handshake) additionally carry
// an optional IV and an authentication tag after the ciphertext; the header
// body size counts the plaintext only.
//
// Frame format:
//
//	0     1     2     3     4                   8
//	┌─────┬─────┬─────┬─────┬───────────────────┬──────────────┬──────┬─────┐
//	│ 'X' │ '!' │type │flags│ bodySize (uint32) │ body ...     │ [IV] │[tag]│
//	└─────┴─────┴─────┴─────┴───────────────────┴──────────────┴──────┴─────┘
//
// flags bits 0..1 select the cipher suite; bits 2..7 are reserved and must be 0.
package protocol

import (
	"encoding/binary"

	"xic/cipher"
	"xic/codec"
	"xic/message"
	"xic/rpcerr"
)

const (
	Magic      byte = 'X'
	Version    byte = '!'
	HeaderSize int  = 8 // 1 (magic) + 1 (version) + 1 (type) + 1 (flags) + 4 (bodySize)

	// DefaultMaxMessageSize bounds the body of a single frame.
	DefaultMaxMessageSize uint32 = 64 << 20

	reservedFlags byte = ^cipher.Mask
)

// Header is the fixed 8-byte frame header.
type Header struct {
	Type     message.Type
	Flags    byte
	BodySize uint32
}

// Suite returns the cipher suite selected by the flags.
func (h Header) Suite() cipher.Suite {
	return cipher.Suite(h.Flags & cipher.Mask)
}

// Put writes the header into b, which must hold HeaderSize bytes.
func (h Header) Put(b []byte) {
	b[0] = Magic
	b[1] = Version
	b[2] = byte(h.Type)
	b[3] = h.Flags
	binary.BigEndian.PutUint32(b[4:8], h.BodySize)
}

// ParseHeader validates and decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte, maxSize uint32) (Header, error) {
	if b[0] != Magic || b[1] != Version {
		return Header{}, rpcerr.Protocol("decode", "invalid magic/version %#x %#x", b[0], b[1])
	}
	h := Header{
		Type:     message.Type(b[2]),
		Flags:    b[3],
		BodySize: binary.BigEndian.Uint32(b[4:8]),
	}
	if !h.Type.Valid() {
		return Header{}, rpcerr.Protocol("decode", "unknown message type %#x", b[2])
	}
	if h.Flags&reservedFlags != 0 {
		return Header{}, rpcerr.Protocol("decode", "reserved flag bits set %#x", h.Flags)
	}
	if h.BodySize > maxSize {
		return Header{}, rpcerr.Size("decode", h.BodySize, maxSize)
	}
	switch h.Type {
	case message.TypeHello, message.TypeBye:
		if h.BodySize != 0 {
			return Header{}, rpcerr.Protocol("decode", "%v with %d byte body", h.Type, h.BodySize)
		}
		fallthrough
	case message.TypeCheck:
		if h.Suite() != cipher.None {
			return Header{}, rpcerr.Protocol("decode", "%v must not be encrypted", h.Type)
		}
	}
	return h, nil
}

// encrypted reports whether messages of type t are encrypted once a cipher
// has been negotiated. Hello, Bye and Check always travel in plaintext.
func encrypted(t message.Type) bool {
	return t == message.TypeQuest || t == message.TypeAnswer
}

// EncodeBody serializes the body of msg and enforces the size limit.
func EncodeBody(msg message.Message, maxSize uint32) ([]byte, error) {
	body, err := codec.GetCodec(codec.CodecTypeBinary).Encode(msg)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > uint64(maxSize) {
		return nil, rpcerr.Size("encode", uint32(min(uint64(len(body)), 1<<32-1)), maxSize)
	}
	return body, nil
}

// AppendFrame appends a complete frame for an already encoded body to dst.
// When c is non-nil and t is Quest or Answer the body is encrypted and the
// IV and tag are appended. body is not modified.
func AppendFrame(dst []byte, t message.Type, body []byte, c *cipher.Cipher) ([]byte, error) {
	h := Header{Type: t, BodySize: uint32(len(body))}
	if c != nil && encrypted(t) {
		h.Flags = byte(c.Suite())
	}
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	h.Put(dst[start:])
	if h.Flags == 0 {
		return append(dst, body...), nil
	}

	stream, err := c.EncryptStart(dst[start : start+HeaderSize])
	if err != nil {
		return dst[:start], err
	}
	off := len(dst)
	dst = append(dst, body...)
	stream.Update(dst[off:])
	dst = append(dst, stream.IV()...)
	dst = append(dst, stream.Finish()...)
	return dst, nil
}

// Encode returns the complete frame for msg.
func Encode(msg message.Message, c *cipher.Cipher, maxSize uint32) ([]byte, error) {
	body, err := EncodeBody(msg, maxSize)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(body)+cipher.IVSize+cipher.TagSize), msg.Type(), body, c)
}
