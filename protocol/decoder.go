package protocol

import (
	"xic/cipher"
	"xic/codec"
	"xic/message"
	"xic/rpcerr"
)

type phase uint8

const (
	phaseHeader phase = iota
	phaseBody
	phaseBroken
)

// Decoder reassembles frames from arbitrary chunks of the byte stream.
//
// It never blocks and never rereads consumed bytes: between calls it keeps
// the phase it is in (header or body), the partially filled buffer and how
// many bytes of it are already present. A reader loop simply feeds whatever
// the socket returned:
//
//	for len(p) > 0 {
//	    msg, n, err := dec.Decode(p)
//	    if err != nil { ... }
//	    p = p[n:]
//	    if msg != nil { handle(msg) }
//	}
//
// After an error the decoder stays broken; the connection must be torn down.
type Decoder struct {
	maxSize uint32
	cipher  *cipher.Cipher

	phase  phase
	head   [HeaderSize]byte
	hdr    Header
	buf    []byte // body + IV + tag
	filled int    // bytes present in head (phaseHeader) or buf (phaseBody)
	err    error
}

// NewDecoder creates a decoder that rejects bodies larger than maxSize.
func NewDecoder(maxSize uint32) *Decoder {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Decoder{maxSize: maxSize}
}

// SetCipher switches the decoder to expect encrypted Quest and Answer frames.
// It must be called between frames, i.e. right after the handshake message
// that negotiated the cipher was returned.
func (d *Decoder) SetCipher(c *cipher.Cipher) {
	d.cipher = c
}

// Buffered reports whether a frame is partially received.
func (d *Decoder) Buffered() bool {
	return d.filled > 0 || d.phase == phaseBody
}

// Decode consumes bytes from p and returns at most one message.
// It returns a nil message when p ran out before a frame was complete;
// n is always the number of bytes of p that were consumed.
func (d *Decoder) Decode(p []byte) (msg message.Message, n int, err error) {
	if d.phase == phaseBroken {
		return nil, 0, d.err
	}
	for {
		switch d.phase {
		case phaseHeader:
			c := copy(d.head[d.filled:], p[n:])
			d.filled += c
			n += c
			if d.filled < HeaderSize {
				return nil, n, nil
			}
			if err := d.startBody(); err != nil {
				return nil, n, d.fail(err)
			}
			if len(d.buf) == 0 {
				msg, err := d.finish()
				return msg, n, err
			}
		case phaseBody:
			c := copy(d.buf[d.filled:], p[n:])
			d.filled += c
			n += c
			if d.filled < len(d.buf) {
				return nil, n, nil
			}
			msg, err := d.finish()
			return msg, n, err
		}
	}
}

func (d *Decoder) startBody() error {
	h, err := ParseHeader(d.head[:], d.maxSize)
	if err != nil {
		return err
	}
	suite := h.Suite()
	switch {
	case suite != cipher.None && d.cipher == nil:
		return rpcerr.Protocol("decode", "encrypted %v before a cipher was negotiated", h.Type)
	case suite != cipher.None && suite != d.cipher.Suite():
		return rpcerr.Protocol("decode", "cipher suite %v, negotiated %v", suite, d.cipher.Suite())
	case suite == cipher.None && d.cipher != nil && encrypted(h.Type):
		return rpcerr.Protocol("decode", "plaintext %v on an encrypted connection", h.Type)
	}
	d.hdr = h
	d.buf = make([]byte, int(h.BodySize)+suite.TrailerSize())
	d.filled = 0
	d.phase = phaseBody
	return nil
}

// finish decrypts and decodes the buffered frame and resets for the next one.
func (d *Decoder) finish() (message.Message, error) {
	h := d.hdr
	body := d.buf[:h.BodySize]
	if suite := h.Suite(); suite != cipher.None {
		trailer := d.buf[h.BodySize:]
		var iv []byte
		if suite == cipher.AES256EAXIV {
			iv = trailer[:cipher.IVSize]
		}
		tag := trailer[len(trailer)-cipher.TagSize:]
		stream, err := d.cipher.DecryptStart(d.head[:], iv)
		if err != nil {
			return nil, d.fail(rpcerr.Protocol("decrypt", "%v", err))
		}
		stream.Update(body)
		if !stream.Verify(tag) {
			return nil, d.fail(rpcerr.Protocol("decrypt", "authentication tag mismatch on %v", h.Type))
		}
	}
	msg, err := codec.DecodeMessage(h.Type, body)
	if err != nil {
		return nil, d.fail(&rpcerr.Error{Kind: rpcerr.KindProtocol, Op: "decode", Err: err})
	}
	d.phase = phaseHeader
	d.filled = 0
	d.buf = nil
	return msg, nil
}

func (d *Decoder) fail(err error) error {
	d.phase = phaseBroken
	d.err = err
	return err
}
