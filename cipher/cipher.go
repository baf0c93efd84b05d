// Package cipher implements the XIC message cipher: AES in EAX mode with
// per-direction sequence numbers folded into the nonce.
//
// EAX is computed as
//
//	N   = OMAC0(nonce)
//	H   = OMAC1(header)
//	C   = CTR(N, plaintext)
//	tag = N ^ H ^ OMAC2(C)
//
// which lets a frame be encrypted or decrypted in place, chunk by chunk,
// while the tag is accumulated alongside.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/aead/cmac"
	"golang.org/x/crypto/hkdf"
)

const (
	BlockSize = aes.BlockSize
	TagSize   = 16
	IVSize    = 16
	SaltSize  = 16
)

// Suite is the cipher mode carried in bits 0..1 of the frame flags.
type Suite byte

const (
	None        Suite = 0
	AES128EAX   Suite = 1
	AES256EAX   Suite = 2
	AES256EAXIV Suite = 3 // explicit random IV appended to every frame
)

// Mask selects the suite bits of the frame flags.
const Mask byte = 0x03

func (s Suite) String() string {
	switch s {
	case None:
		return "NONE"
	case AES128EAX:
		return "AES128-EAX"
	case AES256EAX:
		return "AES256-EAX"
	case AES256EAXIV:
		return "AES256-EAX-IV"
	}
	return fmt.Sprintf("Suite(%d)", byte(s))
}

// ParseSuite maps a configuration name to a Suite.
func ParseSuite(name string) (Suite, error) {
	for _, s := range []Suite{None, AES128EAX, AES256EAX, AES256EAXIV} {
		if s.String() == name {
			return s, nil
		}
	}
	if name == "" {
		return AES128EAX, nil
	}
	return None, fmt.Errorf("cipher: unknown suite %q", name)
}

// KeySize returns the AES key length of the suite.
func (s Suite) KeySize() int {
	if s == AES128EAX {
		return 16
	}
	return 32
}

// TrailerSize returns the bytes appended after the ciphertext: IV (if any) and tag.
func (s Suite) TrailerSize() int {
	switch s {
	case None:
		return 0
	case AES256EAXIV:
		return IVSize + TagSize
	}
	return TagSize
}

// Cipher holds one connection's negotiated key and sequence counters.
// The send side is used only by the connection writer and the receive side
// only by its reader, so neither needs a lock.
type Cipher struct {
	suite  Suite
	block  stdcipher.Block
	salt   [SaltSize]byte
	server bool
	oSeq   uint64
	iSeq   uint64
	rand   io.Reader
}

// New creates a cipher from raw key material. server is true on the side
// that accepted the connection; its outgoing nonces carry the high bit.
func New(suite Suite, key, salt []byte, server bool) (*Cipher, error) {
	if suite == None || suite > AES256EAXIV {
		return nil, fmt.Errorf("cipher: invalid suite %v", suite)
	}
	if len(key) != suite.KeySize() {
		return nil, fmt.Errorf("cipher: %v needs a %d byte key, got %d", suite, suite.KeySize(), len(key))
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("cipher: salt must be %d bytes", SaltSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	c := &Cipher{suite: suite, block: block, server: server, rand: rand.Reader}
	copy(c.salt[:], salt)
	return c, nil
}

// NewFromSecret expands a handshake session secret into key and salt with
// HKDF-SHA256. Both ends derive identical material.
func NewFromSecret(suite Suite, secret []byte, server bool) (*Cipher, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("XIC session "+suite.String()))
	material := make([]byte, suite.KeySize()+SaltSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, err
	}
	return New(suite, material[:suite.KeySize()], material[suite.KeySize():], server)
}

// Suite returns the negotiated suite.
func (c *Cipher) Suite() Suite {
	return c.suite
}

// nonce folds the sequence number, the optional IV and the direction bit into the salt.
func (c *Cipher) nonce(seq uint64, fromServer bool, iv []byte) [BlockSize]byte {
	n := c.salt
	for i := range iv {
		n[i] ^= iv[i]
	}
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		n[8+i] ^= s[i]
	}
	if fromServer {
		n[0] ^= 0x80
	}
	return n
}

// EncryptStart begins encrypting one outgoing frame whose header is used as
// associated data. It consumes one send sequence number.
func (c *Cipher) EncryptStart(header []byte) (*Stream, error) {
	var iv []byte
	if c.suite == AES256EAXIV {
		iv = make([]byte, IVSize)
		if _, err := io.ReadFull(c.rand, iv); err != nil {
			return nil, fmt.Errorf("cipher: iv: %w", err)
		}
	}
	seq := c.oSeq
	c.oSeq++
	nonce := c.nonce(seq, c.server, iv)
	return c.newStream(nonce[:], header, iv, true)
}

// DecryptStart begins decrypting one incoming frame. iv must be the frame's
// IV for AES256EAXIV and nil otherwise. It consumes one receive sequence number.
func (c *Cipher) DecryptStart(header, iv []byte) (*Stream, error) {
	if (c.suite == AES256EAXIV) != (len(iv) == IVSize) {
		return nil, fmt.Errorf("cipher: bad iv length %d for %v", len(iv), c.suite)
	}
	seq := c.iSeq
	c.iSeq++
	nonce := c.nonce(seq, !c.server, iv)
	return c.newStream(nonce[:], header, iv, false)
}

func (c *Cipher) newStream(nonce, header, iv []byte, encrypt bool) (*Stream, error) {
	s := &Stream{iv: iv, encrypt: encrypt}
	var err error
	if s.n, err = omac(c.block, 0, nonce); err != nil {
		return nil, err
	}
	if s.h, err = omac(c.block, 1, header); err != nil {
		return nil, err
	}
	if s.mac, err = omacStart(c.block, 2); err != nil {
		return nil, err
	}
	s.ctr = stdcipher.NewCTR(c.block, s.n[:])
	return s, nil
}

// Stream is the state of one frame being encrypted or decrypted.
type Stream struct {
	ctr     stdcipher.Stream
	mac     hash.Hash
	n, h    [BlockSize]byte
	iv      []byte
	encrypt bool
}

// Update transforms buf in place. It may be called any number of times with
// consecutive chunks of the body.
func (s *Stream) Update(buf []byte) {
	if s.encrypt {
		s.ctr.XORKeyStream(buf, buf)
		s.mac.Write(buf)
		return
	}
	s.mac.Write(buf)
	s.ctr.XORKeyStream(buf, buf)
}

// IV returns the explicit IV to transmit, or nil for implicit-nonce suites.
func (s *Stream) IV() []byte {
	return s.iv
}

func (s *Stream) tag() []byte {
	sum := s.mac.Sum(nil)
	tag := make([]byte, TagSize)
	for i := range tag {
		tag[i] = sum[i] ^ s.n[i] ^ s.h[i]
	}
	return tag
}

// Finish returns the authentication tag of an encrypted frame.
func (s *Stream) Finish() []byte {
	return s.tag()
}

// Verify reports whether tag authenticates the decrypted frame.
func (s *Stream) Verify(tag []byte) bool {
	return len(tag) == TagSize && subtle.ConstantTimeCompare(s.tag(), tag) == 1
}

func omacStart(block stdcipher.Block, t byte) (hash.Hash, error) {
	h, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	var prefix [BlockSize]byte
	prefix[BlockSize-1] = t
	h.Write(prefix[:])
	return h, nil
}

func omac(block stdcipher.Block, t byte, data []byte) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	h, err := omacStart(block, t)
	if err != nil {
		return out, err
	}
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}
