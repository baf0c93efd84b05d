// Package srp implements the SRP-6a password-authenticated key exchange used
// by the XIC handshake.
//
//	k  = H(N | PAD(g))
//	x  = H(s | H(I ":" P))
//	v  = g^x                        (stored by the server)
//	A  = g^a,  B = k*v + g^b
//	u  = H(PAD(A) | PAD(B))
//	S  = (B - k*g^x)^(a + u*x)      client
//	   = (A * v^u)^b                server
//	K  = H(S)
//	M1 = H(PAD(A) | PAD(B) | K)
//	M2 = H(PAD(A) | M1 | K)
//
// H is SHA-256; PAD left-pads to the byte length of N.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"math/big"
)

// HashName is announced in the SRP6a2 check.
const HashName = "SHA256"

// Group is an SRP group: a safe prime N and generator g.
type Group struct {
	N *big.Int
	G *big.Int
}

// rfc5054N1024 is the 1024-bit group of RFC 5054 appendix A.
const rfc5054N1024 = "EEAF0AB9ADB38DD69C33F80AFA8FC5E86072618775FF3C0B9EA2314C" +
	"9C256576D674DF7496EA81D3383B4813D692C6E0E0D5D8E250B98BE4" +
	"8E495C1D6089DAD15DC7D7B46154D6B6CE8EF4AD69B15D4982559B29" +
	"7BCF1885C529F566660E57EC68EDBC3C05726CC02FD4CBF4976EAA9A" +
	"FD5138FE8376435B9FC61D2FC0EB06E3"

// DefaultGroup returns the RFC 5054 1024-bit group with g = 2.
func DefaultGroup() *Group {
	n, _ := new(big.Int).SetString(rfc5054N1024, 16)
	return &Group{N: n, G: big.NewInt(2)}
}

var (
	ErrBadPublic = errors.New("srp: public value is zero modulo N")
	ErrBadProof  = errors.New("srp: proof mismatch")
)

func (g *Group) size() int {
	return (g.N.BitLen() + 7) / 8
}

func (g *Group) pad(x *big.Int) []byte {
	b := make([]byte, g.size())
	return x.FillBytes(b)
}

func hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func (g *Group) k() *big.Int {
	return new(big.Int).SetBytes(hash(g.N.Bytes(), g.pad(g.G)))
}

func (g *Group) u(A, B *big.Int) *big.Int {
	return new(big.Int).SetBytes(hash(g.pad(A), g.pad(B)))
}

func computeX(salt []byte, identity, password string) *big.Int {
	inner := hash([]byte(identity + ":" + password))
	return new(big.Int).SetBytes(hash(salt, inner))
}

// Verifier is what the server stores for an identity.
type Verifier struct {
	Salt []byte
	V    *big.Int
}

// NewVerifier computes a verifier for identity/password with a fresh random salt.
func NewVerifier(g *Group, identity, password string) (*Verifier, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return ComputeVerifier(g, identity, password, salt), nil
}

// ComputeVerifier computes v = g^x for the given salt.
func ComputeVerifier(g *Group, identity, password string, salt []byte) *Verifier {
	x := computeX(salt, identity, password)
	return &Verifier{Salt: salt, V: new(big.Int).Exp(g.G, x, g.N)}
}

func randomExponent() (*big.Int, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func isZeroMod(x, n *big.Int) bool {
	return new(big.Int).Mod(x, n).Sign() == 0
}

// Client is the client side of one exchange.
type Client struct {
	group    *Group
	identity string
	password string
	a, A     *big.Int
	M1, K    []byte
}

// NewClient starts an exchange for identity/password.
func NewClient(g *Group, identity, password string) (*Client, error) {
	a, err := randomExponent()
	if err != nil {
		return nil, err
	}
	return &Client{
		group:    g,
		identity: identity,
		password: password,
		a:        a,
		A:        new(big.Int).Exp(g.G, a, g.N),
	}, nil
}

// Identity returns I.
func (c *Client) Identity() string {
	return c.identity
}

// PublicA returns A, padded.
func (c *Client) PublicA() []byte {
	return c.group.pad(c.A)
}

// ComputeM1 processes the server's salt and B and returns the client proof.
func (c *Client) ComputeM1(salt, bBytes []byte) ([]byte, error) {
	g := c.group
	B := new(big.Int).SetBytes(bBytes)
	if isZeroMod(B, g.N) {
		return nil, ErrBadPublic
	}
	u := g.u(c.A, B)
	if u.Sign() == 0 {
		return nil, ErrBadPublic
	}
	x := computeX(salt, c.identity, c.password)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(g.G, x, g.N)
	kgx := new(big.Int).Mul(g.k(), gx)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, g.N)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	S := new(big.Int).Exp(base, exp, g.N)

	c.K = hash(g.pad(S))
	c.M1 = hash(g.pad(c.A), g.pad(B), c.K)
	return c.M1, nil
}

// VerifyM2 checks the server proof. On success SessionKey is valid.
func (c *Client) VerifyM2(m2 []byte) error {
	if c.M1 == nil {
		return ErrBadProof
	}
	want := hash(c.group.pad(c.A), c.M1, c.K)
	if subtle.ConstantTimeCompare(want, m2) != 1 {
		return ErrBadProof
	}
	return nil
}

// SessionKey returns K.
func (c *Client) SessionKey() []byte {
	return c.K
}

// Server is the server side of one exchange.
type Server struct {
	group    *Group
	verifier *Verifier
	b, B     *big.Int
	A        *big.Int
	K        []byte
}

// NewServer starts an exchange against a stored verifier.
func NewServer(g *Group, v *Verifier) (*Server, error) {
	b, err := randomExponent()
	if err != nil {
		return nil, err
	}
	// B = k*v + g^b mod N
	B := new(big.Int).Mul(g.k(), v.V)
	B.Add(B, new(big.Int).Exp(g.G, b, g.N))
	B.Mod(B, g.N)
	return &Server{group: g, verifier: v, b: b, B: B}, nil
}

// Salt returns s.
func (s *Server) Salt() []byte {
	return s.verifier.Salt
}

// PublicB returns B, padded.
func (s *Server) PublicB() []byte {
	return s.group.pad(s.B)
}

// VerifyM1 processes A and the client proof and returns the server proof M2.
func (s *Server) VerifyM1(aBytes, m1 []byte) ([]byte, error) {
	g := s.group
	A := new(big.Int).SetBytes(aBytes)
	if isZeroMod(A, g.N) {
		return nil, ErrBadPublic
	}
	u := g.u(A, s.B)

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.verifier.V, u, g.N)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, g.N)
	S := new(big.Int).Exp(base, s.b, g.N)

	K := hash(g.pad(S))
	want := hash(g.pad(A), g.pad(s.B), K)
	if subtle.ConstantTimeCompare(want, m1) != 1 {
		return nil, ErrBadProof
	}
	s.A = A
	s.K = K
	return hash(g.pad(A), m1, K), nil
}

// SessionKey returns K once VerifyM1 succeeded.
func (s *Server) SessionKey() []byte {
	return s.K
}
