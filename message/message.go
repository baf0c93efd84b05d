// Package message defines the messages exchanged on an XIC connection.
//
// Every frame on the wire carries exactly one Message. The message type byte
// in the frame header selects the concrete type:
//
//	'H' Hello   server → client, connection usable (no body)
//	'B' Bye     either side, graceful close (no body)
//	'Q' Quest   request; Txid 0 means oneway
//	'A' Answer  response, correlated by Txid
//	'C' Check   handshake control message
package message

import "fmt"

// Type is the message type byte of the frame header.
type Type byte

const (
	TypeHello  Type = 'H'
	TypeBye    Type = 'B'
	TypeQuest  Type = 'Q'
	TypeAnswer Type = 'A'
	TypeCheck  Type = 'C'
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeBye:
		return "Bye"
	case TypeQuest:
		return "Quest"
	case TypeAnswer:
		return "Answer"
	case TypeCheck:
		return "Check"
	}
	return fmt.Sprintf("Type(%#x)", byte(t))
}

// Valid reports whether t is one of the five known message types.
func (t Type) Valid() bool {
	switch t {
	case TypeHello, TypeBye, TypeQuest, TypeAnswer, TypeCheck:
		return true
	}
	return false
}

// Message is implemented by *Hello, *Bye, *Quest, *Answer and *Check.
type Message interface {
	Type() Type
}

// Hello tells the client the connection is ready.
type Hello struct{}

// Bye announces a graceful close: the sender has nothing in flight.
type Bye struct{}

// Quest is a request.
//
//   - Txid:    0 for oneway quests, otherwise assigned by the connection.
//   - Args:    opaque argument payload, encoded by the caller.
//   - Context: small flat map propagated alongside the arguments.
type Quest struct {
	Txid    int64
	Service string
	Method  string
	Context Context
	Args    []byte
}

// Answer is the response to a twoway Quest.
// Status 0 means success; otherwise Result holds an encoded rpcerr.RemoteError.
type Answer struct {
	Txid   int64
	Status int
	Result []byte
}

// Check is a handshake control message, e.g. Check{Cmd: "SRP6a1", Args: {"I": "alice"}}.
type Check struct {
	Cmd  string
	Args map[string]any
}

func (*Hello) Type() Type  { return TypeHello }
func (*Bye) Type() Type    { return TypeBye }
func (*Quest) Type() Type  { return TypeQuest }
func (*Answer) Type() Type { return TypeAnswer }
func (*Check) Type() Type  { return TypeCheck }

// Oneway reports whether the quest expects no answer.
func (q *Quest) Oneway() bool {
	return q.Txid == 0
}

// NewCheck builds a Check with a fresh argument map.
func NewCheck(cmd string) *Check {
	return &Check{Cmd: cmd, Args: make(map[string]any)}
}

// String returns the string argument named key, or "".
func (c *Check) String(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

// Bytes returns the binary argument named key, or nil.
func (c *Check) Bytes(key string) []byte {
	switch v := c.Args[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}
