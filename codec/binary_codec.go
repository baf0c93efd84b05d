package codec

import (
	"fmt"

	"xic/message"
)

// BinaryCodec encodes message bodies with the tagged value format.
//
//	Quest:  int txid, string service, string method, map context, bytes args
//	Answer: int txid, int status, bytes result
//	Check:  string cmd, map args
//	Hello, Bye: empty body
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &valueWriter{}
	switch msg := v.(type) {
	case *message.Hello, *message.Bye:
		return nil, nil
	case *message.Quest:
		w.int(msg.Txid)
		w.string(msg.Service)
		w.string(msg.Method)
		if err := w.dict(msg.Context); err != nil {
			return nil, fmt.Errorf("BinaryCodec: quest context: %w", err)
		}
		w.bytes(msg.Args)
	case *message.Answer:
		w.int(msg.Txid)
		w.int(int64(msg.Status))
		w.bytes(msg.Result)
	case *message.Check:
		w.string(msg.Cmd)
		if err := w.dict(msg.Args); err != nil {
			return nil, fmt.Errorf("BinaryCodec: check %s: %w", msg.Cmd, err)
		}
	default:
		return nil, fmt.Errorf("BinaryCodec: cannot encode %T", v)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &valueReader{data: data}
	var err error
	switch msg := v.(type) {
	case *message.Hello, *message.Bye:
		if len(data) != 0 {
			return fmt.Errorf("BinaryCodec: %T must have an empty body", v)
		}
		return nil
	case *message.Quest:
		if msg.Txid, err = r.int(); err != nil {
			return fmt.Errorf("BinaryCodec: quest txid: %w", err)
		}
		if msg.Service, err = r.string(); err != nil {
			return fmt.Errorf("BinaryCodec: quest service: %w", err)
		}
		if msg.Method, err = r.string(); err != nil {
			return fmt.Errorf("BinaryCodec: quest method: %w", err)
		}
		var ctx map[string]any
		if ctx, err = r.dict(); err != nil {
			return fmt.Errorf("BinaryCodec: quest context: %w", err)
		}
		msg.Context = ctx
		if msg.Args, err = r.bytes(); err != nil {
			return fmt.Errorf("BinaryCodec: quest args: %w", err)
		}
		if msg.Txid < 0 {
			return fmt.Errorf("BinaryCodec: negative txid %d", msg.Txid)
		}
	case *message.Answer:
		if msg.Txid, err = r.int(); err != nil {
			return fmt.Errorf("BinaryCodec: answer txid: %w", err)
		}
		var status int64
		if status, err = r.int(); err != nil {
			return fmt.Errorf("BinaryCodec: answer status: %w", err)
		}
		msg.Status = int(status)
		if msg.Result, err = r.bytes(); err != nil {
			return fmt.Errorf("BinaryCodec: answer result: %w", err)
		}
	case *message.Check:
		if msg.Cmd, err = r.string(); err != nil {
			return fmt.Errorf("BinaryCodec: check cmd: %w", err)
		}
		if msg.Args, err = r.dict(); err != nil {
			return fmt.Errorf("BinaryCodec: check args: %w", err)
		}
		if msg.Args == nil {
			msg.Args = make(map[string]any)
		}
	default:
		return fmt.Errorf("BinaryCodec: cannot decode into %T", v)
	}
	return r.end()
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// DecodeMessage decodes a body of the given message type into a new Message.
func DecodeMessage(t message.Type, body []byte) (message.Message, error) {
	var msg message.Message
	switch t {
	case message.TypeHello:
		msg = &message.Hello{}
	case message.TypeBye:
		msg = &message.Bye{}
	case message.TypeQuest:
		msg = &message.Quest{}
	case message.TypeAnswer:
		msg = &message.Answer{}
	case message.TypeCheck:
		msg = &message.Check{}
	default:
		return nil, fmt.Errorf("codec: unknown message type %v", t)
	}
	if err := (&BinaryCodec{}).Decode(body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
