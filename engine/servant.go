package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"xic/codec"
	"xic/message"
	"xic/middleware"
	"xic/rpcerr"
)

// Servant serves the quests addressed to one service name.
type Servant interface {
	Process(ctx context.Context, q *message.Quest) *message.Answer
}

// ServantFunc adapts a function to Servant.
type ServantFunc func(ctx context.Context, q *message.Quest) *message.Answer

func (f ServantFunc) Process(ctx context.Context, q *message.Quest) *message.Answer {
	return f(ctx, q)
}

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// reflectServant dispatches to the exported methods of a struct pointer.
type reflectServant struct {
	rcvr   reflect.Value
	typ    reflect.Type
	codec  codec.Codec
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// NewServant wraps rcvr, a pointer to a struct, in a Servant. Methods of
// one of the forms
//
//	func (T) M(args *A, reply *R) error
//	func (T) M(ctx context.Context, args *A, reply *R) error
//
// are callable as "M" or with the first letter lowered ("m"). Args and
// reply travel as JSON. A returned *rpcerr.RemoteError is sent as is; any
// other error becomes a ServantError exception.
func NewServant(rcvr any) (Servant, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("engine: servant must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("engine: servant must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &reflectServant{
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("engine: %s has no exported methods of the servant form", typ.Elem().Name())
	}
	return s, nil
}

func (s *reflectServant) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		t := &methodType{
			method:    m,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
		s.method[m.Name] = t
		s.method[lowerFirst(m.Name)] = t
	}
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

func (s *reflectServant) Process(ctx context.Context, q *message.Quest) *message.Answer {
	m, ok := s.method[q.Method]
	if !ok {
		return middleware.Fail(q, rpcerr.CodeMethodNotFound, "MethodNotFound", "no method %q in service %q", q.Method, q.Service)
	}

	argv := reflect.New(m.ArgType)
	replyv := reflect.New(m.ReplyType)
	if err := s.codec.Decode(q.Args, argv.Interface()); err != nil {
		return middleware.Fail(q, rpcerr.CodeBadArguments, "BadArguments", "%v", err)
	}

	in := []reflect.Value{s.rcvr}
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)
	if out := m.method.Func.Call(in); !out[0].IsNil() {
		return errorAnswer(q, out[0].Interface().(error))
	}

	result, err := s.codec.Encode(replyv.Interface())
	if err != nil {
		return middleware.Fail(q, rpcerr.CodeServantError, "BadResult", "%v", err)
	}
	return &message.Answer{Txid: q.Txid, Result: result}
}

// errorAnswer turns a servant error into an exception answer.
func errorAnswer(q *message.Quest, err error) *message.Answer {
	var re *rpcerr.RemoteError
	if errors.As(err, &re) {
		if re.Code == 0 {
			re.Code = rpcerr.CodeServantError
		}
		if re.Raiser == "" {
			re.Raiser = q.Service + "." + q.Method
		}
		return &message.Answer{Txid: q.Txid, Status: re.Code, Result: re.Encode()}
	}
	return middleware.Fail(q, rpcerr.CodeServantError, "ServantError", "%v", err)
}
