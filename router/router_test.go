package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"vizrpc/codec"
	"vizrpc/message"
	"vizrpc/middleware"
	"vizrpc/session"
)

func echo(ctx context.Context, call *Call) (any, error) {
	return call.Arg(0), nil
}

func newEchoRouter(t *testing.T) *Router {
	t.Helper()
	r := New()
	if err := r.Register("echo", echo); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDispatchEcho(t *testing.T) {
	r := newEchoRouter(t)

	resp := r.Dispatch(context.Background(), &message.Request{CallID: 1, Method: "echo", Args: []any{"hi"}}, nil)
	if resp.Error != nil {
		t.Fatalf("expect success, got %v", resp.Error)
	}
	if resp.Result != "hi" || message.CallKey(resp.CallID) != message.CallKey(1) {
		t.Fatalf("expect {1 hi}, got {%v %v}", resp.CallID, resp.Result)
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	r := newEchoRouter(t)

	for i, name := range []string{"missing", "", "Echo"} {
		resp := r.Dispatch(context.Background(), &message.Request{CallID: i, Method: name}, nil)
		if resp.Error == nil || resp.Error.Kind != message.KindMethodNotFound {
			t.Fatalf("%q: expect MethodNotFound, got %+v", name, resp)
		}
		if resp.CallID != i {
			t.Fatalf("%q: expect call id %d, got %v", name, i, resp.CallID)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newEchoRouter(t)
	if err := r.Register("echo", echo); !errors.Is(err, ErrDuplicateMethod) {
		t.Fatalf("expect ErrDuplicateMethod, got %v", err)
	}
	if err := r.Register(" ", echo); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expect ErrInvalidMethod, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expect MustRegister to panic on duplicate")
		}
	}()
	r.MustRegister("echo", echo)
}

func TestRegisterAll(t *testing.T) {
	r := New()
	err := r.RegisterAll(map[string]HandlerFunc{"a": echo, "b": echo})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(r.Methods()) != "[a b]" {
		t.Fatalf("expect [a b], got %v", r.Methods())
	}
	if err := r.RegisterAll(map[string]HandlerFunc{"c": echo, "a": echo}); !errors.Is(err, ErrDuplicateMethod) {
		t.Fatalf("expect duplicate error, got %v", err)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := newEchoRouter(t)
	r.Freeze()
	if err := r.Register("late", echo); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expect ErrFrozen, got %v", err)
	}
	if err := r.Use(middleware.MetricsMiddleware()); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expect ErrFrozen from Use, got %v", err)
	}
}

func TestHandlerErrorsAreConverted(t *testing.T) {
	r := New()
	r.MustRegister("fail", func(ctx context.Context, call *Call) (any, error) {
		return nil, errors.New("disk on fire")
	})
	r.MustRegister("typed", func(ctx context.Context, call *Call) (any, error) {
		return nil, message.NewError(message.KindInvalidRequest, "bad slice index")
	})
	r.MustRegister("panic", func(ctx context.Context, call *Call) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	r.MustRegister("closed", func(ctx context.Context, call *Call) (any, error) {
		_, err := session.CurrentSession(ctx)
		return nil, err
	})

	cases := map[string]message.ErrorKind{
		"fail":   message.KindHandlerException,
		"typed":  message.KindInvalidRequest,
		"panic":  message.KindHandlerException,
		"closed": message.KindConnectionClosed,
	}
	for method, kind := range cases {
		resp := r.Dispatch(context.Background(), &message.Request{CallID: method, Method: method}, nil)
		if resp.Error == nil || resp.Error.Kind != kind {
			t.Fatalf("%s: expect %s, got %+v", method, kind, resp.Error)
		}
		if resp.CallID != method {
			t.Fatalf("%s: call id lost", method)
		}
	}

	resp := r.Dispatch(context.Background(), &message.Request{CallID: 1, Method: "fail"}, nil)
	if resp.Error.Message != "disk on fire" {
		t.Fatalf("expect cause in message, got %q", resp.Error.Message)
	}
}

func TestMiddlewarePanicIsContained(t *testing.T) {
	r := newEchoRouter(t)
	r.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			panic("middleware bug")
		}
	})

	resp := r.Dispatch(context.Background(), &message.Request{CallID: 3, Method: "echo"}, nil)
	if resp.Error == nil || resp.Error.Kind != message.KindHandlerException {
		t.Fatalf("expect HandlerException, got %+v", resp)
	}
	if resp.CallID != 3 {
		t.Fatalf("expect call id 3, got %v", resp.CallID)
	}
}

func TestMiddlewareResponseGetsCallID(t *testing.T) {
	r := newEchoRouter(t)
	r.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			return &message.Response{Error: &message.RPCError{Kind: message.KindRateLimited}}
		}
	})

	resp := r.Dispatch(context.Background(), &message.Request{CallID: "abc", Method: "echo"}, nil)
	if resp.CallID != "abc" {
		t.Fatalf("expect call id abc, got %v", resp.CallID)
	}
}

func TestBindUsesRequestCodec(t *testing.T) {
	type window struct {
		Level float64 `json:"level" cbor:"level"`
		Width float64 `json:"width" cbor:"width"`
	}

	r := New()
	r.MustRegister("setWindow", func(ctx context.Context, call *Call) (any, error) {
		var w window
		if err := call.Bind(0, &w); err != nil {
			return nil, err
		}
		return w.Level + w.Width, nil
	})

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR} {
		c := codec.GetCodec(ct)
		var req message.Request
		data, _ := c.Encode(&message.Request{CallID: 1, Method: "setWindow", Args: []any{window{Level: 40, Width: 400}}})
		if err := c.Decode(data, &req); err != nil {
			t.Fatal(err)
		}

		resp := r.Dispatch(context.Background(), &req, c)
		if resp.Error != nil {
			t.Fatalf("%s: %v", ct, resp.Error)
		}
		if resp.Result != 440.0 {
			t.Fatalf("%s: expect 440, got %v", ct, resp.Result)
		}
	}

	resp := r.Dispatch(context.Background(), &message.Request{CallID: 2, Method: "setWindow"}, nil)
	if resp.Error == nil || resp.Error.Kind != message.KindInvalidRequest {
		t.Fatalf("expect InvalidRequest for missing arg, got %+v", resp.Error)
	}
}

func TestSessionBoundDuringDispatch(t *testing.T) {
	reg := session.NewRegistry()
	r := New()
	r.MustRegister("whoami", func(ctx context.Context, call *Call) (any, error) {
		sess, err := session.CurrentSession(ctx)
		if err != nil {
			return nil, err
		}
		return sess.ConnectionID(), nil
	})

	for _, id := range []string{"a", "b"} {
		sc, _ := reg.Open(id, session.ConnInfo{})
		ctx := session.WithScope(context.Background(), sc)
		resp := r.Dispatch(ctx, &message.Request{CallID: 1, Method: "whoami"}, nil)
		if resp.Result != id {
			t.Fatalf("expect %s, got %+v", id, resp)
		}
	}
}
