// Package router binds method names to handlers and dispatches decoded calls.
//
// Registration is an explicit table built at startup:
//
//	r := router.New()
//	r.MustRegister("echo", func(ctx context.Context, call *router.Call) (any, error) {
//		return call.Arg(0), nil
//	})
//
// Dispatch pipeline:
//
//	Dispatch(ctx, req) → middleware chain → lookup(method) → handler(ctx, call)
//	  → result | error | panic → *message.Response{CallID: req.CallID, ...}
//
// Nothing a handler does (error, panic) escapes Dispatch.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"vizrpc/codec"
	"vizrpc/message"
	"vizrpc/middleware"
	"vizrpc/session"
)

var (
	ErrDuplicateMethod = errors.New("router: duplicate method")
	ErrInvalidMethod   = errors.New("router: invalid method name")
	ErrFrozen          = errors.New("router: registration after serving started")
)

// HandlerFunc is a registered method. The connection making the call is bound
// to ctx; use session.CurrentSession / session.CurrentClientStore to reach it.
// ctx is cancelled when that connection closes.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Router is the method registration table plus the middleware chain.
type Router struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	middlewares []middleware.Middleware
	chain       middleware.HandlerFunc // built once by Freeze
	logger      *zap.Logger
}

type Option func(*Router)

// WithLogger sets the logger used for handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds name to h. Duplicate or empty names are configuration
// errors; so is registering once the router is serving.
func (r *Router) Register(name string, h HandlerFunc) error {
	if strings.TrimSpace(name) == "" || h == nil {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chain != nil {
		return fmt.Errorf("%w: %q", ErrFrozen, name)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateMethod, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Router) MustRegister(name string, h HandlerFunc) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// RegisterAll registers every entry of table, in name order. It stops at the
// first error.
func (r *Router) RegisterAll(table map[string]HandlerFunc) error {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.Register(name, table[name]); err != nil {
			return err
		}
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (r *Router) Use(mw middleware.Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chain != nil {
		return ErrFrozen
	}
	r.middlewares = append(r.middlewares, mw)
	return nil
}

// Freeze builds the middleware chain. Later Register/Use calls fail.
// Dispatch freezes implicitly; servers call it when they start serving.
func (r *Router) Freeze() {
	r.frozenChain()
}

func (r *Router) frozenChain() middleware.HandlerFunc {
	r.mu.RLock()
	chain := r.chain
	r.mu.RUnlock()
	if chain != nil {
		return chain
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chain == nil {
		// Chain(A, B, C)(handler) → A(B(C(handler)))
		r.chain = middleware.Chain(r.middlewares...)(r.invoke)
	}
	return r.chain
}

// Methods returns the registered method names in sorted order.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Dispatch runs req through the middleware chain and its handler. c is the
// codec the request arrived in; Call.Bind decodes arguments with it. The
// returned response always carries req.CallID.
func (r *Router) Dispatch(ctx context.Context, req *message.Request, c codec.Codec) (resp *message.Response) {
	chain := r.frozenChain()

	defer func() {
		// Middleware panics are caught here; handler panics inside invoke.
		if p := recover(); p != nil {
			r.logger.Error("panic in dispatch chain",
				zap.String("method", req.Method), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			resp = message.Failure(req.CallID, message.NewError(message.KindHandlerException, "%v", p))
		}
		if resp == nil {
			resp = message.Failure(req.CallID, message.NewError(message.KindHandlerException, "no response"))
		}
		resp.CallID = req.CallID
	}()

	return chain(withCodec(ctx, c), req)
}

// invoke is the innermost handler of the chain: lookup, call, convert.
func (r *Router) invoke(ctx context.Context, req *message.Request) (resp *message.Response) {
	h, ok := r.lookup(req.Method)
	if !ok {
		return message.Failure(req.CallID, &message.RPCError{Kind: message.KindMethodNotFound, Message: req.Method})
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic",
				zap.String("method", req.Method), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			resp = message.Failure(req.CallID, message.NewError(message.KindHandlerException, "%v", p))
		}
	}()

	call := &Call{ID: req.CallID, Method: req.Method, Args: req.Args, codec: codecFrom(ctx)}
	result, err := h(ctx, call)
	if err != nil {
		return message.Failure(req.CallID, ToRPCError(err))
	}
	return message.Result(req.CallID, result)
}

// ToRPCError converts a handler error into its wire form. An *RPCError keeps
// its kind; a closed connection maps to ConnectionClosed; a deadline maps to
// Timeout; everything else is a HandlerException carrying err's message.
func ToRPCError(err error) *message.RPCError {
	var rpcErr *message.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, session.ErrConnectionClosed):
		return &message.RPCError{Kind: message.KindConnectionClosed, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &message.RPCError{Kind: message.KindTimeout, Message: err.Error()}
	default:
		return &message.RPCError{Kind: message.KindHandlerException, Message: err.Error()}
	}
}

type codecKey struct{}

func withCodec(ctx context.Context, c codec.Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecKey{}, c)
}

func codecFrom(ctx context.Context) codec.Codec {
	if c, ok := ctx.Value(codecKey{}).(codec.Codec); ok {
		return c
	}
	return codec.GetCodec(codec.CodecTypeJSON)
}
