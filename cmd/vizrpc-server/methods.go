package main

import (
	"context"
	"runtime"
	"time"

	"vizrpc/message"
	"vizrpc/router"
	"vizrpc/session"
)

// builtinMethods is the method table the stock server exposes: liveness,
// echo, and access to the caller's session and client store.
func builtinMethods(started time.Time) map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		"echo": func(ctx context.Context, call *router.Call) (any, error) {
			return call.Arg(0), nil
		},
		"ping": func(ctx context.Context, call *router.Call) (any, error) {
			return "pong", nil
		},
		"server.info": func(ctx context.Context, call *router.Call) (any, error) {
			return map[string]any{
				"go":     runtime.Version(),
				"uptime": time.Since(started).Round(time.Second).String(),
			}, nil
		},
		"session.info": func(ctx context.Context, call *router.Call) (any, error) {
			sess, err := session.CurrentSession(ctx)
			if err != nil {
				return nil, err
			}
			identity, authenticated, err := sess.Identity()
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":            sess.ID(),
				"connection":    sess.ConnectionID(),
				"remote":        sess.RemoteAddr(),
				"identity":      identity,
				"authenticated": authenticated,
				"since":         sess.CreatedAt().UTC().Format(time.RFC3339),
			}, nil
		},
		"session.identify": func(ctx context.Context, call *router.Call) (any, error) {
			var name string
			if err := call.Bind(0, &name); err != nil {
				return nil, err
			}
			if name == "" {
				return nil, message.NewError(message.KindInvalidRequest, "identity must not be empty")
			}
			sess, err := session.CurrentSession(ctx)
			if err != nil {
				return nil, err
			}
			// No credential check: identity is advisory unless an OnConnect hook authenticates.
			return nil, sess.SetIdentity(name, false)
		},
		"store.get": func(ctx context.Context, call *router.Call) (any, error) {
			var key string
			if err := call.Bind(0, &key); err != nil {
				return nil, err
			}
			store, err := session.CurrentClientStore(ctx)
			if err != nil {
				return nil, err
			}
			v, _, err := store.Get(key)
			return v, err
		},
		"store.set": func(ctx context.Context, call *router.Call) (any, error) {
			var key string
			if err := call.Bind(0, &key); err != nil {
				return nil, err
			}
			store, err := session.CurrentClientStore(ctx)
			if err != nil {
				return nil, err
			}
			return nil, store.Set(key, call.Arg(1))
		},
		"store.delete": func(ctx context.Context, call *router.Call) (any, error) {
			var key string
			if err := call.Bind(0, &key); err != nil {
				return nil, err
			}
			store, err := session.CurrentClientStore(ctx)
			if err != nil {
				return nil, err
			}
			return nil, store.Delete(key)
		},
		"store.keys": func(ctx context.Context, call *router.Call) (any, error) {
			store, err := session.CurrentClientStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.Keys()
		},
	}
}
