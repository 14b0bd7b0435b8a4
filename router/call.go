package router

import (
	"vizrpc/codec"
	"vizrpc/message"
)

// Call is one invocation as seen by a handler.
type Call struct {
	ID     any    // Opaque call id, echoed on the response
	Method string // Registered method name
	Args   []any  // Positional arguments as decoded by the connection's codec

	codec codec.Codec
}

// NumArgs returns the number of positional arguments.
func (c *Call) NumArgs() int { return len(c.Args) }

// Arg returns argument i, or nil when absent.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Bind decodes argument i into out (a pointer) by re-encoding it with the
// codec the request arrived in. A missing or mistyped argument yields an
// InvalidRequest error that handlers can return unchanged.
func (c *Call) Bind(i int, out any) error {
	if i < 0 || i >= len(c.Args) {
		return message.NewError(message.KindInvalidRequest, "%s: missing argument %d", c.Method, i)
	}
	cdc := c.codec
	if cdc == nil {
		cdc = codec.GetCodec(codec.CodecTypeJSON)
	}
	if err := codec.Convert(cdc, c.Args[i], out); err != nil {
		return message.NewError(message.KindInvalidRequest, "%s: argument %d: %v", c.Method, i, err)
	}
	return nil
}
