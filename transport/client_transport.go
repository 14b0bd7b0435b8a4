package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vizrpc/chunking"
	"vizrpc/codec"
	"vizrpc/message"
	"vizrpc/protocol"
)

// Options configures a ClientTransport.
type Options struct {
	ChunkSize         int
	MaxMessageSize    int
	Codec             codec.CodecType
	Compression       codec.Compression
	CompressThreshold int
	HeartbeatInterval time.Duration // 0 disables heartbeats
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunking.DefaultChunkSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ClientTransport multiplexes calls over a single Link.
type ClientTransport struct {
	link    Link
	opts    Options
	codec   codec.Codec
	enc     *Encoder
	reasm   *chunking.Reassembler
	seq     atomic.Uint64 // call id source
	pending sync.Map      // map[string]chan *message.Response — each call waits on its own channel

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClientTransport starts the background goroutines for link:
//   - recvLoop: reads fragments, reassembles responses, dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames when enabled
func NewClientTransport(link Link, opts Options) *ClientTransport {
	opts = opts.withDefaults()
	t := &ClientTransport{
		link:  link,
		opts:  opts,
		codec: codec.GetCodec(opts.Codec),
		enc:   NewEncoder(opts.ChunkSize, opts.Compression, opts.CompressThreshold),
		reasm: chunking.NewReassembler(opts.MaxMessageSize),
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if opts.HeartbeatInterval > 0 {
		go t.heartbeatLoop(opts.HeartbeatInterval)
	}
	return t
}

// Send serializes and sends one call. It returns the call id and a channel
// that receives exactly one response (or a ConnectionClosed failure if the
// link breaks first).
func (t *ClientTransport) Send(method string, args ...any) (uint64, <-chan *message.Response, error) {
	select {
	case <-t.done:
		return 0, nil, ErrLinkClosed
	default:
	}

	if args == nil {
		args = []any{}
	}
	id := t.seq.Add(1)
	body, err := t.codec.Encode(&message.Request{CallID: id, Method: method, Args: args})
	if err != nil {
		return 0, nil, err
	}

	// Register the response channel BEFORE sending (avoid race with recvLoop)
	respChan := make(chan *message.Response, 1) // Buffered so recvLoop never blocks
	key := message.CallKey(id)
	t.pending.Store(key, respChan)
	select {
	case <-t.done:
		// shutdown ran between the check above and Store; its sweep may have missed us.
		t.pending.Delete(key)
		return 0, nil, ErrLinkClosed
	default:
	}

	if _, err := t.enc.WriteMessage(t.link, protocol.MsgTypeRequest, t.codec.Type(), body); err != nil {
		t.pending.Delete(key)
		return 0, nil, err
	}
	return id, respChan, nil
}

// Call sends one call and waits for its response. A response carrying an
// error is returned as a *message.RPCError.
func (t *ClientTransport) Call(ctx context.Context, method string, args ...any) (any, error) {
	id, ch, err := t.Send(method, args...)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		// The server still answers; recvLoop drops the orphaned response.
		t.pending.Delete(message.CallKey(id))
		return nil, ctx.Err()
	}
}

// CallInto is Call followed by decoding the result into reply.
func (t *ClientTransport) CallInto(ctx context.Context, reply any, method string, args ...any) error {
	result, err := t.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return codec.Convert(t.codec, result, reply)
}

// recvLoop runs in a dedicated goroutine. Reads must be sequential to keep
// frame boundaries, so there is exactly one reader per link.
func (t *ClientTransport) recvLoop() {
	for {
		h, body, err := t.link.ReadFrame(context.Background())
		if err != nil {
			t.shutdown(err)
			return
		}

		msg, err := t.reasm.Feed(h, body)
		if err != nil {
			if errors.Is(err, chunking.ErrClosed) {
				return
			}
			t.opts.Logger.Warn("dropping response stream", zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}
		if msg.MsgType != protocol.MsgTypeResponse {
			t.opts.Logger.Warn("unexpected message type from server", zap.Uint8("type", uint8(msg.MsgType)))
			continue
		}

		payload, err := Unpack(msg, t.opts.MaxMessageSize)
		if err != nil {
			t.opts.Logger.Warn("dropping response", zap.Error(err))
			continue
		}
		var resp message.Response
		if err := codec.GetCodec(codec.CodecType(msg.CodecType)).Decode(payload, &resp); err != nil {
			t.opts.Logger.Warn("undecodable response", zap.Error(err))
			continue
		}

		// Route the response to the correct caller using the call id
		if ch, ok := t.pending.LoadAndDelete(message.CallKey(resp.CallID)); ok {
			ch.(chan *message.Response) <- &resp
		} else {
			t.opts.Logger.Debug("response for unknown call", zap.Any("call_id", resp.CallID))
		}
	}
}

// shutdown fails every pending caller so none blocks forever.
func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		close(t.done)
		t.reasm.Close()
		t.link.Close()

		// LoadAndDelete so that a response recvLoop is delivering right now
		// and this failure never both land in the one-slot channel.
		t.pending.Range(func(key, _ any) bool {
			if ch, ok := t.pending.LoadAndDelete(key); ok {
				ch.(chan *message.Response) <- &message.Response{
					Error: &message.RPCError{Kind: message.KindConnectionClosed, Message: fmt.Sprint(cause)},
				}
			}
			return true
		})
	})
}

// Close tears the link down and fails pending calls.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrLinkClosed)
	return nil
}

// Done is closed once the transport is unusable.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err returns why the transport shut down, nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.closeErr
	default:
		return nil
	}
}

// heartbeatLoop sends periodic heartbeat frames so idle links are not
// reaped by intermediaries.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec.Type()), Flags: protocol.FlagLast}
			if err := t.link.WriteFrame(h, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
