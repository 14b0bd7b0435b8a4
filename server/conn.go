package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vizrpc/chunking"
	"vizrpc/codec"
	"vizrpc/message"
	"vizrpc/middleware"
	"vizrpc/observability"
	"vizrpc/protocol"
	"vizrpc/session"
	"vizrpc/transport"
)

// ConnState is the lifecycle stage of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

var (
	errDuplicateCall = errors.New("call id already in flight")
	errConnClosing   = errors.New("connection closing")
)

// conn is the server side of one link.
type conn struct {
	id     string
	srv    *Server
	link   transport.Link
	scope  *session.Scope
	reasm  *chunking.Reassembler
	enc    *transport.Encoder // outbound stream ids are per connection
	logger *zap.Logger
	state  atomic.Int32

	ctx    context.Context // cancelled on close; parent of every call
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]context.CancelFunc // callId key → cancel of that call
	closed  bool

	closeOnce sync.Once
}

// newConn opens the session scope and moves the connection to Open.
func newConn(parent context.Context, s *Server, link transport.Link, info session.ConnInfo) (*conn, error) {
	c := &conn{
		id:      uuid.NewString(),
		srv:     s,
		link:    link,
		reasm:   chunking.NewReassembler(s.opts.MaxMessageSize),
		enc:     transport.NewEncoder(s.opts.ChunkSize, s.opts.Compression, s.opts.CompressThreshold),
		pending: make(map[string]context.CancelFunc),
	}
	c.state.Store(int32(StateConnecting))
	c.logger = s.logger.With(zap.String("conn", c.id), zap.String("remote", info.RemoteAddr))

	scope, err := s.sessions.Open(c.id, info)
	if err != nil {
		return nil, err
	}
	c.scope = scope

	c.ctx, c.cancel = context.WithCancel(parent)
	// The parent ending (server shutdown, caller cancel) closes the connection.
	context.AfterFunc(c.ctx, c.close)

	c.state.Store(int32(StateOpen))
	observability.ConnectionOpened()
	c.logger.Info("connection open", zap.String("session", scope.Session().ID()))
	return c, nil
}

func (c *conn) State() ConnState { return ConnState(c.state.Load()) }

// serve is the read loop. Reads must be sequential to keep frame boundaries,
// so there is exactly one reader per connection; every completed message is
// handled on its own goroutine.
func (c *conn) serve() error {
	defer c.close()
	for {
		h, body, err := c.link.ReadFrame(c.ctx)
		if err != nil {
			if c.State() != StateOpen || isDisconnect(err) {
				return nil
			}
			return err
		}
		observability.RecordFragments("in", 1)

		msg, err := c.reasm.Feed(h, body)
		if err != nil {
			if errors.Is(err, chunking.ErrClosed) {
				return nil
			}
			// No call id is known before reassembly, so the aborted call
			// cannot be answered.
			observability.RecordStreamsAborted(1)
			c.logger.Warn("chunk stream aborted", zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}
		if msg.MsgType != protocol.MsgTypeRequest {
			c.logger.Warn("unexpected message type from client", zap.Uint8("type", uint8(msg.MsgType)))
			continue
		}

		if !c.srv.beginCall() {
			c.logger.Debug("server shutting down, call not dispatched", zap.Uint32("stream", msg.StreamID))
			continue
		}
		go c.handleMessage(msg)
	}
}

// handleMessage decodes one call, dispatches it, and writes the response in
// the codec the call arrived in.
func (c *conn) handleMessage(msg *chunking.Message) {
	defer c.srv.inflight.Done()

	ct := codec.CodecType(msg.CodecType)
	if !ct.Valid() {
		c.logger.Warn("unknown codec, dropping message", zap.Uint8("codec", msg.CodecType))
		return
	}
	cd := codec.GetCodec(ct)

	payload, err := transport.Unpack(msg, c.srv.opts.MaxMessageSize)
	if err != nil {
		c.logger.Warn("dropping message", zap.Error(err))
		return
	}

	// Step 1: Decode the envelope
	var req message.Request
	if err := cd.Decode(payload, &req); err != nil {
		// Answer under the call id if it can still be read.
		var head struct {
			CallID any `json:"callId" cbor:"callId"`
		}
		if cd.Decode(payload, &head) != nil || head.CallID == nil {
			c.logger.Warn("undecodable call envelope", zap.Error(err))
			return
		}
		c.reply(cd, message.Failure(head.CallID, message.NewError(message.KindInvalidRequest, "undecodable call envelope: %v", err)))
		return
	}
	if req.CallID == nil {
		c.logger.Warn("call without callId dropped", zap.String("method", req.Method))
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		c.reply(cd, message.Failure(req.CallID, message.NewError(message.KindInvalidRequest, "missing method")))
		return
	}

	// Step 2: Enter the pending table
	key := message.CallKey(req.CallID)
	ctx, err := c.begin(key)
	if err != nil {
		if errors.Is(err, errConnClosing) {
			return
		}
		c.reply(cd, message.Failure(req.CallID, message.NewError(message.KindInvalidRequest, "callId %v: %v", req.CallID, err)))
		return
	}

	// Step 3: Dispatch with this connection's scope bound
	dctx := middleware.WithInflight(session.WithScope(ctx, c.scope), &c.srv.inflight)
	resp := c.srv.router.Dispatch(dctx, &req, cd)

	// Step 4: Resolve; a call cancelled by disconnect gets no response
	if !c.finish(key) {
		observability.RecordResponseDropped()
		c.logger.Debug("call cancelled, response dropped", zap.String("method", req.Method), zap.Any("call_id", req.CallID))
		return
	}
	c.reply(cd, resp)
}

// begin records key as pending and returns the call's context.
func (c *conn) begin(key string) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosing
	}
	if _, dup := c.pending[key]; dup {
		return nil, errDuplicateCall
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.pending[key] = cancel
	return ctx, nil
}

// finish removes key from the pending table. It reports false when the call
// was cancelled in the meantime.
func (c *conn) finish(key string) bool {
	c.mu.Lock()
	cancel, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// PendingCalls returns the number of calls in flight on the connection.
func (c *conn) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// reply serializes resp and writes it as one fragment stream. A result the
// codec cannot serialize becomes a HandlerException.
func (c *conn) reply(cd codec.Codec, resp *message.Response) {
	body, err := cd.Encode(resp)
	if err != nil {
		c.logger.Error("response not serializable", zap.Any("call_id", resp.CallID), zap.Error(err))
		body, err = cd.Encode(message.Failure(resp.CallID,
			message.NewError(message.KindHandlerException, "result not serializable: %v", err)))
		if err != nil {
			return
		}
	}

	n, err := c.enc.WriteMessage(c.link, protocol.MsgTypeResponse, cd.Type(), body)
	observability.RecordFragments("out", n)
	if err != nil {
		observability.RecordResponseDropped()
		c.logger.Debug("response write failed", zap.Any("call_id", resp.CallID), zap.Error(err))
	}
}

// close tears the connection down exactly once:
// cancel pending calls → abort accumulating streams → destroy the scope →
// close the link → disconnect hook.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.cancel()

		c.mu.Lock()
		c.closed = true
		cancelled := len(c.pending)
		for key, cancel := range c.pending {
			cancel()
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if aborted := c.reasm.Close(); aborted > 0 {
			observability.RecordStreamsAborted(aborted)
		}
		c.srv.sessions.Close(c.id)
		c.link.Close()

		c.state.Store(int32(StateClosed))
		observability.ConnectionClosed()
		c.logger.Info("connection closed", zap.Int("cancelled_calls", cancelled))

		if hook := c.srv.opts.OnDisconnect; hook != nil {
			hook(context.Background(), c.id)
		}
	})
}

// isDisconnect reports whether err is the peer (or we) closing the link.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, transport.ErrLinkClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure)
}
