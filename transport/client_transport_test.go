package transport_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"vizrpc/codec"
	"vizrpc/message"
	"vizrpc/protocol"
	"vizrpc/router"
	"vizrpc/server"
	"vizrpc/session"
	"vizrpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func newArithServer(t *testing.T) *server.Server {
	t.Helper()
	r := router.New()
	r.MustRegister("Arith.Add", func(ctx context.Context, call *router.Call) (any, error) {
		var args Args
		if err := call.Bind(0, &args); err != nil {
			return nil, err
		}
		return Reply{Result: args.A + args.B}, nil
	})
	r.MustRegister("block", func(ctx context.Context, call *router.Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := server.New(r, server.Options{})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func dialTCP(t *testing.T, s *server.Server, opts transport.Options) *transport.ClientTransport {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(ln)

	link, err := transport.Dial(context.Background(), ln.Addr().String(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ct := transport.NewClientTransport(link, opts)
	t.Cleanup(func() { ct.Close() })
	return ct
}

// 测试单连接上串行发送多个请求
func TestClientTransportSerial(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			client := dialTCP(t, newArithServer(t), transport.Options{Codec: ct})

			cases := []struct {
				a, b, expect int
			}{
				{1, 2, 3},
				{10, 20, 30},
				{100, 200, 300},
			}
			for _, tc := range cases {
				var reply Reply
				if err := client.CallInto(context.Background(), &reply, "Arith.Add", Args{A: tc.a, B: tc.b}); err != nil {
					t.Fatal(err)
				}
				if reply.Result != tc.expect {
					t.Fatalf("expect %d, got %d", tc.expect, reply.Result)
				}
			}
		})
	}
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestClientTransportConcurrent(t *testing.T) {
	client := dialTCP(t, newArithServer(t), transport.Options{ChunkSize: 16})

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var reply Reply
			if err := client.CallInto(context.Background(), &reply, "Arith.Add", Args{A: i, B: i}); err != nil {
				errs <- err
				return
			}
			if reply.Result != i*2 {
				errs <- errors.New("wrong result")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestErrorResponseIsRPCError(t *testing.T) {
	client := dialTCP(t, newArithServer(t), transport.Options{})

	_, err := client.Call(context.Background(), "Arith.Mul")
	var rpcErr *message.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != message.KindMethodNotFound {
		t.Fatalf("err = %v, want MethodNotFound", err)
	}
	if !errors.Is(err, &message.RPCError{Kind: message.KindMethodNotFound}) {
		t.Fatalf("errors.Is by kind failed for %v", err)
	}
}

func TestCallContextCancel(t *testing.T) {
	client := dialTCP(t, newArithServer(t), transport.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Call(ctx, "block"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The transport stays usable.
	var reply Reply
	if err := client.CallInto(context.Background(), &reply, "Arith.Add", Args{A: 1, B: 1}); err != nil || reply.Result != 2 {
		t.Fatalf("call after cancel = %+v, %v", reply, err)
	}
}

func TestLinkLossFailsPendingCalls(t *testing.T) {
	s := newArithServer(t)
	cl, sv := net.Pipe()
	served := make(chan struct{})
	go func() {
		s.ServeLink(context.Background(), transport.NewStreamLink(sv, 0), session.ConnInfo{RemoteAddr: "pipe"})
		close(served)
	}()
	client := transport.NewClientTransport(transport.NewStreamLink(cl, 0), transport.Options{})

	_, ch, err := client.Send("block")
	if err != nil {
		t.Fatal(err)
	}
	sv.Close()
	<-served

	select {
	case resp := <-ch:
		if resp.Error == nil || resp.Error.Kind != message.KindConnectionClosed {
			t.Fatalf("pending call resolved with %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved")
	}
	<-client.Done()
	if client.Err() == nil {
		t.Fatal("Err() = nil after link loss")
	}
	if _, _, err := client.Send("Arith.Add"); !errors.Is(err, transport.ErrLinkClosed) {
		t.Fatalf("Send after close = %v", err)
	}
}

// Close racing in-flight responses must resolve every call exactly once
// and never block.
func TestCloseRacingResponses(t *testing.T) {
	s := newArithServer(t)
	for round := 0; round < 50; round++ {
		cl, sv := net.Pipe()
		go s.ServeLink(context.Background(), transport.NewStreamLink(sv, 0), session.ConnInfo{RemoteAddr: "pipe"})
		client := transport.NewClientTransport(transport.NewStreamLink(cl, 0), transport.Options{})

		var chans []<-chan *message.Response
		for i := 0; i < 8; i++ {
			_, ch, err := client.Send("Arith.Add", Args{A: i, B: round})
			if err != nil {
				t.Fatalf("round %d: Send: %v", round, err)
			}
			chans = append(chans, ch)
		}

		closed := make(chan struct{})
		go func() {
			client.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: Close blocked", round)
		}

		for i, ch := range chans {
			select {
			case <-ch:
			case <-time.After(2 * time.Second):
				t.Fatalf("round %d: call %d never resolved", round, i)
			}
			if len(ch) != 0 {
				t.Fatalf("round %d: call %d resolved twice", round, i)
			}
		}
	}
}

func TestHeartbeatsAreIgnored(t *testing.T) {
	client := dialTCP(t, newArithServer(t), transport.Options{HeartbeatInterval: 5 * time.Millisecond})
	time.Sleep(30 * time.Millisecond)

	var reply Reply
	if err := client.CallInto(context.Background(), &reply, "Arith.Add", Args{A: 2, B: 3}); err != nil || reply.Result != 5 {
		t.Fatalf("call after heartbeats = %+v, %v", reply, err)
	}
}

func TestEncoderFragments(t *testing.T) {
	enc := transport.NewEncoder(4, codec.CompressionNone, 0)
	frags, err := enc.Fragments(protocol.MsgTypeResponse, codec.CodecTypeJSON, []byte("0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	for i, f := range frags {
		if f.Header.Seq != uint32(i) || f.Header.StreamID != frags[0].Header.StreamID {
			t.Fatalf("fragment %d header %+v", i, f.Header)
		}
		if f.Header.IsLast() != (i == 2) {
			t.Fatalf("fragment %d last=%v", i, f.Header.IsLast())
		}
	}
}

func TestEncoderCompression(t *testing.T) {
	enc := transport.NewEncoder(1<<20, codec.CompressionZstd, 16)
	body := make([]byte, 4096)
	frags, err := enc.Fragments(protocol.MsgTypeResponse, codec.CodecTypeJSON, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 1 || !frags[0].Header.Compressed() || len(frags[0].Payload) >= len(body) {
		t.Fatalf("compressible body not compressed: %+v", frags[0].Header)
	}
}
