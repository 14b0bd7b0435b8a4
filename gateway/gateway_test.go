package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vizrpc/config"
	"vizrpc/router"
	"vizrpc/server"
	"vizrpc/transport"
)

func newGateway(t *testing.T, origins []string) *httptest.Server {
	t.Helper()
	r := router.New()
	r.MustRegister("echo", func(ctx context.Context, call *router.Call) (any, error) {
		return call.Arg(0), nil
	})
	srv := server.New(r, server.Options{CorsOrigins: origins})

	cfg := config.Default()
	cfg.CorsOrigins = origins
	ts := httptest.NewServer(New(cfg, srv, nil).Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newGateway(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["chunk_size"] != float64(1<<20) {
		t.Fatalf("body = %v", body)
	}
}

func TestMetrics(t *testing.T) {
	ts := newGateway(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWebSocketRoute(t *testing.T) {
	ts := newGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	link, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/socket", 0, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ct := transport.NewClientTransport(link, transport.Options{})
	defer ct.Close()

	got, err := ct.Call(ctx, "echo", "hi")
	if err != nil || got != "hi" {
		t.Fatalf("echo = %v, %v", got, err)
	}
}

func TestOriginAllowList(t *testing.T) {
	ts := newGateway(t, []string{"http://viz.example"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"

	bad := http.Header{"Origin": []string{"http://evil.example"}}
	if _, err := transport.Dial(ctx, url, 0, bad); err == nil {
		t.Fatal("upgrade from a foreign origin succeeded")
	}

	good := http.Header{"Origin": []string{"http://viz.example"}}
	link, err := transport.Dial(ctx, url, 0, good)
	if err != nil {
		t.Fatalf("upgrade from allowed origin: %v", err)
	}
	link.Close()
}

func TestCORSPreflight(t *testing.T) {
	ts := newGateway(t, []string{"http://viz.example"})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://viz.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://viz.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}
