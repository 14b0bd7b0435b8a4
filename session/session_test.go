package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
)

func TestOpenCloseLifecycle(t *testing.T) {
	reg := NewRegistry()
	sc, err := reg.Open("conn-1", ConnInfo{RemoteAddr: "10.0.0.1:5000", Header: http.Header{"X-Token": {"abc"}}})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expect 1 open scope, got %d", reg.Len())
	}
	if _, err := reg.Open("conn-1", ConnInfo{}); err == nil {
		t.Fatal("expect duplicate open to fail")
	}

	sess := sc.Session()
	if sess.ConnectionID() != "conn-1" || sess.ID() == "" {
		t.Fatalf("unexpected session ids %q %q", sess.ConnectionID(), sess.ID())
	}
	if sess.Header().Get("X-Token") != "abc" {
		t.Fatal("expect handshake header on session")
	}
	if err := sess.SetIdentity("alice", true); err != nil {
		t.Fatal(err)
	}
	if err := sc.ClientStore().Set("volume", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	reg.Close("conn-1")
	if reg.Len() != 0 {
		t.Fatal("expect scope removed")
	}
	if _, ok := reg.Lookup("conn-1"); ok {
		t.Fatal("expect lookup to miss after close")
	}

	// Stale handles fail instead of returning old data.
	if _, _, err := sess.Identity(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
	if _, _, err := sc.ClientStore().Get("volume"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
	if err := sc.ClientStore().Set("x", 1); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}

	// Closing twice is harmless.
	reg.Close("conn-1")
}

func TestClientStore(t *testing.T) {
	reg := NewRegistry()
	sc, _ := reg.Open("c", ConnInfo{})
	store := sc.ClientStore()

	store.Set("b", 2)
	store.Set("a", 1)
	keys, err := store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(keys) != "[a b]" {
		t.Fatalf("expect sorted keys [a b], got %v", keys)
	}
	v, ok, _ := store.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expect a=1, got %v %v", v, ok)
	}
	store.Delete("a")
	if _, ok, _ := store.Get("a"); ok {
		t.Fatal("expect a deleted")
	}
	if store.Len() != 1 {
		t.Fatalf("expect 1 entry, got %d", store.Len())
	}
}

func TestAccessorsOutsideDispatch(t *testing.T) {
	if _, err := CurrentSession(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
	if _, err := CurrentClientStore(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
}

func TestAccessorsAfterClose(t *testing.T) {
	reg := NewRegistry()
	sc, _ := reg.Open("c", ConnInfo{})
	ctx := WithScope(context.Background(), sc)

	if _, err := CurrentSession(ctx); err != nil {
		t.Fatalf("expect session during dispatch, got %v", err)
	}
	reg.Close("c")
	if _, err := CurrentSession(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed after close, got %v", err)
	}
	if _, err := CurrentClientStore(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed after close, got %v", err)
	}
}

func TestAccessorsAreConnectionScoped(t *testing.T) {
	reg := NewRegistry()
	const conns = 8
	const rounds = 200

	var wg sync.WaitGroup
	errs := make(chan error, conns)
	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("conn-%d", i)
		sc, err := reg.Open(id, ConnInfo{})
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(id string, sc *Scope) {
			defer wg.Done()
			ctx := WithScope(context.Background(), sc)
			for r := 0; r < rounds; r++ {
				sess, err := CurrentSession(ctx)
				if err != nil {
					errs <- err
					return
				}
				if sess.ConnectionID() != id {
					errs <- fmt.Errorf("dispatch for %s saw session of %s", id, sess.ConnectionID())
					return
				}
				store, _ := CurrentClientStore(ctx)
				store.Set("owner", id)
				if v, _, _ := store.Get("owner"); v != id {
					errs <- fmt.Errorf("store of %s holds %v", id, v)
					return
				}
			}
		}(id, sc)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
