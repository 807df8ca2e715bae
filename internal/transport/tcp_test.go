package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTCPListenerDeliversFramesInOrder(t *testing.T) {
	tr, err := NewTransport("tcp")
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	got := make(chan string, 8)
	ln.HandleMessage(func(msg []byte) error {
		got <- string(msg)
		return nil
	})
	if err := ln.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ln.Stop()

	conn, err := tr.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	want := []string{"first", "second", "third"}
	for _, m := range want {
		if err := conn.WriteDataWithContext(context.Background(), []byte(m)); err != nil {
			t.Fatalf("write %q: %v", m, err)
		}
	}

	for _, w := range want {
		select {
		case m := <-got:
			if m != w {
				t.Fatalf("got %q, want %q", m, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestStopClosesOpenConnections(t *testing.T) {
	ln, err := NewTCPTransportListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.HandleMessage(func([]byte) error { return nil })
	if err := ln.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := NewTCPTransport().Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteDataWithContext(context.Background(), []byte("hello")); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- ln.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an open connection")
	}
}

func TestConnPoolReusesAndCloses(t *testing.T) {
	srv := NewWorkerPoolServer(PoolOptions{Workers: 1, QueueCapacity: 1})
	if err := srv.Serve("127.0.0.1:0", echoService()); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown(time.Second)

	pool := NewConnPool(NewTCPTransport(), srv.Addr().String(), 1, 1, time.Minute)
	ctx := context.Background()

	first, err := pool.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The pool is at maxConns, so a second Get waits until ctx expires.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Get(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("exhausted pool: err = %v, want DeadlineExceeded", err)
	}

	pool.Put(first)
	second, err := pool.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatal("idle connection was not reused")
	}
	pool.Put(second)

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Get(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("closed pool: err = %v, want ErrPoolClosed", err)
	}
}

func TestUnknownTransport(t *testing.T) {
	if _, err := NewTransport("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unregistered transport")
	}
	names := ListAvailableTransports()
	if len(names) < 2 || names[0] != "gnet" || names[1] != "tcp" {
		t.Fatalf("available transports = %v", names)
	}
}
