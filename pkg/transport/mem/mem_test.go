package mem

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestDialAccept(t *testing.T) {
	ctx := context.Background()
	tr := New()
	l, err := tr.Listen(ctx, "node-a:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	c, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-accepted

	go func() { _, _ = c.Write([]byte("hi")) }()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(srv, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("read = %q, %v", buf, err)
	}

	_ = c.Close()
	if _, err := srv.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after remote close, got %v", err)
	}
}

func TestDialWithoutListenerIsRefused(t *testing.T) {
	_, err := New().Dial(context.Background(), "nobody:1")
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected ECONNREFUSED, got %v", err)
	}
}

func TestListenAddressInUse(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "node:7")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := tr.Listen(context.Background(), "node:7"); !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("expected EADDRINUSE, got %v", err)
	}
	_ = l.Close()
	l2, err := tr.Listen(context.Background(), "node:7")
	if err != nil {
		t.Fatalf("relisten after close: %v", err)
	}
	_ = l2.Close()
}

func TestCloseUnblocksAccept(t *testing.T) {
	l, err := New().Listen(context.Background(), "node:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		done <- err
	}()
	_ = l.Close()
	err = <-done
	if !errors.Is(err, ErrClosed) || !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected ErrClosed matching net.ErrClosed, got %v", err)
	}
}
