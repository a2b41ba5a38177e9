package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"autolink/pkg/frame"
)

type collector struct {
	mu  sync.Mutex
	got [][]byte
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 64)} }

func (c *collector) receive(b []byte) {
	c.mu.Lock()
	c.got = append(c.got, b)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) waitN(t *testing.T, n int) [][]byte {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for payload %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.got...)
}

type countingObserver struct {
	mu                sync.Mutex
	in, out, dropped  int
	bytesIn, bytesOut int
}

func (o *countingObserver) FrameReceived(n int) { o.mu.Lock(); o.in++; o.bytesIn += n; o.mu.Unlock() }
func (o *countingObserver) FrameSent(n int)     { o.mu.Lock(); o.out++; o.bytesOut += n; o.mu.Unlock() }
func (o *countingObserver) SendDropped()        { o.mu.Lock(); o.dropped++; o.mu.Unlock() }

// pair returns two running pipelines connected back to back.
func pair(t *testing.T, a, b Options) (*Pipeline, *Pipeline, <-chan error, <-chan error) {
	t.Helper()
	ca, cb := net.Pipe()
	if a.Logger == nil {
		a.Logger = zaptest.NewLogger(t)
	}
	if b.Logger == nil {
		b.Logger = zaptest.NewLogger(t)
	}
	pa, pb := New(ca, a), New(cb, b)
	ea, eb := make(chan error, 1), make(chan error, 1)
	go func() { ea <- pa.Run(context.Background()) }()
	go func() { eb <- pb.Run(context.Background()) }()
	return pa, pb, ea, eb
}

func waitDone(t *testing.T, name string, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("%s pipeline did not finish", name)
		return nil
	}
}

func TestRoundTripInOrder(t *testing.T) {
	rx := newCollector()
	obs := &countingObserver{}
	pa, _, ea, eb := pair(t, Options{Observer: obs}, Options{OnReceive: rx.receive})

	payloads := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte("x"), 100000),
		{0, 0, 0, 0},
	}
	for _, p := range payloads {
		if err := pa.Send(p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	got := rx.waitN(t, len(payloads))
	if diff := cmp.Diff(payloads, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	pa.Close()
	if err := waitDone(t, "local", ea); err != nil {
		t.Fatalf("local run: %v", err)
	}
	if err := waitDone(t, "remote", eb); err != nil {
		t.Fatalf("remote run: %v", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.out != len(payloads) {
		t.Fatalf("observer counted %d frames out, want %d", obs.out, len(payloads))
	}
}

func TestRemoteCloseTerminatesBothLoops(t *testing.T) {
	pa, pb, ea, eb := pair(t, Options{}, Options{})

	// b never closes itself: its read loop hits EOF and queues the sentinel
	pa.Close()
	if err := waitDone(t, "a", ea); err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := waitDone(t, "b", eb); err != nil {
		t.Fatalf("b: %v", err)
	}
	if err := pb.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after remote termination, got %v", err)
	}
}

func TestRemoteEOFWithoutLocalShutdown(t *testing.T) {
	local, remote := net.Pipe()
	p := New(local, Options{Logger: zaptest.NewLogger(t)})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_ = remote.Close()
	if err := waitDone(t, "local", done); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done not closed after Run returned")
	}
}

func TestQueueFullDrops(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	obs := &countingObserver{}
	p := New(local, Options{QueueSize: 2, Observer: obs, Logger: zaptest.NewLogger(t)})

	if err := p.Send([]byte("a")); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := p.Send([]byte("b")); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := p.Send([]byte("c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if obs.dropped != 1 {
		t.Fatalf("dropped = %d", obs.dropped)
	}

	// the sentinel still fits when the queue is full
	p.Close()
	if err := p.Send([]byte("d")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestContextCancelStopsPipeline(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := New(local, Options{Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	if err := waitDone(t, "local", done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestOversizeFrameEndsConnection(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := New(local, Options{MaxFrameSize: 8, Logger: zaptest.NewLogger(t)})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	go func() { _, _ = remote.Write([]byte{0xff, 0, 0, 0}) }()
	if err := waitDone(t, "local", done); err == nil {
		t.Fatalf("expected an error for an oversize frame")
	}
}

func TestRunTwice(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := New(local, Options{Logger: zaptest.NewLogger(t)})
	p.Close()
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected second Run to fail")
	}
}

func TestOversizeSendRefusedAndLinkSurvives(t *testing.T) {
	rx := newCollector()
	pa, _, ea, eb := pair(t, Options{MaxFrameSize: 8}, Options{MaxFrameSize: 8, OnReceive: rx.receive})

	if err := pa.Send(make([]byte, 9)); !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := pa.Send([]byte("12345678")); err != nil {
		t.Fatalf("send at limit: %v", err)
	}
	got := rx.waitN(t, 1)
	if string(got[0]) != "12345678" {
		t.Fatalf("received %q", got[0])
	}

	pa.Close()
	if err := waitDone(t, "local", ea); err != nil {
		t.Fatalf("local run: %v", err)
	}
	if err := waitDone(t, "remote", eb); err != nil {
		t.Fatalf("remote run: %v", err)
	}
}
