package role

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"autolink/pkg/discovery"
	"autolink/pkg/discovery/memory"
	"autolink/pkg/transport/mem"
)

const svcType = "_autolink._tcp"

type env struct {
	reg *memory.Registry
	tr  *mem.Transport
}

func newEnv() env { return env{reg: memory.New(), tr: mem.New()} }

func (e env) config(t *testing.T, instance string) Config {
	return Config{
		Provider:  e.reg,
		Transport: e.tr,
		Service:   discovery.Service{Instance: instance, Type: svcType, Port: 0},
		QueueSize: 16,
		Logger:    zaptest.NewLogger(t),
	}
}

func watchCounts(r Role) <-chan ConnectionCount {
	ch := make(chan ConnectionCount, 64)
	r.ConnectionChanged().Subscribe(func(c ConnectionCount) { ch <- c })
	return ch
}

func watchData(r Role) <-chan []byte {
	ch := make(chan []byte, 64)
	r.DataReceived().Subscribe(func(b []byte) { ch <- b })
	return ch
}

func expectCount(t *testing.T, ch <-chan ConnectionCount, want ConnectionCount) {
	t.Helper()
	select {
	case got := <-ch:
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("count (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %+v", want)
	}
}

func expectData(t *testing.T, ch <-chan []byte, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if string(got) != want {
			t.Fatalf("data = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func stop(t *testing.T, r Role) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop %s: %v", r.Name(), err)
	}
}

func TestClientServerExchange(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	srv := NewServer(e.config(t, "srv"))
	cli := NewClient(e.config(t, ""))
	srvCounts, cliCounts := watchCounts(srv), watchCounts(cli)
	srvData, cliData := watchData(srv), watchData(cli)

	if err := cli.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("client send before connect: %v", err)
	}
	if err := srv.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("server send before connect: %v", err)
	}

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	if err := srv.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}
	if !cli.IsRunning() || !srv.IsRunning() {
		t.Fatalf("roles not running after start")
	}

	expectCount(t, cliCounts, ConnectionCount{Role: ClientName, Count: 1})
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 1})

	if err := cli.Send([]byte("ping")); err != nil {
		t.Fatalf("client send: %v", err)
	}
	expectData(t, srvData, "ping")
	if err := srv.Send([]byte("pong")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	expectData(t, cliData, "pong")

	stop(t, cli)
	expectCount(t, cliCounts, ConnectionCount{Role: ClientName, Count: 0})
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 0})
	if cli.IsRunning() {
		t.Fatalf("client still running after stop")
	}
	stop(t, cli)

	stop(t, srv)
	if srv.IsRunning() || srv.Addr() != nil {
		t.Fatalf("server still running after stop")
	}
	if got := e.reg.Instances(svcType); len(got) != 0 {
		t.Fatalf("advertisement left behind: %v", got)
	}
}

func TestClientResumesBrowsingAfterServerLoss(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	srv := NewServer(e.config(t, "srv"))
	cli := NewClient(e.config(t, ""))
	cliCounts := watchCounts(cli)

	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer stop(t, cli)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	expectCount(t, cliCounts, ConnectionCount{Role: ClientName, Count: 1})

	stop(t, srv)
	expectCount(t, cliCounts, ConnectionCount{Role: ClientName, Count: 0})
	if !cli.IsRunning() || cli.Connected() {
		t.Fatalf("client should be browsing again")
	}

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server restart: %v", err)
	}
	defer stop(t, srv)
	expectCount(t, cliCounts, ConnectionCount{Role: ClientName, Count: 1})
}

func TestClientSkipsRefusedPeer(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	// advertised, but nothing listens there
	ghost, err := e.reg.Advertise(ctx, discovery.Service{Instance: "ghost", Type: svcType, Port: 1})
	if err != nil {
		t.Fatalf("advertise ghost: %v", err)
	}
	defer ghost.Stop()

	cli := NewClient(e.config(t, ""))
	cliCounts := watchCounts(cli)
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer stop(t, cli)

	select {
	case c := <-cliCounts:
		t.Fatalf("unexpected count %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
	if !cli.IsRunning() {
		t.Fatalf("client stopped browsing after refusal")
	}

	srv := NewServer(e.config(t, "srv"))
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer stop(t, srv)
	expectCount(t, cliCounts, ConnectionCount{Role: ClientName, Count: 1})
}

func TestServerRelaysBetweenClients(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	srv := NewServer(e.config(t, "srv"))
	srvCounts := watchCounts(srv)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer stop(t, srv)

	a, b := NewClient(e.config(t, "")), NewClient(e.config(t, ""))
	aCounts, bCounts := watchCounts(a), watchCounts(b)
	bData := watchData(b)
	srvData := watchData(srv)
	for _, c := range []*Client{a, b} {
		if err := c.Start(ctx); err != nil {
			t.Fatalf("client start: %v", err)
		}
		defer stop(t, c)
	}
	expectCount(t, aCounts, ConnectionCount{Role: ClientName, Count: 1})
	expectCount(t, bCounts, ConnectionCount{Role: ClientName, Count: 1})
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 1})
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 2})
	if srv.Connections() != 2 {
		t.Fatalf("connections = %d", srv.Connections())
	}

	if err := a.Send([]byte("hello b")); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectData(t, srvData, "hello b")
	expectData(t, bData, "hello b")
}

func TestServerStopClosesInbound(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	srv := NewServer(e.config(t, "srv"))
	srvCounts := watchCounts(srv)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	cli := NewClient(e.config(t, ""))
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer stop(t, cli)
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 1})

	stop(t, srv)
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 0})
	if srv.Connections() != 0 {
		t.Fatalf("connections after stop = %d", srv.Connections())
	}
}

// failingTransport hands out listeners whose first Accept calls fail with
// EMFILE, like a process out of file descriptors.
type failingTransport struct {
	*mem.Transport
	failures int32
	last     chan net.Listener
}

func (f *failingTransport) Listen(ctx context.Context, address string) (net.Listener, error) {
	l, err := f.Transport.Listen(ctx, address)
	if err != nil {
		return nil, err
	}
	fl := &failingListener{Listener: l}
	fl.failures.Store(f.failures)
	if f.last != nil {
		f.last <- l
	}
	return fl, nil
}

type failingListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "mem", Addr: l.Addr(), Err: syscall.EMFILE}
	}
	return l.Listener.Accept()
}

func TestServerRetriesFailedAccept(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	cfg := e.config(t, "srv")
	cfg.Transport = &failingTransport{Transport: e.tr, failures: 3}
	srv := NewServer(cfg)
	srvCounts := watchCounts(srv)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer stop(t, srv)

	cli := NewClient(e.config(t, ""))
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer stop(t, cli)
	expectCount(t, srvCounts, ConnectionCount{Role: ServerName, Count: 1})
}

func TestServerWithdrawsAdvertisementWhenListenerDies(t *testing.T) {
	e := newEnv()
	cfg := e.config(t, "srv")
	lns := make(chan net.Listener, 1)
	cfg.Transport = &failingTransport{Transport: e.tr, last: lns}
	srv := NewServer(cfg)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer stop(t, srv)
	if got := e.reg.Instances(svcType); len(got) != 1 {
		t.Fatalf("advertised instances = %v", got)
	}

	_ = (<-lns).Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(e.reg.Instances(svcType)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("advertisement kept after listener died: %v", e.reg.Instances(svcType))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
