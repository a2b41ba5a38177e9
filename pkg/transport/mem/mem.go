package mem

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"autolink/pkg/transport"
)

// ErrClosed is returned by Accept after the listener is closed. It matches
// net.ErrClosed, like a closed TCP listener.
var ErrClosed = fmt.Errorf("mem: listener closed: %w", net.ErrClosed)

// Transport is an in-process transport using net.Pipe. Every node that should
// reach each other must share the same Transport value.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	nextPort  int
}

func New() *Transport {
	return &Transport{listeners: make(map[string]*listener), nextPort: 40000}
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

// Listen registers address. Port 0 allocates a free port, mirroring TCP.
func (t *Transport) Listen(ctx context.Context, address string) (net.Listener, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("mem: %w", err)
	}
	if host == "" {
		host = "localhost"
	}

	t.mu.Lock()
	if port == "0" {
		for {
			t.nextPort++
			port = strconv.Itoa(t.nextPort)
			if _, taken := t.listeners[net.JoinHostPort(host, port)]; !taken {
				break
			}
		}
	}
	addr := net.JoinHostPort(host, port)
	if _, ok := t.listeners[addr]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("mem: listen %s: %w", addr, syscall.EADDRINUSE)
	}
	l := &listener{
		t:       t,
		addr:    memAddr(addr),
		newCh:   make(chan net.Conn, 8),
		closeCh: make(chan struct{}),
	}
	t.listeners[addr] = l
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

// Dial connects to a registered listener. A missing listener fails with
// ECONNREFUSED, like a closed TCP port.
func (t *Transport) Dial(ctx context.Context, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("mem: %w", err)
	}
	if host == "" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, port)

	t.mu.Lock()
	l := t.listeners[addr]
	t.mu.Unlock()
	if l == nil {
		return nil, &net.OpError{Op: "dial", Net: "mem", Addr: memAddr(addr), Err: syscall.ECONNREFUSED}
	}

	c1, c2 := net.Pipe()
	select {
	case l.newCh <- c1:
		return c2, nil
	case <-l.closeCh:
	case <-ctx.Done():
		_ = c1.Close()
		_ = c2.Close()
		return nil, ctx.Err()
	}
	_ = c1.Close()
	_ = c2.Close()
	return nil, &net.OpError{Op: "dial", Net: "mem", Addr: memAddr(addr), Err: syscall.ECONNREFUSED}
}

type listener struct {
	t       *Transport
	addr    memAddr
	newCh   chan net.Conn
	once    sync.Once
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.addr }

func (l *listener) Accept() (net.Conn, error) {
	select {
	case <-l.closeCh:
		return nil, ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.t.mu.Lock()
		delete(l.t.listeners, string(l.addr))
		l.t.mu.Unlock()
		// refuse connections that were queued but never accepted
		for {
			select {
			case c := <-l.newCh:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
