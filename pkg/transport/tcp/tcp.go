package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"autolink/pkg/transport"
)

// Transport dials and listens for plain TCP streams.
type Transport struct {
	// KeepAlive is applied to dialed and accepted connections. Zero keeps the
	// net package default.
	KeepAlive time.Duration
}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{Listener: l, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.done:
		}
	}()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (net.Conn, error) {
	d := &net.Dialer{KeepAlive: t.KeepAlive}
	return d.DialContext(ctx, "tcp", address)
}

// listener stops its context watcher on Close.
type listener struct {
	net.Listener
	once sync.Once
	done chan struct{}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.Listener.Close()
}
