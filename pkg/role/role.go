// Package role implements the two participants a node uses to reach its
// peers: a Client that browses for a server and keeps one outbound
// connection, and a Server that advertises itself and accepts any number of
// inbound connections. Both report their live connection count so the
// connectivity manager can decide whether the node is connected.
package role

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"autolink/pkg/discovery"
	"autolink/pkg/events"
	"autolink/pkg/pipeline"
	"autolink/pkg/transport"
)

const (
	ClientName = "client"
	ServerName = "server"
)

var (
	// ErrNotConnected is returned by Send when the role has no connection.
	ErrNotConnected = errors.New("role: not connected")
	// ErrAlreadyStarted is returned by Start on a running role.
	ErrAlreadyStarted = errors.New("role: already started")
)

// ConnectionCount is emitted whenever a role's number of live connections
// changes.
type ConnectionCount struct {
	Role  string
	Count int
}

// Role is started and stopped by the connectivity manager.
type Role interface {
	Name() string
	// Start begins browsing or advertising and returns without waiting for a
	// connection. It never emits ConnectionChanged before returning.
	Start(ctx context.Context) error
	// Stop tears the role down and returns once every connection it owned has
	// finished. Stopping a stopped role is a no-op.
	Stop(ctx context.Context) error
	IsRunning() bool
	ConnectionChanged() *events.Event[ConnectionCount]
	DataReceived() *events.Event[[]byte]
	// Send queues payload without blocking.
	Send(payload []byte) error
}

// Config holds what both roles need.
type Config struct {
	Provider  discovery.Provider
	Transport transport.Transport
	// Service describes what the server advertises and the client browses
	// for. The client only uses Type.
	Service discovery.Service
	// ListenHost is the host part of the server's listen address. Empty
	// listens on all interfaces.
	ListenHost   string
	QueueSize    int
	MaxFrameSize int
	Observer     pipeline.Observer
	Logger       *zap.Logger
}

func (c Config) pipelineOptions(log *zap.Logger, onReceive func([]byte)) pipeline.Options {
	return pipeline.Options{
		QueueSize:    c.QueueSize,
		MaxFrameSize: c.MaxFrameSize,
		OnReceive:    onReceive,
		Observer:     c.Observer,
		Logger:       log,
	}
}

func (c Config) logger(name string) *zap.Logger {
	if c.Logger != nil {
		return c.Logger.Named(name)
	}
	return zap.L().Named(name)
}

// wait blocks until wg-style completion is signaled on done or ctx expires.
func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
