package transport

import (
	"context"
	"net"
	"strings"
)

// Kind identifies a transport implementation.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Transport provides ordered, reliable byte streams. Framing is applied on top
// by the pipeline package, so implementations only move bytes.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound streams on address (host:port). The
	// listener is closed when ctx is done or Close is called.
	Listen(ctx context.Context, address string) (net.Listener, error)
	// Dial opens an outbound stream to address (host:port).
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// ErrUnknownKind is returned when a transport kind name is not recognized.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// ParseKind maps a config name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "mem", "inproc":
		return KindMem, nil
	default:
		return KindUnknown, ErrUnknownKind(s)
	}
}
