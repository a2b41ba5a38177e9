// Package discovery advertises and finds services on the local network.
//
// Providers hide the mechanism (multicast DNS in production, an in-process
// registry in tests) behind three operations: advertise a service instance,
// browse for instances of a service type, and resolve an instance name to a
// dialable endpoint.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ErrNotFound is returned by Resolve when the instance is unknown.
var ErrNotFound = errors.New("discovery: service not found")

// Change describes what happened to a browsed instance.
type Change int

const (
	Added Change = iota + 1
	Removed
	Updated
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Service is an instance to advertise.
type Service struct {
	// Instance must be unique among advertisers of Type.
	Instance string
	// Type is the DNS-SD service type, for example "_autolink._tcp".
	Type   string
	Domain string
	Port   int
	// Host is optional. Providers fall back to the local hostname.
	Host string
	Text []string
}

// Event reports a change for one browsed instance.
type Event struct {
	Name   string
	Change Change
}

// Endpoint is a resolved address.
type Endpoint struct {
	Host string
	Port int
}

// Address returns host:port suitable for Dial.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Advertisement is a running announcement. Stop withdraws it.
type Advertisement interface {
	Stop()
}

// Provider is a service discovery backend.
type Provider interface {
	// Advertise announces svc until the returned Advertisement is stopped or
	// ctx is canceled.
	Advertise(ctx context.Context, svc Service) (Advertisement, error)
	// Browse watches serviceType. Events are delivered until ctx is canceled,
	// after which the channel is closed.
	Browse(ctx context.Context, serviceType string) (<-chan Event, error)
	// Resolve returns the endpoint of a browsed instance.
	Resolve(ctx context.Context, serviceType, name string) (Endpoint, error)
}
