// Package mdns implements discovery over multicast DNS service discovery
// (RFC 6762/6763) using github.com/grandcat/zeroconf.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"autolink/pkg/discovery"
)

const (
	DefaultDomain         = "local."
	DefaultResolveTimeout = 3 * time.Second
)

type Options struct {
	Domain string
	// Interfaces restricts multicast traffic to the named interfaces. Empty
	// means all multicast capable interfaces.
	Interfaces     []string
	IPv6           bool
	ResolveTimeout time.Duration
	Logger         *zap.Logger
}

// Provider implements discovery.Provider. Endpoints seen while browsing are
// cached for their record TTL so Resolve usually needs no extra query.
type Provider struct {
	opts   Options
	ifaces []net.Interface
	log    *zap.Logger

	cache *cache
}

var _ discovery.Provider = (*Provider)(nil)

func New(opts Options) (*Provider, error) {
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.L().Named("mdns")
	}
	var ifaces []net.Interface
	for _, name := range opts.Interfaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("mdns: interface %q: %w", name, err)
		}
		ifaces = append(ifaces, *ifi)
	}
	return &Provider{opts: opts, ifaces: ifaces, log: log, cache: newCache()}, nil
}

func (p *Provider) Advertise(ctx context.Context, svc discovery.Service) (discovery.Advertisement, error) {
	domain := svc.Domain
	if domain == "" {
		domain = p.opts.Domain
	}
	srv, err := zeroconf.Register(svc.Instance, svc.Type, domain, svc.Port, svc.Text, p.ifaces)
	if err != nil {
		return nil, fmt.Errorf("mdns: register %s: %w", svc.Instance, err)
	}
	p.log.Debug("advertising", zap.String("instance", svc.Instance), zap.String("type", svc.Type), zap.Int("port", svc.Port))

	a := &advertisement{srv: srv, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.done:
		}
	}()
	return a, nil
}

func (p *Provider) Browse(ctx context.Context, serviceType string) (<-chan discovery.Event, error) {
	resolver, err := zeroconf.NewResolver(p.resolverOptions()...)
	if err != nil {
		return nil, fmt.Errorf("mdns: resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, serviceType, p.opts.Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns: browse %s: %w", serviceType, err)
	}

	out := make(chan discovery.Event)
	go func() {
		defer close(out)
		tr := newTracker(p.opts.IPv6)
		for {
			var e *zeroconf.ServiceEntry
			select {
			case <-ctx.Done():
				return
			case e = <-entries:
				if e == nil {
					// resolver shut down; hold until the caller cancels
					<-ctx.Done()
					return
				}
			}
			ev, ep, ok := tr.observe(e)
			if !ok {
				continue
			}
			p.remember(serviceType, ev, ep, e.TTL)
			p.log.Debug("browse event", zap.String("instance", ev.Name), zap.Stringer("change", ev.Change))
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

func (p *Provider) Resolve(ctx context.Context, serviceType, name string) (discovery.Endpoint, error) {
	if ep, ok := p.cache.get(cacheKey(serviceType, name)); ok {
		return ep, nil
	}

	resolver, err := zeroconf.NewResolver(p.resolverOptions()...)
	if err != nil {
		return discovery.Endpoint{}, fmt.Errorf("mdns: resolver: %w", err)
	}
	lctx, cancel := context.WithTimeout(ctx, p.opts.ResolveTimeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(lctx, name, serviceType, p.opts.Domain, entries); err != nil {
		return discovery.Endpoint{}, fmt.Errorf("mdns: lookup %s: %w", name, err)
	}
	for {
		select {
		case <-lctx.Done():
			if err := ctx.Err(); err != nil {
				return discovery.Endpoint{}, err
			}
			return discovery.Endpoint{}, fmt.Errorf("%w: %s.%s", discovery.ErrNotFound, name, serviceType)
		case e := <-entries:
			if e == nil {
				<-lctx.Done()
				continue
			}
			if e.Instance != name {
				continue
			}
			if ep, ok := endpointOf(e, p.opts.IPv6); ok {
				p.remember(serviceType, discovery.Event{Name: name, Change: discovery.Added}, ep, e.TTL)
				return ep, nil
			}
		}
	}
}

// remember keeps the endpoint for as long as its record is valid.
func (p *Provider) remember(serviceType string, ev discovery.Event, ep discovery.Endpoint, ttl uint32) {
	key := cacheKey(serviceType, ev.Name)
	if ev.Change == discovery.Removed {
		p.cache.delete(key)
		return
	}
	p.cache.set(key, ep, time.Duration(ttl)*time.Second)
}

func (p *Provider) resolverOptions() []zeroconf.ClientOption {
	var ipType zeroconf.IPType = zeroconf.IPv4
	if p.opts.IPv6 {
		ipType = zeroconf.IPv4AndIPv6
	}
	opts := []zeroconf.ClientOption{zeroconf.SelectIPTraffic(ipType)}
	if len(p.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(p.ifaces))
	}
	return opts
}

func cacheKey(serviceType, name string) string { return serviceType + "/" + name }

type advertisement struct {
	srv  *zeroconf.Server
	once sync.Once
	done chan struct{}
}

func (a *advertisement) Stop() {
	a.once.Do(func() {
		close(a.done)
		a.srv.Shutdown()
	})
}
