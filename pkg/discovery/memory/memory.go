// Package memory is an in-process discovery provider. Every node that should
// see each other must share one Registry.
package memory

import (
	"context"
	"fmt"
	"sync"

	"autolink/pkg/discovery"
)

const defaultHost = "localhost"

type record struct {
	name string
	ep   discovery.Endpoint
}

// Registry implements discovery.Provider in memory.
type Registry struct {
	mu       sync.Mutex
	records  map[string]map[string]discovery.Endpoint // type -> instance -> endpoint
	browsers map[string]map[*browser]struct{}
}

var _ discovery.Provider = (*Registry)(nil)

func New() *Registry {
	return &Registry{
		records:  make(map[string]map[string]discovery.Endpoint),
		browsers: make(map[string]map[*browser]struct{}),
	}
}

func (r *Registry) Advertise(ctx context.Context, svc discovery.Service) (discovery.Advertisement, error) {
	if svc.Instance == "" || svc.Type == "" {
		return nil, fmt.Errorf("memory: instance and type are required")
	}
	host := svc.Host
	if host == "" {
		host = defaultHost
	}
	ep := discovery.Endpoint{Host: host, Port: svc.Port}

	r.mu.Lock()
	byName := r.records[svc.Type]
	if byName == nil {
		byName = make(map[string]discovery.Endpoint)
		r.records[svc.Type] = byName
	}
	if _, ok := byName[svc.Instance]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("memory: instance %q of %s already advertised", svc.Instance, svc.Type)
	}
	byName[svc.Instance] = ep
	r.notifyLocked(svc.Type, discovery.Event{Name: svc.Instance, Change: discovery.Added})
	r.mu.Unlock()

	a := &advertisement{r: r, typ: svc.Type, name: svc.Instance, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.done:
		}
	}()
	return a, nil
}

func (r *Registry) Browse(ctx context.Context, serviceType string) (<-chan discovery.Event, error) {
	b := &browser{out: make(chan discovery.Event), wake: make(chan struct{}, 1)}

	r.mu.Lock()
	set := r.browsers[serviceType]
	if set == nil {
		set = make(map[*browser]struct{})
		r.browsers[serviceType] = set
	}
	set[b] = struct{}{}
	for name := range r.records[serviceType] {
		b.push(discovery.Event{Name: name, Change: discovery.Added})
	}
	r.mu.Unlock()

	go func() {
		b.pump(ctx)
		r.mu.Lock()
		delete(r.browsers[serviceType], b)
		r.mu.Unlock()
	}()
	return b.out, nil
}

func (r *Registry) Resolve(ctx context.Context, serviceType, name string) (discovery.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return discovery.Endpoint{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.records[serviceType][name]
	if !ok {
		return discovery.Endpoint{}, fmt.Errorf("%w: %s.%s", discovery.ErrNotFound, name, serviceType)
	}
	return ep, nil
}

// Instances lists the advertised instance names of serviceType.
func (r *Registry) Instances(serviceType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records[serviceType]))
	for name := range r.records[serviceType] {
		out = append(out, name)
	}
	return out
}

func (r *Registry) withdraw(typ, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[typ][name]; !ok {
		return
	}
	delete(r.records[typ], name)
	r.notifyLocked(typ, discovery.Event{Name: name, Change: discovery.Removed})
}

func (r *Registry) notifyLocked(typ string, ev discovery.Event) {
	for b := range r.browsers[typ] {
		b.push(ev)
	}
}

type advertisement struct {
	r    *Registry
	typ  string
	name string
	once sync.Once
	done chan struct{}
}

func (a *advertisement) Stop() {
	a.once.Do(func() {
		close(a.done)
		a.r.withdraw(a.typ, a.name)
	})
}

// browser queues events without bound so publishers never block on a slow
// consumer.
type browser struct {
	mu      sync.Mutex
	pending []discovery.Event
	wake    chan struct{}
	out     chan discovery.Event
}

func (b *browser) push(ev discovery.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *browser) pump(ctx context.Context) {
	defer close(b.out)
	for {
		b.mu.Lock()
		var next *discovery.Event
		if len(b.pending) > 0 {
			ev := b.pending[0]
			b.pending = b.pending[1:]
			next = &ev
		}
		b.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case b.out <- *next:
		}
	}
}
