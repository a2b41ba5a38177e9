package mdns

import (
	"github.com/grandcat/zeroconf"

	"autolink/pkg/discovery"
)

// tracker turns the raw entries of one browse session into change events.
type tracker struct {
	ipv6 bool
	seen map[string]discovery.Endpoint
}

func newTracker(ipv6 bool) *tracker {
	return &tracker{ipv6: ipv6, seen: make(map[string]discovery.Endpoint)}
}

// observe reports whether e changes what the session knows.
//
// The zeroconf resolver delivers an instance once and stays silent until its
// record expires, so a second delivery of a known instance means it went away
// and came back. That is reported as Added again, with the endpoint it now
// has. A zero TTL is a goodbye packet.
func (t *tracker) observe(e *zeroconf.ServiceEntry) (discovery.Event, discovery.Endpoint, bool) {
	name := e.Instance
	if e.TTL == 0 {
		prev, known := t.seen[name]
		if !known {
			return discovery.Event{}, discovery.Endpoint{}, false
		}
		delete(t.seen, name)
		return discovery.Event{Name: name, Change: discovery.Removed}, prev, true
	}
	ep, ok := endpointOf(e, t.ipv6)
	if !ok {
		return discovery.Event{}, discovery.Endpoint{}, false
	}
	t.seen[name] = ep
	return discovery.Event{Name: name, Change: discovery.Added}, ep, true
}

// endpointOf prefers IPv4, then IPv6 when enabled, then the advertised host
// name.
func endpointOf(e *zeroconf.ServiceEntry, ipv6 bool) (discovery.Endpoint, bool) {
	if e.Port <= 0 {
		return discovery.Endpoint{}, false
	}
	switch {
	case len(e.AddrIPv4) > 0:
		return discovery.Endpoint{Host: e.AddrIPv4[0].String(), Port: e.Port}, true
	case ipv6 && len(e.AddrIPv6) > 0:
		return discovery.Endpoint{Host: e.AddrIPv6[0].String(), Port: e.Port}, true
	case e.HostName != "":
		return discovery.Endpoint{Host: e.HostName, Port: e.Port}, true
	}
	return discovery.Endpoint{}, false
}
