// File: netaddr/resolver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resolution of human-specified network identifiers (interface name, local
// hostname) into concrete bindable addresses. Stateless: every call performs
// a fresh OS query, since network configuration may change under a long-
// lived process and a stale answer here is a correctness bug.

package netaddr

import (
	"net"
	"os"

	"github.com/momentics/wirepipe/api"
)

// IfaceAddr is one (interface, address) entry of the host's address table.
type IfaceAddr struct {
	Name string
	IP   net.IP
}

// Resolver answers "what address should I bind" questions. The OS query
// hooks are swappable so tests can supply synthetic address tables.
type Resolver struct {
	listIfaceAddrs func() ([]IfaceAddr, error)
	hostname       func() (string, error)
	resolveHost    func(host string) ([]net.IP, error)
	bindProbe      func(ip net.IP) error
}

// Option customizes a Resolver, primarily for tests.
type Option func(*Resolver)

// WithInterfaceLister replaces the OS interface-table query.
func WithInterfaceLister(fn func() ([]IfaceAddr, error)) Option {
	return func(r *Resolver) { r.listIfaceAddrs = fn }
}

// WithHostname replaces the local hostname query.
func WithHostname(fn func() (string, error)) Option {
	return func(r *Resolver) { r.hostname = fn }
}

// WithHostResolver replaces hostname-to-address resolution.
func WithHostResolver(fn func(host string) ([]net.IP, error)) Option {
	return func(r *Resolver) { r.resolveHost = fn }
}

// WithBindProbe replaces the trial bind used to validate candidates.
func WithBindProbe(fn func(ip net.IP) error) Option {
	return func(r *Resolver) { r.bindProbe = fn }
}

// NewResolver creates a Resolver backed by live OS queries.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		listIfaceAddrs: osIfaceAddrs,
		hostname:       osHostname,
		resolveHost:    osResolveHost,
		bindProbe:      osBindProbe,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LookupAddrForIface returns the textual address of the first IPv4 or IPv6
// entry of the named interface. No matching entry yields api.ErrNoAddrFound;
// an enumeration failure is surfaced immediately.
func (r *Resolver) LookupAddrForIface(iface string) (string, error) {
	entries, err := r.listIfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name != iface || e.IP == nil {
			continue
		}
		return e.IP.String(), nil
	}
	return "", api.ErrNoAddrFound
}

// LookupAddrForHostname resolves the local hostname and returns the first
// candidate address that actually binds. If none bind, the error of the
// FIRST failed bind is returned, not the last: when the self address must be
// usable for listening, the first failure is the one worth debugging.
func (r *Resolver) LookupAddrForHostname() (string, error) {
	host, err := r.hostname()
	if err != nil {
		return "", err
	}
	ips, err := r.resolveHost(host)
	if err != nil {
		return "", &api.AddrResolutionError{Host: host, Err: err}
	}

	var firstErr error
	for _, ip := range ips {
		if err := r.bindProbe(ip); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return ip.String(), nil
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", api.ErrNoAddrFound
}

func osIfaceAddrs() ([]IfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, api.NewSystemError("getifaddrs", err)
	}
	var out []IfaceAddr
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			return nil, api.NewSystemError("getifaddrs", err)
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			out = append(out, IfaceAddr{Name: ifc.Name, IP: ip})
		}
	}
	return out, nil
}

func osHostname() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", api.NewSystemError("gethostname", err)
	}
	return host, nil
}

func osResolveHost(host string) ([]net.IP, error) {
	return net.LookupIP(host)
}

// osBindProbe binds a throwaway TCP socket on port 0 to prove the address is
// actually usable for listening.
func osBindProbe(ip net.IP) error {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: 0})
	if err != nil {
		return api.NewSystemError("bind", err)
	}
	return l.Close()
}
