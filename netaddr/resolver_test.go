// File: netaddr/resolver_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netaddr

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wirepipe/api"
)

func staticTable(entries ...IfaceAddr) Option {
	return WithInterfaceLister(func() ([]IfaceAddr, error) {
		return entries, nil
	})
}

func TestLookupAddrForIfaceMatch(t *testing.T) {
	r := NewResolver(staticTable(
		IfaceAddr{Name: "lo", IP: net.ParseIP("127.0.0.1")},
		IfaceAddr{Name: "eth0", IP: net.ParseIP("192.168.12.34")},
	))
	addr, err := r.LookupAddrForIface("eth0")
	require.NoError(t, err)
	assert.Equal(t, "192.168.12.34", addr)
}

func TestLookupAddrForIfaceFirstEntryWins(t *testing.T) {
	r := NewResolver(staticTable(
		IfaceAddr{Name: "eth0", IP: net.ParseIP("10.0.0.1")},
		IfaceAddr{Name: "eth0", IP: net.ParseIP("fe80::1")},
	))
	addr, err := r.LookupAddrForIface("eth0")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
}

func TestLookupAddrForIfaceNoMatch(t *testing.T) {
	r := NewResolver(staticTable(
		IfaceAddr{Name: "lo", IP: net.ParseIP("127.0.0.1")},
	))
	_, err := r.LookupAddrForIface("ib0")
	assert.ErrorIs(t, err, api.ErrNoAddrFound)
}

func TestLookupAddrForIfaceEnumerationFailure(t *testing.T) {
	boom := api.NewSystemError("getifaddrs", errors.New("netlink down"))
	r := NewResolver(WithInterfaceLister(func() ([]IfaceAddr, error) {
		return nil, boom
	}))
	_, err := r.LookupAddrForIface("eth0")
	assert.Equal(t, boom, err)
}

func TestLookupAddrForHostnameFirstBindErrorWins(t *testing.T) {
	e1 := api.NewSystemError("bind", errors.New("EADDRNOTAVAIL on A"))
	e2 := api.NewSystemError("bind", errors.New("EADDRNOTAVAIL on B"))
	a := net.ParseIP("10.1.1.1")
	b := net.ParseIP("10.2.2.2")

	r := NewResolver(
		WithHostname(func() (string, error) { return "node17", nil }),
		WithHostResolver(func(host string) ([]net.IP, error) {
			return []net.IP{a, b}, nil
		}),
		WithBindProbe(func(ip net.IP) error {
			if ip.Equal(a) {
				return e1
			}
			return e2
		}),
	)
	_, err := r.LookupAddrForHostname()
	assert.Equal(t, e1, err, "the first bind failure must be reported, not the last")
}

func TestLookupAddrForHostnameFirstBindableWins(t *testing.T) {
	a := net.ParseIP("10.1.1.1")
	b := net.ParseIP("10.2.2.2")
	r := NewResolver(
		WithHostname(func() (string, error) { return "node17", nil }),
		WithHostResolver(func(host string) ([]net.IP, error) {
			return []net.IP{a, b}, nil
		}),
		WithBindProbe(func(ip net.IP) error {
			if ip.Equal(a) {
				return api.NewSystemError("bind", errors.New("nope"))
			}
			return nil
		}),
	)
	addr, err := r.LookupAddrForHostname()
	require.NoError(t, err)
	assert.Equal(t, "10.2.2.2", addr)
}

func TestLookupAddrForHostnameResolutionError(t *testing.T) {
	r := NewResolver(
		WithHostname(func() (string, error) { return "node17", nil }),
		WithHostResolver(func(host string) ([]net.IP, error) {
			return nil, errors.New("NXDOMAIN")
		}),
	)
	_, err := r.LookupAddrForHostname()
	var resErr *api.AddrResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "node17", resErr.Host)
}

func TestLookupAddrForHostnameNoCandidates(t *testing.T) {
	r := NewResolver(
		WithHostname(func() (string, error) { return "node17", nil }),
		WithHostResolver(func(host string) ([]net.IP, error) {
			return nil, nil
		}),
	)
	_, err := r.LookupAddrForHostname()
	assert.ErrorIs(t, err, api.ErrNoAddrFound)
}

// The live table on any test host has a loopback entry; exercise the real
// OS-backed path end to end.
func TestLookupAddrForIfaceLive(t *testing.T) {
	r := NewResolver()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, ifc := range ifaces {
		addrs, _ := ifc.Addrs()
		if len(addrs) == 0 {
			continue
		}
		addr, err := r.LookupAddrForIface(ifc.Name)
		require.NoError(t, err)
		assert.NotEmpty(t, addr)
		return
	}
	t.Skip("no interface with addresses on this host")
}
