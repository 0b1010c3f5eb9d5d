// File: netaddr/sockaddr_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conversions between "host:port" strings and raw sockaddrs for the
// non-blocking socket plumbing.

package netaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
)

// ResolveTCPSockaddr turns "host:port" into a bindable/connectable sockaddr
// plus its address family.
func ResolveTCPSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, &api.AddrResolutionError{Host: addr, Err: err}
	}
	ip := tcpAddr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

// SockaddrString renders a sockaddr back into "host:port" form.
func SockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), fmt.Sprint(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), fmt.Sprint(v.Port))
	default:
		return fmt.Sprintf("%v", sa)
	}
}
