// Package resolver abstracts host-name resolution behind a small interface
// so the listener layer can be exercised without real network lookups.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrNoAddress is returned when a host name yields no usable address.
var ErrNoAddress = errors.New("no usable address")

// Resolver looks up the addresses a host name currently resolves to.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// System resolves through the operating system resolver.
type System struct{}

func (System) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}

// Static answers from a fixed table. Intended for tests and for deployments
// that pin the bind host to known addresses.
type Static map[string][]netip.Addr

func (s Static) LookupIP(_ context.Context, host string) ([]netip.Addr, error) {
	addrs, ok := s[host]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	return addrs, nil
}
