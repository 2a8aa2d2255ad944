package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	D "github.com/miekg/dns"
	"github.com/zhangyunhao116/fastrand"

	"github.com/40three/ftpserver/log"
)

// Client resolves through explicitly configured nameservers instead of the
// system resolver. Queries go over UDP and fall back to TCP on truncation.
type Client struct {
	client      *D.Client
	nameservers []string
}

// NewClient creates a Client for the given nameservers. A nameserver without
// a port defaults to 53.
func NewClient(nameservers []string) (*Client, error) {
	if len(nameservers) == 0 {
		return nil, errors.New("no nameservers configured")
	}
	addrs := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		addr, err := hostWithDefaultPort(ns, "53")
		if err != nil {
			return nil, fmt.Errorf("nameserver %q: %w", ns, err)
		}
		addrs = append(addrs, addr)
	}
	return &Client{
		client:      &D.Client{Net: "udp", UDPSize: 4096},
		nameservers: addrs,
	}, nil
}

func (c *Client) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	fqdn := D.Fqdn(host)
	ns := c.nameservers[fastrand.Intn(len(c.nameservers))]

	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{D.TypeA, D.TypeAAAA} {
		m := new(D.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		reply, err := c.exchange(ctx, m, ns)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range reply.Answer {
			switch record := rr.(type) {
			case *D.A:
				if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			case *D.AAAA:
				if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	return addrs, nil
}

func (c *Client) exchange(ctx context.Context, m *D.Msg, ns string) (*D.Msg, error) {
	reply, _, err := c.client.ExchangeContext(ctx, m, ns)
	if err != nil {
		return nil, err
	}
	if reply.Truncated && c.client.Net == "udp" {
		log.Debugf("[DNS] truncated reply from %s for %s over UDP, retrying over TCP",
			ns, m.Question[0].Name)
		tcpClient := *c.client
		tcpClient.Net = "tcp"
		reply, _, err = tcpClient.ExchangeContext(ctx, m, ns)
		if err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func hostWithDefaultPort(host string, defPort string) (string, error) {
	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		if !strings.Contains(err.Error(), "missing port in address") {
			return "", err
		}
		host = host + ":" + defPort
		if hostname, port, err = net.SplitHostPort(host); err != nil {
			return "", err
		}
	}
	return net.JoinHostPort(hostname, port), nil
}
