// Package listener presents a single logical accept point over one listening
// socket per resolved address of the configured host, so the rest of the
// server never special-cases multi-homed hosts.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/40three/ftpserver/log"
	"github.com/40three/ftpserver/resolver"
)

// BindError reports the address that failed to bind during Start. Every
// socket opened earlier in the same Start call has already been closed when
// it is returned.
type BindError struct {
	Addr netip.Addr
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", net.JoinHostPort(e.Addr.String(), strconv.Itoa(e.Port)), e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Config carries the construction-time configuration of a MultiListener.
type Config struct {
	// Host is the host name or literal address to bind.
	Host string
	// Port is the listening port; 0 lets the system choose on the first
	// address, and that concrete port is reused for every other address.
	Port int
	// Resolver resolves Host when it is not a literal address. Defaults to
	// resolver.System.
	Resolver resolver.Resolver
}

type result struct {
	conn net.Conn
	err  error
}

// MultiListener binds one TCP listener per resolved address of a host, all
// on the same port, and hands out incoming connections from any of them
// through WaitForNextClient.
type MultiListener struct {
	cfg Config

	mu        sync.Mutex
	listeners []net.Listener
	results   chan result
	done      chan struct{}
	started   bool
	accepting bool

	port *atomic.Int32
}

func New(cfg Config) (*MultiListener, error) {
	if cfg.Host == "" {
		return nil, errors.New("missing bind host")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.System{}
	}
	return &MultiListener{cfg: cfg, port: atomic.NewInt32(0)}, nil
}

// Start resolves the configured host and binds one listener per usable
// address. If any bind fails, every listener opened by this call is closed
// before the error is returned. After a Stop the instance may be started
// again with the same configuration.
func (m *MultiListener) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("listener already started")
	}

	addrs, err := m.resolve(ctx)
	if err != nil {
		return err
	}

	port := m.cfg.Port
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr.String(), strconv.Itoa(port)))
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return &BindError{Addr: addr, Port: port, Err: err}
		}
		if port == 0 {
			port = ln.Addr().(*net.TCPAddr).Port
		}
		listeners = append(listeners, ln)
		log.Debugf("control listen %s", ln.Addr())
	}

	m.listeners = listeners
	m.results = make(chan result)
	m.done = make(chan struct{})
	m.started = true
	m.accepting = false
	m.port.Store(int32(port))
	return nil
}

func (m *MultiListener) resolve(ctx context.Context) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(m.cfg.Host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	resolved, err := m.cfg.Resolver.LookupIP(ctx, m.cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", m.cfg.Host, err)
	}

	addrs := make([]netip.Addr, 0, len(resolved))
	for _, addr := range resolved {
		addr = addr.Unmap()
		if !addr.IsValid() || addr.IsMulticast() {
			continue
		}
		addrs = append(addrs, addr)
	}
	addrs = lo.Uniq(addrs)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", resolver.ErrNoAddress, m.cfg.Host)
	}
	return addrs, nil
}

// BeginAccepting issues one pending accept per bound listener. It must be
// called after Start and before WaitForNextClient; calling it again is a
// no-op.
func (m *MultiListener) BeginAccepting() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.accepting {
		return
	}
	m.accepting = true
	for _, ln := range m.listeners {
		go acceptLoop(ln, m.results, m.done)
	}
}

// acceptLoop keeps exactly one accept in flight for one bound socket. A new
// accept is issued only after the previous result has been handed over, so
// connections never queue up beyond the socket's own backlog. An accept
// error is handed over once and ends the loop; the caller decides whether
// to keep serving the remaining listeners.
func acceptLoop(ln net.Listener, results chan<- result, done <-chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
			case results <- result{err: err}:
			}
			return
		}
		select {
		case results <- result{conn: conn}:
		case <-done:
			_ = conn.Close()
			return
		}
	}
}

// WaitForNextClient blocks until a connection arrives on any bound listener,
// the context is canceled, or the listener is stopped. Cancellation consumes
// nothing: every pending accept stays valid for the next call.
func (m *MultiListener) WaitForNextClient(ctx context.Context) (net.Conn, error) {
	m.mu.Lock()
	results, done := m.results, m.done
	m.mu.Unlock()

	if results == nil {
		return nil, errors.New("listener not started")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, net.ErrClosed
	case r := <-results:
		return r.conn, r.err
	}
}

// Stop closes every bound socket and abandons the pending accepts. It is
// idempotent; calling it on a stopped or never-started instance is a no-op.
func (m *MultiListener) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	close(m.done)
	for _, ln := range m.listeners {
		_ = ln.Close()
	}
	m.listeners = nil
	m.results = nil
	m.done = nil
	m.started = false
	m.accepting = false
	m.port.Store(0)
}

// Port reports the effective bound port, or 0 before Start and after Stop.
func (m *MultiListener) Port() int {
	return int(m.port.Load())
}

// Addrs reports the bound listener addresses.
func (m *MultiListener) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]net.Addr, 0, len(m.listeners))
	for _, ln := range m.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}
