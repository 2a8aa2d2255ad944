// Package transfer holds the data-channel plumbing a session needs when a
// client negotiates passive mode: lease a pool port, bind a private data
// listener on it, and give the port back when the channel closes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/40three/ftpserver/log"
	"github.com/40three/ftpserver/portpool"
)

// ErrNoPortAvailable signals that no eligible pool port is free. Sessions
// report it to their client as a transient failure of the passive request,
// never as a server fault.
var ErrNoPortAvailable = errors.New("no passive port available")

// Passive is one passive-mode data channel: a leased pool port with a
// private listener bound to it.
type Passive struct {
	pool *portpool.Pool
	port uint16
	ln   net.Listener
	once sync.Once
}

// OpenPassive leases a port from the pool (requested may be 0 for any free
// port) and binds a data listener on host. The lease is rolled back if the
// bind fails, so a failed open never consumes a port.
func OpenPassive(pool *portpool.Pool, host string, requested uint16) (*Passive, error) {
	port, ok := pool.Lease(requested)
	if !ok {
		return nil, ErrNoPortAvailable
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		if rErr := pool.Return(port); rErr != nil {
			log.Errorf("return port %d: %v", port, rErr)
		}
		return nil, fmt.Errorf("bind data listener on port %d: %w", port, err)
	}
	log.Debugf("passive listen %s", ln.Addr())
	return &Passive{pool: pool, port: port, ln: ln}, nil
}

// Port reports the leased data port.
func (p *Passive) Port() uint16 { return p.port }

// Addr reports the bound data listener address.
func (p *Passive) Addr() net.Addr { return p.ln.Addr() }

// WaitConn accepts the single data connection for this transfer. When ctx
// fires first the data listener is closed and the context error returned.
func (p *Passive) WaitConn(ctx context.Context) (net.Conn, error) {
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := p.ln.Accept()
		ch <- accepted{conn, err}
	}()

	select {
	case <-ctx.Done():
		_ = p.ln.Close()
		if a := <-ch; a.conn != nil {
			_ = a.conn.Close()
		}
		return nil, ctx.Err()
	case a := <-ch:
		return a.conn, a.err
	}
}

// Close shuts the data listener and hands the port back to the pool. Safe to
// call more than once; the port is returned exactly once.
func (p *Passive) Close() error {
	var err error
	p.once.Do(func() {
		err = p.ln.Close()
		if rErr := p.pool.Return(p.port); rErr != nil {
			log.Errorf("return port %d: %v", p.port, rErr)
			if err == nil {
				err = rErr
			}
		}
	})
	return err
}
