// Package portpool hands out passive-mode data ports from a fixed,
// configured set and reclaims them when a transfer ends.
package portpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zhangyunhao116/fastrand"
)

var (
	// ErrNotInPool is returned when a port outside the configured set is handed back.
	ErrNotInPool = errors.New("port is not in the pool")
	// ErrNotLeased is returned when a port that is already free is handed back.
	ErrNotLeased = errors.New("port is not leased")
)

// Pool is a concurrency-safe allocator over a bounded set of port numbers.
// A port is leased by at most one caller at a time; the set of ports never
// grows or shrinks after construction.
type Pool struct {
	mu   sync.Mutex
	free []uint16
	pos  map[uint16]int // index into free, present only while a port is free
	all  map[uint16]struct{}
}

// New creates a Pool over the inclusive range [minPort, maxPort].
func New(minPort, maxPort uint16) (*Pool, error) {
	if minPort == 0 {
		return nil, fmt.Errorf("invalid passive port range %d-%d", minPort, maxPort)
	}
	if minPort > maxPort {
		return nil, fmt.Errorf("invalid passive port range %d-%d", minPort, maxPort)
	}
	ports := make([]uint16, 0, int(maxPort)-int(minPort)+1)
	for port := minPort; ; port++ {
		ports = append(ports, port)
		if port == maxPort {
			break
		}
	}
	return NewSet(ports)
}

// NewSet creates a Pool over an explicit set of ports. Duplicates are ignored.
func NewSet(ports []uint16) (*Pool, error) {
	if len(ports) == 0 {
		return nil, errors.New("empty passive port set")
	}
	p := &Pool{
		free: make([]uint16, 0, len(ports)),
		pos:  make(map[uint16]int, len(ports)),
		all:  make(map[uint16]struct{}, len(ports)),
	}
	for _, port := range ports {
		if port == 0 {
			return nil, errors.New("invalid passive port 0")
		}
		if _, dup := p.all[port]; dup {
			continue
		}
		p.all[port] = struct{}{}
		p.pos[port] = len(p.free)
		p.free = append(p.free, port)
	}
	return p, nil
}

// Lease reserves a port for the caller. A non-zero requested port is leased
// only if it belongs to the pool and is currently free. A requested port of
// zero picks uniformly at random among the free ports, so the sequence of
// handed-out ports is not predictable from outside.
//
// The second return value is false when no eligible port is available. That
// covers both pool exhaustion and a busy or out-of-pool requested port;
// exhaustion is an expected runtime state, not an error.
func (p *Pool) Lease(requested uint16) (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if requested != 0 {
		i, ok := p.pos[requested]
		if !ok {
			return 0, false
		}
		p.take(i)
		return requested, true
	}

	if len(p.free) == 0 {
		return 0, false
	}
	i := fastrand.Intn(len(p.free))
	port := p.free[i]
	p.take(i)
	return port, true
}

// Return hands a leased port back to the pool. Returning a port that is not
// part of the pool, or that is already free, reports a misuse error; it
// indicates a bookkeeping bug in the caller and never alters pool state.
func (p *Pool) Return(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.all[port]; !ok {
		return fmt.Errorf("%w: %d", ErrNotInPool, port)
	}
	if _, ok := p.pos[port]; ok {
		return fmt.Errorf("%w: %d", ErrNotLeased, port)
	}
	p.pos[port] = len(p.free)
	p.free = append(p.free, port)
	return nil
}

// Free reports how many ports are currently leasable.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size reports the fixed number of ports managed by the pool.
func (p *Pool) Size() int {
	return len(p.all)
}

// take removes free[i]; the caller holds mu.
func (p *Pool) take(i int) {
	port := p.free[i]
	last := len(p.free) - 1
	p.free[i] = p.free[last]
	p.pos[p.free[i]] = i
	p.free = p.free[:last]
	delete(p.pos, port)
}
