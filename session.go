package ftpserver

import (
	"net"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/40three/ftpserver/transfer"
)

// Session is one control connection and the passive data channel it may
// have open. At most one passive channel exists per session; negotiating a
// new one closes the previous first.
type Session struct {
	id     uuid.UUID
	conn   net.Conn
	server *Server

	mu   sync.Mutex
	data *transfer.Passive
}

func newSession(conn net.Conn, server *Server) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Session{id: id, conn: conn, server: server}, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Conn() net.Conn {
	return s.conn
}

// OpenPassive leases a data port from the shared pool and binds the
// session's passive listener on the local address of the control channel.
// requested may be 0 for any free port. Pool exhaustion surfaces as
// transfer.ErrNoPortAvailable.
func (s *Session) OpenPassive(requested uint16) (*transfer.Passive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil {
		_ = s.data.Close()
		s.data = nil
	}

	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	data, err := transfer.OpenPassive(s.server.pool, host, requested)
	if err != nil {
		return nil, err
	}
	s.data = data
	return data, nil
}

// ClosePassive tears down the passive data channel, returning its port to
// the pool. A session without an open channel is a no-op.
func (s *Session) ClosePassive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}
	err := s.data.Close()
	s.data = nil
	return err
}

// Close tears down the data channel and the control connection.
func (s *Session) Close() error {
	err := s.ClosePassive()
	if cErr := s.conn.Close(); err == nil {
		err = cErr
	}
	return err
}
