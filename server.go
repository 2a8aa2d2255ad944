// Package ftpserver wires the network-acceptance core of the FTP server:
// the multi-address control listener, the passive port pool shared by every
// session, and the session lifecycle around them.
package ftpserver

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gofrs/uuid/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/40three/ftpserver/config"
	"github.com/40three/ftpserver/listener"
	"github.com/40three/ftpserver/log"
	"github.com/40three/ftpserver/portpool"
	"github.com/40three/ftpserver/resolver"
)

// SessionHandler drives the protocol conversation on an accepted control
// connection. The command loop lives outside this core; it reaches back into
// the session only for the passive data-channel plumbing.
type SessionHandler interface {
	HandleSession(ctx context.Context, s *Session)
}

// Server owns the control-channel accept loop and the passive port pool.
type Server struct {
	cfg     *config.Config
	handler SessionHandler

	control  *listener.MultiListener
	pool     *portpool.Pool
	sessions *xsync.MapOf[uuid.UUID, *Session]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Server from the given configuration. A nil handler keeps
// accepted control connections open until the client hangs up, which is
// enough for exercising the acceptance core on its own.
func New(cfg *config.Config, handler SessionHandler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = discardHandler{}
	}

	pool, err := portpool.New(cfg.Passive.MinPort, cfg.Passive.MaxPort)
	if err != nil {
		return nil, err
	}

	res, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}

	control, err := listener.New(listener.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Resolver: res,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		handler:  handler,
		control:  control,
		pool:     pool,
		sessions: xsync.NewMapOf[uuid.UUID, *Session](),
	}, nil
}

func newResolver(cfg *config.Config) (resolver.Resolver, error) {
	if len(cfg.Nameservers) > 0 {
		return resolver.NewClient(cfg.Nameservers)
	}
	return resolver.System{}, nil
}

// Start binds the control listeners and runs the accept loop until the
// context is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	log.SetLevel(s.cfg.LogLevel)

	if err := s.control.Start(ctx); err != nil {
		return err
	}
	s.control.BeginAccepting()
	log.Infof("control channel on %s port %d", s.cfg.Host, s.control.Port())

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		return s.acceptLoop(ctx)
	})
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.control.WaitForNextClient(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		sess, err := newSession(conn, s)
		if err != nil {
			_ = conn.Close()
			log.Errorf("session setup: %v", err)
			continue
		}
		s.sessions.Store(sess.ID(), sess)
		log.Debugf("session %s from %s", sess.ID(), conn.RemoteAddr())

		go func() {
			defer func() {
				s.sessions.Delete(sess.ID())
				_ = sess.Close()
			}()
			s.handler.HandleSession(ctx, sess)
		}()
	}
}

// Port reports the effective control-channel port, 0 when not running.
func (s *Server) Port() int {
	return s.control.Port()
}

// Pool exposes the shared passive port pool.
func (s *Server) Pool() *portpool.Pool {
	return s.pool
}

// Stop shuts the control listeners, force-closes every live session and
// waits for the accept loop to drain. Idempotent.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.control.Stop()
	s.sessions.Range(func(_ uuid.UUID, sess *Session) bool {
		_ = sess.Close()
		return true
	})
	if s.group != nil {
		_ = s.group.Wait()
	}
	log.Info("server stopped")
}

type discardHandler struct{}

func (discardHandler) HandleSession(_ context.Context, s *Session) {
	_, _ = io.Copy(io.Discard, s.Conn())
}
