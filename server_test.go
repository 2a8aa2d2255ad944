package ftpserver

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/40three/ftpserver/config"
)

type passiveHandler struct {
	ports chan uint16
	errs  chan error
}

func (h *passiveHandler) HandleSession(ctx context.Context, s *Session) {
	data, err := s.OpenPassive(0)
	if err != nil {
		h.errs <- err
		return
	}
	h.ports <- data.Port()

	conn, err := data.WaitConn(ctx)
	if err != nil {
		h.errs <- err
		return
	}
	conn.Close()
	h.errs <- s.ClosePassive()
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Passive.MinPort = 47400
	cfg.Passive.MaxPort = 47419
	return cfg
}

func TestServer_PassiveRoundTrip(t *testing.T) {
	handler := &passiveHandler{
		ports: make(chan uint16, 1),
		errs:  make(chan error, 2),
	}
	srv, err := New(testConfig(), handler)
	require.NoError(t, err)

	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()
	require.Greater(t, srv.Port(), 0)

	control, err := net.DialTimeout("tcp", srv.control.Addrs()[0].String(), 5*time.Second)
	require.NoError(t, err)
	defer control.Close()

	var port uint16
	select {
	case port = <-handler.ports:
	case err := <-handler.errs:
		t.Fatalf("passive open failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the passive port")
	}

	assert.GreaterOrEqual(t, port, uint16(47400))
	assert.LessOrEqual(t, port, uint16(47419))
	assert.Equal(t, srv.pool.Size()-1, srv.pool.Free())

	data, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", portString(port)), 5*time.Second)
	require.NoError(t, err)
	data.Close()

	select {
	case err := <-handler.errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the transfer to finish")
	}
	assert.Equal(t, srv.pool.Size(), srv.pool.Free(), "port must be back in the pool")
}

func TestServer_StopClosesSessions(t *testing.T) {
	srv, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	control, err := net.DialTimeout("tcp", srv.control.Addrs()[0].String(), 5*time.Second)
	require.NoError(t, err)
	defer control.Close()

	// Give the accept loop a moment to register the session.
	require.Eventually(t, func() bool {
		return srv.sessions.Size() == 1
	}, 5*time.Second, 10*time.Millisecond)

	srv.Stop()
	assert.Equal(t, 0, srv.Port())

	control.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = control.Read(buf)
	assert.Error(t, err, "control connection must be closed by Stop")
}

func TestServer_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Passive.MinPort = 0

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}
