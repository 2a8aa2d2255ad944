package listener

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/40three/ftpserver/resolver"
)

// multiLoopback resolves the fake host "multi" to three loopback aliases.
// Only Linux routes 127.0.0.0/8 aliases without prior interface setup.
var multiLoopback = resolver.Static{
	"multi": {
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("127.0.0.2"),
		netip.MustParseAddr("127.0.0.3"),
	},
}

func requireLoopbackAliases(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("needs routable loopback aliases")
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{Host: ""})
	assert.Error(t, err)

	_, err = New(Config{Host: "127.0.0.1", Port: 70000})
	assert.Error(t, err)

	m, err := New(Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Port())
}

func TestMultiListener_SamePortAcrossAddresses(t *testing.T) {
	requireLoopbackAliases(t)

	m, err := New(Config{Host: "multi", Port: 0, Resolver: multiLoopback})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	port := m.Port()
	require.Greater(t, port, 0)

	addrs := m.Addrs()
	require.Len(t, addrs, 3)
	for _, addr := range addrs {
		assert.Equal(t, port, addr.(*net.TCPAddr).Port)
	}
}

func TestMultiListener_AtomicRollback(t *testing.T) {
	requireLoopbackAliases(t)

	// Occupy 127.0.0.2 on a concrete port so the second bind fails.
	blocker, err := net.Listen("tcp", "127.0.0.2:0")
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.Addr().(*net.TCPAddr).Port

	m, err := New(Config{
		Host: "multi",
		Port: port,
		Resolver: resolver.Static{"multi": {
			netip.MustParseAddr("127.0.0.1"),
			netip.MustParseAddr("127.0.0.2"),
		}},
	})
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, netip.MustParseAddr("127.0.0.2"), bindErr.Addr)
	assert.Equal(t, port, bindErr.Port)
	assert.Equal(t, 0, m.Port())

	// The first listener must have been rolled back with the failure.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "port must be free again after a failed start")
	ln.Close()
}

func TestMultiListener_FanIn(t *testing.T) {
	requireLoopbackAliases(t)

	m, err := New(Config{Host: "multi", Port: 0, Resolver: multiLoopback})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.BeginAccepting()

	port := strconv.Itoa(m.Port())
	hosts := []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"}

	dial := func(host string) net.Conn {
		t.Helper()
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 5*time.Second)
		require.NoError(t, err)
		return conn
	}
	wait := func() net.Conn {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := m.WaitForNextClient(ctx)
		require.NoError(t, err)
		return conn
	}

	var conns []net.Conn
	for i := 0; i < 5; i++ {
		conns = append(conns, dial(hosts[i%len(hosts)]))
	}
	for i := 0; i < 5; i++ {
		conns = append(conns, wait())
	}

	// Every address must still have a live pending accept.
	for _, host := range hosts {
		conns = append(conns, dial(host))
	}
	for range hosts {
		conns = append(conns, wait())
	}

	for _, conn := range conns {
		conn.Close()
	}
}

func TestMultiListener_CancelWait(t *testing.T) {
	m, err := New(Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.BeginAccepting()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.WaitForNextClient(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Cancellation must not have consumed the pending accept.
	conn, err := net.DialTimeout("tcp", m.Addrs()[0].String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	accepted, err := m.WaitForNextClient(waitCtx)
	require.NoError(t, err)
	accepted.Close()
}

func TestMultiListener_StopStart(t *testing.T) {
	m, err := New(Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	m.BeginAccepting()
	m.Stop()
	m.Stop() // idempotent
	assert.Equal(t, 0, m.Port())

	_, err = m.WaitForNextClient(context.Background())
	assert.Error(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.BeginAccepting()
	require.Greater(t, m.Port(), 0)

	conn, err := net.DialTimeout("tcp", m.Addrs()[0].String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accepted, err := m.WaitForNextClient(ctx)
	require.NoError(t, err)
	accepted.Close()
}

func TestMultiListener_StartTwice(t *testing.T) {
	m, err := New(Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Error(t, m.Start(context.Background()))
}

func TestMultiListener_ResolveFailure(t *testing.T) {
	m, err := New(Config{Host: "nowhere", Resolver: resolver.Static{}})
	require.NoError(t, err)

	err = m.Start(context.Background())
	assert.ErrorIs(t, err, resolver.ErrNoAddress)
}
