package transport

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockHosts(t *testing.T, n int) []host.Host {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	hosts := make([]host.Host, n)
	for i := range hosts {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		hosts[i] = h
	}
	require.NoError(t, mn.LinkAll())
	return hosts
}

func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

func TestEndpointDialAndAccept(t *testing.T) {
	hosts := newMockHosts(t, 2)
	dialer := NewEndpoint(hosts[0])
	listener := NewEndpoint(hosts[1])
	t.Cleanup(func() {
		_ = dialer.Close()
		_ = listener.Close()
	})

	inbound := make(chan Conn, 1)
	listener.SetConnHandler(func(c Conn) { inbound <- c })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := dialer.Dial(ctx, addrInfo(hosts[1]))
	require.NoError(t, err)
	assert.Equal(t, hosts[1].ID(), out.RemotePeer())

	var in Conn
	select {
	case in = <-inbound:
	case <-ctx.Done():
		t.Fatal("connection handler was not called")
	}
	assert.Equal(t, hosts[0].ID(), in.RemotePeer())

	exerciseConn(t, out, in)
	exerciseConn(t, in, out)
}

func TestEndpointConnHandlerRunsOncePerPeer(t *testing.T) {
	const streams = 3

	hosts := newMockHosts(t, 2)
	dialer := NewEndpoint(hosts[0])
	listener := NewEndpoint(hosts[1])
	t.Cleanup(func() {
		_ = dialer.Close()
		_ = listener.Close()
	})

	inbound := make(chan Conn, 4)
	listener.SetConnHandler(func(c Conn) { inbound <- c })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := dialer.Dial(ctx, addrInfo(hosts[1]))
	require.NoError(t, err)

	var in Conn
	select {
	case in = <-inbound:
	case <-ctx.Done():
		t.Fatal("connection handler was not called")
	}

	// Finishing a stream waits for the remote end to read it, so receive concurrently.
	received := make(chan []byte, streams)
	go func() {
		for i := 0; i < streams; i++ {
			r, err := in.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			data, _ := io.ReadAll(r)
			_ = r.Close()
			received <- data
		}
	}()

	for i := 0; i < streams; i++ {
		w, err := out.OpenUniStream(ctx)
		require.NoError(t, err)
		_, err = w.Write([]byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	got := make(map[byte]bool)
	for i := 0; i < streams; i++ {
		select {
		case data := <-received:
			require.Len(t, data, 1)
			got[data[0]] = true
		case <-ctx.Done():
			t.Fatal("streams were not received")
		}
	}
	assert.Len(t, got, streams)
	assert.Empty(t, inbound)
}

func TestEndpointDialRequiresProtocol(t *testing.T) {
	hosts := newMockHosts(t, 2)
	dialer := NewEndpoint(hosts[0])
	t.Cleanup(func() { _ = dialer.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := dialer.Dial(ctx, addrInfo(hosts[1]))
	assert.Error(t, err)
}

func TestFailedRedialKeepsExistingConn(t *testing.T) {
	hosts := newMockHosts(t, 2)
	dialer := NewEndpoint(hosts[0])
	listener := NewEndpoint(hosts[1])
	t.Cleanup(func() {
		_ = dialer.Close()
		_ = listener.Close()
	})

	inbound := make(chan Conn, 1)
	listener.SetConnHandler(func(c Conn) { inbound <- c })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := dialer.Dial(ctx, addrInfo(hosts[1]))
	require.NoError(t, err)
	in := <-inbound

	hosts[1].RemoveStreamHandler(OpenProtocolID)
	_, err = dialer.Dial(ctx, addrInfo(hosts[1]))
	require.Error(t, err)

	exerciseConn(t, out, in)
}

func TestEndpointDialSelf(t *testing.T) {
	hosts := newMockHosts(t, 1)
	e := NewEndpoint(hosts[0])
	t.Cleanup(func() { _ = e.Close() })

	_, err := e.Dial(context.Background(), addrInfo(hosts[0]))
	assert.Error(t, err)
}

func TestEndpointCloseEndsConns(t *testing.T) {
	hosts := newMockHosts(t, 2)
	dialer := NewEndpoint(hosts[0])
	listener := NewEndpoint(hosts[1])
	t.Cleanup(func() { _ = listener.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := dialer.Dial(ctx, addrInfo(hosts[1]))
	require.NoError(t, err)

	require.NoError(t, dialer.Close())
	_, err = out.AcceptUniStream(ctx)
	assert.ErrorIs(t, err, ErrConnClosed)
	_, err = out.OpenUniStream(ctx)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	ephemeral, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	assert.False(t, first.Equals(ephemeral))
}

func TestBindLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	cfg := EndpointConfig{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := Bind(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	b, err := Bind(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	inbound := make(chan Conn, 1)
	b.SetConnHandler(func(c Conn) { inbound <- c })

	out, err := a.Dial(ctx, b.AddrInfo())
	require.NoError(t, err)
	exerciseConn(t, out, <-inbound)
	assert.NotEmpty(t, out.RemoteAddr())
}
