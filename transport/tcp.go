package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rs/zerolog/log"
)

// TCP mode runs yamux directly over plain TCP. Neither end is authenticated or
// encrypted, so a peer is identified by its address.

// TCPListener accepts TCP connections and wraps each in a YamuxConn.
type TCPListener struct {
	ln manet.Listener
}

// ListenTCP listens on a TCP multiaddr such as /ip4/127.0.0.1/tcp/4000.
func ListenTCP(addr string) (*TCPListener, error) {
	maddr, err := tcpMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	ln, err := manet.Listen(maddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Multiaddr returns the bound listen address.
func (l *TCPListener) Multiaddr() ma.Multiaddr {
	return l.ln.Multiaddr()
}

// Serve accepts connections until ctx ends or the listener is closed. handler runs
// on its own goroutine once per connection.
func (l *TCPListener) Serve(ctx context.Context, handler func(Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		remote := c.RemoteMultiaddr()
		conn, err := NewYamuxServerConn(c, tcpPeerID(remote))
		if err != nil {
			log.Warn().Err(err).Str("remote", remote.String()).Msg("[TCP] Failed to start yamux session")
			_ = c.Close()
			continue
		}
		log.Debug().Str("remote", remote.String()).Msg("[TCP] Accepted connection")
		go handler(conn)
	}
}

// Close stops accepting connections. Connections already handed out stay open.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// TCPDialer connects to the TCP addresses of a peer and runs yamux over the first
// one that answers.
type TCPDialer struct {
	d manet.Dialer
}

func (t *TCPDialer) Dial(ctx context.Context, ai peer.AddrInfo) (Conn, error) {
	if len(ai.Addrs) == 0 {
		return nil, fmt.Errorf("dial %s: no addresses", ai.ID)
	}

	var errs []error
	for _, addr := range ai.Addrs {
		c, err := t.d.DialContext(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn, err := NewYamuxClientConn(c, ai.ID)
		if err != nil {
			_ = c.Close()
			errs = append(errs, err)
			continue
		}
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

// Close is a no-op; a TCPDialer holds no resources between dials.
func (t *TCPDialer) Close() error {
	return nil
}

// ParseTCPTicket resolves the address printed by a TCP listener.
func ParseTCPTicket(s string) (peer.AddrInfo, error) {
	maddr, err := tcpMultiaddr(strings.TrimSpace(s))
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return peer.AddrInfo{ID: tcpPeerID(maddr), Addrs: []ma.Multiaddr{maddr}}, nil
}

func tcpMultiaddr(s string) (ma.Multiaddr, error) {
	maddr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", s, err)
	}
	if _, err := maddr.ValueForProtocol(ma.P_TCP); err != nil {
		return nil, fmt.Errorf("address %q is not a tcp address", s)
	}
	return maddr, nil
}

// tcpPeerID names an unauthenticated peer after its address.
func tcpPeerID(addr ma.Multiaddr) peer.ID {
	return peer.ID(addr.String())
}
