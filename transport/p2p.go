package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog/log"
)

const (
	// ProtocolID identifies message streams of the session protocol.
	ProtocolID protocol.ID = "/sendme/session/1"
	// OpenProtocolID identifies the handshake stream a dialer opens so the listener
	// learns about the connection before the first message arrives.
	OpenProtocolID protocol.ID = ProtocolID + "/open"

	openAckTimeout   = 10 * time.Second
	incomingCapacity = 64
)

var openAck = []byte{1}

// EndpointConfig configures a libp2p endpoint created by Bind.
type EndpointConfig struct {
	// Identity is the host key. A fresh ed25519 key is generated when nil.
	Identity crypto.PrivKey
	// ListenAddrs are multiaddrs to listen on. Defaults to ephemeral TCP and QUIC ports.
	ListenAddrs []string
	// EnableRelay turns on circuit relay for peers behind NATs.
	EnableRelay bool
}

// DefaultListenAddrs returns TCP and QUIC listen multiaddrs on the given port.
func DefaultListenAddrs(port int) []string {
	return []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", port),
	}
}

// MakeHost builds a libp2p host with the transports, NAT traversal and security
// the session protocol expects.
func MakeHost(cfg EndpointConfig) (host.Host, error) {
	addrs := cfg.ListenAddrs
	if len(addrs) == 0 {
		addrs = DefaultListenAddrs(0)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addrs...),
		libp2p.DefaultTransports, // TCP+QUIC
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),   // AutoNAT helper
		libp2p.EnableHolePunching(), // DCUtR
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	return libp2p.New(opts...)
}

// LoadOrCreateIdentity reads a marshaled libp2p private key from path, creating and
// persisting a new ed25519 key when the file does not exist. An empty path yields an
// ephemeral key.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			priv, err := crypto.UnmarshalPrivateKey(raw)
			if err != nil {
				return nil, fmt.Errorf("decode identity %s: %w", path, err)
			}
			return priv, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read identity %s: %w", path, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if path == "" {
		return priv, nil
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write identity %s: %w", path, err)
	}
	return priv, nil
}

// Endpoint exposes session connections over a libp2p host. Each remote peer maps to
// one Conn; message streams negotiated with ProtocolID are queued on that Conn.
type Endpoint struct {
	h        host.Host
	ownsHost bool
	notifiee *network.NotifyBundle

	mu      sync.Mutex
	conns   map[peer.ID]*p2pConn
	handler func(Conn)
	closed  bool
}

// Bind creates a libp2p host from cfg and wraps it in an Endpoint that owns it.
func Bind(ctx context.Context, cfg EndpointConfig) (*Endpoint, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	h, err := MakeHost(cfg)
	if err != nil {
		return nil, err
	}
	e := NewEndpoint(h)
	e.ownsHost = true
	return e, nil
}

// NewEndpoint registers the session protocol handlers on an existing host.
// The host stays owned by the caller.
func NewEndpoint(h host.Host) *Endpoint {
	e := &Endpoint{
		h:     h,
		conns: make(map[peer.ID]*p2pConn),
	}
	e.notifiee = &network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			e.handleDisconnect(c.RemotePeer())
		},
	}
	h.Network().Notify(e.notifiee)
	h.SetStreamHandler(OpenProtocolID, e.handleOpen)
	h.SetStreamHandler(ProtocolID, e.handleStream)
	return e
}

// SetConnHandler installs fn as the callback for connections initiated by remote
// peers. fn runs on its own goroutine once per new remote peer.
func (e *Endpoint) SetConnHandler(fn func(Conn)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Host returns the underlying libp2p host.
func (e *Endpoint) Host() host.Host {
	return e.h
}

// AddrInfo returns the identity and listen addresses peers can dial.
func (e *Endpoint) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: e.h.ID(), Addrs: e.h.Addrs()}
}

// Dial connects to the peer in ai and completes the open handshake. Dial fails when
// the peer does not speak the session protocol.
func (e *Endpoint) Dial(ctx context.Context, ai peer.AddrInfo) (Conn, error) {
	if ai.ID == e.h.ID() {
		return nil, fmt.Errorf("dial %s: cannot dial self", ai.ID)
	}
	if err := e.h.Connect(ctx, ai); err != nil {
		return nil, fmt.Errorf("connect %s: %w", ai.ID, err)
	}

	c, created, err := e.connFor(ai.ID)
	if err != nil {
		return nil, err
	}

	if err := e.openHandshake(ctx, ai.ID); err != nil {
		// An existing Conn belongs to a live session and stays up.
		if created {
			e.forget(c)
			c.shutdown()
		}
		return nil, err
	}
	return c, nil
}

func (e *Endpoint) openHandshake(ctx context.Context, id peer.ID) error {
	streamCtx := network.WithAllowLimitedConn(ctx, "sendme-session")
	s, err := e.h.NewStream(streamCtx, id, OpenProtocolID)
	if err != nil {
		return fmt.Errorf("open session with %s: %w", id, err)
	}
	defer s.Close()

	_ = s.SetDeadline(time.Now().Add(openAckTimeout))
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return fmt.Errorf("close open write: %w", err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(s, ack[:]); err != nil {
		_ = s.Reset()
		return fmt.Errorf("read open ack: %w", err)
	}
	return nil
}

// Close closes every session connection and, when owned, the host.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*p2pConn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[peer.ID]*p2pConn)
	e.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	e.h.RemoveStreamHandler(OpenProtocolID)
	e.h.RemoveStreamHandler(ProtocolID)
	e.h.Network().StopNotify(e.notifiee)
	if e.ownsHost {
		return e.h.Close()
	}
	return nil
}

// connFor returns the Conn for id, creating it when absent. created reports whether
// this call created it.
func (e *Endpoint) connFor(id peer.ID) (c *p2pConn, created bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrConnClosed
	}
	if c, ok := e.conns[id]; ok {
		return c, false, nil
	}
	c = &p2pConn{
		e:        e,
		remote:   id,
		incoming: make(chan network.Stream, incomingCapacity),
		closed:   make(chan struct{}),
	}
	e.conns[id] = c
	return c, true, nil
}

func (e *Endpoint) forget(c *p2pConn) {
	e.mu.Lock()
	if cur, ok := e.conns[c.remote]; ok && cur == c {
		delete(e.conns, c.remote)
	}
	e.mu.Unlock()
}

func (e *Endpoint) accepted(s network.Stream) (*p2pConn, bool) {
	remote := s.Conn().RemotePeer()
	c, created, err := e.connFor(remote)
	if err != nil {
		_ = s.Reset()
		return nil, false
	}
	if created {
		e.mu.Lock()
		handler := e.handler
		e.mu.Unlock()
		log.Debug().Str("peer", remote.String()).Msg("[Endpoint] New session connection")
		if handler != nil {
			go handler(c)
		}
	}
	return c, true
}

func (e *Endpoint) handleOpen(s network.Stream) {
	if _, ok := e.accepted(s); !ok {
		return
	}
	_ = s.SetWriteDeadline(time.Now().Add(openAckTimeout))
	if _, err := s.Write(openAck); err != nil {
		log.Debug().Err(err).Msg("[Endpoint] Failed to ack open stream")
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

func (e *Endpoint) handleStream(s network.Stream) {
	c, ok := e.accepted(s)
	if !ok {
		return
	}
	c.push(s)
}

func (e *Endpoint) handleDisconnect(id peer.ID) {
	if e.h.Network().Connectedness(id) == network.Connected {
		return
	}
	e.mu.Lock()
	c, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.mu.Unlock()
	if ok {
		log.Debug().Str("peer", id.String()).Msg("[Endpoint] Peer disconnected")
		c.shutdown()
	}
}

type p2pConn struct {
	e         *Endpoint
	remote    peer.ID
	incoming  chan network.Stream
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*p2pConn)(nil)

func (c *p2pConn) push(s network.Stream) {
	select {
	case c.incoming <- s:
	case <-c.closed:
		_ = s.Reset()
	}
}

func (c *p2pConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *p2pConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}
	streamCtx := network.WithAllowLimitedConn(ctx, "sendme-session")
	s, err := c.e.h.NewStream(streamCtx, c.remote, ProtocolID)
	if err != nil {
		return nil, err
	}
	return &p2pSendStream{s: s}, nil
}

func (c *p2pConn) AcceptUniStream(ctx context.Context) (RecvStream, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *p2pConn) RemotePeer() peer.ID {
	return c.remote
}

func (c *p2pConn) RemoteAddr() string {
	conns := c.e.h.Network().ConnsToPeer(c.remote)
	if len(conns) == 0 {
		return ""
	}
	return conns[0].RemoteMultiaddr().String()
}

func (c *p2pConn) Close() error {
	c.e.forget(c)
	c.shutdown()
	return c.e.h.Network().ClosePeer(c.remote)
}

type p2pSendStream struct {
	s network.Stream
}

func (w *p2pSendStream) Write(p []byte) (int, error) {
	return w.s.Write(p)
}

func (w *p2pSendStream) Close() error {
	if err := w.s.CloseWrite(); err != nil {
		_ = w.s.Reset()
		return err
	}
	return w.s.Close()
}

func (w *p2pSendStream) Reset() error {
	return w.s.Reset()
}
