package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/libp2p/go-libp2p/core/peer"
)

// YamuxConn carries unidirectional streams over a *yamux.Session. yamux streams are
// bidirectional; the opener writes and half-closes, the acceptor only reads.
//
// yamux does not authenticate the remote end, so the caller supplies the peer
// identity it established out of band.
type YamuxConn struct {
	sess   *yamux.Session
	conn   io.Closer
	remote peer.ID
}

var _ Conn = (*YamuxConn)(nil)

// NewYamuxClientConn creates the client side of a yamux Conn over rwc.
func NewYamuxClientConn(rwc io.ReadWriteCloser, remote peer.ID) (*YamuxConn, error) {
	sess, err := yamux.Client(rwc, defaultYamuxConfig())
	if err != nil {
		return nil, err
	}
	return &YamuxConn{sess: sess, conn: rwc, remote: remote}, nil
}

// NewYamuxServerConn creates the server side of a yamux Conn over rwc.
func NewYamuxServerConn(rwc io.ReadWriteCloser, remote peer.ID) (*YamuxConn, error) {
	sess, err := yamux.Server(rwc, defaultYamuxConfig())
	if err != nil {
		return nil, err
	}
	return &YamuxConn{sess: sess, conn: rwc, remote: remote}, nil
}

func defaultYamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	cfg.MaxStreamWindowSize = 16 * 1024 * 1024 // 16MB, one full message fits in the window
	cfg.StreamOpenTimeout = 75 * time.Second
	cfg.StreamCloseTimeout = 5 * time.Minute
	return cfg
}

// OpenUniStream opens a yamux stream used for writing only.
// yamux does not take a context when opening; it is checked before the call.
func (c *YamuxConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s, err := c.sess.OpenStream()
	if err != nil {
		return nil, c.mapErr(err)
	}
	return &yamuxSendStream{s: s}, nil
}

// AcceptUniStream waits for the next stream opened by the remote end.
func (c *YamuxConn) AcceptUniStream(ctx context.Context) (RecvStream, error) {
	s, err := c.sess.AcceptStreamWithContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.mapErr(err)
	}
	return s, nil
}

// RemotePeer returns the identity supplied at construction.
func (c *YamuxConn) RemotePeer() peer.ID {
	return c.remote
}

// RemoteAddr returns the remote address of the underlying connection, if known.
func (c *YamuxConn) RemoteAddr() string {
	if addr := c.sess.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close terminates the yamux session and the underlying transport.
func (c *YamuxConn) Close() error {
	err1 := c.sess.Close()
	var err2 error
	if c.conn != nil {
		err2 = c.conn.Close()
	}
	return errors.Join(err1, err2)
}

// mapErr reports any failure on a shut down session as ErrConnClosed. A session
// torn down by its transport fails with the transport's error instead of
// yamux.ErrSessionShutdown.
func (c *YamuxConn) mapErr(err error) error {
	if errors.Is(err, yamux.ErrSessionShutdown) || c.sess.IsClosed() {
		return ErrConnClosed
	}
	return err
}

type yamuxSendStream struct {
	s *yamux.Stream
}

func (w *yamuxSendStream) Write(p []byte) (int, error) {
	return w.s.Write(p)
}

// Close half-closes the stream; the reader sees EOF after the buffered data.
func (w *yamuxSendStream) Close() error {
	return w.s.Close()
}

// Reset has no yamux equivalent; a write deadline in the past fails pending writes
// and Close tears the stream down.
func (w *yamuxSendStream) Reset() error {
	_ = w.s.SetWriteDeadline(time.Now())
	return w.s.Close()
}
