package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrStreamReset is observed by the reader of a pipe stream whose writer called Reset.
var ErrStreamReset = errors.New("transport: stream reset")

// pipeLink is the state shared by both ends of a PipeConn pair.
type pipeLink struct {
	mu        sync.Mutex
	streams   map[*pipeRecvStream]struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *pipeLink) track(s *pipeRecvStream) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return false
	default:
	}
	l.streams[s] = struct{}{}
	return true
}

func (l *pipeLink) untrack(s *pipeRecvStream) {
	l.mu.Lock()
	delete(l.streams, s)
	l.mu.Unlock()
}

func (l *pipeLink) close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.closed)
		streams := l.streams
		l.streams = nil
		l.mu.Unlock()
		for s := range streams {
			s.fail(ErrConnClosed)
		}
	})
}

// PipeConn is an in-memory Conn for tests. Streams opened on one end are accepted
// on the other. Closing either end closes both.
type PipeConn struct {
	local    peer.ID
	remote   peer.ID
	link     *pipeLink
	peer     *PipeConn
	incoming chan RecvStream
}

var _ Conn = (*PipeConn)(nil)

// NewPipeConnPair creates a connected pair of PipeConns for peers a and b.
func NewPipeConnPair(a, b peer.ID) (*PipeConn, *PipeConn) {
	link := &pipeLink{
		streams: make(map[*pipeRecvStream]struct{}),
		closed:  make(chan struct{}),
	}
	ca := &PipeConn{local: a, remote: b, link: link, incoming: make(chan RecvStream, 16)}
	cb := &PipeConn{local: b, remote: a, link: link, incoming: make(chan RecvStream, 16)}
	ca.peer = cb
	cb.peer = ca
	return ca, cb
}

// OpenUniStream creates a new stream; the remote end receives it from AcceptUniStream.
func (c *PipeConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.link.closed:
		return nil, ErrConnClosed
	default:
	}

	pr, pw := io.Pipe()
	recv := &pipeRecvStream{pr: pr, link: c.link}
	if !c.link.track(recv) {
		return nil, ErrConnClosed
	}

	select {
	case c.peer.incoming <- recv:
		return &pipeSendStream{pw: pw}, nil
	case <-c.link.closed:
		recv.fail(ErrConnClosed)
		return nil, ErrConnClosed
	case <-ctx.Done():
		recv.fail(ctx.Err())
		c.link.untrack(recv)
		return nil, ctx.Err()
	}
}

// AcceptUniStream waits for a stream opened by the remote end.
func (c *PipeConn) AcceptUniStream(ctx context.Context) (RecvStream, error) {
	select {
	case <-c.link.closed:
		return nil, ErrConnClosed
	default:
	}

	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.link.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemotePeer returns the identity given for the other end at construction.
func (c *PipeConn) RemotePeer() peer.ID {
	return c.remote
}

// RemoteAddr returns a synthetic address naming the remote peer.
func (c *PipeConn) RemoteAddr() string {
	return "pipe:" + c.remote.String()
}

// Close closes both ends and fails any stream still in flight.
func (c *PipeConn) Close() error {
	c.link.close()
	return nil
}

type pipeSendStream struct {
	pw *io.PipeWriter
}

func (s *pipeSendStream) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	if errors.Is(err, io.ErrClosedPipe) {
		return n, ErrStreamClosed
	}
	return n, err
}

func (s *pipeSendStream) Close() error {
	return s.pw.Close()
}

func (s *pipeSendStream) Reset() error {
	return s.pw.CloseWithError(ErrStreamReset)
}

// pipeRecvStream reports the error that ended it, such as a closed connection or
// an expired deadline, on every later Read.
type pipeRecvStream struct {
	pr   *io.PipeReader
	link *pipeLink

	mu    sync.Mutex
	err   error
	timer *time.Timer
}

func (s *pipeRecvStream) Read(p []byte) (int, error) {
	n, err := s.pr.Read(p)
	if err != nil {
		s.mu.Lock()
		if s.err != nil {
			err = s.err
		}
		s.mu.Unlock()
	}
	return n, err
}

// fail ends the stream with err for both the reader and the writer. The first
// error wins.
func (s *pipeRecvStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	err = s.err
	s.mu.Unlock()
	s.pr.CloseWithError(err)
}

func (s *pipeRecvStream) Close() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.link.untrack(s)
	return s.pr.Close()
}

func (s *pipeRecvStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if t.IsZero() {
		return nil
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, func() {
		s.fail(os.ErrDeadlineExceeded)
	})
	return nil
}
