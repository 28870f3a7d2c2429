package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrConnClosed is returned when operating on a closed Conn.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrStreamClosed is returned when writing to a finished or reset stream.
	ErrStreamClosed = errors.New("transport: stream closed")
)

// Conn abstracts an authenticated, multiplexed connection to a single remote peer.
// Streams are unidirectional: the opener only writes, the acceptor only reads.
type Conn interface {
	// OpenUniStream creates a new send-only stream to the remote peer.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// AcceptUniStream blocks until the remote peer opens a stream, the connection
	// closes, or the context is canceled.
	AcceptUniStream(ctx context.Context) (RecvStream, error)

	// RemotePeer returns the authenticated identity of the remote peer.
	RemotePeer() peer.ID

	// RemoteAddr returns a printable form of the remote network address.
	RemoteAddr() string

	// Close terminates the connection and all of its streams.
	Close() error
}

// SendStream is the writing half of a unidirectional stream.
type SendStream interface {
	io.Writer

	// Close signals end of stream to the reader after all written data.
	Close() error

	// Reset aborts the stream; the reader observes an error instead of EOF.
	Reset() error
}

// RecvStream is the reading half of a unidirectional stream.
type RecvStream interface {
	io.ReadCloser

	// SetReadDeadline sets the deadline for future Read calls.
	// A zero value disables the deadline.
	SetReadDeadline(t time.Time) error
}
