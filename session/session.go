// Package session implements the peer session protocol: typed messages framed one
// per unidirectional stream over a multiplexed transport connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sendme/transport"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateAccepted
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccepted:
		return "accepted"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config tunes sessions created by an Acceptor or by Connect.
type Config struct {
	// Sink receives session events. Nil drops them.
	Sink Sink
	// MaxInflight caps concurrently running stream receivers. Streams over the cap
	// wait in an unbounded queue. Zero means no cap.
	MaxInflight int
	// ReadTimeout bounds how long a receiver waits for a complete frame.
	// Zero waits until the stream ends.
	ReadTimeout time.Duration
	// OnSession is called by an Acceptor after a session is connected and before
	// it starts serving streams.
	OnSession func(*Session)
}

// Session is the state of one logical exchange with a peer. The peer identity and
// connection are assigned once; afterwards any number of goroutines may Send and
// dispatch concurrently.
type Session struct {
	id   string
	cfg  Config
	sink Sink

	mu    sync.RWMutex
	peer  peer.ID
	conn  transport.Conn
	owned io.Closer

	state      atomic.Int32
	done       chan struct{}
	doneOnce   sync.Once
	dispatcher *dispatcher
}

// NewSession creates an idle session.
func NewSession(cfg Config) *Session {
	RegisterMetrics()
	id := uuid.NewString()
	s := &Session{
		id:   id,
		cfg:  cfg,
		sink: bindSink(cfg.Sink, id),
		done: make(chan struct{}),
	}
	s.dispatcher = newDispatcher(cfg.MaxInflight, s.receive)
	return s
}

// ID returns the random identifier used to correlate logs and history.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Peer returns the remote identity once connected.
func (s *Session) Peer() (peer.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer, s.conn != nil
}

// RemoteAddr returns the remote address of the connection, or "" before connecting.
func (s *Session) RemoteAddr() string {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr()
}

// Done is closed when the session stops serving inbound streams.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection and any endpoint the session owns. The serve loop
// observes the closed connection and exits.
func (s *Session) Close() error {
	s.mu.RLock()
	conn, owned := s.conn, s.owned
	s.mu.RUnlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if owned != nil {
		errs = append(errs, owned.Close())
	}
	return errors.Join(errs...)
}

// Send delivers msg to the peer on a new unidirectional stream: a 4-byte big-endian
// length, the encoded message, then end of stream. Concurrent sends use independent
// streams and may arrive in any order.
func (s *Session) Send(ctx context.Context, msg Message) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNoActiveConnection
	}

	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	stream, err := conn.OpenUniStream(ctx)
	if err != nil {
		return fmt.Errorf("open send stream: %w", err)
	}
	if err := WriteFrame(stream, payload); err != nil {
		_ = stream.Reset()
		return fmt.Errorf("write message: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}

	messagesSent.WithLabelValues(string(msg.Kind())).Inc()
	log.Debug().
		Str("session", s.id).
		Str("kind", string(msg.Kind())).
		Int("bytes", len(payload)).
		Msg("[Session] Sent message")
	return nil
}

// Emit publishes a lifecycle event. Sink failures are logged and dropped.
func (s *Session) Emit(event string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(event); err != nil {
		sinkErrors.Inc()
		log.Warn().Err(err).Str("session", s.id).Str("event", event).Msg("[Session] Failed to emit event")
	}
}

// EmitPayload publishes an event with payload. Sink failures are logged and dropped.
func (s *Session) EmitPayload(event, payload string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.EmitPayload(event, payload); err != nil {
		sinkErrors.Inc()
		log.Warn().Err(err).Str("session", s.id).Str("event", event).Msg("[Session] Failed to emit event")
	}
}

// setConnection assigns the peer and connection exactly once.
func (s *Session) setConnection(id peer.ID, conn transport.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	s.peer = id
	s.conn = conn
	s.state.Store(int32(StateAccepted))
	return nil
}

// establish moves an idle session to Accepted and announces it.
func (s *Session) establish(conn transport.Conn) error {
	remote := conn.RemotePeer()
	if err := s.setConnection(remote, conn); err != nil {
		return err
	}
	log.Info().
		Str("session", s.id).
		Str("peer", remote.String()).
		Str("remote", conn.RemoteAddr()).
		Msg("[Session] Connection established")
	s.Emit(EventConnected)
	return nil
}

// serve accepts inbound streams until the connection fails, handing each to the
// dispatcher. An accept failure is the normal end of a session and is not returned.
func (s *Session) serve(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNoActiveConnection
	}

	s.state.Store(int32(StateServing))
	sessionsActive.Inc()
	defer func() {
		sessionsActive.Dec()
		s.state.Store(int32(StateClosed))
		s.doneOnce.Do(func() { close(s.done) })
	}()

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			log.Debug().Err(err).Str("session", s.id).Msg("[Session] Accept stream ended")
			break
		}
		s.dispatcher.submit(stream)
	}

	log.Info().Str("session", s.id).Msg("[Session] Connection closed")
	return nil
}
