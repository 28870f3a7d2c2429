package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/sendme/transport"
)

const (
	peerA = peer.ID("peer-a")
	peerB = peer.ID("peer-b")

	waitTimeout = 2 * time.Second
)

type recordedEvent struct {
	name    string
	payload string
}

// recordingSink keeps every event and optionally fails each call with err.
type recordingSink struct {
	err error

	mu     sync.Mutex
	events []recordedEvent
	ch     chan recordedEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan recordedEvent, 256)}
}

func (s *recordingSink) Emit(event string) error {
	s.record(recordedEvent{name: event})
	return s.err
}

func (s *recordingSink) EmitPayload(event, payload string) error {
	s.record(recordedEvent{name: event, payload: payload})
	return s.err
}

func (s *recordingSink) record(ev recordedEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.ch <- ev:
	default:
	}
}

// next waits for the next event called name, skipping others.
func (s *recordingSink) next(t *testing.T, name string) recordedEvent {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-s.ch:
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func (s *recordingSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.name == name {
			n++
		}
	}
	return n
}

// fakeRecvStream serves reads from r and records Close.
type fakeRecvStream struct {
	r        io.Reader
	closed   atomic.Bool
	deadline atomic.Int64
}

func (s *fakeRecvStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *fakeRecvStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeRecvStream) SetReadDeadline(t time.Time) error {
	s.deadline.Store(t.UnixNano())
	return nil
}

// servePair connects two sessions over an in-memory connection and starts both
// serve loops. Closing either connection ends both.
func servePair(t *testing.T, cfgA, cfgB Config) (a, b *Session, ca, cb *transport.PipeConn) {
	t.Helper()
	ca, cb = transport.NewPipeConnPair(peerA, peerB)

	a = NewSession(cfgA)
	require.NoError(t, a.establish(ca))
	b = NewSession(cfgB)
	require.NoError(t, b.establish(cb))

	go a.serve(context.Background())
	go b.serve(context.Background())

	t.Cleanup(func() { _ = ca.Close() })
	return a, b, ca, cb
}

func waitDone(t *testing.T, ch <-chan struct{}, name string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", name)
	}
}
