package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/sendme/transport"
)

func TestAcceptorServesConnection(t *testing.T) {
	sink := newRecordingSink()
	sessions := make(chan *Session, 1)
	acceptor := NewAcceptor(Config{
		Sink:      sink,
		OnSession: func(s *Session) { sessions <- s },
	})

	ca, cb := transport.NewPipeConnPair(peerA, peerB)
	defer ca.Close()

	result := make(chan error, 1)
	go func() { result <- acceptor.Accept(context.Background(), cb) }()

	var s *Session
	select {
	case s = <-sessions:
	case <-time.After(waitTimeout):
		t.Fatal("OnSession was not called")
	}
	id, ok := s.Peer()
	require.True(t, ok)
	assert.Equal(t, peerA, id)
	sink.next(t, EventConnected)

	client := NewSession(Config{})
	require.NoError(t, client.establish(ca))
	require.NoError(t, client.Send(context.Background(), CallSignal{SignalType: "ice", Data: "c1"}))

	ev := sink.next(t, EventMessage)
	assert.Equal(t, `{"type":"call_signal","signal_type":"ice","data":"c1"}`, ev.payload)
	assert.Equal(t, StateServing, s.State())

	require.NoError(t, ca.Close())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Accept did not return after the connection closed")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, sink.count(EventConnected))
}

func TestAcceptorStopsOnContextCancel(t *testing.T) {
	ca, cb := transport.NewPipeConnPair(peerA, peerB)
	defer ca.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- NewAcceptor(Config{}).Accept(ctx, cb) }()

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Accept did not return after cancel")
	}
}
