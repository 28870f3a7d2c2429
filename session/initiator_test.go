package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/sendme/ticket"
	"github.com/gosuda/sendme/transport"
)

type fakeDialer struct {
	conn   transport.Conn
	err    error
	dialed atomic.Int32
	closed atomic.Bool
}

func (d *fakeDialer) Dial(ctx context.Context, ai peer.AddrInfo) (transport.Conn, error) {
	d.dialed.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) Close() error {
	d.closed.Store(true)
	return nil
}

func staticTicket(string) (peer.AddrInfo, error) {
	return peer.AddrInfo{ID: peerB}, nil
}

func TestConnectRejectsBadTicketBeforeBinding(t *testing.T) {
	var bound atomic.Bool
	cfg := InitiatorConfig{
		Bind: func(context.Context) (Dialer, error) {
			bound.Store(true)
			return &fakeDialer{}, nil
		},
	}

	s, err := Connect(context.Background(), "not-a-ticket", cfg)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrTicketParse)
	assert.ErrorIs(t, err, ticket.ErrInvalid)
	assert.False(t, errors.Is(err, ErrBind))
	assert.False(t, bound.Load())
}

func TestConnectBindFailure(t *testing.T) {
	cfg := InitiatorConfig{
		ParseTicket: staticTicket,
		Bind: func(context.Context) (Dialer, error) {
			return nil, errors.New("address in use")
		},
	}
	_, err := Connect(context.Background(), "x", cfg)
	assert.ErrorIs(t, err, ErrBind)

	_, err = Connect(context.Background(), "x", InitiatorConfig{ParseTicket: staticTicket})
	assert.ErrorIs(t, err, ErrBind)
}

func TestConnectDialFailureClosesEndpoint(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("unreachable")}
	cfg := InitiatorConfig{
		ParseTicket: staticTicket,
		Bind:        func(context.Context) (Dialer, error) { return dialer, nil },
	}

	_, err := Connect(context.Background(), "x", cfg)
	assert.ErrorIs(t, err, ErrConnect)
	assert.EqualValues(t, 1, dialer.dialed.Load())
	assert.True(t, dialer.closed.Load())
}

func TestConnectServesInBackground(t *testing.T) {
	ca, cb := transport.NewPipeConnPair(peerA, peerB)
	defer ca.Close()

	remoteSink := newRecordingSink()
	remotes := make(chan *Session, 1)
	go NewAcceptor(Config{
		Sink:      remoteSink,
		OnSession: func(s *Session) { remotes <- s },
	}).Accept(context.Background(), cb)

	localSink := newRecordingSink()
	dialer := &fakeDialer{conn: ca}
	s, err := Connect(context.Background(), "x", InitiatorConfig{
		Config:      Config{Sink: localSink},
		ParseTicket: staticTicket,
		Bind:        func(context.Context) (Dialer, error) { return dialer, nil },
	})
	require.NoError(t, err)
	localSink.next(t, EventConnected)

	id, ok := s.Peer()
	require.True(t, ok)
	assert.Equal(t, peerB, id)

	require.NoError(t, s.Send(context.Background(), Text{Content: "ping"}))
	assert.Equal(t, `{"type":"text","content":"ping"}`, remoteSink.next(t, EventMessage).payload)

	remote := <-remotes
	require.NoError(t, remote.Send(context.Background(), Text{Content: "pong"}))
	assert.Equal(t, `{"type":"text","content":"pong"}`, localSink.next(t, EventMessage).payload)

	require.NoError(t, s.Close())
	assert.True(t, dialer.closed.Load())
	waitDone(t, s.Done(), "initiator serve loop")
	waitDone(t, remote.Done(), "acceptor serve loop")
}
