package session

import (
	"context"

	"github.com/gosuda/sendme/transport"
)

// Acceptor is the server side entry point, invoked once per inbound connection.
type Acceptor struct {
	cfg Config
}

// NewAcceptor returns an Acceptor creating sessions with cfg.
func NewAcceptor(cfg Config) *Acceptor {
	return &Acceptor{cfg: cfg}
}

// Accept creates a session for conn, announces it and serves inbound streams until
// the connection stops yielding them. A closed connection is a normal return.
func (a *Acceptor) Accept(ctx context.Context, conn transport.Conn) error {
	s := NewSession(a.cfg)
	if err := s.establish(conn); err != nil {
		return err
	}
	if a.cfg.OnSession != nil {
		a.cfg.OnSession(s)
	}
	return s.serve(ctx)
}
