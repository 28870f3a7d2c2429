package session

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/gosuda/sendme/ticket"
	"github.com/gosuda/sendme/transport"
)

// Dialer opens connections to peers. *transport.Endpoint implements it.
type Dialer interface {
	Dial(ctx context.Context, ai peer.AddrInfo) (transport.Conn, error)
	Close() error
}

// InitiatorConfig configures Connect.
type InitiatorConfig struct {
	Config

	// Bind creates the local endpoint. The session owns it and closes it on Close.
	Bind func(ctx context.Context) (Dialer, error)
	// ParseTicket resolves a ticket to a peer address. Defaults to ticket.Parse.
	ParseTicket func(string) (peer.AddrInfo, error)
}

// BindEndpoint returns a Bind function creating a libp2p endpoint from cfg.
func BindEndpoint(cfg transport.EndpointConfig) func(context.Context) (Dialer, error) {
	return func(ctx context.Context) (Dialer, error) {
		return transport.Bind(ctx, cfg)
	}
}

// BindTCP returns a Bind function for TCP mode: yamux over plain TCP, without
// authentication.
func BindTCP() func(context.Context) (Dialer, error) {
	return func(context.Context) (Dialer, error) {
		return &transport.TCPDialer{}, nil
	}
}

// Connect is the client side entry point. It resolves rawTicket, binds an endpoint,
// connects to the peer and returns the connected session while its receive loop
// runs in the background. Failures wrap ErrTicketParse, ErrBind or ErrConnect.
// The ticket is parsed before any network operation.
func Connect(ctx context.Context, rawTicket string, cfg InitiatorConfig) (*Session, error) {
	parse := cfg.ParseTicket
	if parse == nil {
		parse = ticket.Parse
	}
	ai, err := parse(rawTicket)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTicketParse, err)
	}

	if cfg.Bind == nil {
		return nil, fmt.Errorf("%w: no endpoint configured", ErrBind)
	}
	dialer, err := cfg.Bind(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}

	conn, err := dialer.Dial(ctx, ai)
	if err != nil {
		_ = dialer.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	s := NewSession(cfg.Config)
	s.owned = dialer
	if err := s.establish(conn); err != nil {
		_ = conn.Close()
		_ = dialer.Close()
		return nil, err
	}

	go s.serve(context.WithoutCancel(ctx))
	return s, nil
}
