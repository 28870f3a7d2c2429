package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/sendme/bridge"
	"github.com/gosuda/sendme/history"
	"github.com/gosuda/sendme/session"
	"github.com/gosuda/sendme/transport"
)

// node holds what a running listen or connect command shares: sinks, the optional
// UI bridge and history store, and the session outgoing messages go to.
type node struct {
	opts    options
	out     io.Writer
	hub     *bridge.Hub
	store   *history.Store
	srv     *http.Server
	current atomic.Pointer[session.Session]
}

func newNode(o options, out io.Writer) (*node, error) {
	n := &node{opts: o, out: out, hub: bridge.NewHub()}
	if o.HistoryDir != "" {
		store, err := history.Open(o.HistoryDir, history.Options{})
		if err != nil {
			return nil, err
		}
		n.store = store
	}
	return n, nil
}

func (n *node) sink() session.Sink {
	sinks := session.MultiSink{consoleSink{out: n.out}, n.hub}
	if n.store != nil {
		sinks = append(sinks, history.Sink{Store: n.store})
	}
	return sinks
}

func (n *node) sessionConfig() session.Config {
	return session.Config{
		Sink:        n.sink(),
		MaxInflight: n.opts.MaxInflight,
		ReadTimeout: n.opts.ReadTimeout,
	}
}

func (n *node) endpointConfig() (transport.EndpointConfig, error) {
	priv, err := transport.LoadOrCreateIdentity(n.opts.IdentityFile)
	if err != nil {
		return transport.EndpointConfig{}, err
	}
	return transport.EndpointConfig{
		Identity:    priv,
		ListenAddrs: n.opts.ListenAddrs,
		EnableRelay: n.opts.EnableRelay,
	}, nil
}

func (n *node) sender() bridge.Sender {
	if s := n.current.Load(); s != nil {
		return s
	}
	return nil
}

// send delivers msg on the current session and records it in history.
func (n *node) send(ctx context.Context, msg session.Message) error {
	s := n.current.Load()
	if s == nil {
		return session.ErrNoActiveConnection
	}
	if err := s.Send(ctx, msg); err != nil {
		return err
	}
	if n.store != nil {
		payload, _ := session.EventPayload(msg)
		entry := history.Entry{Session: s.ID(), Direction: history.Outbound, Event: session.EventMessage, Payload: string(payload)}
		if err := n.store.Append(entry); err != nil {
			log.Warn().Err(err).Msg("[Node] Failed to record sent message")
		}
	}
	return nil
}

func (n *node) startHTTP() error {
	if n.opts.HTTPAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", n.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	n.srv = &http.Server{
		Handler: bridge.Router(bridge.Deps{
			Hub:     n.hub,
			Sender:  n.sender,
			History: n.store,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("[Node] UI bridge stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("[Node] UI bridge listening")
	return nil
}

func (n *node) close() {
	if s := n.current.Load(); s != nil {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("[Node] Session close error")
		}
	}
	if n.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[Node] UI bridge shutdown error")
		}
		cancel()
	}
	n.hub.Close()
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			log.Error().Err(err).Msg("[Node] History close error")
		}
	}
}

// consoleSink prints session events for the terminal user.
type consoleSink struct {
	out io.Writer
}

func (c consoleSink) Emit(event string) error {
	if event == session.EventConnected {
		_, err := fmt.Fprintln(c.out, "* peer connected")
		return err
	}
	_, err := fmt.Fprintf(c.out, "* %s\n", event)
	return err
}

func (c consoleSink) EmitPayload(event, payload string) error {
	if event != session.EventMessage {
		_, err := fmt.Fprintf(c.out, "* %s %s\n", event, payload)
		return err
	}
	msg, err := session.ParseEventPayload([]byte(payload))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, describe(msg))
	return err
}
