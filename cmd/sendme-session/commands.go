package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/sendme/session"
	"github.com/gosuda/sendme/ticket"
	"github.com/gosuda/sendme/transport"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for peers and chat with the most recent one",
	Args:  cobra.NoArgs,
	RunE:  runListen,
}

var connectCmd = &cobra.Command{
	Use:   "connect <ticket>",
	Short: "Connect to a peer's ticket and chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

var ticketCmd = &cobra.Command{
	Use:   "ticket <ticket>",
	Short: "Show the peer and addresses a ticket resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ai, err := ticket.Parse(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "peer: %s\n", ai.ID)
		for _, addr := range ai.Addrs {
			fmt.Fprintf(out, "addr: %s\n", addr)
		}
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the content hash used in file offers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, size, err := hashFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %d  %s\n", hash, size, args[0])
		return nil
	},
}

func runListen(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer n.close()

	cfg := n.sessionConfig()
	cfg.OnSession = func(s *session.Session) {
		if prev := n.current.Swap(s); prev != nil {
			log.Info().Str("session", prev.ID()).Msg("[Listen] Replaced by newer session")
		}
	}
	acceptor := session.NewAcceptor(cfg)
	accept := func(c transport.Conn) {
		if err := acceptor.Accept(ctx, c); err != nil {
			log.Error().Err(err).Str("remote", c.RemoteAddr()).Msg("[Listen] Accept failed")
		}
	}

	var tk string
	if n.opts.TCP {
		ln, err := listenTCP(n.opts.ListenAddrs)
		if err != nil {
			return err
		}
		defer ln.Close()
		go func() {
			if err := ln.Serve(ctx, accept); err != nil {
				log.Error().Err(err).Msg("[Listen] TCP listener stopped")
			}
		}()
		tk = ln.Multiaddr().String()
		log.Info().Str("addr", tk).Msg("[Listen] Waiting for TCP peers")
	} else {
		epCfg, err := n.endpointConfig()
		if err != nil {
			return err
		}
		ep, err := transport.Bind(ctx, epCfg)
		if err != nil {
			return fmt.Errorf("bind endpoint: %w", err)
		}
		defer ep.Close()
		ep.SetConnHandler(accept)

		tk, err = ticket.Encode(ep.AddrInfo())
		if err != nil {
			return fmt.Errorf("encode ticket: %w", err)
		}
		log.Info().Str("peer", ep.Host().ID().String()).Msg("[Listen] Waiting for peers")
	}

	if err := n.startHTTP(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ticket: %s\n", tk)
	return chatLoop(ctx, cmd.InOrStdin(), n)
}

// listenTCP listens on the first TCP address in addrs.
func listenTCP(addrs []string) (*transport.TCPListener, error) {
	var errs []error
	for _, addr := range addrs {
		ln, err := transport.ListenTCP(addr)
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no listen address")
	}
	return nil, errors.Join(errs...)
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer n.close()

	icfg := session.InitiatorConfig{Config: n.sessionConfig()}
	if n.opts.TCP {
		icfg.ParseTicket = transport.ParseTCPTicket
		icfg.Bind = session.BindTCP()
	} else {
		epCfg, err := n.endpointConfig()
		if err != nil {
			return err
		}
		icfg.Bind = session.BindEndpoint(epCfg)
	}

	sess, err := session.Connect(ctx, args[0], icfg)
	if err != nil {
		return err
	}
	n.current.Store(sess)

	if err := n.startHTTP(); err != nil {
		return err
	}

	chatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "* peer disconnected")
			cancel()
		case <-chatCtx.Done():
		}
	}()
	return chatLoop(chatCtx, cmd.InOrStdin(), n)
}
