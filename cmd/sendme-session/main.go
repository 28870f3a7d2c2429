package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "sendme-session",
	Short:             "Peer to peer message sessions over libp2p",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	flagConfig string
	opts       = defaultOptions()
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", os.Getenv("SENDME_CONFIG"), "TOML config file (env: SENDME_CONFIG)")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&opts.IdentityFile, "identity", envOrDefault("SENDME_IDENTITY", opts.IdentityFile), "libp2p identity key file, created if missing (env: SENDME_IDENTITY)")
	flags.StringSliceVar(&opts.ListenAddrs, "listen", opts.ListenAddrs, "listen multiaddrs")
	flags.BoolVar(&opts.EnableRelay, "relay", opts.EnableRelay, "enable circuit relay")
	flags.BoolVar(&opts.TCP, "tcp", opts.TCP, "use yamux over plain TCP instead of libp2p (unauthenticated, unencrypted)")
	flags.StringVar(&opts.HTTPAddr, "http", opts.HTTPAddr, "UI bridge listen address, empty to disable")
	flags.StringVar(&opts.HistoryDir, "history", opts.HistoryDir, "message history directory, empty to disable")
	flags.IntVar(&opts.MaxInflight, "max-inflight", opts.MaxInflight, "max concurrent stream receivers per session (0=unlimited)")
	flags.DurationVar(&opts.ReadTimeout, "read-timeout", opts.ReadTimeout, "per-stream read timeout (0=none)")

	rootCmd.AddCommand(listenCmd, connectCmd, ticketCmd, hashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	if flagConfig != "" {
		if err := applyConfigFile(flagConfig, &opts, cmd.Flags()); err != nil {
			return err
		}
	}

	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
