package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/gosuda/sendme/transport"
)

type options struct {
	LogLevel     string
	IdentityFile string
	ListenAddrs  []string
	EnableRelay  bool
	TCP          bool
	HTTPAddr     string
	HistoryDir   string
	MaxInflight  int
	ReadTimeout  time.Duration
}

func defaultOptions() options {
	return options{
		LogLevel:    "info",
		ListenAddrs: transport.DefaultListenAddrs(0),
	}
}

type fileConfig struct {
	LogLevel     string   `toml:"log_level"`
	IdentityFile string   `toml:"identity_file"`
	ListenAddrs  []string `toml:"listen_addrs"`
	EnableRelay  bool     `toml:"relay"`
	TCP          bool     `toml:"tcp"`
	HTTPAddr     string   `toml:"http_addr"`
	HistoryDir   string   `toml:"history_dir"`
	MaxInflight  int      `toml:"max_inflight"`
	ReadTimeout  string   `toml:"read_timeout"`
}

// applyConfigFile loads path into o. Values given on the command line win.
func applyConfigFile(path string, o *options, flags *pflag.FlagSet) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	set := func(key, flag string) bool {
		return meta.IsDefined(key) && !flags.Changed(flag)
	}

	if set("log_level", "log-level") {
		o.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if set("identity_file", "identity") {
		o.IdentityFile = strings.TrimSpace(raw.IdentityFile)
	}
	if set("listen_addrs", "listen") {
		o.ListenAddrs = raw.ListenAddrs
	}
	if set("relay", "relay") {
		o.EnableRelay = raw.EnableRelay
	}
	if set("tcp", "tcp") {
		o.TCP = raw.TCP
	}
	if set("http_addr", "http") {
		o.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if set("history_dir", "history") {
		o.HistoryDir = strings.TrimSpace(raw.HistoryDir)
	}
	if set("max_inflight", "max-inflight") {
		if raw.MaxInflight < 0 {
			return fmt.Errorf("load config: max_inflight must not be negative")
		}
		o.MaxInflight = raw.MaxInflight
	}
	if set("read_timeout", "read-timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return fmt.Errorf("parse read_timeout: %w", err)
		}
		o.ReadTimeout = d
	}
	return nil
}
