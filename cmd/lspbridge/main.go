// lspbridge connects editor hosts that exchange one JSON-RPC message per
// line with a language server that speaks the LSP base protocol on its
// stdin and stdout.
//
// Without --listen, a single host is served on stdin and stdout. With
// --listen, every accepted connection gets its own bridge and its own
// language server process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/Zereker/lspbridge"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath     string
		listen         string
		network        string
		policy         string
		logLevel       string
		maxFrameSize   int
		maxMessageSize int
		shutdown       time.Duration
	)

	flagSet := pflag.NewFlagSet("lspbridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a JSONC or YAML config file")
	flagSet.StringVar(&listen, "listen", "", "accept hosts on this address instead of stdio")
	flagSet.StringVar(&network, "network", "tcp", "listener network: tcp or unix")
	flagSet.StringVar(&policy, "policy", "failfast", "malformed header policy: failfast or resync")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.IntVar(&maxFrameSize, "max-frame-size", 0, "maximum engine frame size in bytes")
	flagSet.IntVar(&maxMessageSize, "max-message-size", 0, "maximum host message size in bytes")
	flagSet.DurationVar(&shutdown, "shutdown-timeout", 0, "time to keep accepting after a shutdown signal")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg := lspbridge.DefaultConfig()
	if configPath != "" {
		loaded, err := lspbridge.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags given explicitly win over the file.
	if flagSet.Changed("listen") {
		cfg.Listen = listen
	}
	if flagSet.Changed("network") {
		cfg.Network = network
	}
	if flagSet.Changed("policy") {
		cfg.Policy = policy
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("max-frame-size") {
		cfg.MaxFrameSize = maxFrameSize
	}
	if flagSet.Changed("max-message-size") {
		cfg.MaxMessageSize = maxMessageSize
	}
	if flagSet.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = lspbridge.Duration(shutdown)
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		cfg.Engine = lspbridge.Command{Path: rest[0], Args: rest[1:]}
	}

	if cfg.Engine.Path == "" {
		printHelp(flagSet)
		return errors.New("no engine command given")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}

	handler, err := lspbridge.NewBridgeHandler(lspbridge.ProcessEngine(cfg.Engine, opts...), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Listen == "" {
		logger.Info("serving host on stdio", "engine", cfg.Engine.Path)
		err = handler.Serve(ctx, stdio{})
	} else {
		var server *lspbridge.Server
		server, err = lspbridge.New(cfg.Network, cfg.Listen,
			lspbridge.ServerLoggerOption(logger),
			lspbridge.ServerShutdownTimeoutOption(time.Duration(cfg.ShutdownTimeout)))
		if err != nil {
			return err
		}
		defer server.Close()
		err = server.Serve(ctx, handler)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stdio is the host stream in single-host mode.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `lspbridge: bridge line-delimited JSON-RPC hosts to an LSP server.

Hosts send and receive one JSON-RPC message per line. The language server
is started on the first message and receives Content-Length framed input.

Usage:
  lspbridge [flags] [--] <server-command> [args...]

Examples:
  lspbridge -- gopls serve
  lspbridge --listen 127.0.0.1:7998 --policy resync -- rust-analyzer
  lspbridge --config bridge.jsonc

Flags:
`)
	flagSet.PrintDefaults()
}
