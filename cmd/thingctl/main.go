package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thingrpc/internal/client"
	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("thingctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	cfgPath := fs.String("config", "thingctl.yaml", "config file")
	addr := fs.String("addr", "", "server address (host:port, ws:// url or serial port)")
	transportName := fs.String("transport", "", "tcp, ws or serial")
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", fs.Arg(0))
		usage(stderr)
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *transportName != "" {
		cfg.Server.Transport = *transportName
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer conn.Close()
	logger.Info("connected", "server", conn.Welcome().Server, "version", conn.Welcome().Version,
		"protocol", conn.Welcome().ProtocolVersion)

	a := &app{
		c:      client.New(conn, logger),
		out:    stdout,
		in:     bufio.NewReader(stdin),
		logger: logger,
	}
	if err := cmd.run(ctx, a, fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "usage: thingctl %s\n", cmd.usage)
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// connect opens the configured transport and waits for the welcome message.
func connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*jsonrpc.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var rwc io.ReadWriteCloser
	var err error
	switch cfg.Server.Transport {
	case "ws":
		rwc, err = transport.DialWebSocket(dialCtx, cfg.Server.Address)
	case "serial":
		rwc, err = transport.OpenSerial(cfg.Server.Address, cfg.Server.Baud)
	default:
		rwc, err = transport.DialTCP(dialCtx, cfg.Server.Address)
	}
	if err != nil {
		return nil, err
	}

	conn := jsonrpc.NewConn(rwc, jsonrpc.WithLogger(logger), jsonrpc.WithCallTimeout(cfg.Timeout))
	if err := conn.Start(dialCtx); err != nil {
		return nil, err
	}
	return conn, nil
}
