// Package transport provides the byte streams the protocol runs over: TCP,
// WebSocket and serial links.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ServeFunc handles one accepted stream until it is closed.
type ServeFunc func(ctx context.Context, rwc io.ReadWriteCloser)

// ListenTCP listens on addr and serves every accepted connection on its own
// goroutine until ctx is cancelled.
func ListenTCP(ctx context.Context, addr string, serve ServeFunc, logger *slog.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, serve, logger)
}

// ServeListener accepts connections from ln until ctx is cancelled. It closes
// ln and waits for active connections to finish before returning.
func ServeListener(ctx context.Context, ln net.Listener, serve ServeFunc, logger *slog.Logger) error {
	logger.Info("listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	backoff := 5 * time.Millisecond
	const maxBackoff = time.Second
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept", "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 5 * time.Millisecond

		logger.Debug("accepted", "remote", conn.RemoteAddr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			serve(ctx, conn)
		}()
	}
}

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}
