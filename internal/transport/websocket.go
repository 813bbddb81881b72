package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocketHandler upgrades HTTP requests and serves each connection as a
// frame stream. Frames travel as text messages; one frame per message on
// the way out, any split on the way in.
type WebSocketHandler struct {
	ctx            context.Context
	serve          ServeFunc
	logger         *slog.Logger
	allowedOrigins []string
	readLimit      int64
}

// NewWebSocketHandler creates a handler whose connections live until ctx is
// cancelled or the peer goes away.
func NewWebSocketHandler(ctx context.Context, serve ServeFunc, logger *slog.Logger, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:            ctx,
		serve:          serve,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		readLimit:      1 << 20,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.allowedOrigins) > 0 {
		opts.OriginPatterns = h.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	h.logger.Debug("ws connected", "remote", r.RemoteAddr)
	nc := websocket.NetConn(h.ctx, conn, websocket.MessageText)
	defer nc.Close()
	h.serve(h.ctx, nc)
}

// DialWebSocket connects to a ws:// or wss:// URL and returns the connection
// as a stream.
func DialWebSocket(ctx context.Context, url string) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)
	// The connection must outlive the dial context.
	return websocket.NetConn(context.Background(), conn, websocket.MessageText), nil
}
