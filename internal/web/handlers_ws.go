package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"thingrpc/internal/core"
)

const (
	monitorOutbox       = 64
	monitorQueue        = 256
	monitorWriteTimeout = 10 * time.Second
)

// monitorHub fans bus events out to the /events websockets. A monitor whose
// outbox is full is dropped so the bus never waits on a socket.
type monitorHub struct {
	logger *slog.Logger
	queue  chan core.Event

	mu       sync.Mutex
	monitors map[*monitor]struct{}
	closed   bool

	quit     chan struct{}
	quitOnce sync.Once
}

// monitor is one /events subscriber.
type monitor struct {
	outbox chan []byte
	filter map[string]bool // namespaces; empty passes everything
}

func (m *monitor) accepts(eventType string) bool {
	if len(m.filter) == 0 {
		return true
	}
	ns, _, _ := strings.Cut(eventType, ".")
	return m.filter[ns]
}

// namespaceFilter parses "Devices,Rules".
func namespaceFilter(q string) map[string]bool {
	var out map[string]bool
	for _, ns := range strings.Split(q, ",") {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[ns] = true
	}
	return out
}

func newMonitorHub(logger *slog.Logger) *monitorHub {
	return &monitorHub{
		logger:   logger,
		queue:    make(chan core.Event, monitorQueue),
		monitors: make(map[*monitor]struct{}),
		quit:     make(chan struct{}),
	}
}

// attach adds m. It reports false once the hub is stopped.
func (h *monitorHub) attach(m *monitor) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.monitors[m] = struct{}{}
	h.logger.Debug("monitor attached", "monitors", len(h.monitors))
	return true
}

// detach removes m and closes its outbox. Monitors the hub already dropped
// are ignored.
func (h *monitorHub) detach(m *monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropLocked(m) {
		h.logger.Debug("monitor detached", "monitors", len(h.monitors))
	}
}

func (h *monitorHub) dropLocked(m *monitor) bool {
	if _, ok := h.monitors[m]; !ok {
		return false
	}
	delete(h.monitors, m)
	close(m.outbox)
	return true
}

// publish queues ev without blocking the caller.
func (h *monitorHub) publish(ev core.Event) {
	select {
	case h.queue <- ev:
	default:
		h.logger.Warn("monitor queue full, event dropped", "type", ev.Type)
	}
}

// run delivers queued events until stop.
func (h *monitorHub) run() {
	for {
		select {
		case <-h.quit:
			return
		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

func (h *monitorHub) deliver(ev core.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.monitors {
		if !m.accepts(ev.Type) {
			continue
		}
		select {
		case m.outbox <- data:
		default:
			h.dropLocked(m)
			h.logger.Warn("monitor dropped, outbox full", "type", ev.Type)
		}
	}
}

// stop closes every outbox and refuses new monitors.
func (h *monitorHub) stop() {
	h.quitOnce.Do(func() {
		close(h.quit)
		h.mu.Lock()
		h.closed = true
		for m := range h.monitors {
			h.dropLocked(m)
		}
		h.mu.Unlock()
	})
}

func (h *monitorHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.monitors)
}

// handleEvents streams bus events as JSON text messages. The optional
// namespaces query ("Devices,Rules") filters them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("events accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	m := &monitor{
		outbox: make(chan []byte, monitorOutbox),
		filter: namespaceFilter(r.URL.Query().Get("namespaces")),
	}
	if !s.monitors.attach(m) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.monitors.detach(m)

	// Monitors never send; CloseRead only watches for the peer going away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()
			return
		case data, ok := <-m.outbox:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "monitor closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, monitorWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("events write", "err", err)
				conn.CloseNow()
				return
			}
		}
	}
}
