package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"thingrpc/internal/frame"
	"thingrpc/internal/metrics"
)

// ErrConnectionLost is returned to every pending and future request once the
// underlying stream has failed or been closed.
var ErrConnectionLost = errors.New("jsonrpc: connection lost")

const defaultNotifyQueue = 256

// Notification is an unsolicited server message.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Decode unmarshals the notification params into v.
func (n Notification) Decode(v any) error {
	if len(n.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Params, v); err != nil {
		return fmt.Errorf("jsonrpc: decode %s params: %w", n.Method, err)
	}
	return nil
}

// NotificationHandler receives notifications on its own goroutine.
type NotificationHandler func(Notification)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// WithMetrics records calls, pending requests and orphaned responses.
func WithMetrics(m *metrics.Protocol) ConnOption {
	return func(c *Conn) { c.metrics = m }
}

// WithCallTimeout bounds Request when the caller's context has no deadline.
// Call and Wait never apply an implicit timeout.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.callTimeout = d }
}

// WithNotifyQueue sets the per-handler notification queue length.
func WithNotifyQueue(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.notifyQueue = n
		}
	}
}

// WithMaxFrameSize limits the size of a single incoming frame.
func WithMaxFrameSize(n int) ConnOption {
	return func(c *Conn) { c.maxFrame = n }
}

// Conn is the client side of a protocol connection. It assigns request ids,
// matches responses to pending requests and fans notifications out to
// subscribed handlers. Frames are read and dispatched sequentially by a
// single goroutine.
type Conn struct {
	rwc         io.ReadWriteCloser
	dec         *frame.Decoder
	w           *frame.Writer
	logger      *slog.Logger
	metrics     *metrics.Protocol
	callTimeout time.Duration
	notifyQueue int
	maxFrame    int

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int]*PendingRequest
	lost    bool
	lostErr error
	started bool

	handlerMu   sync.RWMutex
	handlers    map[string]map[uint64]*subscription
	allHandlers map[uint64]*subscription
	nextSubID   uint64

	welcome Welcome

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConn wraps an open stream. Start must be called before issuing requests.
func NewConn(rwc io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		rwc:         rwc,
		w:           frame.NewWriter(rwc),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifyQueue: defaultNotifyQueue,
		pending:     make(map[int]*PendingRequest),
		handlers:    make(map[string]map[uint64]*subscription),
		allHandlers: make(map[uint64]*subscription),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	var decOpts []frame.DecoderOption
	if c.maxFrame > 0 {
		decOpts = append(decOpts, frame.WithMaxFrameSize(c.maxFrame))
	}
	c.dec = frame.NewDecoder(rwc, decOpts...)
	return c
}

// Start reads the mandatory welcome message and then starts the read loop.
// If ctx ends before the welcome arrives the stream is closed.
func (c *Conn) Start(ctx context.Context) error {
	type result struct {
		w   Welcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		span, err := c.dec.Next()
		if err != nil {
			r.err = fmt.Errorf("jsonrpc: read welcome: %w", err)
		} else if err := frame.Unmarshal(span, &r.w); err != nil {
			r.err = fmt.Errorf("jsonrpc: parse welcome: %w", err)
		} else {
			r.err = r.w.validate()
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.Close()
			return r.err
		}
		c.welcome = r.w
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}

	c.logger.Info("connected",
		"server", c.welcome.Server,
		"version", c.welcome.Version,
		"protocol", c.welcome.ProtocolVersion)
	c.metrics.ConnectionAdd(1)
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Welcome returns the handshake received in Start.
func (c *Conn) Welcome() Welcome {
	return c.welcome
}

// Done is closed when the connection is lost or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was lost, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostErr
}

// PendingRequest is an in-flight request. It is resolved at most once.
type PendingRequest struct {
	ID       int
	Method   string
	IssuedAt time.Time

	ch   chan *Response
	conn *Conn
}

// Call sends a request and returns a handle for its response. Ids start at 0
// and increase by one per call; an id is never reused on the same connection,
// even when the caller abandons the request.
func (c *Conn) Call(ctx context.Context, method string, params any) (*PendingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: %s: encode params: %w", method, err)
	}

	id := int(c.nextID.Add(1) - 1)
	p := &PendingRequest{
		ID:       id,
		Method:   method,
		IssuedAt: time.Now(),
		ch:       make(chan *Response, 1),
		conn:     c,
	}

	// Register before writing so a fast response cannot be orphaned.
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[id] = p
	c.mu.Unlock()
	c.metrics.PendingAdd(1)

	msg := Message{ID: &id, Method: method, Params: raw}
	if err := c.writeFrame(ctx, msg); err != nil {
		c.forget(id)
		c.fail(err)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			c.logger.Warn("request write abandoned", "id", id, "method", method, "err", ctxErr)
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, ctxErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.logger.Debug("request sent", "id", id, "method", method)
	return p, nil
}

// writeFrame writes v unless ctx ends first. A write abandoned part way
// leaves the stream without framing, so the caller fails the connection,
// which also unblocks the writer goroutine.
func (c *Conn) writeFrame(ctx context.Context, v any) error {
	if ctx.Done() == nil {
		return c.w.WriteFrame(v)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.w.WriteFrame(v) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		select {
		case err := <-errc:
			return err
		default:
		}
		return ctx.Err()
	}
}

// Wait blocks until the response arrives, the connection is lost or ctx
// ends. On ctx expiry the request is abandoned locally; a late response is
// dropped as orphaned.
func (p *PendingRequest) Wait(ctx context.Context) (*Response, error) {
	select {
	case resp, ok := <-p.ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		if p.conn.forget(p.ID) {
			p.conn.logger.Warn("request abandoned", "id", p.ID, "method", p.Method, "err", ctx.Err())
		}
		// The response may have raced the cancellation.
		select {
		case resp, ok := <-p.ch:
			if ok {
				return resp, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Request issues method, waits for the response and decodes its params into
// out (which may be nil). A non-success status is returned as *StatusError.
func (c *Conn) Request(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	p, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		return fmt.Errorf("jsonrpc: %s: %w", method, err)
	}
	if resp.Status != StatusSuccess {
		return &StatusError{Method: method, Status: resp.Status, Msg: resp.Error}
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// forget removes a pending request. It reports whether it was still pending.
func (c *Conn) forget(id int) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.metrics.PendingAdd(-1)
	}
	return ok
}

// resolve hands a response to its pending request and removes the entry.
func (c *Conn) resolve(resp *Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.metrics.PendingAdd(-1)
	c.metrics.CallDone(p.Method, resp.Status, time.Since(p.IssuedAt).Seconds())
	p.ch <- resp
	return true
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		span, err := c.dec.Next()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Error("read error", "err", err)
				}
			}
			c.fail(err)
			return
		}

		var msg Message
		if err := frame.Unmarshal(span, &msg); err != nil {
			c.metrics.DecodeError()
			c.logger.Warn("malformed frame skipped", "err", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Conn) dispatch(msg *Message) {
	switch msg.Kind() {
	case KindResponse:
		resp := &Response{ID: *msg.ID, Status: msg.Status, Params: msg.Params, Error: msg.Error}
		if !c.resolve(resp) {
			c.metrics.OrphanedResponse()
			c.logger.Warn("orphaned response", "id", resp.ID, "status", resp.Status, "error", resp.Error)
		}
	case KindNotification:
		c.metrics.Notification(msg.Name())
		c.notify(Notification{Method: msg.Name(), Params: msg.Params})
	default:
		// Responses that carry an id but no status still never resolve
		// a request with a different id; anything else is noise.
		c.logger.Warn("unexpected message dropped", "kind", msg.Kind(), "method", msg.Name())
	}
}

// fail marks the connection lost, resolves every pending request with
// ErrConnectionLost and stops notification workers.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	if cause == nil || errors.Is(cause, io.EOF) {
		c.lostErr = ErrConnectionLost
	} else {
		c.lostErr = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	pending := c.pending
	c.pending = make(map[int]*PendingRequest)
	started := c.started
	c.mu.Unlock()

	for _, p := range pending {
		close(p.ch)
	}
	c.metrics.PendingAdd(-float64(len(pending)))
	if started {
		c.metrics.ConnectionAdd(-1)
	}
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.rwc.Close()

	c.handlerMu.Lock()
	for id, s := range c.allHandlers {
		s.stop()
		delete(c.allHandlers, id)
	}
	for method, subs := range c.handlers {
		for _, s := range subs {
			s.stop()
		}
		delete(c.handlers, method)
	}
	c.handlerMu.Unlock()
}

// Close closes the stream and waits for the read loop to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	err := c.rwc.Close()
	c.wg.Wait()
	c.fail(nil)
	return err
}

// --- Notifications ---

type subscription struct {
	method  string
	queue   chan Notification
	handler NotificationHandler
	quit    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (s *subscription) run() {
	for {
		select {
		case n := <-s.queue:
			s.invoke(n)
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) invoke(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification handler panic", "method", n.Method, "panic", r)
		}
	}()
	s.handler(n)
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.quit) })
}

// OnNotification subscribes handler to notifications named method. Each
// handler owns a queue and a goroutine, so a slow handler never delays the
// read loop or other handlers. Returns an unsubscribe function.
func (c *Conn) OnNotification(method string, handler NotificationHandler) func() {
	return c.subscribe(method, handler)
}

// OnAnyNotification subscribes handler to every notification.
func (c *Conn) OnAnyNotification(handler NotificationHandler) func() {
	return c.subscribe("", handler)
}

func (c *Conn) subscribe(method string, handler NotificationHandler) func() {
	s := &subscription{
		method:  method,
		queue:   make(chan Notification, c.notifyQueue),
		handler: handler,
		quit:    make(chan struct{}),
		logger:  c.logger,
	}

	c.handlerMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	if method == "" {
		c.allHandlers[id] = s
	} else {
		if c.handlers[method] == nil {
			c.handlers[method] = make(map[uint64]*subscription)
		}
		c.handlers[method][id] = s
	}
	c.handlerMu.Unlock()

	go s.run()
	select {
	case <-c.done:
		s.stop()
	default:
	}

	return func() {
		c.handlerMu.Lock()
		if method == "" {
			delete(c.allHandlers, id)
		} else {
			delete(c.handlers[method], id)
		}
		c.handlerMu.Unlock()
		s.stop()
	}
}

func (c *Conn) notify(n Notification) {
	c.handlerMu.RLock()
	subs := make([]*subscription, 0, len(c.handlers[n.Method])+len(c.allHandlers))
	for _, s := range c.handlers[n.Method] {
		subs = append(subs, s)
	}
	for _, s := range c.allHandlers {
		subs = append(subs, s)
	}
	c.handlerMu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- n:
		default:
			c.logger.Warn("notification queue full, dropped", "method", n.Method, "subscription", s.method)
		}
	}
}
