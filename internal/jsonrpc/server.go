package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"thingrpc/internal/frame"
	"thingrpc/internal/metrics"
)

// DefaultReplyTimeout bounds how long an async reply may stay unfinished.
const DefaultReplyTimeout = 30 * time.Second

// Call is an incoming request as seen by a method implementation.
type Call struct {
	ClientID string
	Method   string
	Params   json.RawMessage
}

// Decode unmarshals the request params into v. An empty params object leaves
// v untouched.
func (c *Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return fmt.Errorf("%s: %w", c.Method, err)
	}
	return nil
}

// MethodFunc implements one Namespace.Verb.
type MethodFunc func(ctx context.Context, call *Call) *Reply

// Method describes a callable method for dispatch and introspection.
type Method struct {
	Fn          MethodFunc
	Description string
	Params      map[string]any
	Returns     map[string]any
}

// NotificationDesc describes a notification for introspection.
type NotificationDesc struct {
	Description string
	Params      map[string]any
}

// Handler groups the methods of one namespace.
type Handler interface {
	Name() string
	Methods() map[string]Method
	Notifications() map[string]NotificationDesc
}

// TypeDescriber is implemented by handlers that contribute type definitions
// to JSONRPC.Introspect.
type TypeDescriber interface {
	Types() map[string]any
}

// Reply is the result of a method call. A reply is either created finished
// or finished exactly once later by the method implementation.
type Reply struct {
	mu      sync.Mutex
	done    chan struct{}
	params  any
	errMsg  string
	timeout time.Duration
}

// NewReply returns a finished success reply.
func NewReply(params any) *Reply {
	r := &Reply{done: make(chan struct{}), params: params}
	close(r.done)
	return r
}

// ErrorReply returns a finished reply that is sent with status "error".
func ErrorReply(format string, args ...any) *Reply {
	r := &Reply{done: make(chan struct{}), errMsg: fmt.Sprintf(format, args...)}
	close(r.done)
	return r
}

// InvalidParams is the reply for a request whose params do not validate.
func InvalidParams(err error) *Reply {
	return ErrorReply("Invalid params: %v", err)
}

// NewAsyncReply returns an unfinished reply. The server waits for Finish or
// Fail up to timeout; zero uses the server default.
func NewAsyncReply(timeout time.Duration) *Reply {
	return &Reply{done: make(chan struct{}), timeout: timeout}
}

// ErrReplyFinished is returned when an async reply is finished twice.
var ErrReplyFinished = errors.New("jsonrpc: reply already finished")

// Finish completes the reply with params.
func (r *Reply) Finish(params any) error {
	return r.complete(params, "")
}

// Fail completes the reply with an error status.
func (r *Reply) Fail(msg string) error {
	return r.complete(nil, msg)
}

func (r *Reply) complete(params any, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return ErrReplyFinished
	default:
	}
	r.params = params
	r.errMsg = errMsg
	close(r.done)
	return nil
}

// Done is closed once the reply is finished.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

func (r *Reply) result() (any, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params, r.errMsg
}

// ServerInfo is advertised in the welcome message.
type ServerInfo struct {
	Server  string
	Name    string
	Version string
	UUID    string
	Locale  string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics records handled calls and notifications.
func WithServerMetrics(m *metrics.Protocol) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithReplyTimeout overrides DefaultReplyTimeout.
func WithReplyTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

// Server dispatches requests from any number of connections to registered
// namespace handlers and broadcasts notifications.
type Server struct {
	info         ServerInfo
	logger       *slog.Logger
	metrics      *metrics.Protocol
	replyTimeout time.Duration

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	clientMu sync.RWMutex
	clients  map[string]*serverClient
}

type serverClient struct {
	id  string
	w   *frame.Writer
	rwc io.ReadWriteCloser

	mu         sync.Mutex
	notify     bool
	namespaces map[string]bool // nil means every namespace
}

func (c *serverClient) wants(namespace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.notify {
		return false
	}
	return c.namespaces == nil || c.namespaces[namespace]
}

// NewServer creates a server that announces info to every client.
func NewServer(info ServerInfo, opts ...ServerOption) *Server {
	if info.UUID == "" {
		info.UUID = uuid.NewString()
	}
	if info.Locale == "" {
		info.Locale = "en_US"
	}
	s := &Server{
		info:         info,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		replyTimeout: DefaultReplyTimeout,
		handlers:     make(map[string]Handler),
		clients:      make(map[string]*serverClient),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Register(&rpcHandler{s: s})
	return s
}

// Register adds a namespace handler, replacing any handler with the same name.
func (s *Server) Register(h Handler) {
	s.handlerMu.Lock()
	s.handlers[h.Name()] = h
	s.handlerMu.Unlock()
}

func (s *Server) welcome() Welcome {
	return Welcome{
		Server:          s.info.Server,
		Name:            s.info.Name,
		Version:         s.info.Version,
		UUID:            s.info.UUID,
		Language:        s.info.Locale,
		Locale:          s.info.Locale,
		ProtocolVersion: ProtocolVersion,
	}
}

// ServeConn sends the welcome message and serves requests on rwc until the
// stream fails or ctx is cancelled. The stream is closed on return.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &serverClient{
		id:     uuid.NewString(),
		w:      frame.NewWriter(rwc),
		rwc:    rwc,
		notify: true,
	}
	logger := s.logger.With("client", c.id)

	if err := c.w.WriteFrame(s.welcome()); err != nil {
		rwc.Close()
		return fmt.Errorf("jsonrpc: send welcome: %w", err)
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.metrics.ConnectionAdd(1)
	logger.Info("client connected")

	go func() {
		<-ctx.Done()
		rwc.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		s.clientMu.Lock()
		delete(s.clients, c.id)
		s.clientMu.Unlock()
		s.metrics.ConnectionAdd(-1)
		cancel()
		wg.Wait()
		logger.Info("client disconnected")
	}()

	dec := frame.NewRequestDecoder(rwc, 0)
	for {
		span, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("jsonrpc: read: %w", err)
		}
		s.handleFrame(ctx, c, logger, span, &wg)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *serverClient, logger *slog.Logger, span []byte, wg *sync.WaitGroup) {
	var msg Message
	if err := frame.Unmarshal(span, &msg); err != nil {
		s.metrics.DecodeError()
		logger.Warn("malformed request", "err", err)
		s.sendError(c, logger, -1, fmt.Sprintf("Failed to parse JSON data: %v", errors.Unwrap(err)))
		return
	}
	if msg.ID == nil {
		s.sendError(c, logger, -1, "Error parsing command. Missing 'id'")
		return
	}
	id := *msg.ID

	namespace, verb, ok := SplitMethod(msg.Method)
	if !ok {
		s.sendError(c, logger, id, fmt.Sprintf("Error parsing method. Got: '%s', Expected: 'Namespace.method'", msg.Method))
		return
	}

	s.handlerMu.RLock()
	h, ok := s.handlers[namespace]
	s.handlerMu.RUnlock()
	if !ok {
		s.sendError(c, logger, id, "No such namespace")
		return
	}
	m, ok := h.Methods()[verb]
	if !ok || m.Fn == nil {
		s.sendError(c, logger, id, "No such method")
		return
	}

	started := time.Now()
	logger.Debug("request", "id", id, "method", msg.Method)
	reply := s.invoke(ctx, logger, m.Fn, &Call{ClientID: c.id, Method: msg.Method, Params: msg.Params})

	select {
	case <-reply.Done():
		s.sendReply(c, logger, id, msg.Method, reply, started)
		return
	default:
	}

	timeout := reply.timeout
	if timeout <= 0 {
		timeout = s.replyTimeout
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-reply.Done():
			s.sendReply(c, logger, id, msg.Method, reply, started)
		case <-t.C:
			// A late Finish after this point reports ErrReplyFinished.
			_ = reply.Fail("Command timed out")
			logger.Warn("call timed out", "id", id, "method", msg.Method, "timeout", timeout)
			s.sendReply(c, logger, id, msg.Method, reply, started)
		case <-ctx.Done():
		}
	}()
}

func (s *Server) invoke(ctx context.Context, logger *slog.Logger, fn MethodFunc, call *Call) (reply *Reply) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("method panic", "method", call.Method, "panic", r)
			reply = ErrorReply("Internal error")
		}
	}()
	reply = fn(ctx, call)
	if reply == nil {
		reply = NewReply(nil)
	}
	return reply
}

func (s *Server) sendReply(c *serverClient, logger *slog.Logger, id int, method string, reply *Reply, started time.Time) {
	params, errMsg := reply.result()
	status := StatusSuccess
	if errMsg != "" {
		status = StatusFailure
	}
	s.metrics.CallDone(method, status, time.Since(started).Seconds())

	if errMsg != "" {
		s.sendError(c, logger, id, errMsg)
		return
	}
	raw, err := marshalParams(params)
	if err != nil {
		logger.Error("encode reply", "method", method, "err", err)
		s.sendError(c, logger, id, "Internal error")
		return
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	s.write(c, logger, Message{ID: &id, Status: StatusSuccess, Params: raw})
}

func (s *Server) sendError(c *serverClient, logger *slog.Logger, id int, msg string) {
	s.write(c, logger, Message{ID: &id, Status: StatusFailure, Error: msg})
}

func (s *Server) write(c *serverClient, logger *slog.Logger, msg Message) {
	if err := c.w.WriteFrame(msg); err != nil {
		logger.Warn("write failed, closing client", "err", err)
		c.rwc.Close()
	}
}

// Notify broadcasts a notification to every client that has notifications
// enabled for the method's namespace.
func (s *Server) Notify(method string, params any) {
	raw, err := marshalParams(params)
	if err != nil {
		s.logger.Error("encode notification", "method", method, "err", err)
		return
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	data, err := frame.Encode(Message{Method: method, Params: raw})
	if err != nil {
		s.logger.Error("encode notification", "method", method, "err", err)
		return
	}
	namespace, _, _ := SplitMethod(method)
	s.metrics.Notification(method)

	s.clientMu.RLock()
	clients := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		if c.wants(namespace) {
			clients = append(clients, c)
		}
	}
	s.clientMu.RUnlock()

	for _, c := range clients {
		if err := c.w.WriteRaw(data); err != nil {
			s.logger.Warn("notification write failed", "client", c.id, "method", method, "err", err)
			c.rwc.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.clients)
}

func (s *Server) client(id string) *serverClient {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.clients[id]
}

// introspect builds the self-describing catalogue served by JSONRPC.Introspect.
func (s *Server) introspect() map[string]any {
	s.handlerMu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	handlers := make(map[string]Handler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.handlerMu.RUnlock()
	sort.Strings(names)

	methods := make(map[string]any)
	notifications := make(map[string]any)
	types := make(map[string]any)
	for _, name := range names {
		h := handlers[name]
		for verb, m := range h.Methods() {
			methods[name+"."+verb] = map[string]any{
				"description": m.Description,
				"params":      orEmpty(m.Params),
				"returns":     orEmpty(m.Returns),
			}
		}
		for verb, n := range h.Notifications() {
			notifications[name+"."+verb] = map[string]any{
				"description": n.Description,
				"params":      orEmpty(n.Params),
			}
		}
		if td, ok := h.(TypeDescriber); ok {
			for k, v := range td.Types() {
				types[k] = v
			}
		}
	}
	return map[string]any{
		"methods":       methods,
		"notifications": notifications,
		"types":         types,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
