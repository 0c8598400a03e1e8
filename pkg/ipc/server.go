package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// HandlerFunc processes request params and returns a result or a
// structured error. Handlers may suspend (confirmation waits, queue
// admission); each request runs on its own goroutine so a suspended
// handler never blocks later frames on the same channel.
type HandlerFunc func(context.Context, json.RawMessage) (any, *Error)

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency
// cycles.
type Logger interface {
	Printf(format string, v ...any)
}

// Server multiplexes wallet requests arriving over Unix-socket channels
// and broadcasts subscription envelopes to every connected channel.
type Server struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	channels map[*serverChannel]struct{}
	closed   bool
	logger   Logger
}

// serverChannel is one connected front-end context. Outbound envelopes
// funnel through send so each channel observes its own messages in send
// order regardless of which goroutine produced them.
type serverChannel struct {
	conn net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *serverChannel) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewServer constructs an IPC server with an empty dispatch table.
func NewServer(logger Logger) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		channels: make(map[*serverChannel]struct{}),
		logger:   logger,
	}
}

// Register installs a handler for a method. The dispatch table is keyed
// by method name; registering a method twice replaces the handler.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start begins accepting connections on endpoint.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("nil server")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logf("accept error: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ch := &serverChannel{
		conn: conn,
		send: make(chan []byte, 32),
		done: make(chan struct{}),
	}
	s.register(ch)
	defer s.unregister(ch)
	go ch.writeLoop()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.sendError(ch, env.ReqID, Errorf(CodeProtocol, "invalid json"))
			continue
		}
		if env.Type != TypeRequest {
			// Channels only ever send requests inbound; anything else is
			// a protocol violation.
			s.sendError(ch, env.ReqID, Errorf(CodeProtocol, "unexpected envelope type"))
			continue
		}
		go s.dispatch(ctx, ch, env)
	}
}

func (ch *serverChannel) writeLoop() {
	for {
		select {
		case <-ch.done:
			return
		case payload := <-ch.send:
			if err := writeFrame(ch.conn, payload); err != nil {
				ch.close()
				return
			}
		}
	}
}

// enqueue queues an outbound envelope; delivery is best-effort and a
// wedged channel is disconnected rather than allowed to block the sender.
func (ch *serverChannel) enqueue(payload []byte) bool {
	select {
	case <-ch.done:
		return false
	case ch.send <- payload:
		return true
	default:
		ch.close()
		return false
	}
}

func (s *Server) dispatch(ctx context.Context, ch *serverChannel, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("handler panic: %v", r)
			s.sendError(ch, env.ReqID, Errorf(CodeProtocol, "unexpected error"))
		}
	}()

	var req Request
	if err := json.Unmarshal(env.Data, &req); err != nil || req.Method == "" {
		s.sendError(ch, env.ReqID, Errorf(CodeProtocol, "invalid request payload"))
		return
	}
	handler := s.lookupHandler(req.Method)
	if handler == nil {
		s.sendError(ch, env.ReqID, Errorf(CodeProtocol, fmt.Sprintf("unknown method %q", req.Method)))
		return
	}
	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		if rpcErr.Message == "" {
			rpcErr = Errorf(rpcErr.Code, "unexpected error")
		}
		s.sendError(ch, env.ReqID, rpcErr)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.sendError(ch, env.ReqID, Errorf(CodeProtocol, err.Error()))
		return
	}
	s.sendEnvelope(ch, Envelope{Type: TypeResponse, ReqID: env.ReqID, Data: raw})
}

func (s *Server) lookupHandler(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

func (s *Server) register(ch *serverChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch] = struct{}{}
}

// unregister is idempotent: removing an already-removed channel is a no-op.
func (s *Server) unregister(ch *serverChannel) {
	s.mu.Lock()
	if _, ok := s.channels[ch]; ok {
		delete(s.channels, ch)
	}
	s.mu.Unlock()
	ch.close()
}

// ChannelCount reports the number of currently registered channels.
func (s *Server) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Broadcast sends a subscription envelope to every registered channel.
// Delivery is best-effort per channel; a failed or slow channel never
// aborts delivery to the others.
func (s *Server) Broadcast(note Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		s.logf("notification marshal error: %v", err)
		return
	}
	payload, err := json.Marshal(Envelope{Type: TypeSubscription, Data: data})
	if err != nil {
		s.logf("broadcast marshal error: %v", err)
		return
	}
	s.mu.RLock()
	targets := make([]*serverChannel, 0, len(s.channels))
	for ch := range s.channels {
		targets = append(targets, ch)
	}
	s.mu.RUnlock()
	for _, ch := range targets {
		if !ch.enqueue(payload) {
			s.logf("dropping notification for dead channel")
		}
	}
}

func (s *Server) sendEnvelope(ch *serverChannel, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logf("envelope marshal error: %v", err)
		return
	}
	ch.enqueue(payload)
}

func (s *Server) sendError(ch *serverChannel, reqID string, rpcErr *Error) {
	s.sendEnvelope(ch, Envelope{
		Type:    TypeError,
		ReqID:   reqID,
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
	})
}

// Stop shuts down the listener and disconnects every channel.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*serverChannel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	ln := s.ln
	s.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}
