package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/metric"
	"github.com/c360/tokenstream/pkg/buffer"
	"github.com/c360/tokenstream/session"
)

// Inbound and outbound message types.
const (
	msgTypeStart     = "start"
	msgTypeCancel    = "cancel"
	msgTypeStatus    = "status"
	msgTypeHeartbeat = "heartbeat"
	msgTypeSession   = "session"
	msgTypeCancelled = "cancelled"
	msgTypeError     = "error"
)

// Envelope wraps every text message between client and server.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StartPayload is the payload of a start request.
type StartPayload struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Strategy     string  `json:"strategy,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Priority     int     `json:"priority,omitempty"`
}

// SessionPayload identifies a session in cancel/status requests and
// session/cancelled replies.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// ErrorPayload carries an error reply.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Sessions is the slice of the session manager the transport needs.
type Sessions interface {
	Start(req session.StartRequest) (*session.Session, error)
	Cancel(sessionID string) (bool, error)
	Get(sessionID string) (session.Snapshot, error)
}

// outFrame is one queued outbound websocket message.
type outFrame struct {
	payload []byte
	binary  bool
}

// wsConn is the server's record of one websocket connection.
type wsConn struct {
	clientID string
	conn     *websocket.Conn

	// queue decouples producers from the socket; a single writer
	// goroutine drains it because gorilla connections do not allow
	// concurrent writes
	queue  buffer.Buffer[outFrame]
	notify chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *wsConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics enables prometheus metrics via the shared core metrics.
func WithServerMetrics(m *metric.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is the websocket endpoint. It upgrades connections, reads
// client envelopes, dispatches session operations, and writes batch
// frames queued by the Batcher.
type Server struct {
	cfg config.TransportConfig

	sessions Sessions
	registry *Registry
	batcher  *Batcher

	upgrader websocket.Upgrader
	server   *http.Server
	health   http.Handler

	conns   map[string]*wsConn
	connsMu sync.RWMutex

	logger  *slog.Logger
	metrics *metric.Metrics

	// Lifecycle
	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	running     bool
	shutdown    chan struct{}
	wg          *sync.WaitGroup
}

// NewServer creates the websocket server. Attach the session manager
// with AttachSessions and the batcher with AttachBatcher before Start;
// the construction order is circular otherwise, because the manager's
// sink is the batcher and the batcher's sender is this server.
func NewServer(cfg config.TransportConfig, registry *Registry, options ...ServerOption) (*Server, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "TransportServer", "New",
			"connection registry is required")
	}
	if cfg.ListenAddr == "" || cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "TransportServer", "New",
			"listen address and path are required")
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		conns:  make(map[string]*wsConn),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	// Idle reaps go through the same teardown as read failures, so the
	// batch flush, socket close, and registry removal stay in one place
	registry.AttachIdleHandler(s.handleIdle)

	return s, nil
}

// handleIdle tears down a connection the registry found idle. The
// registry entry can outlive the socket when a reconnect replaced it;
// in that case only the entry is removed.
func (s *Server) handleIdle(clientID string) {
	s.connsMu.RLock()
	c, ok := s.conns[clientID]
	s.connsMu.RUnlock()

	if !ok {
		s.registry.Unregister(clientID)
		return
	}
	s.dropConn(c)
}

// AttachSessions wires the session manager.
func (s *Server) AttachSessions(sessions Sessions) {
	s.sessions = sessions
}

// AttachBatcher wires the chunk batcher.
func (s *Server) AttachBatcher(b *Batcher) {
	s.batcher = b
}

// AttachHealth mounts a health handler on /healthz.
func (s *Server) AttachHealth(h http.Handler) {
	s.health = h
}

// Start begins serving websocket connections.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.sessions == nil || s.batcher == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TransportServer", "Start",
			"sessions and batcher must be attached before Start")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "TransportServer", "Start", "context already cancelled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	if s.health != nil {
		mux.Handle("/healthz", s.health)
	}
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}

	s.wg.Add(1)
	go s.runServer()

	s.running = true
	s.logger.Info("transport server started",
		"addr", s.cfg.ListenAddr, "path", s.cfg.Path)
	return nil
}

func (s *Server) runServer() {
	defer s.wg.Done()

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error("transport server failed", "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("transport", "server")
		}
	}
}

// Stop drains connections and shuts the listener down.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	server := s.server
	wg := s.wg
	s.mu.Unlock()

	// Flush pending batches while the sockets are still open
	if s.batcher != nil {
		if err := s.batcher.Close(); err != nil {
			s.logger.Warn("batcher close failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}

	s.connsMu.Lock()
	for _, c := range s.conns {
		s.closeConn(c)
	}
	s.conns = make(map[string]*wsConn)
	s.connsMu.Unlock()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "TransportServer", "Stop",
			"timeout waiting for connection goroutines")
	}
}

// SendFrame implements FrameSender. The frame joins the connection's
// outbound queue; the writer goroutine drains it in order. A queue that
// stays full past the send timeout means the client is not keeping up,
// and the connection is dropped rather than losing frames.
func (s *Server) SendFrame(_ context.Context, clientID string, payload []byte, binary bool) error {
	s.connsMu.RLock()
	c, ok := s.conns[clientID]
	s.connsMu.RUnlock()

	if !ok || c.closed.Load() {
		return errors.WrapTransient(errors.ErrConnectionNotFound, "TransportServer", "SendFrame",
			"no connection for client "+clientID)
	}

	if err := c.queue.WriteWithTimeout(outFrame{payload: payload, binary: binary}, s.sendTimeout()); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("outbound queue full, dropping connection", "client", clientID)
			go s.dropConn(c)
			return errors.WrapTransient(errors.ErrQueueFull, "TransportServer", "SendFrame",
				"client "+clientID+" not draining its queue")
		}
		return errors.WrapTransient(err, "TransportServer", "SendFrame", "enqueue frame")
	}
	c.wake()
	return nil
}

// sendTimeout bounds socket writes and queue waits.
func (s *Server) sendTimeout() time.Duration {
	if d := s.cfg.SendTimeout.Std(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// handleUpgrade upgrades an HTTP request and runs the connection.
// Clients may supply their identity with the client_id query parameter;
// anonymous connections get a generated one.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = "anon-" + uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("transport", "upgrade")
		}
		return
	}

	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	// Block on overflow: dropping a queued frame would open a sequence
	// gap mid-stream. A producer that cannot enqueue within the send
	// timeout drops the whole connection instead.
	queue, err := buffer.NewCircularBuffer[outFrame](queueSize,
		buffer.WithOverflowPolicy[outFrame](buffer.Block),
	)
	if err != nil {
		_ = conn.Close()
		return
	}

	c := &wsConn{
		clientID: clientID,
		conn:     conn,
		queue:    queue,
		notify:   make(chan struct{}, 1),
	}

	// A reconnecting client replaces its previous socket
	s.connsMu.Lock()
	if old, ok := s.conns[clientID]; ok {
		s.closeConn(old)
	}
	s.conns[clientID] = c
	s.connsMu.Unlock()

	s.registry.Register(clientID)

	s.wg.Add(2)
	go s.readLoop(c)
	go s.writeLoop(c)
}

// readLoop processes inbound envelopes until the connection drops.
func (s *Server) readLoop(c *wsConn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	idle := s.cfg.ConnectionTimeout.Std()
	if idle <= 0 {
		idle = 60 * time.Second
	}

	c.conn.SetPongHandler(func(string) error {
		s.registry.Touch(c.clientID)
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		s.registry.RecordReceive(c.clientID, len(data))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(c, "", "invalid envelope")
			continue
		}

		s.dispatch(c, env)
	}
}

// dispatch routes one inbound envelope.
func (s *Server) dispatch(c *wsConn, env Envelope) {
	switch env.Type {
	case msgTypeStart:
		s.handleStart(c, env)
	case msgTypeCancel:
		s.handleCancel(c, env)
	case msgTypeStatus:
		s.handleStatus(c, env)
	case msgTypeHeartbeat:
		s.handleHeartbeat(c, env)
	default:
		s.sendError(c, env.ID, "unknown message type: "+env.Type)
	}
}

func (s *Server) handleStart(c *wsConn, env Envelope) {
	var p StartPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(c, env.ID, "invalid start payload")
		return
	}

	sess, err := s.sessions.Start(session.StartRequest{
		ClientID:     c.clientID,
		Prompt:       p.Prompt,
		SystemPrompt: p.SystemPrompt,
		Strategy:     session.Strategy(p.Strategy),
		Model:        p.Model,
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
		Priority:     p.Priority,
	})
	if err != nil {
		s.sendError(c, env.ID, err.Error())
		return
	}

	s.registry.Bind(c.clientID, sess.ID)
	s.sendEnvelope(c, Envelope{Type: msgTypeSession, ID: env.ID},
		SessionPayload{SessionID: sess.ID, State: string(sess.State())})
}

func (s *Server) handleCancel(c *wsConn, env Envelope) {
	var p SessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(c, env.ID, "invalid cancel payload")
		return
	}

	cancelled, err := s.sessions.Cancel(p.SessionID)
	if err != nil {
		s.sendError(c, env.ID, err.Error())
		return
	}
	if cancelled {
		s.registry.Unbind(c.clientID, p.SessionID)
	}
	s.sendEnvelope(c, Envelope{Type: msgTypeCancelled, ID: env.ID},
		SessionPayload{SessionID: p.SessionID, Cancelled: cancelled})
}

func (s *Server) handleStatus(c *wsConn, env Envelope) {
	var p SessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(c, env.ID, "invalid status payload")
		return
	}

	snap, err := s.sessions.Get(p.SessionID)
	if err != nil {
		s.sendError(c, env.ID, err.Error())
		return
	}
	s.sendEnvelope(c, Envelope{Type: msgTypeStatus, ID: env.ID}, snap)
}

// handleHeartbeat echoes the envelope and records the round trip when
// the client timestamps its heartbeats.
func (s *Server) handleHeartbeat(c *wsConn, env Envelope) {
	if env.Timestamp > 0 {
		rtt := time.Since(time.UnixMilli(env.Timestamp))
		if rtt > 0 {
			s.registry.Heartbeat(c.clientID, rtt)
		}
	}
	s.sendEnvelope(c, Envelope{Type: msgTypeHeartbeat, ID: env.ID}, nil)
}

func (s *Server) sendError(c *wsConn, correlationID, message string) {
	s.sendEnvelope(c, Envelope{Type: msgTypeError, ID: correlationID},
		ErrorPayload{Message: message})
}

// sendEnvelope queues a control envelope as a JSON text frame.
func (s *Server) sendEnvelope(c *wsConn, env Envelope, payload any) {
	env.Timestamp = time.Now().UnixMilli()
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("envelope payload marshal failed", "error", err)
			return
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("envelope marshal failed", "error", err)
		return
	}

	if err := c.queue.WriteWithTimeout(outFrame{payload: data}, s.sendTimeout()); err == nil {
		c.wake()
	}
}

// writeLoop is the single writer for a connection. It drains the
// outbound queue and sends periodic pings.
func (s *Server) writeLoop(c *wsConn) {
	defer s.wg.Done()

	sendTimeout := s.sendTimeout()

	pingInterval := s.cfg.ConnectionTimeout.Std() / 2
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-s.shutdown:
			s.drainQueue(c, sendTimeout)
			return
		case <-pinger.C:
			if c.closed.Load() {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.dropConn(c)
				return
			}
		case <-c.notify:
			if !s.drainQueue(c, sendTimeout) {
				s.dropConn(c)
				return
			}
		}
	}
}

// drainQueue writes every queued frame. Returns false when the
// connection failed and was dropped.
func (s *Server) drainQueue(c *wsConn, sendTimeout time.Duration) bool {
	for {
		frames := c.queue.ReadBatch(16)
		if len(frames) == 0 {
			return true
		}
		for _, frame := range frames {
			if c.closed.Load() {
				return false
			}
			messageType := websocket.TextMessage
			if frame.binary {
				messageType = websocket.BinaryMessage
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(messageType, frame.payload); err != nil {
				s.logger.Warn("frame write failed",
					"client", c.clientID, "error", err)
				return false
			}
			s.registry.RecordSend(c.clientID, len(frame.payload))
		}
	}
}

// dropConn tears a connection down: flushes its pending batch, removes
// it from the maps, cancels bound sessions via the registry, and
// closes the socket.
func (s *Server) dropConn(c *wsConn) {
	c.closeOnce.Do(func() {
		// Flush buffered chunks before the socket closes
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if s.batcher != nil {
			if err := s.batcher.FlushClient(ctx, c.clientID); err != nil {
				s.logger.Debug("disconnect flush failed",
					"client", c.clientID, "error", err)
			}
		}

		s.drainQueue(c, time.Second)
		s.closeConn(c)

		s.connsMu.Lock()
		if current, ok := s.conns[c.clientID]; ok && current == c {
			delete(s.conns, c.clientID)
		}
		s.connsMu.Unlock()

		s.registry.Unregister(c.clientID)
	})
}

// closeConn closes the socket and queue without registry bookkeeping.
func (s *Server) closeConn(c *wsConn) {
	c.closed.Store(true)
	_ = c.conn.Close()
	_ = c.queue.Close()
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s%s", s.cfg.ListenAddr, s.cfg.Path)
}
