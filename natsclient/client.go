// Package natsclient manages the NATS connection used for session
// event fan-out and the optional JetStream KV cache backend.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by publish operations before Connect
// succeeds or after the connection closes.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client manages a NATS connection with automatic reconnection.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientName sets the connection name visible to server monitoring.
func WithClientName(name string) ClientOption {
	return func(c *Client) {
		c.clientName = name
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a client from the NATS section of the configuration.
func New(cfg config.NATSConfig, opts ...ClientOption) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSClient", "New",
			"at least one NATS URL is required")
	}

	c := &Client{
		url:           strings.Join(cfg.URLs, ","),
		logger:        slog.Default(),
		maxReconnects: cfg.MaxReconnects,
		reconnectWait: cfg.ReconnectWait.Std(),
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		clientName:    "tokenstream",
	}
	if c.maxReconnects == 0 {
		c.maxReconnects = -1
	}
	if c.reconnectWait <= 0 {
		c.reconnectWait = 2 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the configured server URL list.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			c.mu.Lock()
			c.js = js
			c.mu.Unlock()
		}

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "NATSClient", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "NATSClient", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	} else {
		c.logger.Warn("NATS disconnected")
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected)
	c.logger.Warn("NATS connection closed")
}

// Publish sends a message on a core NATS subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context for KV access.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"NATSClient", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// Close drains and closes the connection. The drain is bounded by the
// context deadline when one is set.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.setStatus(StatusDisconnected)
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	var drainErr error
	drainDone := make(chan error, 1)
	go func() {
		drainDone <- c.conn.Drain()
	}()

	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "NATSClient", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout),
			"NATSClient", "Close", "drain timeout")
		c.logger.Error("drain timeout, force closing", "timeout", drainTimeout)
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "NATSClient", "Close", "context cancelled during drain")
	}

	c.conn.Close()
	c.conn = nil
	c.setStatus(StatusDisconnected)
	return drainErr
}
