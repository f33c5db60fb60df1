// Package channel is the real-time event channel: one multiplexed websocket
// connection with per-session room membership.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/xaenox/supportchat/internal/models"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("event channel not connected")
	ErrClosed       = errors.New("event channel closed")
)

const writeTimeout = 10 * time.Second

// Conn is the part of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket dials with gorilla's default dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Config struct {
	URL                  string
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
}

type Client struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	mu       sync.Mutex
	conn     Conn
	joined   map[string]struct{}
	closed   bool
	handlers map[EventKind][]Handler
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	c := &Client{
		cfg:      cfg,
		dial:     DialWebsocket,
		logger:   logger,
		joined:   make(map[string]struct{}),
		handlers: make(map[EventKind][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers a handler for an inbound event kind. Register handlers before
// calling Run.
func (c *Client) On(kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// Join registers interest in a session. Joining twice is a no-op. While
// disconnected the membership is recorded and sent on connect.
func (c *Client) Join(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.joined[sessionID]; ok {
		return nil
	}
	c.joined[sessionID] = struct{}{}
	if c.conn == nil {
		return nil
	}
	if err := c.writeLocked(EventJoin, MembershipPayload{SessionID: sessionID}); err != nil {
		c.logger.Warn("Failed to send join, will rejoin on reconnect",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	c.logger.Debug("Joined session", zap.String("session_id", sessionID))
	return nil
}

// Leave deregisters a session.
func (c *Client) Leave(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[sessionID]; !ok {
		return nil
	}
	delete(c.joined, sessionID)
	if c.conn == nil {
		return nil
	}
	if err := c.writeLocked(EventLeave, MembershipPayload{SessionID: sessionID}); err != nil {
		c.logger.Warn("Failed to send leave", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	c.logger.Debug("Left session", zap.String("session_id", sessionID))
	return nil
}

// Send emits a send intent on the live connection.
func (c *Client) Send(p SendPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.writeLocked(EventSend, p)
}

// Joined returns the sessions the client is a member of, sorted.
func (c *Client) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps the connection alive until ctx is done or Close is called. After a
// transport loss it reconnects with exponential backoff and rejoins every
// session still joined. It returns a transport error once reconnection has
// failed MaxReconnectAttempts times in a row.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			c.logger.Error("Giving up on event channel", zap.String("url", c.cfg.URL), zap.Error(err))
			return models.NewError(models.KindTransport, "connect", "", "could not reach the event channel", err)
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = c.readLoop(conn)
		stop()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()
		conn.Close()

		if closed || ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Event channel lost, reconnecting", zap.Error(err))
	}
}

func (c *Client) connect(ctx context.Context) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxReconnectAttempts)), ctx)

	var conn Conn
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		var err error
		conn, err = c.dial(ctx, c.cfg.URL)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Event channel dial failed",
			zap.String("url", c.cfg.URL), zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.writeLocked(EventJoin, MembershipPayload{SessionID: id}); err != nil {
			c.logger.Warn("Failed to rejoin session", zap.String("session_id", id), zap.Error(err))
		}
	}
	c.logger.Info("Event channel connected",
		zap.String("url", c.cfg.URL), zap.Int("rejoined", len(ids)))
	return conn, nil
}

func (c *Client) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Dropping unreadable frame", zap.Error(err))
			continue
		}
		var ref MembershipPayload
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.SessionID == "" {
			c.logger.Warn("Dropping event without session id", zap.String("event", string(frame.Event)))
			continue
		}
		c.dispatch(Event{Kind: frame.Event, SessionID: ref.SessionID, Data: frame.Data})
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("No handler for event",
			zap.String("event", string(ev.Kind)), zap.String("session_id", ev.SessionID))
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) writeLocked(kind EventKind, payload any) error {
	data, err := encodeFrame(kind, payload)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down and stops Run. Memberships are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.joined = make(map[string]struct{})
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
