package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a frame to the server.
	pongWait       = 60 * time.Second // Time allowed between server pings.
	maxMessageSize = 8 << 20          // Inline images travel in newMessage frames.

	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// Client is a Channel over a gorilla WebSocket. It reconnects on its own after
// an unexpected drop until Disconnect is called.
type Client struct {
	rawURL string
	userID string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string][]Handler
	conn      *websocket.Conn
	connected bool
	stop      chan struct{}

	writeMu sync.Mutex
}

type ClientOption func(*Client)

// WithJar authenticates the handshake with the REST session cookie.
func WithJar(jar http.CookieJar) ClientOption {
	return func(c *Client) { c.dialer.Jar = jar }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient prepares a channel for userID; nothing is dialed until Connect.
func NewClient(rawURL, userID string, opts ...ClientOption) *Client {
	d := *websocket.DefaultDialer
	c := &Client{
		rawURL:   rawURL,
		userID:   userID,
		dialer:   &d,
		logger:   slog.Default(),
		handlers: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server. It is a no-op while a connection is live.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected {
		// Lost a race with another Connect.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	if c.stop != nil {
		// Supersede a reconnect loop still running from a dropped connection.
		close(c.stop)
	}
	c.conn = conn
	c.connected = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.logger.Info("push channel connected", "user_id", c.userID)
	go c.run(conn, stop)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return nil, fmt.Errorf("push: parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", c.userID)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push: dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("push: dial %s: %w", u.Host, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Disconnect closes the connection and stops reconnecting. No-op when not
// connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected && c.stop == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.logger.Info("push channel disconnected", "user_id", c.userID)
}

// Connected reports the live connection state, not merely handle existence.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// On adds h for event.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Off removes every handler for event.
func (c *Client) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// run owns one logical connection: it reads until the socket drops, then
// redials, until stop is closed.
func (c *Client) run(conn *websocket.Conn, stop chan struct{}) {
	for conn != nil {
		c.readPump(conn, stop)
		conn = c.reconnect(conn, stop)
	}
}

// readPump is the channel's single execution context: frames are decoded and
// handlers run here, one at a time.
func (c *Client) readPump(conn *websocket.Conn, stop chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("push channel read failed", "error", err)
				}
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn("push channel dropped malformed frame", "error", err)
		return
	}

	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(env.Data)
	}
}

// reconnect marks the dropped connection down and redials with capped
// exponential backoff. It returns nil once stop is closed.
func (c *Client) reconnect(dropped *websocket.Conn, stop chan struct{}) *websocket.Conn {
	_ = dropped.Close()

	c.mu.Lock()
	if c.conn == dropped {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	delay := minReconnectDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		next, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("push channel reconnect failed", "error", err, "retry_in", delay)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		c.mu.Lock()
		select {
		case <-stop:
			c.mu.Unlock()
			_ = next.Close()
			return nil
		default:
		}
		c.conn = next
		c.connected = true
		c.mu.Unlock()

		c.logger.Info("push channel reconnected", "user_id", c.userID)
		return next
	}
}
