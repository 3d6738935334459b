// Package channel connects a participant to the relay over a websocket. It
// reconnects with exponential backoff and mints a fresh origin id for every
// connection, so echoes of edits sent through an earlier connection are never
// mistaken for acknowledgements.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/fieldsync"
)

var (
	ErrNotConnected = errors.New("channel: not connected")
	ErrQueueFull    = errors.New("channel: send queue full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// Handler receives inbound frames. Connected runs before any frame of the new
// connection is dispatched.
type Handler interface {
	Connected(ctx context.Context, originID string)
	Broadcast(ctx context.Context, b fieldsync.Broadcast)
	Cursor(ctx context.Context, c fieldsync.CursorUpdate)
	Event(ctx context.Context, ev fieldsync.Event)
}

// Client is a reconnecting websocket connection to the relay. It implements
// fieldsync.Outbound.
type Client struct {
	url      string
	authorID int
	handler  Handler
	codec    Codec
	dialer   *websocket.Dialer
	logger   *slog.Logger
	newID    func() string
	initial  time.Duration
	maxWait  time.Duration

	mu       sync.Mutex
	send     chan []byte
	originID string
}

// Option configures a Client.
type Option func(*Client)

func WithCodec(c Codec) Option              { return func(cl *Client) { cl.codec = c } }
func WithLogger(l *slog.Logger) Option      { return func(cl *Client) { cl.logger = l } }
func WithDialer(d *websocket.Dialer) Option { return func(cl *Client) { cl.dialer = d } }

// WithBackoff sets the first and the largest reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(cl *Client) { cl.initial, cl.maxWait = initial, max }
}

// WithOriginIDs replaces the origin id generator.
func WithOriginIDs(gen func() string) Option { return func(cl *Client) { cl.newID = gen } }

// NewClient returns a client for the relay endpoint rawURL, for example
// ws://relay:8081/ws/12.
func NewClient(rawURL string, authorID int, h Handler, opts ...Option) *Client {
	c := &Client{
		url:      rawURL,
		authorID: authorID,
		handler:  h,
		codec:    JSON,
		dialer:   websocket.DefaultDialer,
		logger:   slog.Default(),
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		initial:  500 * time.Millisecond,
		maxWait:  30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OriginID returns the id of the current connection, or "" when offline.
func (c *Client) OriginID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originID
}

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Run keeps a connection open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.maxWait
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		connected, err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Info("channel: reconnecting", "url", c.url, "in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) SendEdit(_ context.Context, e fieldsync.Edit) error {
	return c.enqueue(Envelope{Type: TypeEdit, Edit: &e})
}

func (c *Client) SendCursor(_ context.Context, cu fieldsync.CursorUpdate) error {
	return c.enqueue(Envelope{Type: TypeCursor, Cursor: &cu})
}

func (c *Client) enqueue(env Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", env.Type, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) dialURL(originID string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("channel: parse url: %w", err)
	}
	q := u.Query()
	q.Set("author", strconv.Itoa(c.authorID))
	q.Set("origin", originID)
	q.Set("codec", c.codec.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve runs one connection to completion. connected reports whether the
// dial succeeded.
func (c *Client) serve(ctx context.Context) (connected bool, err error) {
	originID := c.newID()
	target, err := c.dialURL(originID)
	if err != nil {
		return false, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("channel: dial: %w", err)
	}
	defer conn.Close()

	send := make(chan []byte, sendQueueSize)
	c.mu.Lock()
	c.send, c.originID = send, originID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send, c.originID = nil, ""
		c.mu.Unlock()
	}()
	c.logger.Info("channel: connected", "url", c.url, "origin", originID)

	c.handler.Connected(ctx, originID)

	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() { writeErr <- c.writePump(conn, send, done) }()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = c.readPump(ctx, conn)
	close(done)
	if werr := <-writeErr; err == nil {
		err = werr
	}
	return true, err
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("channel: read: %w", err)
		}
		env, err := Decode(c.codec, data)
		if err != nil {
			c.logger.Warn("channel: dropping frame", "error", err)
			continue
		}
		switch env.Type {
		case TypeBroadcast:
			c.handler.Broadcast(ctx, *env.Broadcast)
		case TypeCursor:
			c.handler.Cursor(ctx, *env.Cursor)
		case TypeEvent:
			c.handler.Event(ctx, *env.Event)
		default:
			c.logger.Warn("channel: unexpected frame from relay", "type", env.Type)
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(c.codec.MessageType(), msg); err != nil {
				conn.Close()
				return fmt.Errorf("channel: write: %w", err)
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return fmt.Errorf("channel: ping: %w", err)
			}
		}
	}
}
