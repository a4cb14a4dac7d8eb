// Package client is a websocket client for the padsync protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/ws"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 256
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("client closed")

// AckError is an error the server reported in reply to a request.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// Client is one connection to a padsync server. Events other than acks are
// delivered on Events in arrival order.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex // serialises all conn writes

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan ws.Frame
	err     error

	events    chan ws.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url, which points at the server's /ws endpoint. token
// may be empty.
func Dial(ctx context.Context, url, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set(ws.TokenHeader, token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan ws.Frame),
		events:  make(chan ws.Frame, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Events returns the stream of server events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan ws.Frame { return c.events }

// Err returns the error that ended the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Emit sends event without asking for an ack.
func (c *Client) Emit(event string, data any) error {
	return c.write(event, nil, data)
}

// Request sends event and waits for its ack. Mutations sent before a pad
// is loaded are never acked, so ctx should carry a deadline.
func (c *Client) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.seq++
	id := c.seq
	ch := make(chan ws.Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(event, &id, data); err != nil {
		return nil, err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if f.Error != nil {
			return nil, &AckError{Event: event, Message: *f.Error}
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetPadID opens the pad with the given read or write id.
func (c *Client) SetPadID(ctx context.Context, id string) error {
	_, err := c.Request(ctx, ws.MsgSetPadID, id)
	return err
}

// UpdateBbox moves the viewport.
func (c *Client) UpdateBbox(ctx context.Context, b geo.BoundingBox) error {
	_, err := c.Request(ctx, ws.MsgUpdateBbox, b)
	return err
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(event string, id *uint64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ws.Request{Event: event, ID: id, Data: raw})
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if f.Event == "ack" {
			c.resolve(f)
			continue
		}
		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(f ws.Frame) {
	if f.ID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*f.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown request", zap.Uint64("id", *f.ID))
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// pingLoop sends periodic pings until the client closes.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
