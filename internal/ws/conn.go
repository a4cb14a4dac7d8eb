package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/hub"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/session"
)

// maxPendingJobs bounds the subscription requests queued behind a running
// load.
const maxPendingJobs = 8

// ErrBusy is acked when a client queues more subscription requests than
// the connection buffers.
var ErrBusy = errors.New("Too many pending requests.")

// job is a subscription request handled by the connection's worker.
type job struct {
	req  Request
	bbox geo.BoundingBox
}

// conn ties one websocket to one session. The read pump handles mutations
// inline, the worker runs pad and bbox loads, and the write pump owns every
// write to the socket.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	sess   *session.Session
	logger *zap.Logger

	mu    sync.Mutex
	queue []job
	wake  chan struct{}
}

func newConn(srv *Server, ws *websocket.Conn, sess *session.Session) *conn {
	return &conn{
		srv:  srv,
		ws:   ws,
		sess: sess,
		logger: srv.logger.With(
			zap.String("session", sess.ID),
			zap.String("remote", sess.Remote),
		),
		wake: make(chan struct{}, 1),
	}
}

func (c *conn) start() {
	go c.writePump()
	go c.work()
	go c.readPump()
}

func (c *conn) readPump() {
	defer c.srv.hub.Disconnect(c.sess)

	opts := c.srv.config.Sync
	c.ws.SetReadLimit(opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("connection lost", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		c.dispatch(data)
	}
}

func (c *conn) dispatch(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.Event == "" {
		c.logger.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
		return
	}

	switch req.Event {
	case MsgSetPadID, MsgCreatePad:
		c.enqueue(job{req: req})
	case MsgUpdateBbox:
		b, err := pad.ParseBbox(req.Data, c.srv.config.Sync.StrictPayloads)
		if err != nil {
			c.ack(req.ID, nil, err)
			return
		}
		c.enqueue(job{req: req, bbox: b})
	default:
		if !hub.IsMutation(req.Event) {
			c.ack(req.ID, nil, hub.ErrUnknownOperation)
			return
		}
		result, err := c.srv.hub.Handle(c.sess.Context(), c.sess, req.Event, req.Data)
		if errors.Is(err, hub.ErrNotBound) {
			c.logger.Debug("ignoring mutation before pad is loaded", zap.String("event", req.Event))
			return
		}
		c.ack(req.ID, result, err)
	}
}

// enqueue hands j to the worker. A pending bbox update is replaced by a
// newer one, and the superseded request is acked right away.
func (c *conn) enqueue(j job) {
	c.mu.Lock()
	var superseded *uint64
	replaced := false
	if j.req.Event == MsgUpdateBbox {
		for i := range c.queue {
			if c.queue[i].req.Event == MsgUpdateBbox {
				superseded = c.queue[i].req.ID
				c.queue[i] = j
				replaced = true
				break
			}
		}
	}
	full := !replaced && len(c.queue) >= maxPendingJobs
	if !replaced && !full {
		c.queue = append(c.queue, j)
	}
	c.mu.Unlock()

	switch {
	case full:
		c.ack(j.req.ID, nil, ErrBusy)
		return
	case replaced:
		c.ack(superseded, nil, nil)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) next() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return job{}, false
	}
	j := c.queue[0]
	c.queue = c.queue[1:]
	return j, true
}

// work runs subscription requests one at a time in arrival order.
func (c *conn) work() {
	ctx := c.sess.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			j, ok := c.next()
			if !ok || ctx.Err() != nil {
				break
			}
			c.run(ctx, j)
		}
	}
}

func (c *conn) run(ctx context.Context, j job) {
	h := c.srv.hub
	switch j.req.Event {
	case MsgSetPadID:
		var id string
		if err := json.Unmarshal(j.req.Data, &id); err != nil || id == "" {
			c.ack(j.req.ID, nil, hub.ErrInvalidPayload)
			return
		}
		err := h.SetPad(ctx, c.sess, id)
		if errors.Is(err, hub.ErrAlreadyBound) {
			err = nil
		}
		c.ack(j.req.ID, nil, err)
	case MsgCreatePad:
		data, err := h.CreatePad(ctx, c.sess, j.req.Data)
		if err != nil {
			c.ack(j.req.ID, nil, err)
			return
		}
		c.ack(j.req.ID, data, nil)
	case MsgUpdateBbox:
		c.ack(j.req.ID, nil, h.UpdateBbox(ctx, c.sess, j.bbox))
	}
}

// ack replies to a request that carried an id.
func (c *conn) ack(id *uint64, data any, err error) {
	if id == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.sess.Context(), c.srv.config.Sync.WriteTimeout)
	defer cancel()
	if err := c.srv.hub.Reply(ctx, c.sess, session.Ack(*id, data, err)); err != nil && !errors.Is(err, session.ErrClosed) {
		c.logger.Warn("failed to queue ack", zap.Uint64("id", *id), zap.Error(err))
	}
}

func (c *conn) writePump() {
	opts := c.srv.config.Sync
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.srv.hub.Disconnect(c.sess)
		c.ws.Close()
		c.srv.release(c)
	}()

	done := c.sess.Context().Done()
	for {
		select {
		case m := <-c.sess.Outbound():
			data, err := encode(m)
			if err != nil {
				c.logger.Error("failed to encode event", zap.String("event", m.Event), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-done:
			code, reason := websocket.CloseNormalClosure, ""
			if errors.Is(c.sess.Err(), session.ErrSlowConsumer) {
				code, reason = websocket.CloseTryAgainLater, "slow consumer"
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(opts.WriteTimeout))
			return
		}
	}
}
