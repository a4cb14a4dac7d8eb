package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/session"
	"github.com/padsync/server/internal/store"
)

// load is one opened cursor waiting to be forwarded to a session.
type load struct {
	event string
	run   func(ctx context.Context) error
	close func(ctx context.Context)
}

func openLoad[T any](h *Hub, s *session.Session, event string, c store.Cursor[T]) load {
	return load{
		event: event,
		run: func(ctx context.Context) error {
			for c.Next(ctx) {
				if err := h.Reply(ctx, s, session.Message{Event: event, Data: c.Item()}); err != nil {
					return err
				}
			}
			return c.Err()
		},
		close: func(ctx context.Context) {
			_ = c.Close(ctx)
		},
	}
}

// loads collects opened cursors and the errors of the ones that failed to
// open.
type loads struct {
	items []load
	errs  []error
}

func add[T any](ls *loads, h *Hub, s *session.Session, event string, c store.Cursor[T], err error) {
	if err != nil {
		ls.errs = append(ls.errs, fmt.Errorf("%s: %w", event, err))
		return
	}
	ls.items = append(ls.items, openLoad(h, s, event, c))
}

// run forwards every load in order. A failing cursor ends only its own
// load with an error event; a closed recipient or canceled context stops
// everything. All cursors are closed on return.
func (h *Hub) run(ctx context.Context, s *session.Session, kind string, ls *loads) {
	start := time.Now()
	cleanup := context.WithoutCancel(ctx)
	defer func() {
		for _, l := range ls.items {
			l.close(cleanup)
		}
		h.metrics.ObserveStream(kind, time.Since(start))
	}()

	for _, err := range ls.errs {
		h.streamFailed(ctx, s, err)
	}
	for _, l := range ls.items {
		err := l.run(ctx)
		if err == nil {
			continue
		}
		if aborted(ctx, err) {
			h.logger.Debug("load aborted",
				zap.String("session", s.ID),
				zap.String("event", l.event),
				zap.Error(err),
			)
			return
		}
		h.streamFailed(ctx, s, fmt.Errorf("%s: %w", l.event, err))
	}
}

func (h *Hub) streamFailed(ctx context.Context, s *session.Session, err error) {
	h.logger.Warn("stream failed",
		zap.String("session", s.ID),
		zap.String("pad", s.PadID()),
		zap.Error(err),
	)
	_ = h.Reply(ctx, s, session.ErrorMessage(err.Error()))
}

// endStream releases the broadcasts deferred during a load.
func (h *Hub) endStream(s *session.Session) {
	ctx, cancel := context.WithTimeout(s.Context(), h.opts.FlushTimeout)
	defer cancel()
	if err := s.EndStream(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
		h.logger.Warn("disconnecting session that could not take deferred events",
			zap.String("session", s.ID),
			zap.Error(err),
		)
	}
}

// SetPad resolves id, which may be the read or the write id of a pad, and
// binds s to it. A session that is already resolving or bound is left
// alone and ErrAlreadyBound is returned. If the pad cannot be loaded, an
// error event is sent and s goes back to Unbound.
func (h *Hub) SetPad(ctx context.Context, s *session.Session, id string) error {
	if !s.BeginResolve() {
		return ErrAlreadyBound
	}
	data, err := h.store.GetPadData(ctx, id)
	if err != nil {
		s.Unbind()
		return h.resolveFailed(ctx, s, id, err)
	}
	return h.bind(ctx, s, id, data)
}

// CreatePad creates a pad from raw and binds s to it with write access.
func (h *Hub) CreatePad(ctx context.Context, s *session.Session, raw json.RawMessage) (pad.Data, error) {
	c, err := pad.ParseCreatePad(raw, h.opts.Strict)
	if err != nil {
		return pad.Data{}, err
	}
	if !s.BeginResolve() {
		return pad.Data{}, ErrAlreadyBound
	}
	data, err := h.store.CreatePad(ctx, c)
	if err != nil {
		s.Unbind()
		return pad.Data{}, err
	}
	h.logger.Info("pad created",
		zap.String("session", s.ID),
		zap.String("pad", data.ID),
	)
	return data, h.bind(ctx, s, data.WriteID, data)
}

func (h *Hub) resolveFailed(ctx context.Context, s *session.Session, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Info("pad not found",
			zap.String("session", s.ID),
			zap.String("pad", id),
		)
		err = ErrPadNotFound
	} else {
		h.logger.Error("failed to load pad",
			zap.String("session", s.ID),
			zap.String("pad", id),
			zap.Error(err),
		)
	}
	_ = h.Reply(ctx, s, session.ErrorMessage(err.Error()))
	return err
}

// bind registers s on the pad and streams its initial state. Cursors are
// opened under the pad's commit lock, so every mutation either shows up in
// them or is broadcast to s after registration.
func (h *Hub) bind(ctx context.Context, s *session.Session, lookupID string, data pad.Data) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.StreamTimeout)
	defer cancel()

	padID := data.ID
	var ls loads
	var bindErr error
	h.registry.Serialize(padID, func() {
		if fresh, err := h.store.GetPadData(ctx, lookupID); err == nil {
			data = fresh
		}
		if !s.Bind(padID, data.Writable) {
			bindErr = session.ErrClosed
			return
		}
		h.registry.Add(padID, s)
		if s.Context().Err() != nil {
			h.registry.Remove(padID, s)
			bindErr = session.ErrClosed
			return
		}
		s.BeginStream()

		views, err := h.store.GetViews(ctx, padID)
		add(&ls, h, s, session.EventView, views, err)
		types, err := h.store.GetTypes(ctx, padID)
		add(&ls, h, s, session.EventType, types, err)
		lines, err := h.store.GetLines(ctx, padID)
		add(&ls, h, s, session.EventLine, lines, err)
		if b := s.Bbox(); b != nil {
			full := geo.Full(*b)
			markers, err := h.store.GetMarkers(ctx, padID, full)
			add(&ls, h, s, session.EventMarker, markers, err)
			points, err := h.store.GetLinePoints(ctx, padID, full)
			add(&ls, h, s, session.EventLinePoints, points, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	h.metrics.SetPads(h.registry.Pads())
	h.logger.Info("session joined pad",
		zap.String("session", s.ID),
		zap.String("pad", padID),
		zap.Bool("writable", data.Writable),
	)

	defer h.endStream(s)
	if err := h.Reply(ctx, s, session.Message{Event: session.EventPadData, Data: data}); err != nil {
		for _, l := range ls.items {
			l.close(context.WithoutCancel(ctx))
		}
		return nil
	}
	h.run(ctx, s, "initial", &ls)
	return nil
}

// UpdateBbox sets the viewport of s. For a bound session the markers and
// line points that became visible are streamed; otherwise the box is only
// remembered for the initial load.
func (h *Hub) UpdateBbox(ctx context.Context, s *session.Session, b geo.BoundingBox) error {
	padID, _, ok := s.Pad()
	if !ok {
		if s.State().IsTerminal() {
			return session.ErrClosed
		}
		s.SetBbox(b)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.StreamTimeout)
	defer cancel()

	var ls loads
	h.registry.Serialize(padID, func() {
		delta := geo.Difference(b, s.Bbox())
		s.BeginStream()
		markers, err := h.store.GetMarkers(ctx, padID, delta)
		add(&ls, h, s, session.EventMarker, markers, err)
		points, err := h.store.GetLinePoints(ctx, padID, delta)
		add(&ls, h, s, session.EventLinePoints, points, err)
		s.SetBbox(b)
	})
	defer h.endStream(s)
	h.run(ctx, s, "delta", &ls)
	return nil
}
