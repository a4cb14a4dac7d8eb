package hub

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/session"
	"github.com/padsync/server/internal/store"
)

// Mutation names accepted by Handle and Apply.
const (
	OpEditPad      = "editPad"
	OpAddMarker    = "addMarker"
	OpEditMarker   = "editMarker"
	OpDeleteMarker = "deleteMarker"
	OpAddLine      = "addLine"
	OpEditLine     = "editLine"
	OpDeleteLine   = "deleteLine"
	OpAddView      = "addView"
	OpEditView     = "editView"
	OpDeleteView   = "deleteView"
	OpAddType      = "addType"
	OpEditType     = "editType"
	OpDeleteType   = "deleteType"
)

// commitFunc writes a validated mutation to the store and fans it out. It
// runs under the pad's commit lock. origin is excluded from the fan-out and
// may be nil.
type commitFunc func(ctx context.Context, origin *session.Session) (any, error)

// prepareFunc validates a payload without touching the store.
type prepareFunc func(h *Hub, padID string, raw json.RawMessage) (commitFunc, error)

var operations = map[string]prepareFunc{
	OpEditPad:      (*Hub).editPad,
	OpAddMarker:    (*Hub).addMarker,
	OpEditMarker:   (*Hub).editMarker,
	OpDeleteMarker: (*Hub).deleteMarker,
	OpAddLine:      (*Hub).addLine,
	OpEditLine:     (*Hub).editLine,
	OpDeleteLine:   (*Hub).deleteLine,
	OpAddView:      (*Hub).addView,
	OpEditView:     (*Hub).editView,
	OpDeleteView:   (*Hub).deleteView,
	OpAddType:      (*Hub).addType,
	OpEditType:     (*Hub).editType,
	OpDeleteType:   (*Hub).deleteType,
}

// IsMutation reports whether op names a mutation.
func IsMutation(op string) bool {
	_, ok := operations[op]
	return ok
}

// Handle runs mutation op for s and returns the canonical result for the
// reply. Unbound sessions get ErrNotBound, read-only ones ErrReadOnly.
func (h *Hub) Handle(ctx context.Context, s *session.Session, op string, raw json.RawMessage) (any, error) {
	padID, writable, ok := s.Pad()
	if !ok {
		return nil, ErrNotBound
	}
	if !writable {
		h.metrics.Mutation(op, "read_only")
		return nil, ErrReadOnly
	}
	return h.apply(ctx, s, padID, op, raw)
}

// Apply runs mutation op on padID on behalf of the server itself. Every
// listener of the pad receives the resulting events.
func (h *Hub) Apply(ctx context.Context, padID, op string, raw json.RawMessage) (any, error) {
	return h.apply(ctx, nil, padID, op, raw)
}

func (h *Hub) apply(ctx context.Context, origin *session.Session, padID, op string, raw json.RawMessage) (any, error) {
	prepare, ok := operations[op]
	if !ok {
		h.metrics.Mutation(op, "unknown")
		return nil, ErrUnknownOperation
	}
	commit, err := prepare(h, padID, raw)
	if err != nil {
		h.metrics.Mutation(op, "invalid")
		return nil, err
	}

	var result any
	h.registry.Serialize(padID, func() {
		ctx, cancel := context.WithTimeout(ctx, h.opts.MutationTimeout)
		defer cancel()
		result, err = commit(ctx, origin)
	})
	if err != nil {
		h.mutationFailed(origin, padID, op, err)
		return nil, err
	}
	h.metrics.Mutation(op, "ok")
	return result, nil
}

func (h *Hub) mutationFailed(origin *session.Session, padID, op string, err error) {
	fields := []zap.Field{
		zap.String("pad", padID),
		zap.String("event", op),
		zap.Error(err),
	}
	if origin != nil {
		fields = append(fields, zap.String("session", origin.ID))
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.metrics.Mutation(op, "not_found")
		h.logger.Debug("mutation target missing", fields...)
	case errors.Is(err, store.ErrConflict):
		h.metrics.Mutation(op, "conflict")
		h.logger.Info("mutation rejected", fields...)
	default:
		h.metrics.Mutation(op, "store_error")
		h.logger.Error("mutation failed", fields...)
	}
}

func (h *Hub) editPad(padID string, raw json.RawMessage) (commitFunc, error) {
	p, err := pad.ParseEditPad(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		d, err := h.store.UpdatePadData(ctx, padID, p)
		if err != nil {
			return nil, err
		}
		h.fanoutPadData(padID, origin, d)
		return d, nil
	}, nil
}

func (h *Hub) addMarker(padID string, raw json.RawMessage) (commitFunc, error) {
	c, err := pad.ParseAddMarker(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		m, err := h.store.CreateMarker(ctx, padID, c)
		if err != nil {
			return nil, err
		}
		h.fanoutMarker(padID, origin, nil, m)
		return m, nil
	}, nil
}

func (h *Hub) editMarker(padID string, raw json.RawMessage) (commitFunc, error) {
	p, err := pad.ParseEditMarker(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		old, err := h.store.GetMarker(ctx, padID, p.ID)
		if err != nil {
			return nil, err
		}
		m, err := h.store.UpdateMarker(ctx, padID, p)
		if err != nil {
			return nil, err
		}
		h.fanoutMarker(padID, origin, &old, m)
		return m, nil
	}, nil
}

func (h *Hub) deleteMarker(padID string, raw json.RawMessage) (commitFunc, error) {
	d, err := pad.ParseDelete(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		m, err := h.store.DeleteMarker(ctx, padID, d.ID)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventDeleteMarker, Data: pad.Deleted{ID: m.ID}})
		return m, nil
	}, nil
}

func (h *Hub) addLine(padID string, raw json.RawMessage) (commitFunc, error) {
	c, err := pad.ParseAddLine(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		l, err := h.store.CreateLine(ctx, padID, c)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventLine, Data: l})
		h.fanoutLinePoints(padID, origin, l.ID, c.Points)
		return l, nil
	}, nil
}

func (h *Hub) editLine(padID string, raw json.RawMessage) (commitFunc, error) {
	p, err := pad.ParseEditLine(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		l, err := h.store.UpdateLine(ctx, padID, p)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventLine, Data: l})
		if p.Points != nil {
			h.fanoutLinePoints(padID, origin, l.ID, p.Points)
		}
		return l, nil
	}, nil
}

func (h *Hub) deleteLine(padID string, raw json.RawMessage) (commitFunc, error) {
	d, err := pad.ParseDelete(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		l, err := h.store.DeleteLine(ctx, padID, d.ID)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventDeleteLine, Data: pad.Deleted{ID: l.ID}})
		return l, nil
	}, nil
}

func (h *Hub) addView(padID string, raw json.RawMessage) (commitFunc, error) {
	c, err := pad.ParseAddView(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		v, err := h.store.CreateView(ctx, padID, c)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventView, Data: v})
		return v, nil
	}, nil
}

func (h *Hub) editView(padID string, raw json.RawMessage) (commitFunc, error) {
	p, err := pad.ParseEditView(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		v, err := h.store.UpdateView(ctx, padID, p)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventView, Data: v})
		return v, nil
	}, nil
}

func (h *Hub) deleteView(padID string, raw json.RawMessage) (commitFunc, error) {
	d, err := pad.ParseDelete(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		before, err := h.store.GetPadData(ctx, padID)
		if err != nil {
			return nil, err
		}
		v, err := h.store.DeleteView(ctx, padID, d.ID)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventDeleteView, Data: pad.Deleted{ID: v.ID}})

		if before.DefaultViewID != nil && *before.DefaultViewID == v.ID {
			// the store dropped the default view; everyone needs new pad data
			after, err := h.store.UpdatePadData(ctx, padID, pad.PadPatch{})
			if err != nil {
				h.logger.Warn("failed to reload pad data after default view removal",
					zap.String("pad", padID),
					zap.Error(err),
				)
			} else {
				h.fanoutPadData(padID, nil, after)
			}
		}
		return v, nil
	}, nil
}

func (h *Hub) addType(padID string, raw json.RawMessage) (commitFunc, error) {
	c, err := pad.ParseAddType(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		t, err := h.store.CreateType(ctx, padID, c)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventType, Data: t})
		return t, nil
	}, nil
}

func (h *Hub) editType(padID string, raw json.RawMessage) (commitFunc, error) {
	p, err := pad.ParseEditType(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		t, err := h.store.UpdateType(ctx, padID, p)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventType, Data: t})
		return t, nil
	}, nil
}

func (h *Hub) deleteType(padID string, raw json.RawMessage) (commitFunc, error) {
	d, err := pad.ParseDelete(raw, h.opts.Strict)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, origin *session.Session) (any, error) {
		t, err := h.store.DeleteType(ctx, padID, d.ID)
		if err != nil {
			return nil, err
		}
		h.broadcast(padID, origin, session.Message{Event: session.EventDeleteType, Data: pad.Deleted{ID: t.ID}})
		return t, nil
	}, nil
}
