// Package hub is the sync engine. It binds sessions to pads, streams the
// initial and incremental data of a viewport, and commits mutations and
// fans them out to the other sessions of the pad.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/padsync/server/internal/metrics"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/session"
	"github.com/padsync/server/internal/store"
)

var (
	// ErrReadOnly is returned for writes from a session that opened the pad
	// through its read id.
	ErrReadOnly = errors.New("In read-only mode.")
	// ErrInvalidPayload matches every payload validation failure.
	ErrInvalidPayload = pad.ErrInvalidPayload
	// ErrNotBound is returned for mutations from a session without a pad.
	// The transport drops these requests without replying.
	ErrNotBound = errors.New("no pad loaded")
	// ErrAlreadyBound is returned when a session that is resolving or bound
	// asks for a pad again.
	ErrAlreadyBound = errors.New("A pad is already loaded.")
	// ErrUnknownOperation is returned for mutation names the hub does not
	// know.
	ErrUnknownOperation = errors.New("Unknown operation.")
	// ErrPadNotFound is reported when a pad id does not resolve.
	ErrPadNotFound = errors.New("This pad does not exist.")
)

// Defaults used when Options leaves a field zero.
const (
	DefaultStreamTimeout   = 2 * time.Minute
	DefaultFlushTimeout    = 10 * time.Second
	DefaultMutationTimeout = 30 * time.Second
)

// Options tunes a Hub.
type Options struct {
	// Strict rejects payload fields no operation knows about instead of
	// dropping them.
	Strict bool
	// StreamTimeout bounds one initial or delta load.
	StreamTimeout time.Duration
	// FlushTimeout bounds delivery of the broadcasts deferred during a load.
	FlushTimeout time.Duration
	// MutationTimeout bounds one store commit, which holds the pad's
	// commit lock.
	MutationTimeout time.Duration
	// Session sizes the queues of sessions created by Connect.
	Session session.Options
}

type Hub struct {
	store    store.Store
	registry *session.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	sessions  sync.Map
	connected atomic.Int64
}

// New builds a hub over st. A nil logger or metrics disables them.
func New(st store.Store, registry *session.Registry, logger *zap.Logger, m *metrics.Metrics, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = session.NewRegistry()
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = DefaultMutationTimeout
	}
	return &Hub{
		store:    st,
		registry: registry,
		logger:   logger,
		metrics:  m,
		opts:     opts,
	}
}

// Registry returns the listener registry the hub fans out through.
func (h *Hub) Registry() *session.Registry { return h.registry }

// Connect creates the session of a new connection.
func (h *Hub) Connect(remote string) *session.Session {
	s := session.New(remote, h.opts.Session)
	h.sessions.Store(s, struct{}{})
	h.connected.Add(1)
	h.metrics.SessionOpened()
	h.logger.Debug("session opened",
		zap.String("session", s.ID),
		zap.String("remote", remote),
	)
	return s
}

// Disconnect closes s and removes it from its pad's listeners. It may be
// called more than once and for sessions that never bound.
func (h *Hub) Disconnect(s *session.Session) {
	s.Close(nil)
	if padID := s.PadID(); padID != "" {
		if h.registry.Remove(padID, s) {
			h.metrics.SetPads(h.registry.Pads())
		}
	}
	if _, ok := h.sessions.LoadAndDelete(s); !ok {
		return
	}
	h.connected.Add(-1)
	h.metrics.SessionClosed()
	h.logger.Debug("session closed",
		zap.String("session", s.ID),
		zap.String("pad", s.PadID()),
		zap.NamedError("cause", s.Err()),
	)
}

// Connected returns the number of sessions between Connect and Disconnect.
func (h *Hub) Connected() int {
	return int(h.connected.Load())
}

// SessionInfo describes one connected session.
type SessionInfo struct {
	ID       string        `json:"id"`
	Remote   string        `json:"remote"`
	Pad      string        `json:"pad,omitempty"`
	Writable bool          `json:"writable"`
	State    session.State `json:"state"`
}

// Sessions lists the sessions between Connect and Disconnect, ordered by
// id.
func (h *Hub) Sessions() []SessionInfo {
	var out []SessionInfo
	h.sessions.Range(func(key, _ any) bool {
		s := key.(*session.Session)
		_, writable, _ := s.Pad()
		out = append(out, SessionInfo{
			ID:       s.ID,
			Remote:   s.Remote,
			Pad:      s.PadID(),
			Writable: writable,
			State:    s.State(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reply queues a direct response to s, waiting for queue space.
func (h *Hub) Reply(ctx context.Context, s *session.Session, m session.Message) error {
	if err := s.SendWait(ctx, m); err != nil {
		return err
	}
	h.metrics.EventSent(m.Event)
	return nil
}

// send queues a broadcast for l. Failures only affect l.
func (h *Hub) send(l *session.Session, m session.Message) {
	err := l.Send(m)
	switch {
	case err == nil:
		h.metrics.EventSent(m.Event)
	case errors.Is(err, session.ErrSlowConsumer):
		h.metrics.SlowConsumer()
		h.logger.Warn("disconnecting slow consumer",
			zap.String("session", l.ID),
			zap.String("pad", l.PadID()),
			zap.String("remote", l.Remote),
		)
	default:
		h.metrics.SendFailed()
		h.logger.Debug("dropping event for closed session",
			zap.String("session", l.ID),
			zap.String("event", m.Event),
		)
	}
}

// aborted reports whether err means the recipient is gone or the load was
// canceled, in which case nothing more should be sent to it.
func aborted(ctx context.Context, err error) bool {
	return errors.Is(err, session.ErrClosed) || ctx.Err() != nil
}
