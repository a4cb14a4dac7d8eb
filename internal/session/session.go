// Package session holds per-connection sync state and the per-pad listener
// registry that fan-out iterates.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/padsync/server/internal/geo"
)

var (
	// ErrClosed is returned when sending to a session that has been closed.
	ErrClosed = errors.New("session closed")
	// ErrSlowConsumer is the close cause of a session whose outbound queue
	// overflowed.
	ErrSlowConsumer = errors.New("session send queue full")
)

// Defaults used when Options leaves a field zero.
const (
	DefaultSendBuffer    = 256
	DefaultDeferredLimit = 4096
)

// Options sizes the outbound queues of a session.
type Options struct {
	// SendBuffer is the capacity of the outbound queue.
	SendBuffer int
	// DeferredLimit caps the broadcasts held back while a stream is running.
	DeferredLimit int
}

// Session is the sync state of one connection. Its pad binding and bbox are
// only changed by the owning connection; other goroutines read them and
// enqueue messages.
type Session struct {
	ID     string
	Remote string

	mu       sync.RWMutex
	state    State
	padID    string
	writable bool
	bbox     *geo.BoundingBox
	cause    error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	send      chan Message
	// sendMu is held shared while queueing and exclusively by Close, so no
	// message is queued once Close returns.
	sendMu sync.RWMutex

	streamMu   sync.Mutex
	streaming  int
	deferred   []Message
	deferLimit int
}

// New creates an Unbound session with a random id.
func New(remote string, opts Options) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.DeferredLimit <= 0 {
		opts.DeferredLimit = DefaultDeferredLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         uuid.NewString(),
		Remote:     remote,
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan Message, opts.SendBuffer),
		deferLimit: opts.DeferredLimit,
	}
}

// Context is canceled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Outbound is drained by the connection writer.
func (s *Session) Outbound() <-chan Message { return s.send }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// BeginResolve moves an Unbound session to Resolving. It reports false when
// a pad is already being resolved or bound, or the session is closed.
func (s *Session) BeginResolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unbound {
		return false
	}
	s.state = Resolving
	return true
}

// Bind completes a resolution.
func (s *Session) Bind(padID string, writable bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Resolving {
		return false
	}
	s.state = Bound
	s.padID = padID
	s.writable = writable
	return true
}

// Unbind reverts a failed resolution so the client may retry.
func (s *Session) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Resolving {
		s.state = Unbound
	}
}

// Pad returns the bound pad id and write permission. ok is false unless the
// session is Bound.
func (s *Session) Pad() (padID string, writable bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Bound {
		return "", false, false
	}
	return s.padID, s.writable, true
}

// PadID returns the pad the session was bound to, even after it closed. It
// is empty if the session never bound.
func (s *Session) PadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.padID
}

// Bbox returns a copy of the current viewport, or nil if none was set.
func (s *Session) Bbox() *geo.BoundingBox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bbox == nil {
		return nil
	}
	b := *s.bbox
	return &b
}

// SetBbox replaces the viewport.
func (s *Session) SetBbox(b geo.BoundingBox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bbox = &b
}

// Close marks the session Disconnected, cancels its context and waits for
// sends already in progress, so nothing is queued after it returns. Only
// the first call has an effect; it reports whether this call closed the
// session.
func (s *Session) Close(cause error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Disconnected
		s.cause = cause
		s.mu.Unlock()
		s.cancel()
		s.sendMu.Lock()
		s.sendMu.Unlock()
		closed = true
	})
	return closed
}

// Err returns the close cause.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

func (s *Session) closed() bool {
	return s.ctx.Err() != nil
}

func (s *Session) enqueue(m Message) error {
	s.sendMu.RLock()
	if s.closed() {
		s.sendMu.RUnlock()
		return ErrClosed
	}
	select {
	case s.send <- m:
		s.sendMu.RUnlock()
		return nil
	default:
	}
	s.sendMu.RUnlock()
	s.Close(ErrSlowConsumer)
	return ErrSlowConsumer
}

// Send enqueues a broadcast without blocking. While a stream is running
// the message is held back until EndStream. A full queue closes the
// session.
func (s *Session) Send(m Message) error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	if s.streaming > 0 {
		if len(s.deferred) >= s.deferLimit {
			s.Close(ErrSlowConsumer)
			return ErrSlowConsumer
		}
		s.deferred = append(s.deferred, m)
		return nil
	}
	return s.enqueue(m)
}

// SendWait enqueues m, waiting for queue space. It is used for stream items
// and replies, which bypass the deferral applied to broadcasts.
func (s *Session) SendWait(ctx context.Context, m Message) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed() {
		return ErrClosed
	}
	select {
	case s.send <- m:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginStream starts deferring broadcasts. Calls nest.
func (s *Session) BeginStream() {
	s.streamMu.Lock()
	s.streaming++
	s.streamMu.Unlock()
}

// EndStream ends one BeginStream. When the outermost stream ends, the
// deferred broadcasts are delivered in arrival order before new broadcasts
// are let through. If they cannot be delivered the session is closed.
func (s *Session) EndStream(ctx context.Context) error {
	for {
		s.streamMu.Lock()
		if s.streaming == 0 {
			s.streamMu.Unlock()
			return nil
		}
		if s.streaming > 1 || len(s.deferred) == 0 {
			s.streaming--
			s.streamMu.Unlock()
			return nil
		}
		batch := s.deferred
		s.deferred = nil
		s.streamMu.Unlock()

		for _, m := range batch {
			if err := s.SendWait(ctx, m); err != nil {
				s.Close(err)
				return err
			}
		}
	}
}

// Streaming reports whether broadcasts are currently being deferred.
func (s *Session) Streaming() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streaming > 0
}
