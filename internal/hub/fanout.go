package hub

import (
	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/session"
)

// broadcast queues m for every listener of padID except origin.
func (h *Hub) broadcast(padID string, origin *session.Session, m session.Message) {
	for _, l := range h.registry.Snapshot(padID) {
		if l == origin {
			continue
		}
		h.send(l, m)
	}
}

// fanoutMarker delivers a created or updated marker by viewport. A marker
// that left a listener's viewport is deleted there; one that entered it is
// sent in full. old is nil for creates.
func (h *Hub) fanoutMarker(padID string, origin *session.Session, old *pad.Marker, m pad.Marker) {
	for _, l := range h.registry.Snapshot(padID) {
		if l == origin {
			continue
		}
		b := l.Bbox()
		if b == nil {
			continue
		}
		switch {
		case b.Contains(m.Position()):
			h.send(l, session.Message{Event: session.EventMarker, Data: m})
		case old != nil && b.Contains(old.Position()):
			h.send(l, session.Message{Event: session.EventDeleteMarker, Data: pad.Deleted{ID: m.ID}})
		}
	}
}

// fanoutLinePoints replaces the points of line id on every listener with a
// viewport by the ones inside it.
func (h *Hub) fanoutLinePoints(padID string, origin *session.Session, id int64, points []geo.Point) {
	for _, l := range h.registry.Snapshot(padID) {
		if l == origin {
			continue
		}
		b := l.Bbox()
		if b == nil {
			continue
		}
		h.send(l, session.Message{
			Event: session.EventLinePoints,
			Data:  pad.LinePoints{ID: id, Points: geo.Filter(points, *b), Reset: true},
		})
	}
}

// fanoutPadData sends d to every listener with the write id removed for
// read-only ones.
func (h *Hub) fanoutPadData(padID string, origin *session.Session, d pad.Data) {
	for _, l := range h.registry.Snapshot(padID) {
		if l == origin {
			continue
		}
		h.send(l, session.Message{Event: session.EventPadData, Data: padDataFor(l, d)})
	}
}

func padDataFor(l *session.Session, d pad.Data) pad.Data {
	_, writable, _ := l.Pad()
	d.Writable = writable
	if !writable {
		d.WriteID = ""
	}
	return d
}
