package ws

import (
	"encoding/json"

	"github.com/padsync/server/internal/session"
)

// Inbound event names.
const (
	MsgSetPadID     = "setPadId"
	MsgUpdateBbox   = "updateBbox"
	MsgCreatePad    = "createPad"
	MsgEditPad      = "editPad"
	MsgAddMarker    = "addMarker"
	MsgEditMarker   = "editMarker"
	MsgDeleteMarker = "deleteMarker"
	MsgAddLine      = "addLine"
	MsgEditLine     = "editLine"
	MsgDeleteLine   = "deleteLine"
	MsgAddView      = "addView"
	MsgEditView     = "editView"
	MsgDeleteView   = "deleteView"
	MsgAddType      = "addType"
	MsgEditType     = "editType"
	MsgDeleteType   = "deleteType"
)

// Request is one inbound frame. When ID is set the client expects an ack.
type Request struct {
	Event string          `json:"event"`
	ID    *uint64         `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Frame is one outbound frame. ID and Error are only present on acks, where
// Error is null for success.
type Frame struct {
	Event string          `json:"event"`
	ID    *uint64         `json:"id,omitempty"`
	Error *string         `json:"error,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type eventFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ackFrame struct {
	Event string  `json:"event"`
	ID    uint64  `json:"id"`
	Error *string `json:"error"`
	Data  any     `json:"data"`
}

// encode renders a queued message as a text frame.
func encode(m session.Message) ([]byte, error) {
	if m.Event != session.EventAck {
		return json.Marshal(eventFrame{Event: m.Event, Data: m.Data})
	}
	f := ackFrame{Event: m.Event, ID: m.ID, Data: m.Data}
	if m.Err != "" {
		f.Error = &m.Err
	}
	return json.Marshal(f)
}
