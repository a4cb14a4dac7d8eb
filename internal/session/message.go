package session

// Outbound event names.
const (
	EventPadData      = "padData"
	EventView         = "view"
	EventType         = "type"
	EventLine         = "line"
	EventMarker       = "marker"
	EventLinePoints   = "linePoints"
	EventDeleteMarker = "deleteMarker"
	EventDeleteLine   = "deleteLine"
	EventDeleteView   = "deleteView"
	EventDeleteType   = "deleteType"
	EventError        = "error"
	EventAck          = "ack"
)

// Message is one outbound event queued for a session. ID and Err are only
// meaningful for acks.
type Message struct {
	Event string
	ID    uint64
	Data  any
	Err   string
}

// ErrorMessage builds an error event carrying msg.
func ErrorMessage(msg string) Message {
	return Message{Event: EventError, Data: msg}
}

// Ack builds the reply to request id. A nil err yields a successful ack.
func Ack(id uint64, data any, err error) Message {
	m := Message{Event: EventAck, ID: id, Data: data}
	if err != nil {
		m.Err = err.Error()
		m.Data = nil
	}
	return m
}
