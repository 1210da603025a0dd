package chatsync

import "encoding/json"

const (
	ProtocolVersion = 1

	inboundHello         = "hello"
	inboundRequestRoster = "request_roster"
	inboundSendMessage   = "send_message"
	inboundTypingStart   = "typing_start"
	inboundTypingStop    = "typing_stop"

	outboundWelcome = "welcome"
	outboundEvent   = "event"
	outboundAck     = "ack"
	outboundError   = "error"

	eventRoster       = "roster"
	eventUserJoined   = "user_joined"
	eventUserLeft     = "user_left"
	eventMessage      = "message"
	eventTypingStart  = "typing_start"
	eventTypingStop   = "typing_stop"
	eventSystemNotice = "system_notice"
)

// Exported frame and event names, for servers and tools speaking the protocol.
const (
	TypeHello         = inboundHello
	TypeRequestRoster = inboundRequestRoster
	TypeSendMessage   = inboundSendMessage
	TypeTypingStart   = inboundTypingStart
	TypeTypingStop    = inboundTypingStop

	TypeWelcome = outboundWelcome
	TypeEvent   = outboundEvent
	TypeAck     = outboundAck
	TypeError   = outboundError

	EventRoster       = eventRoster
	EventUserJoined   = eventUserJoined
	EventUserLeft     = eventUserLeft
	EventMessage      = eventMessage
	EventTypingStart  = eventTypingStart
	EventTypingStop   = eventTypingStop
	EventSystemNotice = eventSystemNotice
)

// Inbound represents the envelope from client to server.
type Inbound struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope server -> client.
type Outbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// HelloPayload initiates the session.
type HelloPayload struct {
	Protocol int    `json:"protocol,omitempty"`
	Token    string `json:"token,omitempty"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// SendMessagePayload publishes a message. ClientID is echoed back by the
// server in both the ack and the broadcast.
type SendMessagePayload struct {
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
}

// Error describes a protocol error.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Msg
}

// Ack is the server's direct reply to a single Send call.
type Ack struct {
	Data  json.RawMessage
	Error *Error
}

// AckFunc receives the direct acknowledgment for one Send call.
type AckFunc func(Ack)

// UnmarshalData decodes RawMessage into target.
func UnmarshalData(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

// MarshalData encodes v for an envelope Data field. A nil v yields nil.
func MarshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
