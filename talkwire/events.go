package talkwire

import "encoding/json"

// Wire event vocabulary (server -> client).
const (
	EventNewMessage         = "message.new"
	EventMessageSent        = "message.sent"
	EventMessageStatus      = "message.status"
	EventMessageDeleted     = "message.deleted"
	EventTyping             = "typing"
	EventPresence           = "presence"
	EventChatCreated        = "chat.created"
	EventChatUpdated        = "chat.updated"
	EventGroupMemberAdded   = "group.member.added"
	EventGroupMemberRemoved = "group.member.removed"
	EventReaction           = "message.reaction"
	EventCallOffer          = "call.offer"
	EventCallAnswer         = "call.answer"
	EventCallICECandidate   = "call.ice-candidate"
	EventCallEnd            = "call.end"
	EventError              = "error"
)

// Liveness and outbound-only control tags. These never surface as domain
// events.
const (
	eventPing = "ping"
	eventPong = "pong"

	eventSendMessage = "message.send"
	eventMarkRead    = "message.read"
	eventTypingStart = "typing.start"
	eventTypingStop  = "typing.stop"
)

// Event is a typed, application-meaningful event derived from a frame.
// The set of implementations is closed.
type Event interface {
	event()
}

// NewMessage carries a freshly delivered message. Message holds the server's
// full message object; the pipeline decodes it into a durable record.
type NewMessage struct {
	ChatID  string
	Message json.RawMessage
}

// MessageSent acknowledges a locally composed message: the server assigned
// it a permanent id.
type MessageSent struct {
	ClientMsgID string
	MessageID   string
	ChatID      string
	Timestamp   string
}

// MessageStatus reports a delivery-status change for a message.
type MessageStatus struct {
	MessageID string
	ChatID    string
	Status    string
	UserID    string
}

// MessageDeleted reports a message deletion.
type MessageDeleted struct {
	MessageID   string
	ChatID      string
	ForEveryone bool
}

// Typing reports that a participant started or stopped typing.
type Typing struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

// Presence reports a participant going online or offline.
type Presence struct {
	UserID   string
	Online   bool
	LastSeen string // RFC 3339, empty when unknown
}

// ChatCreated carries the server's full chat object for a new conversation.
type ChatCreated struct {
	Chat json.RawMessage
}

// ChatUpdated carries a partial update to a conversation.
type ChatUpdated struct {
	ChatID string
	Update json.RawMessage
}

// GroupMemberAdded reports a membership addition.
type GroupMemberAdded struct {
	ChatID  string
	UserID  string
	AddedBy string
}

// GroupMemberRemoved reports a membership removal.
type GroupMemberRemoved struct {
	ChatID    string
	UserID    string
	RemovedBy string
}

// Reaction reports an emoji reaction added to or removed from a message.
type Reaction struct {
	MessageID string
	ChatID    string
	UserID    string
	Emoji     string
	Removed   bool
}

// CallOffer starts call signaling.
type CallOffer struct {
	CallID   string
	CallerID string
	SDP      string
	CallType string // "audio" or "video"
}

// CallAnswer answers a call offer.
type CallAnswer struct {
	CallID     string
	AnswererID string
	SDP        string
}

// CallICECandidate relays an ICE candidate during call setup.
type CallICECandidate struct {
	CallID    string
	SenderID  string
	Candidate string
}

// CallEnd terminates call signaling.
type CallEnd struct {
	CallID   string
	SenderID string
	Reason   string
}

// ServerError is an application-level error pushed by the server.
type ServerError struct {
	Code    string
	Message string
}

func (NewMessage) event()         {}
func (MessageSent) event()        {}
func (MessageStatus) event()      {}
func (MessageDeleted) event()     {}
func (Typing) event()             {}
func (Presence) event()           {}
func (ChatCreated) event()        {}
func (ChatUpdated) event()        {}
func (GroupMemberAdded) event()   {}
func (GroupMemberRemoved) event() {}
func (Reaction) event()           {}
func (CallOffer) event()          {}
func (CallAnswer) event()         {}
func (CallICECandidate) event()   {}
func (CallEnd) event()            {}
func (ServerError) event()        {}
