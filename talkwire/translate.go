package talkwire

import (
	"encoding/json"
	"errors"
)

// ErrUnknownEvent reports a frame whose tag is not part of the domain
// vocabulary. Consumers log and drop; unknown tags never destabilize the
// connection.
var ErrUnknownEvent = errors.New("unknown event tag")

// Translate maps a decoded frame into a typed domain event. Required fields
// are validated per tag; optional fields get explicit defaults. Liveness
// frames (ping/pong) are intercepted before translation and report
// ErrUnknownEvent here.
func Translate(f Frame) (Event, error) {
	switch f.Event {
	case EventNewMessage:
		var p struct {
			ChatID string `json:"chat_id"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, missing(f.Event, "chat_id")
		}
		return NewMessage{ChatID: p.ChatID, Message: f.Data}, nil

	case EventMessageSent:
		var p struct {
			ClientMsgID string `json:"client_msg_id"`
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			Timestamp   string `json:"timestamp"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.ClientMsgID == "" {
			return nil, missing(f.Event, "client_msg_id")
		}
		if p.MessageID == "" {
			return nil, missing(f.Event, "message_id")
		}
		return MessageSent{ClientMsgID: p.ClientMsgID, MessageID: p.MessageID, ChatID: p.ChatID, Timestamp: p.Timestamp}, nil

	case EventMessageStatus:
		var p struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
			Status    string `json:"status"`
			UserID    string `json:"user_id"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(f.Event, "message_id")
		}
		if p.Status == "" {
			return nil, missing(f.Event, "status")
		}
		return MessageStatus{MessageID: p.MessageID, ChatID: p.ChatID, Status: p.Status, UserID: p.UserID}, nil

	case EventMessageDeleted:
		var p struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ForEveryone bool   `json:"deleted_for_everyone"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(f.Event, "message_id")
		}
		return MessageDeleted{MessageID: p.MessageID, ChatID: p.ChatID, ForEveryone: p.ForEveryone}, nil

	case EventTyping:
		// The flag historically arrives under either name; absence means a
		// start signal. Behavior confirmed against the protocol owner's
		// current servers.
		var p struct {
			ChatID   string `json:"chat_id"`
			UserID   string `json:"user_id"`
			Typing   *bool  `json:"typing"`
			IsTyping *bool  `json:"is_typing"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, missing(f.Event, "chat_id")
		}
		if p.UserID == "" {
			return nil, missing(f.Event, "user_id")
		}
		isTyping := true
		if p.Typing != nil {
			isTyping = *p.Typing
		} else if p.IsTyping != nil {
			isTyping = *p.IsTyping
		}
		return Typing{ChatID: p.ChatID, UserID: p.UserID, IsTyping: isTyping}, nil

	case EventPresence:
		var p struct {
			UserID   string `json:"user_id"`
			Online   bool   `json:"online"`
			LastSeen string `json:"last_seen"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, missing(f.Event, "user_id")
		}
		return Presence{UserID: p.UserID, Online: p.Online, LastSeen: p.LastSeen}, nil

	case EventChatCreated:
		if len(f.Data) == 0 {
			return nil, missing(f.Event, "data")
		}
		return ChatCreated{Chat: f.Data}, nil

	case EventChatUpdated:
		var p struct {
			ChatID string `json:"chat_id"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, missing(f.Event, "chat_id")
		}
		return ChatUpdated{ChatID: p.ChatID, Update: f.Data}, nil

	case EventGroupMemberAdded:
		var p struct {
			ChatID  string `json:"chat_id"`
			UserID  string `json:"user_id"`
			AddedBy string `json:"added_by"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, missing(f.Event, "chat_id")
		}
		if p.UserID == "" {
			return nil, missing(f.Event, "user_id")
		}
		return GroupMemberAdded{ChatID: p.ChatID, UserID: p.UserID, AddedBy: p.AddedBy}, nil

	case EventGroupMemberRemoved:
		var p struct {
			ChatID    string `json:"chat_id"`
			UserID    string `json:"user_id"`
			RemovedBy string `json:"removed_by"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, missing(f.Event, "chat_id")
		}
		if p.UserID == "" {
			return nil, missing(f.Event, "user_id")
		}
		return GroupMemberRemoved{ChatID: p.ChatID, UserID: p.UserID, RemovedBy: p.RemovedBy}, nil

	case EventReaction:
		var p struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
			UserID    string `json:"user_id"`
			Emoji     string `json:"emoji"`
			Removed   bool   `json:"removed"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(f.Event, "message_id")
		}
		if p.UserID == "" {
			return nil, missing(f.Event, "user_id")
		}
		return Reaction{MessageID: p.MessageID, ChatID: p.ChatID, UserID: p.UserID, Emoji: p.Emoji, Removed: p.Removed}, nil

	case EventCallOffer:
		var p struct {
			CallID   string `json:"call_id"`
			CallerID string `json:"caller_id"`
			SDP      string `json:"sdp"`
			CallType string `json:"call_type"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, missing(f.Event, "call_id")
		}
		if p.SDP == "" {
			return nil, missing(f.Event, "sdp")
		}
		if p.CallType == "" {
			p.CallType = "audio"
		}
		return CallOffer{CallID: p.CallID, CallerID: p.CallerID, SDP: p.SDP, CallType: p.CallType}, nil

	case EventCallAnswer:
		var p struct {
			CallID     string `json:"call_id"`
			AnswererID string `json:"answerer_id"`
			SDP        string `json:"sdp"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, missing(f.Event, "call_id")
		}
		if p.SDP == "" {
			return nil, missing(f.Event, "sdp")
		}
		return CallAnswer{CallID: p.CallID, AnswererID: p.AnswererID, SDP: p.SDP}, nil

	case EventCallICECandidate:
		var p struct {
			CallID    string `json:"call_id"`
			SenderID  string `json:"sender_id"`
			Candidate string `json:"candidate"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, missing(f.Event, "call_id")
		}
		if p.Candidate == "" {
			return nil, missing(f.Event, "candidate")
		}
		return CallICECandidate{CallID: p.CallID, SenderID: p.SenderID, Candidate: p.Candidate}, nil

	case EventCallEnd:
		var p struct {
			CallID   string `json:"call_id"`
			SenderID string `json:"sender_id"`
			Reason   string `json:"reason"`
		}
		if err := decodePayload(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, missing(f.Event, "call_id")
		}
		if p.Reason == "" {
			p.Reason = "hangup"
		}
		return CallEnd{CallID: p.CallID, SenderID: p.SenderID, Reason: p.Reason}, nil

	case EventError:
		var p struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if len(f.Data) > 0 {
			if err := decodePayload(f, &p); err != nil {
				return nil, err
			}
		}
		if p.Code == "" {
			p.Code = "UNKNOWN"
		}
		if p.Message == "" {
			p.Message = "Unknown error"
		}
		return ServerError{Code: p.Code, Message: p.Message}, nil

	default:
		return nil, ErrUnknownEvent
	}
}

func decodePayload(f Frame, v any) error {
	if len(f.Data) == 0 {
		return missing(f.Event, "data")
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return &DecodeError{Event: f.Event, Cause: err}
	}
	return nil
}

func missing(event, field string) *DecodeError {
	return &DecodeError{Event: event, Field: field}
}
