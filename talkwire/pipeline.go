package talkwire

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nvoronin/talkwire-go/talkwire/rest"
)

// Wire is the live-channel surface the pipeline needs: the connection state
// and a fire-and-forget send. *Manager satisfies it.
type Wire interface {
	State() ConnectionState
	Send(Frame) bool
}

// Fallback is the request/response channel used when the live send is not
// available. *rest.Client satisfies it.
type Fallback interface {
	SendMessage(ctx context.Context, chatID string, req rest.SendMessageRequest) (*rest.MessageInfo, error)
	MarkRead(ctx context.Context, chatID string, req rest.MarkReadRequest) error
	Star(ctx context.Context, chatID, messageID string) error
	Unstar(ctx context.Context, chatID, messageID string) error
	React(ctx context.Context, chatID, messageID string, req rest.ReactRequest) error
	RemoveReaction(ctx context.Context, chatID, messageID string) error
	DeleteMessage(ctx context.Context, chatID, messageID string, forEveryone bool) error
}

// SendInput describes a compose action.
type SendInput struct {
	ChatID    string
	Content   string
	Type      string // "text", "image", "video", "audio", "document"; "" means text
	ReplyToID string

	MediaID      string
	MediaURL     string
	ThumbnailURL string
	MimeType     string
	MediaSize    int64
	DurationMS   int
}

// Pipeline turns compose actions into durable local records, attempts live
// delivery and reconciles the records once the server acknowledges them.
// When the live channel is down, records stay pending until the flush sweep
// picks them up.
type Pipeline struct {
	wire     Wire
	fallback Fallback
	messages MessageStore
	chats    ChatStore
	tokens   TokenSource
	logger   Logger

	now   func() time.Time
	newID func() string
}

// NewPipeline wires the send pipeline to its collaborators.
func NewPipeline(wire Wire, fallback Fallback, messages MessageStore, chats ChatStore, tokens TokenSource) *Pipeline {
	return &Pipeline{
		wire:     wire,
		fallback: fallback,
		messages: messages,
		chats:    chats,
		tokens:   tokens,
		logger:   nopLogger{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetLogger overrides the logger (optional).
func (p *Pipeline) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

// ComposeAndSend durably records the message with status pending, updates
// the conversation preview, then attempts live delivery when connected. A
// failed or impossible live send leaves the record pending for the sweep.
func (p *Pipeline) ComposeAndSend(ctx context.Context, in SendInput) (MessageRecord, error) {
	userID, err := p.currentUserID()
	if err != nil {
		return MessageRecord{}, err
	}

	clientID := p.newID()
	now := p.now()
	rec := MessageRecord{
		ID:           clientID,
		ClientID:     clientID,
		ChatID:       in.ChatID,
		SenderID:     userID,
		Type:         messageType(in.Type),
		Content:      in.Content,
		ReplyToID:    in.ReplyToID,
		MediaID:      in.MediaID,
		MediaURL:     in.MediaURL,
		ThumbnailURL: in.ThumbnailURL,
		MimeType:     in.MimeType,
		MediaSize:    in.MediaSize,
		DurationMS:   in.DurationMS,
		Status:       StatusPending,
		Timestamp:    now,
		CreatedAt:    now,
	}
	if err := p.messages.Insert(ctx, rec); err != nil {
		return MessageRecord{}, err
	}

	if err := p.chats.UpdateLastMessage(ctx, in.ChatID, clientID, preview(rec.Type, in.Content), now); err != nil {
		p.logger.Warn("preview update failed", map[string]any{"chat_id": in.ChatID, "error": err.Error()})
	}

	if p.wire.State() != StateConnected {
		p.logger.Debug("not connected, message stays pending", map[string]any{"client_msg_id": clientID})
		return rec, nil
	}
	if !p.wire.Send(p.sendFrame(rec)) {
		p.logger.Warn("live send failed, leaving pending", map[string]any{"client_msg_id": clientID})
		return rec, nil
	}
	if err := p.messages.UpdateStatusByClientID(ctx, clientID, StatusSending); err != nil {
		return rec, err
	}
	rec.Status = StatusSending
	return rec, nil
}

// OnRemoteAck reconciles a pending message with its server-assigned
// identity. The row is updated in place and stays resolvable by both the
// client id and the server id.
func (p *Pipeline) OnRemoteAck(ctx context.Context, clientID, serverID string, at time.Time) error {
	return p.messages.ConfirmSent(ctx, clientID, serverID, at)
}

// OnInboundMessage ingests a server-delivered message, discarding
// duplicates by client id; the server may redeliver after a reconnect.
func (p *Pipeline) OnInboundMessage(ctx context.Context, rec MessageRecord) error {
	if rec.ClientID == "" {
		rec.ClientID = rec.ID
	}
	if _, err := p.messages.GetByClientID(ctx, rec.ClientID); err == nil {
		return nil // already stored, idempotent ingestion
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return p.messages.Insert(ctx, rec)
}

// MarkRead zeroes the unread counter, signals the live channel when
// connected and confirms over HTTP.
func (p *Pipeline) MarkRead(ctx context.Context, chatID, upToMessageID string) error {
	if err := p.chats.SetUnread(ctx, chatID, 0); err != nil {
		return err
	}
	if p.wire.State() == StateConnected {
		data, _ := json.Marshal(map[string]string{"message_id": upToMessageID})
		p.wire.Send(Frame{Event: eventMarkRead, Data: data})
	}
	return p.fallback.MarkRead(ctx, chatID, rest.MarkReadRequest{UpToMessageID: upToMessageID})
}

// UpdateStatus applies a server-reported delivery status. Terminal statuses
// are never reverted locally; a later inbound event corrects them if wrong.
func (p *Pipeline) UpdateStatus(ctx context.Context, messageID, status string) error {
	return p.messages.UpdateStatus(ctx, messageID, status)
}

// SoftDelete hides the message locally, then attempts the remote delete.
// The local mutation stands even when the remote call fails.
func (p *Pipeline) SoftDelete(ctx context.Context, chatID, messageID string, forEveryone bool) error {
	if err := p.messages.SoftDelete(ctx, messageID, forEveryone); err != nil {
		return err
	}
	if err := p.fallback.DeleteMessage(ctx, chatID, messageID, forEveryone); err != nil {
		p.logger.Warn("remote delete failed", map[string]any{"message_id": messageID, "error": err.Error()})
		return err
	}
	return nil
}

// StarMessage toggles the star flag optimistically and reverts it when the
// remote confirmation fails.
func (p *Pipeline) StarMessage(ctx context.Context, messageID string, starred bool) error {
	rec, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := p.messages.SetStarred(ctx, messageID, starred); err != nil {
		return err
	}

	if starred {
		err = p.fallback.Star(ctx, rec.ChatID, messageID)
	} else {
		err = p.fallback.Unstar(ctx, rec.ChatID, messageID)
	}
	if err != nil {
		if revertErr := p.messages.SetStarred(ctx, messageID, !starred); revertErr != nil {
			p.logger.Error("star revert failed", map[string]any{"message_id": messageID, "error": revertErr.Error()})
		}
		return err
	}
	return nil
}

// ToggleReaction adds or removes the current user's reaction, optimistically
// updating the local record and reverting when the remote call fails.
func (p *Pipeline) ToggleReaction(ctx context.Context, chatID, messageID, emoji string) error {
	userID, err := p.currentUserID()
	if err != nil {
		return err
	}
	rec, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	prev := rec.Reactions
	next := cloneReactions(prev)
	users := next[emoji]
	already := slices.Contains(users, userID)
	if already {
		users = slices.DeleteFunc(users, func(u string) bool { return u == userID })
		if len(users) == 0 {
			delete(next, emoji)
		} else {
			next[emoji] = users
		}
	} else {
		next[emoji] = append(users, userID)
	}
	if err := p.messages.SetReactions(ctx, messageID, next); err != nil {
		return err
	}

	if already {
		err = p.fallback.RemoveReaction(ctx, chatID, messageID)
	} else {
		err = p.fallback.React(ctx, chatID, messageID, rest.ReactRequest{Emoji: emoji})
	}
	if err != nil {
		if revertErr := p.messages.SetReactions(ctx, messageID, prev); revertErr != nil {
			p.logger.Error("reaction revert failed", map[string]any{"message_id": messageID, "error": revertErr.Error()})
		}
		return err
	}
	return nil
}

// FlushPending re-attempts every pending record: live send when connected,
// otherwise the request/response fallback. The external retry sweep calls
// this periodically; RunFlushLoop is that sweep.
func (p *Pipeline) FlushPending(ctx context.Context) error {
	pending, err := p.messages.AllPending(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range pending {
		if err := p.flushOne(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunFlushLoop periodically flushes pending messages until ctx is
// cancelled.
func (p *Pipeline) RunFlushLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.FlushPending(ctx); err != nil {
				p.logger.Warn("pending flush incomplete", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (p *Pipeline) flushOne(ctx context.Context, rec MessageRecord) error {
	if p.wire.State() == StateConnected && p.wire.Send(p.sendFrame(rec)) {
		return p.messages.UpdateStatusByClientID(ctx, rec.ClientID, StatusSending)
	}

	req := rest.SendMessageRequest{
		ClientMsgID: rec.ClientID,
		Type:        rec.Type,
		Payload: rest.MessagePayload{
			Body:         rec.Content,
			MediaID:      rec.MediaID,
			MediaURL:     rec.MediaURL,
			ThumbnailURL: rec.ThumbnailURL,
			MimeType:     rec.MimeType,
			FileSize:     rec.MediaSize,
			DurationMS:   rec.DurationMS,
		},
		ReplyToMessageID: rec.ReplyToID,
	}
	info, err := p.fallback.SendMessage(ctx, rec.ChatID, req)
	if err != nil {
		return err
	}
	if err := p.messages.ConfirmSent(ctx, rec.ClientID, info.MessageID, time.Time{}); err != nil {
		return err
	}
	if info.Status != "" && info.Status != StatusSent {
		return p.messages.UpdateStatus(ctx, info.MessageID, info.Status)
	}
	return nil
}

// HandleEvent routes message-related domain events from a subscription into
// the store operations. Events outside the pipeline's concern are ignored.
func (p *Pipeline) HandleEvent(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case MessageSent:
		at, _ := time.Parse(time.RFC3339, ev.Timestamp)
		return p.OnRemoteAck(ctx, ev.ClientMsgID, ev.MessageID, at)
	case MessageStatus:
		return p.UpdateStatus(ctx, ev.MessageID, ev.Status)
	case MessageDeleted:
		return p.messages.SoftDelete(ctx, ev.MessageID, ev.ForEveryone)
	case NewMessage:
		rec, err := p.recordFromWire(ev.Message)
		if err != nil {
			return err
		}
		return p.OnInboundMessage(ctx, rec)
	default:
		return nil
	}
}

// ── Internals ───────────────────────────────────────────────────────

type sendFramePayload struct {
	ChatID           string          `json:"chat_id"`
	ClientMsgID      string          `json:"client_msg_id"`
	Type             string          `json:"type"`
	Payload          sendFrameBody   `json:"payload"`
	ReplyToMessageID string          `json:"reply_to_message_id,omitempty"`
}

type sendFrameBody struct {
	Body       string `json:"body"`
	MediaID    string `json:"media_id,omitempty"`
	Caption    string `json:"caption,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// sendFrame builds the live send frame; the client id rides along as the
// correlation ref so the ack can be matched back.
func (p *Pipeline) sendFrame(rec MessageRecord) Frame {
	payload := sendFramePayload{
		ChatID:      rec.ChatID,
		ClientMsgID: rec.ClientID,
		Type:        rec.Type,
		Payload: sendFrameBody{
			Body:       rec.Content,
			MediaID:    rec.MediaID,
			DurationMS: rec.DurationMS,
		},
		ReplyToMessageID: rec.ReplyToID,
	}
	if rec.Type != "text" && rec.Content != "" {
		payload.Payload.Caption = rec.Content
	}
	data, _ := json.Marshal(payload)
	return Frame{Event: eventSendMessage, Data: data, Ref: rec.ClientID}
}

// wireMessage is the server's message object embedded in message.new.
type wireMessage struct {
	MessageID   string `json:"message_id"`
	ClientMsgID string `json:"client_msg_id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	Type        string `json:"type"`
	Payload     struct {
		Body         string `json:"body"`
		MediaID      string `json:"media_id"`
		MediaURL     string `json:"media_url"`
		ThumbnailURL string `json:"thumbnail_url"`
		MimeType     string `json:"mime_type"`
		FileSize     int64  `json:"file_size"`
		DurationMS   int    `json:"duration_ms"`
	} `json:"payload"`
	ReplyToMessageID string `json:"reply_to_message_id"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
}

func (p *Pipeline) recordFromWire(data json.RawMessage) (MessageRecord, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return MessageRecord{}, WrapError(CodeSerialization, "decode inbound message", err)
	}
	clientID := w.ClientMsgID
	if clientID == "" {
		clientID = w.MessageID
	}
	at, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		at = p.now()
	}
	status := w.Status
	if status == "" {
		status = StatusSent
	}
	return MessageRecord{
		ID:           w.MessageID,
		ClientID:     clientID,
		ChatID:       w.ChatID,
		SenderID:     w.SenderID,
		Type:         messageType(w.Type),
		Content:      w.Payload.Body,
		ReplyToID:    w.ReplyToMessageID,
		MediaID:      w.Payload.MediaID,
		MediaURL:     w.Payload.MediaURL,
		ThumbnailURL: w.Payload.ThumbnailURL,
		MimeType:     w.Payload.MimeType,
		MediaSize:    w.Payload.FileSize,
		DurationMS:   w.Payload.DurationMS,
		Status:       status,
		Timestamp:    at,
		CreatedAt:    p.now(),
	}, nil
}

func (p *Pipeline) currentUserID() (string, error) {
	token := p.tokens.AccessToken()
	if token == "" {
		return "", NewError(CodeUnauthenticated, "no access token")
	}
	return UserIDFromToken(token)
}

func messageType(t string) string {
	if t == "" {
		return "text"
	}
	return t
}

// preview renders the conversation list preview for a message.
func preview(msgType, content string) string {
	switch msgType {
	case "image":
		return "\U0001F4F7 Photo"
	case "video":
		return "\U0001F3A5 Video"
	case "audio":
		return "\U0001F3A4 Voice message"
	case "document":
		return "\U0001F4C4 Document"
	default:
		r := []rune(content)
		if len(r) > 100 {
			r = r[:100]
		}
		return string(r)
	}
}

func cloneReactions(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for emoji, users := range src {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}
