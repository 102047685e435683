package rest

// SendMessageRequest carries a locally composed message over the
// request/response fallback channel.
type SendMessageRequest struct {
	ClientMsgID      string         `json:"client_msg_id"`
	Type             string         `json:"type"`
	Payload          MessagePayload `json:"payload"`
	ReplyToMessageID string         `json:"reply_to_message_id,omitempty"`
}

// MessagePayload is the typed content of a message.
type MessagePayload struct {
	Body         string `json:"body,omitempty"`
	MediaID      string `json:"media_id,omitempty"`
	MediaURL     string `json:"media_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	DurationMS   int    `json:"duration_ms,omitempty"`
	Caption      string `json:"caption,omitempty"`
}

// MessageInfo is the server's durable record of a message, echoed back after
// an HTTP send.
type MessageInfo struct {
	MessageID   string `json:"message_id"`
	ClientMsgID string `json:"client_msg_id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// MarkReadRequest acknowledges messages up to and including a message id.
type MarkReadRequest struct {
	UpToMessageID string `json:"up_to_message_id"`
}

// ReactRequest adds an emoji reaction to a message.
type ReactRequest struct {
	Emoji string `json:"emoji"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is returned by a successful refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ErrorResponse is the API's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
