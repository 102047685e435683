package talkwire

import (
	"context"
	"time"
)

// Message lifecycle statuses. A record starts pending, becomes sending once
// handed to the live channel, and moves through sent/delivered/read as the
// server reports progress.
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// ErrNotFound is returned by stores when no record matches.
var ErrNotFound = NewError(CodeNotFound, "record not found")

// MessageRecord is the durable shape of a message in the local store. A row
// is created under a client-generated id the instant the user submits a
// compose action and is later updated in place with the server-assigned id;
// both ids stay resolvable.
type MessageRecord struct {
	ID       string // server id once confirmed; equals ClientID until then
	ClientID string
	ChatID   string
	SenderID string

	Type      string
	Content   string
	ReplyToID string

	MediaID      string
	MediaURL     string
	ThumbnailURL string
	MimeType     string
	MediaSize    int64
	DurationMS   int

	Status             string
	Starred            bool
	Deleted            bool
	DeletedForEveryone bool
	Reactions          map[string][]string // emoji -> user ids

	Timestamp time.Time
	CreatedAt time.Time
}

// MessageStore is the durable message store the pipeline writes through.
// Implementations own their consistency; the pipeline never assumes a
// read-modify-write on the store is atomic.
type MessageStore interface {
	Insert(ctx context.Context, rec MessageRecord) error
	GetByID(ctx context.Context, id string) (MessageRecord, error)
	GetByClientID(ctx context.Context, clientID string) (MessageRecord, error)

	// ConfirmSent attaches the server id to the row keyed by client id and
	// marks it sent. When at is non-zero it becomes the row's timestamp.
	ConfirmSent(ctx context.Context, clientID, serverID string, at time.Time) error

	UpdateStatus(ctx context.Context, id, status string) error
	UpdateStatusByClientID(ctx context.Context, clientID, status string) error
	SetStarred(ctx context.Context, id string, starred bool) error
	SetReactions(ctx context.Context, id string, reactions map[string][]string) error
	SoftDelete(ctx context.Context, id string, forEveryone bool) error

	// AllPending returns every record still awaiting its first successful
	// transmission, oldest first.
	AllPending(ctx context.Context) ([]MessageRecord, error)
}

// ChatStore maintains per-conversation preview and unread state.
type ChatStore interface {
	UpdateLastMessage(ctx context.Context, chatID, messageID, preview string, at time.Time) error
	SetUnread(ctx context.Context, chatID string, count int) error
}
