// Package sqlitestore provides a GORM-backed SQLite implementation of the
// talkwire store contracts, usable as the client's offline-first cache.
package sqlitestore

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nvoronin/talkwire-go/talkwire"
)

type messageModel struct {
	ID                 string `gorm:"primaryKey"`
	ClientID           string `gorm:"uniqueIndex"`
	ChatID             string `gorm:"index"`
	SenderID           string
	Type               string
	Content            string
	ReplyToID          string
	MediaID            string
	MediaURL           string
	ThumbnailURL       string
	MimeType           string
	MediaSize          int64
	DurationMS         int
	Status             string `gorm:"index"`
	Starred            bool
	Deleted            bool
	DeletedForEveryone bool
	Reactions          map[string][]string `gorm:"serializer:json"`
	Timestamp          time.Time
	CreatedAt          time.Time
}

type chatModel struct {
	ID            string `gorm:"primaryKey"`
	LastMessageID string
	Preview       string
	LastActivity  time.Time
	UnreadCount   int
	UpdatedAt     time.Time
}

// Store implements talkwire.MessageStore and talkwire.ChatStore on SQLite.
type Store struct {
	db *gorm.DB
}

var (
	_ talkwire.MessageStore = (*Store)(nil)
	_ talkwire.ChatStore    = (*Store)(nil)
)

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&messageModel{}, &chatModel{})
}

// Insert stores a new message record.
func (s *Store) Insert(ctx context.Context, rec talkwire.MessageRecord) error {
	model := toModel(rec)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetByID retrieves a message by its current durable id.
func (s *Store) GetByID(ctx context.Context, id string) (talkwire.MessageRecord, error) {
	var model messageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return talkwire.MessageRecord{}, mapNotFound(err)
	}
	return fromModel(model), nil
}

// GetByClientID retrieves a message by its client-generated id. Works both
// before and after server confirmation.
func (s *Store) GetByClientID(ctx context.Context, clientID string) (talkwire.MessageRecord, error) {
	var model messageModel
	if err := s.db.WithContext(ctx).First(&model, "client_id = ?", clientID).Error; err != nil {
		return talkwire.MessageRecord{}, mapNotFound(err)
	}
	return fromModel(model), nil
}

// ConfirmSent attaches the server id to the row keyed by client id and
// marks it sent. The client id column is untouched so the row stays
// resolvable by both identities.
func (s *Store) ConfirmSent(ctx context.Context, clientID, serverID string, at time.Time) error {
	updates := map[string]any{"id": serverID, "status": talkwire.StatusSent}
	if !at.IsZero() {
		updates["timestamp"] = at
	}
	res := s.db.WithContext(ctx).Model(&messageModel{}).Where("client_id = ?", clientID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return talkwire.ErrNotFound
	}
	return nil
}

// UpdateStatus sets a message's lifecycle status by durable id.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", id).Update("status", status).Error
}

// UpdateStatusByClientID sets a message's lifecycle status by client id.
func (s *Store) UpdateStatusByClientID(ctx context.Context, clientID, status string) error {
	return s.db.WithContext(ctx).Model(&messageModel{}).
		Where("client_id = ?", clientID).Update("status", status).Error
}

// SetStarred flips the star flag.
func (s *Store) SetStarred(ctx context.Context, id string, starred bool) error {
	return s.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", id).Update("starred", starred).Error
}

// SetReactions replaces the reactions map.
func (s *Store) SetReactions(ctx context.Context, id string, reactions map[string][]string) error {
	return s.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", id).Update("reactions", reactions).Error
}

// SoftDelete hides the message without removing the row.
func (s *Store) SoftDelete(ctx context.Context, id string, forEveryone bool) error {
	return s.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"deleted": true, "deleted_for_everyone": forEveryone}).Error
}

// AllPending returns records still awaiting transmission, oldest first.
func (s *Store) AllPending(ctx context.Context) ([]talkwire.MessageRecord, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("status = ?", talkwire.StatusPending).
		Order("created_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	recs := make([]talkwire.MessageRecord, 0, len(models))
	for _, model := range models {
		recs = append(recs, fromModel(model))
	}
	return recs, nil
}

// UpdateLastMessage upserts the conversation preview row.
func (s *Store) UpdateLastMessage(ctx context.Context, chatID, messageID, preview string, at time.Time) error {
	model := chatModel{
		ID:            chatID,
		LastMessageID: messageID,
		Preview:       preview,
		LastActivity:  at,
		UpdatedAt:     time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_message_id", "preview", "last_activity", "updated_at"}),
	}).Create(&model).Error
}

// SetUnread sets the conversation's unread counter, creating the row when
// the chat has no preview yet.
func (s *Store) SetUnread(ctx context.Context, chatID string, count int) error {
	res := s.db.WithContext(ctx).Model(&chatModel{}).
		Where("id = ?", chatID).
		Updates(map[string]any{"unread_count": count, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		model := chatModel{ID: chatID, UnreadCount: count, UpdatedAt: time.Now()}
		return s.db.WithContext(ctx).Create(&model).Error
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return talkwire.ErrNotFound
	}
	return err
}

func toModel(rec talkwire.MessageRecord) messageModel {
	return messageModel{
		ID:                 rec.ID,
		ClientID:           rec.ClientID,
		ChatID:             rec.ChatID,
		SenderID:           rec.SenderID,
		Type:               rec.Type,
		Content:            rec.Content,
		ReplyToID:          rec.ReplyToID,
		MediaID:            rec.MediaID,
		MediaURL:           rec.MediaURL,
		ThumbnailURL:       rec.ThumbnailURL,
		MimeType:           rec.MimeType,
		MediaSize:          rec.MediaSize,
		DurationMS:         rec.DurationMS,
		Status:             rec.Status,
		Starred:            rec.Starred,
		Deleted:            rec.Deleted,
		DeletedForEveryone: rec.DeletedForEveryone,
		Reactions:          rec.Reactions,
		Timestamp:          rec.Timestamp,
		CreatedAt:          rec.CreatedAt,
	}
}

func fromModel(model messageModel) talkwire.MessageRecord {
	return talkwire.MessageRecord{
		ID:                 model.ID,
		ClientID:           model.ClientID,
		ChatID:             model.ChatID,
		SenderID:           model.SenderID,
		Type:               model.Type,
		Content:            model.Content,
		ReplyToID:          model.ReplyToID,
		MediaID:            model.MediaID,
		MediaURL:           model.MediaURL,
		ThumbnailURL:       model.ThumbnailURL,
		MimeType:           model.MimeType,
		MediaSize:          model.MediaSize,
		DurationMS:         model.DurationMS,
		Status:             model.Status,
		Starred:            model.Starred,
		Deleted:            model.Deleted,
		DeletedForEveryone: model.DeletedForEveryone,
		Reactions:          model.Reactions,
		Timestamp:          model.Timestamp,
		CreatedAt:          model.CreatedAt,
	}
}
