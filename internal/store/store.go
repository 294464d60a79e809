// Package store adapts the relational persistence layer to what the chat
// controller and API need: conversation records with optimistic concurrency,
// and typed lookups for the application registry, API keys and user settings.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"appchat-backend/internal/chat"
	"appchat-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrVersionConflict marks an update or delete whose version token no
	// longer matches the stored record. Not retried at this layer.
	ErrVersionConflict = errors.New("record was modified concurrently")

	ErrNotFound = errors.New("record not found")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// List returns conversation metadata for a user, most recent activity first.
// Message payloads are not loaded. Soft-deleted records are absent.
func (s *Store) List(ctx context.Context, userID, appType string) ([]chat.ConversationRecord, error) {
	query := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Select("id", "user_id", "app_type", "title", "remote_conversation_id", "last_message_time", "version").
		Where("user_id = ? AND deleted = ?", userID, false)
	if appType != "" {
		query = query.Where("app_type = ?", appType)
	}

	var rows []database.Conversation
	if err := query.Order("last_message_time DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error listing conversations: %w", err)
	}

	records := make([]chat.ConversationRecord, len(rows))
	for i, row := range rows {
		records[i] = toRecord(row, nil)
	}
	return records, nil
}

// Get loads one conversation with its full message list. Records are scoped
// to their owning user: someone else's conversation id reads as absent. A
// stored blob that does not decode to the expected shape yields an empty
// message list, never an error.
func (s *Store) Get(ctx context.Context, userID, id string) (chat.ConversationRecord, error) {
	convID, err := uuid.Parse(id)
	if err != nil {
		return chat.ConversationRecord{}, fmt.Errorf("invalid conversation id %q: %w", id, err)
	}

	var row database.Conversation
	err = s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", convID, userID, false).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.ConversationRecord{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.ConversationRecord{}, fmt.Errorf("error loading conversation %s: %w", id, err)
	}

	return toRecord(row, decodeMessages(row.Messages)), nil
}

// Create writes a new conversation record and fills in the generated id and
// initial version token.
func (s *Store) Create(ctx context.Context, rec *chat.ConversationRecord) error {
	blob, err := encodeMessages(rec.Messages)
	if err != nil {
		return err
	}

	row := database.Conversation{
		ID:                   uuid.New(),
		UserID:               rec.UserID,
		AppType:              rec.AppType,
		Title:                rec.Title,
		Messages:             blob,
		RemoteConversationID: rec.RemoteConversationID,
		LastMessageTime:      rec.LastMessageTime,
		Version:              1,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("error creating conversation: %w", err)
	}

	rec.ID = row.ID.String()
	rec.Version = row.Version
	return nil
}

// Update rewrites a conversation record, guarded by its version token. A
// mismatch surfaces as ErrVersionConflict; the token in rec is bumped on
// success.
func (s *Store) Update(ctx context.Context, rec *chat.ConversationRecord) error {
	convID, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", rec.ID, err)
	}
	blob, err := encodeMessages(rec.Messages)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Where("id = ? AND user_id = ? AND version = ? AND deleted = ?", convID, rec.UserID, rec.Version, false).
		Updates(map[string]any{
			"title":                  rec.Title,
			"messages":               blob,
			"remote_conversation_id": rec.RemoteConversationID,
			"last_message_time":      rec.LastMessageTime,
			"version":                rec.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("error updating conversation %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.staleWriteError(ctx, rec.UserID, convID)
	}

	rec.Version++
	return nil
}

// Delete soft-deletes a conversation owned by the user, guarded by its
// version token.
func (s *Store) Delete(ctx context.Context, userID, id string, version int) error {
	convID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", id, err)
	}

	res := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Where("id = ? AND user_id = ? AND version = ? AND deleted = ?", convID, userID, version, false).
		Updates(map[string]any{"deleted": true, "version": version + 1})
	if res.Error != nil {
		return fmt.Errorf("error deleting conversation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.staleWriteError(ctx, userID, convID)
	}
	return nil
}

// staleWriteError distinguishes a version conflict from a missing (or
// foreign) record after a guarded write touched no rows.
func (s *Store) staleWriteError(ctx context.Context, userID string, convID uuid.UUID) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Where("id = ? AND user_id = ? AND deleted = ?", convID, userID, false).
		Count(&count).Error
	if err == nil && count == 0 {
		return fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	return fmt.Errorf("conversation %s: %w", convID, ErrVersionConflict)
}

func toRecord(row database.Conversation, messages []chat.Message) chat.ConversationRecord {
	return chat.ConversationRecord{
		ID:                   row.ID.String(),
		UserID:               row.UserID,
		AppType:              row.AppType,
		Title:                row.Title,
		Messages:             messages,
		RemoteConversationID: row.RemoteConversationID,
		LastMessageTime:      row.LastMessageTime,
		Version:              row.Version,
	}
}

func encodeMessages(messages []chat.Message) (datatypes.JSON, error) {
	if messages == nil {
		messages = []chat.Message{}
	}
	blob, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("could not marshal message list: %w", err)
	}
	return datatypes.JSON(blob), nil
}

// decodeMessages is deliberately forgiving: a corrupt or unexpectedly-shaped
// blob is treated as an empty message list.
func decodeMessages(blob datatypes.JSON) []chat.Message {
	if len(blob) == 0 {
		return []chat.Message{}
	}
	var messages []chat.Message
	if err := json.Unmarshal(blob, &messages); err != nil {
		slog.Error("stored message list does not decode, treating as empty", "error", err)
		return []chat.Message{}
	}
	return messages
}
