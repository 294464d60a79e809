package database

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Application is one registered hosted app the user can converse with. The ID
// doubles as the conversation app-type tag.
type Application struct {
	ID          string `gorm:"primaryKey;size:40"`
	Name        string `gorm:"not null"`
	Endpoint    string `gorm:"not null"`
	Mode        string `gorm:"size:20;not null;default:chat"`
	APIKeyName  string `gorm:"size:64;not null"`
	TitlePrefix string
	Deleted     bool `gorm:"default:false"`
}

// APIKey holds the upstream credential for one application. Resolution is by
// exact name; there is no fuzzy fallback.
type APIKey struct {
	Name    string `gorm:"primaryKey;size:64"`
	Key     string `gorm:"not null"`
	Version int    `gorm:"not null;default:1"`
	Deleted bool   `gorm:"default:false"`
}

// UserSetting is the per-user settings record (role, UI language).
type UserSetting struct {
	UserID   string `gorm:"primaryKey;size:64"`
	Role     string `gorm:"size:32"`
	Language string `gorm:"size:16"`
	Version  int    `gorm:"not null;default:1"`
}

// Conversation is a persisted conversation. Messages is the full message
// list serialized as a JSON blob; Version is the optimistic-concurrency
// token checked on every update and delete. Deletions are soft.
type Conversation struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID               string    `gorm:"size:64;index:idx_conversations_user_app"`
	AppType              string    `gorm:"size:40;index:idx_conversations_user_app"`
	Title                string
	Messages             datatypes.JSON
	RemoteConversationID string
	LastMessageTime      int64 `gorm:"index"`
	Version              int   `gorm:"not null;default:1"`
	Deleted              bool  `gorm:"default:false"`
}
