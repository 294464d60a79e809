package versions

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Local copies of the initial schema: migrations must not drift when the live
// models in the database package change.

type Application struct {
	ID          string `gorm:"primaryKey;size:40"`
	Name        string `gorm:"not null"`
	Endpoint    string `gorm:"not null"`
	Mode        string `gorm:"size:20;not null;default:chat"`
	APIKeyName  string `gorm:"size:64;not null"`
	TitlePrefix string
	Deleted     bool `gorm:"default:false"`
}

type APIKey struct {
	Name    string `gorm:"primaryKey;size:64"`
	Key     string `gorm:"not null"`
	Version int    `gorm:"not null;default:1"`
	Deleted bool   `gorm:"default:false"`
}

type UserSetting struct {
	UserID   string `gorm:"primaryKey;size:64"`
	Role     string `gorm:"size:32"`
	Language string `gorm:"size:16"`
	Version  int    `gorm:"not null;default:1"`
}

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

func Migration(txn *gorm.DB) error {
	return txn.AutoMigrate(&Application{}, &APIKey{}, &UserSetting{}, &Conversation{})
}
