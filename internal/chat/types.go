package chat

import (
	"context"
	"fmt"
	"time"

	"appchat-backend/internal/upstream"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageStatus string

const (
	StatusPending      MessageStatus = "pending"
	StatusStreaming    MessageStatus = "streaming"
	StatusComplete     MessageStatus = "complete"
	StatusError        MessageStatus = "error"
	StatusRegenerating MessageStatus = "regenerating"
)

// Message is one turn of a conversation. IDs are assigned client-side at
// creation and may be replaced by the server-assigned id once completion
// metadata arrives.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"` // unix milliseconds
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// ConversationRecord is a conversation as held in memory and exchanged with
// the store. Version is the optimistic-concurrency token; zero means the
// record has never been persisted.
type ConversationRecord struct {
	ID                   string
	UserID               string
	Title                string
	AppType              string
	Messages             []Message
	RemoteConversationID string
	LastMessageTime      int64 // unix seconds
	Version              int
}

// ConversationStore is the persistence collaborator as the controller sees
// it. List returns metadata only (no message payloads), most recent first.
// Get and Delete are scoped to the owning user; foreign records read as
// absent.
type ConversationStore interface {
	List(ctx context.Context, userID, appType string) ([]ConversationRecord, error)
	Get(ctx context.Context, userID, id string) (ConversationRecord, error)
	Create(ctx context.Context, rec *ConversationRecord) error
	Update(ctx context.Context, rec *ConversationRecord) error
	Delete(ctx context.Context, userID, id string, version int) error
}

// Generator runs generation cycles. *upstream.Session satisfies it.
type Generator interface {
	Start(ctx context.Context, req upstream.GenerateRequest, cb upstream.Callbacks) error
	Cancel()
}

// Identity is the authenticated caller, injected at controller construction.
// Authentication itself happens upstream of this service.
type Identity struct {
	UserID   string
	Role     string
	Language string
}

// AppConfig parameterizes one controller for a target application. The
// optional hooks cover the behaviors that legitimately vary per app.
type AppConfig struct {
	AppType     string
	Mode        upstream.Mode
	TitlePrefix string

	// BuildPayload shapes the generation request. Nil selects the default
	// for the mode.
	BuildPayload func(query, user, remoteConversationID string) upstream.GenerateRequest

	// ValidateInput rejects app-specific bad input before any network call.
	ValidateInput func(text string) error
}

func (cfg AppConfig) buildPayload(query, user, remoteConversationID string) upstream.GenerateRequest {
	if cfg.BuildPayload != nil {
		return cfg.BuildPayload(query, user, remoteConversationID)
	}
	if cfg.Mode == upstream.ModeWorkflow {
		return upstream.GenerateRequest{
			Inputs: map[string]any{"query": query},
			User:   user,
		}
	}
	return upstream.GenerateRequest{
		Inputs:         map[string]any{},
		Query:          query,
		User:           user,
		ConversationID: remoteConversationID,
	}
}

// newMessageID builds a client-side message id from the current time plus a
// random suffix, unique within a session.
func newMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
