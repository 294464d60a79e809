package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"appchat-backend/internal/upstream"
)

// ErrGenerationInProgress is returned when an operation is refused because a
// generation is active on the controller. The request is dropped, not queued.
var ErrGenerationInProgress = errors.New("a generation is in progress for this conversation")

const maxTitleRunes = 32

// StreamUpdate is one incremental update pushed to the UI while a generation
// runs. Terminal updates (done, error) carry the full projected view.
type StreamUpdate struct {
	Kind      string         `json:"kind"` // view, delta, thought, lifecycle, done, error
	MessageID string         `json:"message_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	First     bool           `json:"first,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
	View      *View          `json:"view,omitempty"`
}

// Controller is the per-conversation state machine. It tracks the active
// conversation, drives message status transitions, decides when the
// conversation record is first persisted, and coordinates regeneration.
// All mutations happen under its lock; persistence is best-effort relative to
// the in-memory state.
type Controller struct {
	mu    sync.Mutex
	cfg   AppConfig
	id    Identity
	store ConversationStore
	gen   Generator

	conv       ConversationRecord
	persisted  bool
	generating bool
}

func NewController(cfg AppConfig, identity Identity, store ConversationStore, gen Generator) *Controller {
	return &Controller{
		cfg:   cfg,
		id:    identity,
		store: store,
		gen:   gen,
		conv: ConversationRecord{
			UserID:  identity.UserID,
			AppType: cfg.AppType,
		},
	}
}

// Submit runs one user turn end to end, blocking until a terminal outcome.
// Empty input (after trimming) is a silent no-op. A brand-new conversation is
// not persisted until the assistant reply completes, so an abandoned first
// message leaves no orphan record behind.
func (c *Controller) Submit(ctx context.Context, text string, emit func(StreamUpdate)) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.cfg.ValidateInput != nil {
		if err := c.cfg.ValidateInput(text); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.generating {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	c.generating = true
	now := time.Now()
	user := Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: now.UnixMilli(),
		Status:    StatusComplete,
	}
	assistant := Message{
		ID:        newMessageID(),
		Role:      RoleAssistant,
		Timestamp: now.UnixMilli(),
		Status:    StatusPending,
	}
	c.conv.Messages = append(c.conv.Messages, user, assistant)
	c.conv.LastMessageTime = now.Unix()
	wasNew := !c.persisted
	remoteID := c.conv.RemoteConversationID
	c.mu.Unlock()

	if !wasNew {
		// Continuation: the user message goes to the store right away.
		c.persist(ctx, "user message")
	}
	c.emitView(emit)

	return c.generate(ctx, generation{
		query:       text,
		assistantID: assistant.ID,
		wasNew:      wasNew,
		remoteID:    remoteID,
	}, emit)
}

// Regenerate re-answers an earlier turn in place: the assistant message keeps
// its logical position, its content is replaced, and no history records are
// duplicated. Automatic titling is suppressed so the conversation title is
// not rewritten with stale text.
func (c *Controller) Regenerate(ctx context.Context, messageID string, emit func(StreamUpdate)) error {
	c.mu.Lock()
	if c.generating {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	idx := -1
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == messageID && c.conv.Messages[i].Role == RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("no assistant message %q in the active conversation", messageID)
	}
	var query string
	for i := idx - 1; i >= 0; i-- {
		if c.conv.Messages[i].Role == RoleUser {
			query = c.conv.Messages[i].Content
			break
		}
	}
	if query == "" {
		c.mu.Unlock()
		return fmt.Errorf("no user message precedes %q", messageID)
	}
	c.generating = true
	msg := &c.conv.Messages[idx]
	msg.Status = StatusRegenerating
	msg.Content = ""
	msg.Error = ""
	wasNew := !c.persisted
	remoteID := c.conv.RemoteConversationID
	c.mu.Unlock()

	c.emitView(emit)

	return c.generate(ctx, generation{
		query:        query,
		assistantID:  messageID,
		wasNew:       wasNew,
		remoteID:     remoteID,
		regenerating: true,
	}, emit)
}

// Cancel aborts the in-flight generation. A no-op when nothing is active.
func (c *Controller) Cancel() {
	c.gen.Cancel()
}

// IsGenerating reports whether a generation is active on this controller.
func (c *Controller) IsGenerating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

type generation struct {
	query        string
	assistantID  string
	wasNew       bool
	remoteID     string
	regenerating bool
}

func (c *Controller) generate(ctx context.Context, gen generation, emit func(StreamUpdate)) error {
	req := c.cfg.buildPayload(gen.query, c.id.UserID, gen.remoteID)

	var meta upstream.Metadata
	err := c.gen.Start(ctx, req, upstream.Callbacks{
		OnMessage: func(text string, first bool) {
			c.mu.Lock()
			if msg := c.messageLocked(gen.assistantID); msg != nil {
				if msg.Status == StatusPending || msg.Status == StatusRegenerating {
					msg.Status = StatusStreaming
				}
				msg.Content += text
			}
			c.mu.Unlock()
			send(emit, StreamUpdate{Kind: "delta", MessageID: gen.assistantID, Text: text, First: first})
		},
		OnThought: func(text string) {
			send(emit, StreamUpdate{Kind: "thought", MessageID: gen.assistantID, Text: text})
		},
		OnWorkflowStarted:   c.lifecycle(emit, gen.assistantID, "workflow_started"),
		OnNodeStarted:       c.lifecycle(emit, gen.assistantID, "node_started"),
		OnNodeCompleted:     c.lifecycle(emit, gen.assistantID, "node_finished"),
		OnWorkflowCompleted: c.lifecycle(emit, gen.assistantID, "workflow_finished"),
		OnComplete: func(m upstream.Metadata) {
			meta = m
		},
	})

	if err != nil {
		c.finishWithError(gen, err, emit)
		return err
	}

	c.mu.Lock()
	c.generating = false
	finalID := gen.assistantID
	if msg := c.messageLocked(gen.assistantID); msg != nil {
		msg.Status = StatusComplete
		if serverID, ok := meta["message_id"].(string); ok && serverID != "" {
			msg.ID = serverID
			finalID = serverID
		}
	}
	if remoteID, ok := meta["conversation_id"].(string); ok && remoteID != "" {
		// Remote conversation ids may rotate between turns.
		c.conv.RemoteConversationID = remoteID
	}
	c.conv.LastMessageTime = time.Now().Unix()
	if gen.wasNew && !gen.regenerating {
		c.conv.Title = c.titleLocked(meta)
	}
	if gen.wasNew && c.conv.Title == "" {
		c.conv.Title = c.fallbackTitle()
	}
	c.mu.Unlock()

	if gen.wasNew {
		c.create(ctx)
	} else {
		c.persist(ctx, "assistant message")
	}

	view := c.Snapshot()
	send(emit, StreamUpdate{Kind: "done", MessageID: finalID, Meta: meta, View: &view})
	return nil
}

func (c *Controller) finishWithError(gen generation, err error, emit func(StreamUpdate)) {
	cancelled := errors.Is(err, upstream.ErrCancelled)

	c.mu.Lock()
	c.generating = false
	if msg := c.messageLocked(gen.assistantID); msg != nil {
		msg.Status = StatusError
		if cancelled {
			msg.Error = "stopped by user"
		} else {
			msg.Error = err.Error()
		}
	}
	// A failed first message leaves no partial conversation: the next attempt
	// is treated as a fresh first message again.
	if gen.wasNew {
		c.persisted = false
	}
	view := c.projectLocked()
	c.mu.Unlock()

	send(emit, StreamUpdate{
		Kind:      "error",
		MessageID: gen.assistantID,
		Error:     view.errorFor(gen.assistantID),
		Cancelled: cancelled,
		View:      &view,
	})
}

func (c *Controller) lifecycle(emit func(StreamUpdate), messageID, stage string) func(map[string]any) {
	return func(detail map[string]any) {
		send(emit, StreamUpdate{Kind: "lifecycle", MessageID: messageID, Stage: stage, Detail: detail})
	}
}

// SwitchConversation makes a persisted conversation the active one. The
// remote conversation id is reset so multi-turn context never leaks across
// local conversations; the next turn starts a fresh remote exchange.
func (c *Controller) SwitchConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.generating {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	c.mu.Unlock()

	rec, err := c.store.Get(ctx, c.id.UserID, id)
	if err != nil {
		return fmt.Errorf("could not load conversation %s: %w", id, err)
	}
	rec.RemoteConversationID = ""

	c.mu.Lock()
	c.conv = rec
	c.persisted = true
	c.mu.Unlock()
	return nil
}

// NewConversation resets to a fresh unsaved conversation. Ignored while a
// generation is active.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return
	}
	c.conv = ConversationRecord{UserID: c.id.UserID, AppType: c.cfg.AppType}
	c.persisted = false
}

// DeleteConversation removes a conversation. Deleting the active one selects
// the next-most-recent remaining conversation, or resets to a fresh state if
// none remain.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	active := c.conv.ID == id && c.persisted
	if active && c.generating {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	c.mu.Unlock()

	rec, err := c.store.Get(ctx, c.id.UserID, id)
	if err != nil {
		return fmt.Errorf("could not load conversation %s: %w", id, err)
	}
	if err := c.store.Delete(ctx, c.id.UserID, id, rec.Version); err != nil {
		return err
	}
	if !active {
		return nil
	}

	remaining, err := c.store.List(ctx, c.id.UserID, c.cfg.AppType)
	if err != nil || len(remaining) == 0 {
		if err != nil {
			slog.Error("could not list conversations after delete", "error", err)
		}
		c.mu.Lock()
		c.conv = ConversationRecord{UserID: c.id.UserID, AppType: c.cfg.AppType}
		c.persisted = false
		c.mu.Unlock()
		return nil
	}
	return c.SwitchConversation(ctx, remaining[0].ID)
}

// Conversations lists this user's conversations for the app, most recent
// first.
func (c *Controller) Conversations(ctx context.Context) ([]ConversationRecord, error) {
	return c.store.List(ctx, c.id.UserID, c.cfg.AppType)
}

// Snapshot projects the current state into an immutable view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectLocked()
}

func (c *Controller) projectLocked() View {
	return Project(c.conv, c.generating, c.persisted)
}

func (c *Controller) messageLocked(id string) *Message {
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == id {
			return &c.conv.Messages[i]
		}
	}
	return nil
}

func (c *Controller) titleLocked(meta upstream.Metadata) string {
	if name, ok := meta["name"].(string); ok && strings.TrimSpace(name) != "" {
		return name
	}
	for _, m := range c.conv.Messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return truncateRunes(strings.TrimSpace(m.Content), maxTitleRunes)
		}
	}
	return c.fallbackTitle()
}

func (c *Controller) fallbackTitle() string {
	prefix := c.cfg.TitlePrefix
	if prefix == "" {
		prefix = "Chat"
	}
	return fmt.Sprintf("%s %s", prefix, time.Now().Format("2006-01-02 15:04"))
}

// create writes the conversation record for the first time. Persistence is
// best-effort: on failure the in-memory conversation stays authoritative and
// the record stays unpersisted.
func (c *Controller) create(ctx context.Context) {
	c.mu.Lock()
	rec := c.conv
	rec.Messages = finalizedMessages(c.conv.Messages)
	c.mu.Unlock()

	if err := c.store.Create(ctx, &rec); err != nil {
		slog.Error("could not create conversation record", "app", c.cfg.AppType, "error", err)
		return
	}

	c.mu.Lock()
	c.conv.ID = rec.ID
	c.conv.Version = rec.Version
	c.persisted = true
	c.mu.Unlock()
}

// persist updates the stored record with the current message list. Failures
// (including version conflicts) are reported, never rolled back into the
// already-rendered conversation.
func (c *Controller) persist(ctx context.Context, what string) {
	c.mu.Lock()
	if !c.persisted {
		c.mu.Unlock()
		return
	}
	rec := c.conv
	rec.Messages = finalizedMessages(c.conv.Messages)
	c.mu.Unlock()

	if err := c.store.Update(ctx, &rec); err != nil {
		slog.Error("could not persist "+what, "conversation", rec.ID, "error", err)
		return
	}

	c.mu.Lock()
	c.conv.Version = rec.Version
	c.mu.Unlock()
}

func (c *Controller) emitView(emit func(StreamUpdate)) {
	view := c.Snapshot()
	send(emit, StreamUpdate{Kind: "view", View: &view})
}

func send(emit func(StreamUpdate), u StreamUpdate) {
	if emit != nil {
		emit(u)
	}
}

// finalizedMessages copies the message list, dropping messages whose
// generation has not reached a terminal status. The stored record must never
// hold a pending or streaming placeholder: an interrupted turn reads back as
// a trailing user message, not a forever-pending bubble.
func finalizedMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch m.Status {
		case StatusPending, StatusStreaming, StatusRegenerating:
			continue
		}
		out = append(out, m)
	}
	return out
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
