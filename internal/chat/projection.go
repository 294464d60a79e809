package chat

// MessageView is one rendered message bubble.
type MessageView struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
	Status    MessageStatus `json:"status"`
	// Error renders as an inline marker on the bubble when set.
	Error string `json:"error,omitempty"`
}

// View is an immutable projection of controller state for the browser to
// render. Rendering is a pure function of this value; the state machine can
// be tested without any DOM.
type View struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	AppType        string        `json:"app_type"`
	Messages       []MessageView `json:"messages"`
	Generating     bool          `json:"generating"`
	// InputEnabled is true after every terminal outcome; a stuck disabled
	// input is a critical defect.
	InputEnabled bool `json:"input_enabled"`
	Persisted    bool `json:"persisted"`
}

// Project builds the view for a conversation. Pure: the input is copied, not
// referenced.
func Project(conv ConversationRecord, generating, persisted bool) View {
	messages := make([]MessageView, len(conv.Messages))
	for i, m := range conv.Messages {
		messages[i] = MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Status:    m.Status,
			Error:     m.Error,
		}
	}
	return View{
		ConversationID: conv.ID,
		Title:          conv.Title,
		AppType:        conv.AppType,
		Messages:       messages,
		Generating:     generating,
		InputEnabled:   !generating,
		Persisted:      persisted,
	}
}

func (v View) errorFor(messageID string) string {
	for _, m := range v.Messages {
		if m.ID == messageID {
			return m.Error
		}
	}
	return ""
}
