package api

// Wire types shared with the browser client.

type App struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode"`
}

type GetAppsResponse struct {
	Apps []App `json:"apps"`
}

type ConversationSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	AppType         string `json:"app_type"`
	LastMessageTime int64  `json:"last_message_time"`
	Version         int    `json:"version"`
}

type GetConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	AppType         string    `json:"app_type"`
	Messages        []Message `json:"messages"`
	LastMessageTime int64     `json:"last_message_time"`
	Version         int       `json:"version"`
}

type GenerateRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type RegenerateRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
}

type FeedbackRequest struct {
	Rating string `json:"rating"` // "like", "dislike" or "" to retract
}

type SuggestedResponse struct {
	Questions []string `json:"questions"`
}

type ApiKey struct {
	Name    string `json:"name"`
	ApiKey  string `json:"api_key"`
	Version int    `json:"version"`
}

type UserSettings struct {
	Role     string `json:"role"`
	Language string `json:"language"`
	Version  int    `json:"version"`
}
