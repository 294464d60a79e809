package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"appchat-backend/internal/chat"
	"appchat-backend/internal/database"
	"appchat-backend/internal/store"
	"appchat-backend/internal/upstream"
	pkgapi "appchat-backend/pkg/api"
)

const controllerCacheSize = 256

// ChatService is the browser-facing surface: app registry, conversation CRUD,
// and the streamed generation endpoints driving per-(user, app) controllers.
type ChatService struct {
	store       *store.Store
	controllers *chat.ControllerCache

	// newGenerator is a seam for tests; production wiring builds a real
	// upstream session.
	newGenerator func(endpoint, apiKey string, mode upstream.Mode) chat.Generator
}

func NewChatService(st *store.Store) *ChatService {
	return &ChatService{
		store:       st,
		controllers: chat.NewControllerCache(controllerCacheSize),
		newGenerator: func(endpoint, apiKey string, mode upstream.Mode) chat.Generator {
			return upstream.NewSession(endpoint, apiKey, mode)
		},
	}
}

func (s *ChatService) AddRoutes(r chi.Router) {
	r.Route("/apps", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetApps))
		r.Route("/{app_id}", func(r chi.Router) {
			r.Get("/info", RestHandler(s.GetAppInfo))
			r.Get("/parameters", RestHandler(s.GetAppParameters))
			r.Get("/conversations", RestHandler(s.GetConversations))
			r.Get("/conversations/{conversation_id}", RestHandler(s.GetConversation))
			r.Delete("/conversations/{conversation_id}", RestHandler(s.DeleteConversation))
			r.Post("/chat", s.Chat)
			r.Post("/chat/stop", RestHandler(s.StopChat))
			r.Post("/chat/regenerate", s.Regenerate)
			r.Get("/messages/{message_id}/suggested", RestHandler(s.GetSuggested))
			r.Post("/messages/{message_id}/feedbacks", RestHandler(s.SendFeedback))
		})
	})
	r.Route("/settings", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetSettings))
		r.Put("/", RestHandler(s.SaveSettings))
	})
	r.Route("/api-keys", func(r chi.Router) {
		r.Get("/{name}", RestHandler(s.GetApiKey))
		r.Post("/", RestHandler(s.SetApiKey))
	})
}

func (s *ChatService) GetApps(r *http.Request) (any, error) {
	entries, err := s.store.Applications(r.Context())
	if err != nil {
		return nil, err
	}

	apps := make([]pkgapi.App, len(entries))
	for i, entry := range entries {
		apps[i] = pkgapi.App{ID: entry.ID, Name: entry.Name, Mode: string(entry.Mode)}
	}
	return pkgapi.GetAppsResponse{Apps: apps}, nil
}

func (s *ChatService) GetAppInfo(r *http.Request) (any, error) {
	meta, err := s.appMeta(r)
	if err != nil {
		return nil, err
	}
	info, err := meta.Info(r.Context())
	if err != nil {
		return nil, CodedErrorf(http.StatusBadGateway, "could not fetch app info: %v", err)
	}
	return info, nil
}

func (s *ChatService) GetAppParameters(r *http.Request) (any, error) {
	meta, err := s.appMeta(r)
	if err != nil {
		return nil, err
	}
	params, err := meta.Parameters(r.Context())
	if err != nil {
		return nil, CodedErrorf(http.StatusBadGateway, "could not fetch app parameters: %v", err)
	}
	return params, nil
}

type listConversationsParams struct {
	Limit int `schema:"limit"`
}

func (s *ChatService) GetConversations(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listConversationsParams](r)
	if err != nil {
		return nil, err
	}

	identity := identityFrom(r)
	appID := chi.URLParam(r, "app_id")

	records, err := s.store.List(r.Context(), identity.UserID, appID)
	if err != nil {
		return nil, err
	}
	if params.Limit > 0 && params.Limit < len(records) {
		records = records[:params.Limit]
	}

	summaries := make([]pkgapi.ConversationSummary, len(records))
	for i, rec := range records {
		summaries[i] = pkgapi.ConversationSummary{
			ID:              rec.ID,
			Title:           rec.Title,
			AppType:         rec.AppType,
			LastMessageTime: rec.LastMessageTime,
			Version:         rec.Version,
		}
	}
	return pkgapi.GetConversationsResponse{Conversations: summaries}, nil
}

func (s *ChatService) GetConversation(r *http.Request) (any, error) {
	convID, err := URLParamUUID(r, "conversation_id")
	if err != nil {
		return nil, err
	}

	identity := identityFrom(r)
	rec, err := s.store.Get(r.Context(), identity.UserID, convID.String())
	if err != nil {
		return nil, storeError(err)
	}

	messages := make([]pkgapi.Message, len(rec.Messages))
	for i, m := range rec.Messages {
		messages[i] = pkgapi.Message{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Status:    string(m.Status),
			Error:     m.Error,
		}
	}
	return pkgapi.Conversation{
		ID:              rec.ID,
		Title:           rec.Title,
		AppType:         rec.AppType,
		Messages:        messages,
		LastMessageTime: rec.LastMessageTime,
		Version:         rec.Version,
	}, nil
}

func (s *ChatService) DeleteConversation(r *http.Request) (any, error) {
	convID, err := URLParamUUID(r, "conversation_id")
	if err != nil {
		return nil, err
	}

	controller, err := s.controller(r)
	if err != nil {
		return nil, err
	}
	if err := controller.DeleteConversation(r.Context(), convID.String()); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

// Chat runs one user turn against the app, streaming updates back as SSE.
func (s *ChatService) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest[pkgapi.GenerateRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}

	controller, err := s.controller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if controller.IsGenerating() {
		writeError(w, CodedError(http.StatusConflict, chat.ErrGenerationInProgress))
		return
	}
	if err := s.activate(r.Context(), controller, req.ConversationID); err != nil {
		writeError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	// Terminal outcomes are already reported through the stream; only a
	// pre-flight refusal that never produced an update needs surfacing here.
	sent := false
	err = controller.Submit(r.Context(), req.Query, func(u chat.StreamUpdate) {
		sent = true
		sse.Send(u)
	})
	if err != nil && !sent {
		sse.Send(chat.StreamUpdate{Kind: "error", Error: err.Error()})
	}
}

func (s *ChatService) StopChat(r *http.Request) (any, error) {
	controller, err := s.controller(r)
	if err != nil {
		return nil, err
	}
	// Idempotent: stopping an idle controller is a no-op.
	controller.Cancel()
	return nil, nil
}

// Regenerate re-answers a prior assistant message in place, streaming like
// Chat.
func (s *ChatService) Regenerate(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest[pkgapi.RegenerateRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.MessageID == "" {
		writeError(w, CodedErrorf(http.StatusBadRequest, "message_id is required"))
		return
	}

	controller, err := s.controller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if controller.IsGenerating() {
		writeError(w, CodedError(http.StatusConflict, chat.ErrGenerationInProgress))
		return
	}
	if err := s.activate(r.Context(), controller, req.ConversationID); err != nil {
		writeError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	// Pre-flight failures (unknown message id, racing submit) never make it
	// into the stream; everything past that point reports through it.
	sent := false
	err = controller.Regenerate(r.Context(), req.MessageID, func(u chat.StreamUpdate) {
		sent = true
		sse.Send(u)
	})
	if err != nil && !sent {
		sse.Send(chat.StreamUpdate{Kind: "error", Error: err.Error()})
	}
}

func (s *ChatService) GetSuggested(r *http.Request) (any, error) {
	meta, err := s.appMeta(r)
	if err != nil {
		return nil, err
	}

	identity := identityFrom(r)
	questions, err := meta.SuggestedQuestions(r.Context(), chi.URLParam(r, "message_id"), identity.UserID)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadGateway, "could not fetch suggestions: %v", err)
	}
	return pkgapi.SuggestedResponse{Questions: questions}, nil
}

func (s *ChatService) SendFeedback(r *http.Request) (any, error) {
	req, err := ParseRequest[pkgapi.FeedbackRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Rating != "" && req.Rating != "like" && req.Rating != "dislike" {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid rating %q", req.Rating)
	}

	meta, err := s.appMeta(r)
	if err != nil {
		return nil, err
	}

	identity := identityFrom(r)
	if err := meta.SendFeedback(r.Context(), chi.URLParam(r, "message_id"), req.Rating, identity.UserID); err != nil {
		return nil, CodedErrorf(http.StatusBadGateway, "could not submit feedback: %v", err)
	}
	return nil, nil
}

func (s *ChatService) GetSettings(r *http.Request) (any, error) {
	identity := identityFrom(r)
	setting, err := s.store.UserSettings(r.Context(), identity.UserID)
	if err != nil {
		return nil, err
	}
	return pkgapi.UserSettings{Role: setting.Role, Language: setting.Language, Version: setting.Version}, nil
}

func (s *ChatService) SaveSettings(r *http.Request) (any, error) {
	req, err := ParseRequest[pkgapi.UserSettings](r)
	if err != nil {
		return nil, err
	}

	identity := identityFrom(r)
	err = s.store.SaveUserSettings(r.Context(), database.UserSetting{
		UserID:   identity.UserID,
		Role:     req.Role,
		Language: req.Language,
		Version:  req.Version,
	})
	if err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func (s *ChatService) GetApiKey(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")
	key, version, err := s.store.APIKey(r.Context(), name)
	if err != nil {
		return nil, storeError(err)
	}
	return pkgapi.ApiKey{Name: name, ApiKey: key, Version: version}, nil
}

func (s *ChatService) SetApiKey(r *http.Request) (any, error) {
	req, err := ParseRequest[pkgapi.ApiKey](r)
	if err != nil {
		return nil, err
	}
	if req.Name == "" || req.ApiKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "name and api_key are required")
	}
	if err := s.store.SetAPIKey(r.Context(), req.Name, req.ApiKey, req.Version); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

// controller resolves the cached controller for the caller and app, building
// one from the registry entry and its API key on first use.
func (s *ChatService) controller(r *http.Request) (*chat.Controller, error) {
	identity := identityFrom(r)
	appID := chi.URLParam(r, "app_id")

	app, err := s.store.Application(r.Context(), appID)
	if err != nil {
		return nil, storeError(err)
	}

	return s.controllers.Get(identity.UserID, app.ID, func() (*chat.Controller, error) {
		key, _, err := s.store.APIKey(r.Context(), app.APIKeyName)
		if err != nil {
			return nil, storeError(err)
		}
		cfg := chat.AppConfig{
			AppType:     app.ID,
			Mode:        app.Mode,
			TitlePrefix: app.TitlePrefix,
		}
		// Controllers outlive the request that builds them, so only the
		// stable part of the identity is captured. Role and language are
		// request-scoped and read fresh from the headers by the handlers
		// that need them.
		owner := chat.Identity{UserID: identity.UserID}
		return chat.NewController(cfg, owner, s.store, s.newGenerator(app.Endpoint, key, app.Mode)), nil
	})
}

// activate points the controller at the requested conversation: empty means a
// fresh one, anything else is loaded unless already active.
func (s *ChatService) activate(ctx context.Context, controller *chat.Controller, conversationID string) error {
	view := controller.Snapshot()
	if conversationID == "" {
		if view.Persisted || len(view.Messages) > 0 {
			controller.NewConversation()
		}
		return nil
	}
	if view.ConversationID == conversationID {
		return nil
	}
	if err := controller.SwitchConversation(ctx, conversationID); err != nil {
		return storeError(err)
	}
	return nil
}

func (s *ChatService) appMeta(r *http.Request) (*upstream.MetaClient, error) {
	app, err := s.store.Application(r.Context(), chi.URLParam(r, "app_id"))
	if err != nil {
		return nil, storeError(err)
	}
	key, _, err := s.store.APIKey(r.Context(), app.APIKeyName)
	if err != nil {
		return nil, storeError(err)
	}
	return upstream.NewMetaClient(app.Endpoint, key), nil
}

func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, store.ErrVersionConflict):
		return CodedError(http.StatusConflict, err)
	case errors.Is(err, chat.ErrGenerationInProgress):
		return CodedError(http.StatusConflict, err)
	case errors.Is(err, store.ErrAPIKeyNotFound):
		// Misconfiguration, not a caller mistake.
		return CodedError(http.StatusInternalServerError, err)
	default:
		return err
	}
}
